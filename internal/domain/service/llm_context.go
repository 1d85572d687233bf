package service

import (
	"context"
	"strings"
)

// 工作流名称，与 CallRecord.Kind 一致
const (
	WorkflowNarration      = "narration"
	WorkflowFactExtraction = "fact_extraction"
)

const unknownLabel = "unknown"

// CallScope 一次模型调用的归属，随 context 传给 eino 回调
type CallScope struct {
	Workflow  string
	Provider  string
	ChapterID string
	// BeatIndex 为 -1 表示不属于任何节拍
	BeatIndex int
}

type callScopeKey struct{}

// WithCallScope 空白字段会被清理，已有的作用域被整体替换
func WithCallScope(ctx context.Context, scope CallScope) context.Context {
	scope.Workflow = strings.TrimSpace(scope.Workflow)
	scope.Provider = strings.TrimSpace(scope.Provider)
	scope.ChapterID = strings.TrimSpace(scope.ChapterID)
	return context.WithValue(ctx, callScopeKey{}, scope)
}

// CallScopeFrom 未设置时返回 BeatIndex=-1 的空作用域
func CallScopeFrom(ctx context.Context) CallScope {
	if ctx != nil {
		if s, ok := ctx.Value(callScopeKey{}).(CallScope); ok {
			return s
		}
	}
	return CallScope{BeatIndex: -1}
}

// WorkflowLabel 指标标签，缺失时为 unknown
func (s CallScope) WorkflowLabel() string {
	if s.Workflow == "" {
		return unknownLabel
	}
	return s.Workflow
}

func (s CallScope) ProviderLabel() string {
	if s.Provider == "" {
		return unknownLabel
	}
	return s.Provider
}
