// Package usage 记录模型调用用量
package usage

import (
	"context"
	"fmt"
	"strings"

	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/domain/repository"
	"z-novel-narrator/internal/domain/service"
	"z-novel-narrator/pkg/logger"
)

// Recorder 将 eino 回调上报的用量写入流水表
type Recorder struct {
	usageRepo repository.LLMUsageEventRepository
}

func NewRecorder(usageRepo repository.LLMUsageEventRepository) *Recorder {
	return &Recorder{usageRepo: usageRepo}
}

// Record 写入一条用量流水，失败只记日志不影响调用方
func (r *Recorder) Record(ctx context.Context, in service.LLMUsageInput) error {
	if r == nil || r.usageRepo == nil {
		return nil
	}
	if in.PromptTokens < 0 || in.CompletionTokens < 0 {
		return fmt.Errorf("invalid token usage")
	}

	evt := &entity.LLMUsageEvent{
		ChapterID:        in.Scope.ChapterID,
		BeatIndex:        in.Scope.BeatIndex,
		Workflow:         in.Scope.WorkflowLabel(),
		Provider:         in.Scope.ProviderLabel(),
		Model:            strings.TrimSpace(in.Model),
		TokensPrompt:     in.PromptTokens,
		TokensCompletion: in.CompletionTokens,
		DurationMs:       in.DurationMs,
	}
	if err := r.usageRepo.Create(ctx, evt); err != nil {
		logger.Warn(ctx, "failed to record llm usage", "error", err.Error(), "workflow", evt.Workflow)
	}
	return nil
}

// ChapterUsage 章节累计用量
type ChapterUsage struct {
	ChapterID        string `json:"chapter_id"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// Summarize 汇总章节累计用量
func (r *Recorder) Summarize(ctx context.Context, chapterID string) (*ChapterUsage, error) {
	out := &ChapterUsage{ChapterID: chapterID}
	if r == nil || r.usageRepo == nil {
		return out, nil
	}
	p, c, err := r.usageRepo.SumTokensByChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	out.PromptTokens = p
	out.CompletionTokens = c
	out.TotalTokens = p + c
	return out, nil
}
