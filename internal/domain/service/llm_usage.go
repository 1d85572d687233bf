package service

import "context"

// LLMUsageInput 一次模型调用的 token 用量，由 eino 回调上报
type LLMUsageInput struct {
	Scope CallScope
	Model string

	PromptTokens     int
	CompletionTokens int
	DurationMs       int
}

// LLMUsageRecorder 写入失败不应影响叙事运行
type LLMUsageRecorder interface {
	Record(ctx context.Context, in LLMUsageInput) error
}
