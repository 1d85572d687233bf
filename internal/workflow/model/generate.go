// Package model 工作流层的模型调用输入输出
package model

import (
	"time"

	"github.com/cloudwego/eino/schema"
)

// GenerateInput 一次非流式模型调用
type GenerateInput struct {
	Workflow  string
	ChapterID string
	BeatIndex int
	Provider  string
	Model     string

	Messages []*schema.Message

	Temperature *float32
	MaxTokens   *int
}

// GenerateOutput 模型回复与用量
type GenerateOutput struct {
	Content string
	Meta    LLMUsageMeta
}

// LLMUsageMeta 提供方未返回用量时 token 数为 0
type LLMUsageMeta struct {
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	GeneratedAt      time.Time
}

func (m LLMUsageMeta) TotalTokens() int {
	return m.PromptTokens + m.CompletionTokens
}
