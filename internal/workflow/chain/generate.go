package chain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"

	llmctx "z-novel-narrator/internal/domain/service"
	wfmodel "z-novel-narrator/internal/workflow/model"
	workflowport "z-novel-narrator/internal/workflow/port"
)

// ErrEmptyResponse 模型返回了空内容
var ErrEmptyResponse = fmt.Errorf("empty llm response")

// GenerateChain 负责单次非流式模型调用
type GenerateChain struct {
	factory workflowport.ChatModelFactory
}

func NewGenerateChain(factory workflowport.ChatModelFactory) *GenerateChain {
	return &GenerateChain{factory: factory}
}

func (c *GenerateChain) Generate(ctx context.Context, in *wfmodel.GenerateInput) (*wfmodel.GenerateOutput, error) {
	if c == nil || c.factory == nil {
		return nil, fmt.Errorf("llm factory not configured")
	}
	if in == nil {
		return nil, fmt.Errorf("input is nil")
	}
	if len(in.Messages) == 0 {
		return nil, fmt.Errorf("messages are required")
	}

	provider := strings.TrimSpace(in.Provider)
	ctx = llmctx.WithCallScope(ctx, llmctx.CallScope{
		Workflow:  in.Workflow,
		Provider:  provider,
		ChapterID: in.ChapterID,
		BeatIndex: in.BeatIndex,
	})
	chatModel, err := c.factory.Get(ctx, provider)
	if err != nil {
		return nil, err
	}

	outMsg, err := chatModel.Generate(ctx, in.Messages, buildModelOptions(in)...)
	if err != nil {
		return nil, err
	}
	if outMsg == nil || strings.TrimSpace(outMsg.Content) == "" {
		return nil, ErrEmptyResponse
	}

	out := &wfmodel.GenerateOutput{
		Content: outMsg.Content,
		Meta: wfmodel.LLMUsageMeta{
			Provider:    provider,
			Model:       strings.TrimSpace(in.Model),
			GeneratedAt: time.Now(),
		},
	}
	if outMsg.ResponseMeta != nil && outMsg.ResponseMeta.Usage != nil {
		out.Meta.PromptTokens = outMsg.ResponseMeta.Usage.PromptTokens
		out.Meta.CompletionTokens = outMsg.ResponseMeta.Usage.CompletionTokens
	}
	return out, nil
}

func buildModelOptions(in *wfmodel.GenerateInput) []model.Option {
	opts := make([]model.Option, 0, 3)
	if in.Temperature != nil {
		opts = append(opts, model.WithTemperature(*in.Temperature))
	}
	if in.MaxTokens != nil {
		opts = append(opts, model.WithMaxTokens(*in.MaxTokens))
	}
	if m := strings.TrimSpace(in.Model); m != "" {
		opts = append(opts, model.WithModel(m))
	}
	return opts
}
