package usage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/domain/service"
)

type fakeUsageRepo struct {
	events []*entity.LLMUsageEvent
	err    error
}

func (f *fakeUsageRepo) Create(_ context.Context, e *entity.LLMUsageEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeUsageRepo) SumTokensByChapter(_ context.Context, chapterID string) (int64, int64, error) {
	var p, c int64
	for _, e := range f.events {
		if e.ChapterID == chapterID {
			p += int64(e.TokensPrompt)
			c += int64(e.TokensCompletion)
		}
	}
	return p, c, nil
}

func TestRecorder_RecordAndSummarize(t *testing.T) {
	ctx := context.Background()
	repo := &fakeUsageRepo{}
	r := NewRecorder(repo)

	scope := service.CallScopeFrom(service.WithCallScope(ctx, service.CallScope{
		ChapterID: " ch-1 ", Workflow: service.WorkflowNarration, Provider: "openai", BeatIndex: 3,
	}))
	require.NoError(t, r.Record(ctx, service.LLMUsageInput{
		Scope: scope, Model: " gpt ", PromptTokens: 100, CompletionTokens: 40,
	}))
	require.NoError(t, r.Record(ctx, service.LLMUsageInput{
		Scope:        service.CallScope{ChapterID: "ch-1", Workflow: service.WorkflowFactExtraction, BeatIndex: 3},
		PromptTokens: 10, CompletionTokens: 5,
	}))
	require.Len(t, repo.events, 2)
	assert.Equal(t, "ch-1", repo.events[0].ChapterID)
	assert.Equal(t, 3, repo.events[0].BeatIndex)
	assert.Equal(t, "gpt", repo.events[0].Model)
	assert.Equal(t, "unknown", repo.events[1].Provider)

	sum, err := r.Summarize(ctx, "ch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(110), sum.PromptTokens)
	assert.Equal(t, int64(155), sum.TotalTokens)
}

func TestRecorder_BestEffort(t *testing.T) {
	r := NewRecorder(&fakeUsageRepo{err: errors.New("db down")})
	assert.NoError(t, r.Record(context.Background(), service.LLMUsageInput{Scope: service.CallScope{ChapterID: "ch-1"}}))
	assert.Error(t, r.Record(context.Background(), service.LLMUsageInput{PromptTokens: -1}))

	var nilRecorder *Recorder
	assert.NoError(t, nilRecorder.Record(context.Background(), service.LLMUsageInput{}))
}
