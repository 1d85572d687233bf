package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"z-novel-narrator/internal/domain/entity"
	wfmodel "z-novel-narrator/internal/workflow/model"
)

// scriptedGenerator 按顺序返回预设结果，nil 步骤表示阻塞到超时
type scriptedGenerator struct {
	mu    sync.Mutex
	steps []func(ctx context.Context) (*wfmodel.GenerateOutput, error)
	calls int
}

func (g *scriptedGenerator) Generate(ctx context.Context, _ *wfmodel.GenerateInput) (*wfmodel.GenerateOutput, error) {
	g.mu.Lock()
	i := g.calls
	g.calls++
	g.mu.Unlock()
	if i >= len(g.steps) {
		return nil, errors.New("unexpected call")
	}
	return g.steps[i](ctx)
}

func hang(ctx context.Context) (*wfmodel.GenerateOutput, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func reply(text string) func(context.Context) (*wfmodel.GenerateOutput, error) {
	return func(context.Context) (*wfmodel.GenerateOutput, error) {
		return &wfmodel.GenerateOutput{Content: text, Meta: wfmodel.LLMUsageMeta{PromptTokens: 30, CompletionTokens: 10}}, nil
	}
}

func fail(msg string) func(context.Context) (*wfmodel.GenerateOutput, error) {
	return func(context.Context) (*wfmodel.GenerateOutput, error) {
		return nil, errors.New(msg)
	}
}

type memRecorder struct {
	records []entity.CallRecord
	err     error
}

func (r *memRecorder) RecordCall(_ context.Context, rec *entity.CallRecord) error {
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, *rec)
	return nil
}

func testConfig() Config {
	return Config{
		CallTimeout:     20 * time.Millisecond,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

func request() Request {
	return Request{
		Kind:      entity.CallKindNarration,
		ChapterID: "ch-1",
		RunID:     "run-1",
		BeatIndex: 2,
		Provider:  "openai",
		Messages:  []*schema.Message{schema.SystemMessage("rules"), schema.UserMessage("beat")},
	}
}

func TestExecute_TimeoutTwiceThenSuccess(t *testing.T) {
	gen := &scriptedGenerator{steps: []func(context.Context) (*wfmodel.GenerateOutput, error){hang, hang, reply("done")}}
	rec := &memRecorder{}

	res, err := New(gen, testConfig()).Execute(context.Background(), request(), rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "done", res.Text)
	assert.Equal(t, 3, res.Attempts)

	require.Len(t, rec.records, 3)
	for i, r := range rec.records[:2] {
		assert.Equal(t, entity.CallOutcomeFailure, r.Outcome)
		assert.True(t, r.Retryable)
		assert.Contains(t, r.Reason, "timeout")
		assert.Equal(t, i, r.RetryCount)
	}
	last := rec.records[2]
	assert.Equal(t, entity.CallOutcomeSuccess, last.Outcome)
	assert.Equal(t, 2, last.RetryCount)
	assert.Equal(t, "done", last.Response)
	assert.Equal(t, 30, last.PromptTokens)
	assert.Equal(t, "[SYSTEM]\nrules\n\n[USER]\nbeat", last.Prompt)
	assert.Equal(t, 2, last.BeatIndex)
	assert.Equal(t, "run-1", last.RunID)
}

func TestExecute_FatalIsNotRetried(t *testing.T) {
	gen := &scriptedGenerator{steps: []func(context.Context) (*wfmodel.GenerateOutput, error){
		fail("error, status code: 400, message: context_length_exceeded"),
	}}
	rec := &memRecorder{}

	res, err := New(gen, testConfig()).Execute(context.Background(), request(), rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFatal, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	require.Len(t, rec.records, 1)
	assert.False(t, rec.records[0].Retryable)
	assert.Contains(t, res.Reason, "status code: 400")
}

func TestExecute_RetriesExhaustedBecomeFatal(t *testing.T) {
	gen := &scriptedGenerator{steps: []func(context.Context) (*wfmodel.GenerateOutput, error){
		fail("error, status code: 503"), fail("error, status code: 503"), fail("error, status code: 503"),
	}}
	rec := &memRecorder{}

	res, err := New(gen, testConfig()).Execute(context.Background(), request(), rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFatal, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, rec.records, 3)
	assert.Contains(t, res.Reason, "retries exhausted")
}

func TestExecute_EmptyResponseIsRetried(t *testing.T) {
	gen := &scriptedGenerator{steps: []func(context.Context) (*wfmodel.GenerateOutput, error){reply("  "), reply("ok")}}
	rec := &memRecorder{}

	res, err := New(gen, testConfig()).Execute(context.Background(), request(), rec)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	require.Len(t, rec.records, 2)
	assert.Equal(t, "empty llm response", rec.records[0].Reason)
}

func TestExecute_ParentCancellationDoesNotAbortCall(t *testing.T) {
	gen := &scriptedGenerator{steps: []func(context.Context) (*wfmodel.GenerateOutput, error){reply("still here")}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New(gen, testConfig()).Execute(ctx, request(), &memRecorder{})
	require.NoError(t, err)
	assert.Equal(t, "still here", res.Text)
}

func TestExecute_RecorderFailure(t *testing.T) {
	gen := &scriptedGenerator{steps: []func(context.Context) (*wfmodel.GenerateOutput, error){reply("x")}}
	_, err := New(gen, testConfig()).Execute(context.Background(), request(), &memRecorder{err: errors.New("db down")})
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, 1, c.MaxAttempts)
	assert.Equal(t, 2*time.Minute, c.CallTimeout)
	assert.Equal(t, float64(2), c.Multiplier)
}

func TestRetryBudget_CoversEveryAttempt(t *testing.T) {
	// 十次两分钟的尝试超过了 backoff 默认的十五分钟上限
	c := Config{CallTimeout: 2 * time.Minute, MaxAttempts: 10, MaxInterval: 30 * time.Second}.withDefaults()
	worst := 10*c.CallTimeout + 9*c.MaxInterval
	assert.Greater(t, c.retryBudget(), worst)
	assert.Greater(t, c.retryBudget(), 15*time.Minute)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "fatal", OutcomeFatal.String())
}

func TestExecute_ValidationFailureIsRecordedOnce(t *testing.T) {
	gen := &scriptedGenerator{steps: []func(context.Context) (*wfmodel.GenerateOutput, error){reply("no block here")}}
	rec := &memRecorder{}
	invalid := errors.New("missing block")

	req := request()
	req.Validate = func(string) error { return invalid }
	res, err := New(gen, testConfig()).Execute(context.Background(), req, rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFatal, res.Outcome)
	assert.ErrorIs(t, res.Invalid, invalid)
	require.Len(t, rec.records, 1)
	assert.Equal(t, entity.CallOutcomeFailure, rec.records[0].Outcome)
	assert.Equal(t, "no block here", rec.records[0].Response)
	assert.Equal(t, "missing block", rec.records[0].Reason)
}
