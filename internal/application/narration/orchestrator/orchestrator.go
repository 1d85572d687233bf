// Package orchestrator 执行带超时与重试的模型调用，并为每次尝试写入调用记录
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/attribute"

	"z-novel-narrator/internal/config"
	"z-novel-narrator/internal/domain/entity"
	wfmodel "z-novel-narrator/internal/workflow/model"
	"z-novel-narrator/internal/workflow/node"
	"z-novel-narrator/pkg/logger"
	"z-novel-narrator/pkg/metrics"
	"z-novel-narrator/pkg/tracer"
)

// Outcome 逻辑调用的最终结果
// 暂时性失败只出现在单次尝试上（CallRecord.Retryable），重试耗尽后同样记为 OutcomeFatal
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFatal
)

func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "fatal"
}

// Generator 执行一次模型调用
type Generator interface {
	Generate(ctx context.Context, in *wfmodel.GenerateInput) (*wfmodel.GenerateOutput, error)
}

// Recorder 持久化调用记录
type Recorder interface {
	RecordCall(ctx context.Context, rec *entity.CallRecord) error
}

// Config 重试策略
type Config struct {
	CallTimeout time.Duration
	MaxAttempts int

	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// ConfigFrom 从叙事配置构造重试策略
func ConfigFrom(cfg config.NarrationConfig) Config {
	return Config{
		CallTimeout:     cfg.CallTimeout,
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.Backoff.Initial,
		MaxInterval:     cfg.Backoff.Max,
		Multiplier:      cfg.Backoff.Multiplier,
	}
}

// retryBudget 覆盖全部尝试各自用满超时再加上最长等待间隔，重试只受 MaxAttempts 限制
func (c Config) retryBudget() time.Duration {
	n := time.Duration(c.MaxAttempts)
	return n*c.CallTimeout + n*c.MaxInterval + time.Minute
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Minute
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 2 * time.Second
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	return c
}

// Request 一次逻辑调用
type Request struct {
	Kind      entity.CallKind
	ChapterID string
	RunID     string
	BeatIndex int

	Provider string
	Model    string
	Messages []*schema.Message

	Temperature *float32
	MaxTokens   *int

	// Validate 校验回复内容，返回错误时本次尝试记为失败且不再重试
	Validate func(text string) error
}

// Result 逻辑调用的最终结果
type Result struct {
	Outcome  Outcome
	Text     string
	Reason   string
	Attempts int
	Records  []entity.CallRecord
	// Invalid 回复未通过 Validate 时的校验错误
	Invalid error
}

// Succeeded 是否成功
func (r *Result) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// Orchestrator 模型调用编排
type Orchestrator struct {
	gen Generator
	cfg Config
	now func() time.Time
}

func New(gen Generator, cfg Config) *Orchestrator {
	return &Orchestrator{gen: gen, cfg: cfg.withDefaults(), now: time.Now}
}

// attemptError 携带分类结果的单次失败
type attemptError struct {
	class  node.ErrorClass
	reason string
}

func (e *attemptError) Error() string { return e.reason }

// Execute 执行调用直到成功、遇到不可重试错误或耗尽尝试次数
// 调用不受 ctx 取消影响，只受单次超时约束；返回的 error 仅表示调用记录写入失败
func (o *Orchestrator) Execute(ctx context.Context, req Request, recorder Recorder) (*Result, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("narration.call_kind", string(req.Kind)),
		attribute.String("narration.chapter_id", req.ChapterID),
		attribute.Int("narration.beat_index", req.BeatIndex),
	)

	detached := context.WithoutCancel(ctx)
	prompt := RenderPrompt(req.Messages)
	res := &Result{}
	var recordErr error

	operation := func() (string, error) {
		attempt := res.Attempts
		res.Attempts++

		rec := &entity.CallRecord{
			ChapterID:  req.ChapterID,
			RunID:      req.RunID,
			BeatIndex:  req.BeatIndex,
			Kind:       req.Kind,
			Provider:   req.Provider,
			Model:      req.Model,
			Prompt:     prompt,
			RetryCount: attempt,
			StartedAt:  o.now(),
		}

		text, meta, callErr := o.attempt(detached, req)
		if callErr == nil && req.Validate != nil {
			if verr := req.Validate(text); verr != nil {
				res.Invalid = verr
				callErr = &attemptError{class: node.ErrorFatal, reason: verr.Error()}
			}
		}
		rec.FinishedAt = o.now()
		rec.Response = text
		if meta != nil {
			rec.PromptTokens = meta.PromptTokens
			rec.CompletionTokens = meta.CompletionTokens
			if rec.Model == "" {
				rec.Model = meta.Model
			}
			logger.Debug(ctx, "model call finished",
				"kind", string(req.Kind),
				"provider", meta.Provider,
				"total_tokens", meta.TotalTokens(),
			)
		}

		var opErr error
		if callErr == nil {
			rec.Outcome = entity.CallOutcomeSuccess
		} else {
			rec.Outcome = entity.CallOutcomeFailure
			rec.Reason = callErr.reason
			rec.Retryable = callErr.class == node.ErrorRetryable
			opErr = callErr
			if callErr.class == node.ErrorFatal {
				opErr = backoff.Permanent(callErr)
			}
			logger.Warn(ctx, "model call attempt failed",
				"kind", string(req.Kind),
				"attempt", res.Attempts,
				"class", callErr.class.String(),
				"reason", callErr.reason,
			)
		}
		metrics.LLMCallAttempts.WithLabelValues(string(req.Kind), string(rec.Outcome)).Inc()

		if recorder != nil {
			if err := recorder.RecordCall(detached, rec); err != nil {
				recordErr = err
				return "", backoff.Permanent(err)
			}
		}
		res.Records = append(res.Records, *rec)
		if opErr != nil {
			return "", opErr
		}
		return text, nil
	}

	text, err := backoff.Retry(detached, operation,
		backoff.WithBackOff(o.newBackOff()),
		backoff.WithMaxTries(uint(o.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(o.cfg.retryBudget()),
	)
	if recordErr != nil {
		tracer.RecordError(span, recordErr)
		return nil, fmt.Errorf("record call: %w", recordErr)
	}

	if err == nil {
		res.Outcome = OutcomeSuccess
		res.Text = text
		return res, nil
	}

	var ae *attemptError
	if errors.As(err, &ae) {
		res.Reason = ae.reason
	} else {
		res.Reason = err.Error()
	}
	// 尝试次数耗尽的暂时性失败同样视为致命
	res.Outcome = OutcomeFatal
	if ae != nil && ae.class == node.ErrorRetryable && res.Attempts >= o.cfg.MaxAttempts {
		res.Reason = fmt.Sprintf("retries exhausted after %d attempts: %s", res.Attempts, ae.reason)
	}
	tracer.RecordError(span, err)
	return res, nil
}

func (o *Orchestrator) attempt(ctx context.Context, req Request) (string, *wfmodel.LLMUsageMeta, *attemptError) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	out, err := o.gen.Generate(callCtx, &wfmodel.GenerateInput{
		Workflow:    string(req.Kind),
		ChapterID:   req.ChapterID,
		BeatIndex:   req.BeatIndex,
		Provider:    req.Provider,
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", nil, &attemptError{class: node.ErrorRetryable, reason: fmt.Sprintf("timeout after %s", o.cfg.CallTimeout)}
		}
		return "", nil, &attemptError{class: node.ClassifyLLMError(err), reason: err.Error()}
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		var meta *wfmodel.LLMUsageMeta
		if out != nil {
			meta = &out.Meta
		}
		return "", meta, &attemptError{class: node.ErrorRetryable, reason: "empty llm response"}
	}
	return out.Content, &out.Meta, nil
}

func (o *Orchestrator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialInterval
	b.MaxInterval = o.cfg.MaxInterval
	b.Multiplier = o.cfg.Multiplier
	b.RandomizationFactor = 0
	return b
}

// RenderPrompt 将消息序列展开为调用记录中保存的文本
func RenderPrompt(msgs []*schema.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if m == nil {
			continue
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[")
		b.WriteString(strings.ToUpper(string(m.Role)))
		b.WriteString("]\n")
		b.WriteString(m.Content)
	}
	return b.String()
}
