package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"z-novel-narrator/pkg/logger"
	"z-novel-narrator/pkg/metrics"
)

var tracer = otel.Tracer("messaging")

const defaultStreamMaxLen = 100000

// Producer 向 Redis Stream 追加消息，流长度按 maxLen 近似裁剪
type Producer struct {
	client *redis.Client
	maxLen int64
}

func NewProducer(client *redis.Client, maxLen int64) *Producer {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &Producer{client: client, maxLen: maxLen}
}

// Publish 返回 Redis 分配的条目 ID
func (p *Producer) Publish(ctx context.Context, stream Stream, msg *Message) (string, error) {
	ctx, span := tracer.Start(ctx, "producer.Publish", trace.WithAttributes(
		attribute.String("stream", string(stream)),
		attribute.String("message.type", msg.Type),
		attribute.String("narration.chapter_id", msg.ChapterID),
	))
	defer span.End()

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(stream),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"data": string(data)},
	}).Result()
	if err != nil {
		span.RecordError(err)
		metrics.RedisStreamProcessed.WithLabelValues(string(stream), "publish_failed").Inc()
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	metrics.RedisStreamProcessed.WithLabelValues(string(stream), "published").Inc()
	span.SetAttributes(attribute.String("stream.entry_id", id))
	return id, nil
}

// PublishJob 投递叙事任务，request_id 优先取任务自身，其次取请求上下文
func (p *Producer) PublishJob(ctx context.Context, job *NarrationJobMessage) (string, error) {
	msg, err := NewMessage(job.JobID, job.Action, job.ChapterID, job)
	if err != nil {
		return "", err
	}
	requestID := job.RequestID
	if requestID == "" {
		requestID, _ = ctx.Value(logger.RequestIDKey).(string)
	}
	if requestID != "" {
		msg.SetMetadata("request_id", requestID)
	}
	id, err := p.Publish(ctx, StreamNarrationJobs, msg)
	if err != nil {
		return "", err
	}
	logger.Info(ctx, "narration job queued",
		"job_id", job.JobID,
		"action", job.Action,
		"chapter_id", job.ChapterID,
		"entry_id", id,
	)
	return id, nil
}
