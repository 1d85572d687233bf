package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/domain/service"
	"z-novel-narrator/pkg/logger"
	"z-novel-narrator/pkg/metrics"
)

// EventBus 将章节事件写入每章一条的 Redis Stream，订阅方按消息 ID 续读
type EventBus struct {
	client *redis.Client
	maxLen int64
	ttl    time.Duration
	block  time.Duration
}

// NewEventBus 创建事件总线
func NewEventBus(client *redis.Client, maxLen int64, ttl time.Duration) *EventBus {
	if maxLen <= 0 {
		maxLen = 5000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &EventBus{client: client, maxLen: maxLen, ttl: ttl, block: 5 * time.Second}
}

// Publish 写入事件并刷新流的过期时间
func (b *EventBus) Publish(ctx context.Context, event *entity.NarrationEvent) error {
	stream := EventStream(event.ChapterID)
	ctx, span := tracer.Start(ctx, "eventbus.Publish",
		trace.WithAttributes(
			attribute.String("stream", string(stream)),
			attribute.String("event.type", string(event.Type)),
		))
	defer span.End()

	data, err := json.Marshal(event)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: string(stream),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	})
	pipe.Expire(ctx, string(stream), b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		metrics.RedisStreamProcessed.WithLabelValues("events", "publish_failed").Inc()
		return fmt.Errorf("failed to publish event: %w", err)
	}
	metrics.RedisStreamProcessed.WithLabelValues("events", "published").Inc()
	return nil
}

// EventHandler 处理一条事件，id 为流消息 ID，可作为续读位置
type EventHandler func(id string, event *entity.NarrationEvent) error

// Subscribe 从 lastID 之后开始读取章节事件直到 ctx 结束或 fn 返回错误
// lastID 为空时只接收订阅之后的新事件
func (b *EventBus) Subscribe(ctx context.Context, chapterID, lastID string, fn EventHandler) error {
	stream := string(EventStream(chapterID))
	if lastID == "" {
		lastID = "$"
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		res, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   50,
			Block:   b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read events: %w", err)
		}
		for _, s := range res {
			for _, xmsg := range s.Messages {
				lastID = xmsg.ID
				raw, ok := xmsg.Values["data"].(string)
				if !ok {
					continue
				}
				var evt entity.NarrationEvent
				if err := json.Unmarshal([]byte(raw), &evt); err != nil {
					logger.Warn(ctx, "skipping malformed event", "message_id", xmsg.ID, "error", err.Error())
					continue
				}
				if err := fn(xmsg.ID, &evt); err != nil {
					return err
				}
			}
		}
	}
}

var _ service.EventPublisher = (*EventBus)(nil)
