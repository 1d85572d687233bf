package redis

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"z-novel-narrator/internal/domain/service"
	apperrors "z-novel-narrator/pkg/errors"
)

// CancelSignal 以带 TTL 的键记录取消请求，所有 worker 都能看到
type CancelSignal struct {
	client *Client
	ttl    time.Duration
}

// NewCancelSignal ttl 应覆盖最长的单个节拍耗时
func NewCancelSignal(client *Client, ttl time.Duration) *CancelSignal {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CancelSignal{client: client, ttl: ttl}
}

// BuildCancelKey 构建取消请求键
func BuildCancelKey(chapterID string) string {
	return fmt.Sprintf("cancel:chapter:%s", chapterID)
}

func (c *CancelSignal) Request(ctx context.Context, chapterID string) error {
	key := BuildCancelKey(chapterID)
	ctx, span := tracer.Start(ctx, "redis.CancelSignal.Request",
		trace.WithAttributes(attribute.String("redis.key", key)))
	defer span.End()

	if err := c.client.rdb.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), c.ttl).Err(); err != nil {
		span.RecordError(err)
		return apperrors.Wrap(err, apperrors.CodeCacheError, "request cancel failed")
	}
	return nil
}

func (c *CancelSignal) Requested(ctx context.Context, chapterID string) (bool, error) {
	n, err := c.client.rdb.Exists(ctx, BuildCancelKey(chapterID)).Result()
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.CodeCacheError, "check cancel failed")
	}
	return n > 0, nil
}

func (c *CancelSignal) Clear(ctx context.Context, chapterID string) error {
	if err := c.client.rdb.Del(ctx, BuildCancelKey(chapterID)).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeCacheError, "clear cancel failed")
	}
	return nil
}

var _ service.CancelSignal = (*CancelSignal)(nil)
