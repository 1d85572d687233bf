package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"z-novel-narrator/internal/domain/service"
	apperrors "z-novel-narrator/pkg/errors"
	"z-novel-narrator/pkg/logger"
)

// 只有持有者本人可以释放或续期
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// ChapterLocker 基于 SET NX PX 的跨进程章节锁
// 持有期间按 TTL 的三分之一周期续期，进程退出后锁在 TTL 到期时自动释放
type ChapterLocker struct {
	client *Client
	ttl    time.Duration
}

// NewChapterLocker 创建章节锁
func NewChapterLocker(client *Client, ttl time.Duration) *ChapterLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ChapterLocker{client: client, ttl: ttl}
}

// BuildChapterLockKey 构建章节锁键
func BuildChapterLockKey(chapterID string) string {
	return fmt.Sprintf("lock:chapter:%s", chapterID)
}

// Acquire 获取章节锁，已被占用时返回 ChapterBusy
func (l *ChapterLocker) Acquire(ctx context.Context, chapterID string) (service.Lease, error) {
	key := BuildChapterLockKey(chapterID)
	ctx, span := tracer.Start(ctx, "redis.ChapterLocker.Acquire",
		trace.WithAttributes(attribute.String("redis.key", key)))
	defer span.End()

	token := uuid.NewString()
	ok, err := l.client.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		span.RecordError(err)
		return nil, apperrors.Wrap(err, apperrors.CodeCacheError, "acquire chapter lock failed")
	}
	if !ok {
		return nil, apperrors.ErrChapterBusy.WithDetail("chapter " + chapterID + " has an active run")
	}

	lease := &lease{
		client: l.client,
		key:    key,
		token:  token,
		ttl:    l.ttl,
		stop:   make(chan struct{}),
	}
	go lease.keepAlive(context.WithoutCancel(ctx))
	return lease, nil
}

type lease struct {
	client *Client
	key    string
	token  string
	ttl    time.Duration

	once sync.Once
	stop chan struct{}
}

func (l *lease) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			n, err := refreshScript.Run(ctx, l.client.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
			if err != nil {
				logger.Warn(ctx, "failed to refresh chapter lock", "key", l.key, "error", err.Error())
				continue
			}
			if n == 0 {
				logger.Warn(ctx, "chapter lock lost", "key", l.key)
				return
			}
		}
	}
}

// Release 释放锁，多次调用只生效一次
func (l *lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		ctx, span := tracer.Start(ctx, "redis.ChapterLocker.Release",
			trace.WithAttributes(attribute.String("redis.key", l.key)))
		defer span.End()
		if rerr := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.token).Err(); rerr != nil {
			span.RecordError(rerr)
			err = fmt.Errorf("release chapter lock: %w", rerr)
		}
	})
	return err
}

var _ service.ChapterLocker = (*ChapterLocker)(nil)
