package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/domain/repository"
	"z-novel-narrator/pkg/logger"
)

var cacheTracer = otel.Tracer("redis.cache")

// Cache 缓存服务
type Cache struct {
	client *Client
	group  singleflight.Group
}

// NewCache 创建缓存服务
func NewCache(client *Client) *Cache {
	return &Cache{
		client: client,
	}
}

// GetOrLoad 读穿缓存，使用 singleflight 合并同一键的并发加载
// loader 返回 nil 时不写缓存
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader func() (interface{}, error)) ([]byte, error) {
	ctx, span := cacheTracer.Start(ctx, "cache.GetOrLoad",
		trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	val, err := c.client.rdb.Get(ctx, key).Bytes()
	if err == nil {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return val, nil
	}
	if !IsNil(err) {
		// 缓存不可用时直接回源
		span.RecordError(err)
		logger.Warn(ctx, "cache read failed", "key", key, "error", err.Error())
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	result, err, shared := c.group.Do(key, func() (interface{}, error) {
		data, err := loader()
		if err != nil {
			return nil, err
		}
		if data == nil {
			return []byte(nil), nil
		}
		bytes, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		if err := c.client.rdb.Set(ctx, key, bytes, ttl).Err(); err != nil {
			logger.Warn(ctx, "cache write failed", "key", key, "error", err.Error())
		}
		return bytes, nil
	})
	span.SetAttributes(attribute.Bool("cache.shared", shared))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result.([]byte), nil
}

// Delete 删除缓存
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	ctx, span := cacheTracer.Start(ctx, "cache.Delete",
		trace.WithAttributes(attribute.Int("cache.key_count", len(keys))))
	defer span.End()

	return c.client.rdb.Del(ctx, keys...).Err()
}

// BuildChapterCacheKey 构建章节缓存键
func BuildChapterCacheKey(chapterID string) string {
	return fmt.Sprintf("chapter:%s", chapterID)
}

// CachedChapterRepository 为章节读取加缓存，写入时失效
type CachedChapterRepository struct {
	repository.ChapterRepository
	cache *Cache
	ttl   time.Duration
}

// NewCachedChapterRepository 包装章节仓储
func NewCachedChapterRepository(inner repository.ChapterRepository, cache *Cache, ttl time.Duration) *CachedChapterRepository {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedChapterRepository{ChapterRepository: inner, cache: cache, ttl: ttl}
}

func (r *CachedChapterRepository) GetByID(ctx context.Context, id string) (*entity.Chapter, error) {
	raw, err := r.cache.GetOrLoad(ctx, BuildChapterCacheKey(id), r.ttl, func() (interface{}, error) {
		chapter, err := r.ChapterRepository.GetByID(ctx, id)
		if err != nil || chapter == nil {
			return nil, err
		}
		return chapter, nil
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var chapter entity.Chapter
	if err := json.Unmarshal(raw, &chapter); err != nil {
		return nil, fmt.Errorf("failed to decode cached chapter: %w", err)
	}
	return &chapter, nil
}

func (r *CachedChapterRepository) UpdateStatus(ctx context.Context, id string, status entity.ChapterStatus) error {
	if err := r.ChapterRepository.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	if err := r.cache.Delete(ctx, BuildChapterCacheKey(id)); err != nil {
		logger.Warn(ctx, "cache invalidation failed", "chapter_id", id, "error", err.Error())
	}
	return nil
}

var _ repository.ChapterRepository = (*CachedChapterRepository)(nil)
