package repository

import (
	"context"

	"z-novel-narrator/internal/domain/entity"
)

// LLMUsageEventRepository 用量流水只追加，章节截断不会删除
type LLMUsageEventRepository interface {
	Create(ctx context.Context, event *entity.LLMUsageEvent) error
	SumTokensByChapter(ctx context.Context, chapterID string) (prompt int64, completion int64, err error)
}
