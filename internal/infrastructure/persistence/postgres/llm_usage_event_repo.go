// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"fmt"

	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/domain/repository"
)

type LLMUsageEventRepository struct {
	client *Client
}

func NewLLMUsageEventRepository(client *Client) *LLMUsageEventRepository {
	return &LLMUsageEventRepository{client: client}
}

func (r *LLMUsageEventRepository) Create(ctx context.Context, event *entity.LLMUsageEvent) error {
	ctx, span := tracer.Start(ctx, "postgres.LLMUsageEventRepository.Create")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Create(event).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create llm usage event: %w", err)
	}
	return nil
}

func (r *LLMUsageEventRepository) SumTokensByChapter(ctx context.Context, chapterID string) (int64, int64, error) {
	ctx, span := tracer.Start(ctx, "postgres.LLMUsageEventRepository.SumTokensByChapter")
	defer span.End()

	db := getDB(ctx, r.client.db)

	var sums struct {
		Prompt     int64
		Completion int64
	}
	if err := db.Model(&entity.LLMUsageEvent{}).
		Where("chapter_id = ?", chapterID).
		Select("COALESCE(SUM(tokens_prompt),0) AS prompt, COALESCE(SUM(tokens_completion),0) AS completion").
		Scan(&sums).Error; err != nil {
		span.RecordError(err)
		return 0, 0, fmt.Errorf("failed to sum llm usage: %w", err)
	}
	return sums.Prompt, sums.Completion, nil
}

var _ repository.LLMUsageEventRepository = (*LLMUsageEventRepository)(nil)
