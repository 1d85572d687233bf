// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/domain/repository"
)

// KnowledgeRepository 知识库仓储实现
// 日志、事实、事实更新、节拍标记与调用记录分表存储，一次变更集在同一事务内写入
type KnowledgeRepository struct {
	client *Client
}

// NewKnowledgeRepository 创建知识库仓储
func NewKnowledgeRepository(client *Client) *KnowledgeRepository {
	return &KnowledgeRepository{client: client}
}

// Load 读取章节全部知识库状态
func (r *KnowledgeRepository) Load(ctx context.Context, chapterID string) (*repository.KnowledgeState, error) {
	ctx, span := tracer.Start(ctx, "postgres.KnowledgeRepository.Load")
	defer span.End()

	db := getDB(ctx, r.client.db)
	state := &repository.KnowledgeState{}

	steps := []struct {
		name  string
		dest  any
		order string
	}{
		{"log items", &state.Items, "sequence ASC"},
		{"facts", &state.Facts, "created_at ASC, source_sequence ASC"},
		{"fact updates", &state.Updates, "from_sequence ASC"},
		{"beat marks", &state.Marks, "beat_index ASC"},
		{"call records", &state.Calls, "started_at ASC"},
	}
	for _, s := range steps {
		if err := db.Where("chapter_id = ?", chapterID).Order(s.order).Find(s.dest).Error; err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to load %s: %w", s.name, err)
		}
	}
	return state, nil
}

// Commit 在单个事务中写入变更集，先删除后写入
func (r *KnowledgeRepository) Commit(ctx context.Context, m *repository.KnowledgeMutation) error {
	ctx, span := tracer.Start(ctx, "postgres.KnowledgeRepository.Commit")
	defer span.End()

	err := getDB(ctx, r.client.db).Transaction(func(tx *gorm.DB) error {
		if m.TruncateFrom > 0 {
			if err := tx.Where("chapter_id = ? AND sequence >= ?", m.ChapterID, m.TruncateFrom).
				Delete(&entity.LogItem{}).Error; err != nil {
				return fmt.Errorf("truncate log items: %w", err)
			}
		}
		if len(m.AppendItems) > 0 {
			if err := tx.Create(m.AppendItems).Error; err != nil {
				return fmt.Errorf("append log items: %w", err)
			}
		}

		if len(m.DeleteFactIDs) > 0 {
			if err := tx.Where("id IN ?", m.DeleteFactIDs).Delete(&entity.Fact{}).Error; err != nil {
				return fmt.Errorf("delete facts: %w", err)
			}
		}
		if len(m.UpsertFacts) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(m.UpsertFacts).Error; err != nil {
				return fmt.Errorf("upsert facts: %w", err)
			}
		}

		if len(m.DeleteUpdateIDs) > 0 {
			if err := tx.Where("id IN ?", m.DeleteUpdateIDs).Delete(&entity.FactUpdate{}).Error; err != nil {
				return fmt.Errorf("delete fact updates: %w", err)
			}
		}
		if len(m.PutUpdates) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(m.PutUpdates).Error; err != nil {
				return fmt.Errorf("put fact updates: %w", err)
			}
		}

		if m.DeleteMarksFrom >= 0 {
			if err := tx.Where("chapter_id = ? AND beat_index >= ?", m.ChapterID, m.DeleteMarksFrom).
				Delete(&entity.BeatMark{}).Error; err != nil {
				return fmt.Errorf("delete beat marks: %w", err)
			}
		}
		if len(m.PutMarks) > 0 {
			if err := tx.Create(m.PutMarks).Error; err != nil {
				return fmt.Errorf("put beat marks: %w", err)
			}
		}

		if len(m.Calls) > 0 {
			if err := tx.Create(m.Calls).Error; err != nil {
				return fmt.Errorf("append call records: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit knowledge mutation: %w", err)
	}
	return nil
}

var _ repository.KnowledgeRepository = (*KnowledgeRepository)(nil)
