// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"z-novel-narrator/internal/domain/entity"
)

// ChapterRepository 章节仓储接口
type ChapterRepository interface {
	// Create 创建章节
	Create(ctx context.Context, chapter *entity.Chapter) error

	// GetByID 根据 ID 获取章节，不存在时返回 nil, nil
	GetByID(ctx context.Context, id string) (*entity.Chapter, error)

	// List 分页获取章节列表（按创建时间倒序）
	List(ctx context.Context, pagination Pagination) (*PagedResult[*entity.Chapter], error)

	// UpdateStatus 更新章节状态
	UpdateStatus(ctx context.Context, id string, status entity.ChapterStatus) error
}

// RunRepository 运行记录仓储接口
type RunRepository interface {
	// Save 新建或更新运行记录
	Save(ctx context.Context, run *entity.Run) error

	// GetByID 根据 ID 获取运行记录
	GetByID(ctx context.Context, id string) (*entity.Run, error)

	// LatestByChapter 获取章节最近一次运行
	LatestByChapter(ctx context.Context, chapterID string) (*entity.Run, error)
}
