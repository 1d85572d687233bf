package service

import (
	"context"

	"z-novel-narrator/internal/domain/entity"
)

// Lease 已获得的章节写锁
type Lease interface {
	Release(ctx context.Context) error
}

// ChapterLocker 保证同一章节同时只有一个运行
// 章节已被占用时 Acquire 立即返回 ChapterBusy，不排队
type ChapterLocker interface {
	Acquire(ctx context.Context, chapterID string) (Lease, error)
}

// EventPublisher 推送章节事件
type EventPublisher interface {
	Publish(ctx context.Context, event *entity.NarrationEvent) error
}

// CancelSignal 跨进程传递取消请求，运行所在进程在节拍之间检查
type CancelSignal interface {
	Request(ctx context.Context, chapterID string) error
	Requested(ctx context.Context, chapterID string) (bool, error)
	Clear(ctx context.Context, chapterID string) error
}
