// Package handler 提供 HTTP 请求处理器
package handler

import (
	"context"

	"z-novel-narrator/internal/application/narration/knowledge"
	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/infrastructure/messaging"
)

// NarrationRunner 章节生成入口，由 sequencer.Sequencer 实现
type NarrationRunner interface {
	GenerateBeat(ctx context.Context, chapterID string, beatIndex int) (*entity.Run, error)
	GenerateSequence(ctx context.Context, chapterID string) (*entity.Run, error)
	Start(ctx context.Context, chapterID string, mode entity.RunMode, beatIndex int) (*entity.Run, error)
	Cancel(ctx context.Context, chapterID string) (*entity.Run, error)
	ActiveRun(chapterID string) *entity.Run
	TruncateFromBeat(ctx context.Context, chapterID string, beatIndex int) (*knowledge.TruncateResult, error)
}

// JobDispatcher 将生成请求投递给 worker，为 nil 时异步请求在本进程执行
type JobDispatcher interface {
	PublishJob(ctx context.Context, job *messaging.NarrationJobMessage) (string, error)
}

// EventSubscriber 订阅章节事件流
type EventSubscriber interface {
	Subscribe(ctx context.Context, chapterID, lastID string, fn messaging.EventHandler) error
}

// jobAction 运行模式对应的任务类型
func jobAction(mode entity.RunMode) string {
	if mode == entity.RunModeSingle {
		return messaging.JobGenerateBeat
	}
	return messaging.JobGenerateSequence
}
