package sequencer

import (
	"context"

	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/domain/service"
	"z-novel-narrator/pkg/logger"
)

type EventPublisher = service.EventPublisher

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *entity.NarrationEvent) error { return nil }

// LogItemsPayload log.items 事件内容
type LogItemsPayload struct {
	Items []entity.LogItem `json:"items"`
}

// TruncatedPayload log.truncated 事件内容
type TruncatedPayload struct {
	FromSequence int    `json:"from_sequence"`
	RemovedItems int    `json:"removed_items"`
	Reason       string `json:"reason"`
}

// publish 事件推送失败只记录日志，不影响运行
func (s *Sequencer) publish(ctx context.Context, typ entity.NarrationEventType, chapterID, runID string, beatIndex int, payload any) {
	evt, err := entity.NewNarrationEvent(typ, chapterID, runID, beatIndex, payload)
	if err != nil {
		logger.Error(ctx, "failed to build narration event", err, "type", string(typ))
		return
	}
	if err := s.deps.Events.Publish(context.WithoutCancel(ctx), evt); err != nil {
		logger.Warn(ctx, "failed to publish narration event", "type", string(typ), "error", err.Error())
	}
}
