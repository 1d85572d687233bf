package handler

import (
	"context"
	"errors"
	"io"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/domain/repository"
	"z-novel-narrator/internal/interfaces/http/dto"
	"z-novel-narrator/pkg/logger"
)

// EventHandler 章节事件推送处理器
type EventHandler struct {
	chapterRepo repository.ChapterRepository
	subscriber  EventSubscriber
}

// NewEventHandler 创建事件处理器
func NewEventHandler(chapterRepo repository.ChapterRepository, subscriber EventSubscriber) *EventHandler {
	return &EventHandler{
		chapterRepo: chapterRepo,
		subscriber:  subscriber,
	}
}

type streamedEvent struct {
	id    string
	event *entity.NarrationEvent
}

// StreamEvents 通过 SSE 推送章节事件
// @Summary 订阅章节事件
// @Description 推送日志条目、事实更新、调用记录与运行状态；支持 Last-Event-ID 断点续传
// @Tags Narration
// @Produce text/event-stream
// @Param cid path string true "章节 ID"
// @Success 200 "SSE stream"
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/chapters/{cid}/events [get]
func (h *EventHandler) StreamEvents(c *gin.Context) {
	ctx := c.Request.Context()
	chapterID := dto.BindChapterID(c)

	if h.subscriber == nil {
		dto.Error(c, 501, "event stream not configured")
		return
	}
	chapter, err := h.chapterRepo.GetByID(ctx, chapterID)
	if err != nil {
		logger.Error(ctx, "failed to get chapter", err)
		dto.InternalError(c, "failed to get chapter")
		return
	}
	if chapter == nil {
		dto.NotFound(c, "chapter not found")
		return
	}

	lastID := c.GetHeader("Last-Event-ID")
	if lastID == "" {
		lastID = c.Query("last_event_id")
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := make(chan streamedEvent)
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.subscriber.Subscribe(subCtx, chapterID, lastID, func(id string, evt *entity.NarrationEvent) error {
			select {
			case events <- streamedEvent{id: id, event: evt}:
				return nil
			case <-subCtx.Done():
				return subCtx.Err()
			}
		})
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		select {
		case e := <-events:
			c.Render(-1, sseEvent(e))
			return true

		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn(ctx, "event subscription ended", "chapter_id", chapterID, "error", err.Error())
				c.SSEvent("error", gin.H{"message": "event stream interrupted"})
			}
			return false

		case <-ctx.Done():
			// 客户端断开
			return false
		}
	})
}

// sseEvent 带 id 的 SSE 事件，客户端重连时以 Last-Event-ID 续传
func sseEvent(e streamedEvent) sse.Event {
	return sse.Event{
		Id:    e.id,
		Event: string(e.event.Type),
		Data:  e.event,
	}
}
