package entity

import (
	"encoding/json"
	"time"
)

// NarrationEventType 章节事件类型
type NarrationEventType string

const (
	EventRunStatus    NarrationEventType = "run.status"
	EventLogItems     NarrationEventType = "log.items"
	EventFactUpdate   NarrationEventType = "facts.update"
	EventCallRecord   NarrationEventType = "call.record"
	EventLogTruncated NarrationEventType = "log.truncated"
)

// NarrationEvent 推送给订阅方的章节事件
type NarrationEvent struct {
	Type      NarrationEventType `json:"type"`
	ChapterID string             `json:"chapter_id"`
	RunID     string             `json:"run_id,omitempty"`
	BeatIndex int                `json:"beat_index"`
	Payload   json.RawMessage    `json:"payload"`
	CreatedAt time.Time          `json:"created_at"`
}

// NewNarrationEvent 构造事件，payload 序列化失败时返回错误
func NewNarrationEvent(typ NarrationEventType, chapterID, runID string, beatIndex int, payload any) (*NarrationEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &NarrationEvent{
		Type:      typ,
		ChapterID: chapterID,
		RunID:     runID,
		BeatIndex: beatIndex,
		Payload:   raw,
		CreatedAt: time.Now(),
	}, nil
}
