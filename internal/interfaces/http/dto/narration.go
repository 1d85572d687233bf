package dto

import (
	"z-novel-narrator/internal/application/narration/knowledge"
	"z-novel-narrator/internal/domain/entity"
)

// GenerateRequest 生成请求
// Mode 为 sequence 时生成全部剩余节拍，为 single 时只生成 BeatIndex
type GenerateRequest struct {
	Mode      string `json:"mode" binding:"omitempty,oneof=single sequence"`
	BeatIndex int    `json:"beat_index" binding:"gte=0"`
	Async     bool   `json:"async"`
}

// RunMode 解析运行模式，默认 sequence
func (r *GenerateRequest) RunMode() entity.RunMode {
	if r.Mode == string(entity.RunModeSingle) {
		return entity.RunModeSingle
	}
	return entity.RunModeSequence
}

// TruncateRequest 截断请求
type TruncateRequest struct {
	FromBeat int `json:"from_beat" binding:"gte=0"`
}

// JobResponse 已投递到任务队列的生成请求
type JobResponse struct {
	JobID     string `json:"job_id"`
	ChapterID string `json:"chapter_id"`
	Action    string `json:"action"`
	StreamID  string `json:"stream_id"`
}

// LogResponse 叙事日志
type LogResponse struct {
	ChapterID    string           `json:"chapter_id"`
	LastSequence int              `json:"last_sequence"`
	Items        []entity.LogItem `json:"items"`
	Rendered     string           `json:"rendered,omitempty"`
}

// FactsResponse 事实快照
type FactsResponse struct {
	ChapterID string        `json:"chapter_id"`
	Version   int64         `json:"version"`
	NextBeat  int           `json:"next_beat"`
	Summary   string        `json:"summary,omitempty"`
	Location  string        `json:"location,omitempty"`
	Facts     []entity.Fact `json:"facts"`
}

// ToFactsResponse 从知识库快照构造响应，history 为 true 时包含已取代的事实
func ToFactsResponse(snap *knowledge.Snapshot, all []entity.Fact, history bool) *FactsResponse {
	facts := snap.Facts
	if history {
		facts = all
	}
	return &FactsResponse{
		ChapterID: snap.ChapterID,
		Version:   snap.Version,
		NextBeat:  snap.NextBeat,
		Summary:   snap.Summary,
		Location:  snap.Location,
		Facts:     facts,
	}
}

// CallListResponse 调用记录列表
type CallListResponse struct {
	Calls []entity.CallRecord `json:"calls"`
}

// UpdateListResponse 事实更新列表
type UpdateListResponse struct {
	Updates []entity.FactUpdate `json:"updates"`
}
