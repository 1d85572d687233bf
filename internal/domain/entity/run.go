package entity

import (
	"time"

	"github.com/google/uuid"
)

// RunMode 运行模式
type RunMode string

const (
	RunModeSingle   RunMode = "single"
	RunModeSequence RunMode = "sequence"
)

// RunStatus 运行状态
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal 是否为终态
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Run 一次节拍生成运行
type Run struct {
	ID          string     `json:"id" gorm:"type:uuid;primaryKey"`
	ChapterID   string     `json:"chapter_id" gorm:"type:uuid;index;not null"`
	Mode        RunMode    `json:"mode" gorm:"type:varchar(16);not null"`
	Status      RunStatus  `json:"status" gorm:"type:varchar(16);not null"`
	FromBeat    int        `json:"from_beat"`
	CurrentBeat int        `json:"current_beat"`
	BeatsDone   int        `json:"beats_done"`
	ErrorCode   string     `json:"error_code,omitempty" gorm:"type:varchar(16)"`
	Error       string     `json:"error,omitempty" gorm:"type:text"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// TableName 指定表名
func (Run) TableName() string {
	return "narration_runs"
}

// NewRun 创建运行记录
func NewRun(chapterID string, mode RunMode, fromBeat int) *Run {
	return &Run{
		ID:          uuid.NewString(),
		ChapterID:   chapterID,
		Mode:        mode,
		Status:      RunStatusIdle,
		FromBeat:    fromBeat,
		CurrentBeat: fromBeat,
		StartedAt:   time.Now(),
	}
}

// Finish 进入终态
func (r *Run) Finish(status RunStatus, code, msg string) {
	now := time.Now()
	r.Status = status
	r.ErrorCode = code
	r.Error = msg
	r.FinishedAt = &now
}
