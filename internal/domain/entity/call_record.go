package entity

import "time"

// CallKind 模型调用类型
type CallKind string

const (
	CallKindNarration      CallKind = "narration"
	CallKindFactExtraction CallKind = "fact_extraction"
)

// CallOutcome 调用结果
type CallOutcome string

const (
	CallOutcomeSuccess CallOutcome = "success"
	CallOutcomeFailure CallOutcome = "failure"
)

// CallRecord 单次模型调用尝试的审计记录，只追加不删除
type CallRecord struct {
	ID         string      `json:"id" gorm:"type:uuid;primaryKey"`
	ChapterID  string      `json:"chapter_id" gorm:"type:uuid;index;not null"`
	RunID      string      `json:"run_id,omitempty" gorm:"type:varchar(64);index"`
	BeatIndex  int         `json:"beat_index" gorm:"not null"`
	Kind       CallKind    `json:"kind" gorm:"type:varchar(32);not null;index"`
	Provider   string      `json:"provider,omitempty" gorm:"type:varchar(64)"`
	Model      string      `json:"model,omitempty" gorm:"type:varchar(128)"`
	Prompt     string      `json:"prompt" gorm:"type:text"`
	Response   string      `json:"response,omitempty" gorm:"type:text"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Outcome    CallOutcome `json:"outcome" gorm:"type:varchar(16);not null"`
	Reason     string      `json:"reason,omitempty" gorm:"type:text"`
	Retryable  bool        `json:"retryable"`
	// RetryCount 本次尝试之前已重试的次数
	RetryCount       int `json:"retry_count"`
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
}

// TableName 指定表名
func (CallRecord) TableName() string {
	return "call_records"
}

// Duration 调用耗时
func (r *CallRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded 是否成功
func (r *CallRecord) Succeeded() bool {
	return r.Outcome == CallOutcomeSuccess
}
