package entity

import "time"

// FactOpKind 事实变更操作类型
type FactOpKind string

const (
	FactOpInsert    FactOpKind = "insert"
	FactOpSupersede FactOpKind = "supersede"
	FactOpConfirm   FactOpKind = "confirm"
	FactOpReject    FactOpKind = "reject"
)

// FactOp 一次事实变更，携带回滚所需的前值
type FactOp struct {
	Kind           FactOpKind `json:"kind"`
	Subject        string     `json:"subject"`
	Slot           string     `json:"slot"`
	Statement      string     `json:"statement"`
	SourceSequence int        `json:"source_sequence"`

	// FactID insert/supersede 新建的事实
	FactID string `json:"fact_id,omitempty"`
	// PreviousFactID supersede/confirm/reject 涉及的原有效事实
	PreviousFactID string `json:"previous_fact_id,omitempty"`
	// PreviousSource confirm 之前原事实的来源序号
	PreviousSource int `json:"previous_source,omitempty"`
}

// FactUpdate 针对一段日志区间 [From, To] 的事实变更集
// 同一区间重复应用时先回滚上一次应用
type FactUpdate struct {
	ID        string    `json:"id" gorm:"type:uuid;primaryKey"`
	ChapterID string    `json:"chapter_id" gorm:"type:uuid;index;not null"`
	BeatIndex int       `json:"beat_index" gorm:"not null"`
	From      int       `json:"from" gorm:"column:from_sequence;not null"`
	To        int       `json:"to" gorm:"column:to_sequence;not null"`
	Ops       []FactOp  `json:"ops" gorm:"type:jsonb;serializer:json"`
	Summary   string    `json:"summary,omitempty" gorm:"type:text"`
	Location  string    `json:"location,omitempty" gorm:"type:varchar(255)"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName 指定表名
func (FactUpdate) TableName() string {
	return "fact_updates"
}

// SameRange 是否针对同一日志区间
func (u *FactUpdate) SameRange(from, to int) bool {
	return u.From == from && u.To == to
}

// BeatMark 记录节拍生成完成后对应的日志区间
type BeatMark struct {
	ChapterID     string    `json:"chapter_id" gorm:"type:uuid;primaryKey"`
	BeatIndex     int       `json:"beat_index" gorm:"primaryKey;autoIncrement:false"`
	FirstSequence int       `json:"first_sequence" gorm:"not null"`
	LastSequence  int       `json:"last_sequence" gorm:"not null"`
	UpdateID      string    `json:"update_id,omitempty" gorm:"type:varchar(64)"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName 指定表名
func (BeatMark) TableName() string {
	return "beat_marks"
}
