package entity

import "time"

// LogItemType 日志条目类型
type LogItemType string

const (
	LogItemNarration  LogItemType = "narration"
	LogItemDialogue   LogItemType = "dialogue"
	LogItemInnerVoice LogItemType = "inner_voice"
)

// LogItem 叙事日志条目
// Sequence 在章节内从 1 开始连续递增
type LogItem struct {
	ChapterID     string      `json:"chapter_id" gorm:"type:uuid;primaryKey"`
	Sequence      int         `json:"sequence" gorm:"primaryKey;autoIncrement:false"`
	BeatIndex     int         `json:"beat_index" gorm:"not null;index"`
	Type          LogItemType `json:"type" gorm:"type:varchar(32);not null"`
	Speaker       string      `json:"speaker,omitempty" gorm:"type:varchar(128)"`
	Text          string      `json:"text" gorm:"type:text;not null"`
	LowConfidence bool        `json:"low_confidence,omitempty" gorm:"not null;default:false"`
	CreatedAt     time.Time   `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 指定表名
func (LogItem) TableName() string {
	return "log_items"
}

// HasSpeaker 对话与内心独白必须有说话者
func (i *LogItem) HasSpeaker() bool {
	return i.Speaker != ""
}
