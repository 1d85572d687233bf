package entity

import (
	"strings"
	"time"
)

// FactStatus 事实状态
type FactStatus string

const (
	FactStatusActive     FactStatus = "active"
	FactStatusSuperseded FactStatus = "superseded"
)

// SlotKey 事实槽位键，同一槽位同时只有一条 active 事实
type SlotKey struct {
	Subject string
	Slot    string
}

// NewSlotKey 归一化主体与槽位，忽略大小写与首尾空白
func NewSlotKey(subject, slot string) SlotKey {
	return SlotKey{
		Subject: strings.ToLower(strings.TrimSpace(subject)),
		Slot:    strings.ToLower(strings.TrimSpace(slot)),
	}
}

// Fact 从叙事中提取的持久事实
type Fact struct {
	ID             string     `json:"id" gorm:"type:uuid;primaryKey"`
	ChapterID      string     `json:"chapter_id" gorm:"type:uuid;index;not null"`
	Subject        string     `json:"subject" gorm:"type:varchar(128);not null"`
	Slot           string     `json:"slot" gorm:"type:varchar(128);not null"`
	Statement      string     `json:"statement" gorm:"type:text;not null"`
	SourceSequence int        `json:"source_sequence" gorm:"not null"`
	Status         FactStatus `json:"status" gorm:"type:varchar(32);not null;index"`
	SupersededBy   string     `json:"superseded_by,omitempty" gorm:"type:varchar(64)"`
	UpdateID       string     `json:"update_id" gorm:"type:uuid;index"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TableName 指定表名
func (Fact) TableName() string {
	return "facts"
}

// Key 返回槽位键
func (f *Fact) Key() SlotKey {
	return NewSlotKey(f.Subject, f.Slot)
}

// IsActive 是否为当前有效事实
func (f *Fact) IsActive() bool {
	return f.Status == FactStatusActive
}

// SameStatement 判断两条陈述是否等价（忽略大小写、空白与句末标点）
func SameStatement(a, b string) bool {
	norm := func(s string) string {
		s = strings.ToLower(strings.Join(strings.Fields(s), " "))
		return strings.TrimRight(s, ".!。")
	}
	return norm(a) == norm(b)
}
