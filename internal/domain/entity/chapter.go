// Package entity 定义领域实体
package entity

import (
	"time"

	"github.com/google/uuid"
)

// ChapterStatus 章节状态
type ChapterStatus string

const (
	ChapterStatusDraft      ChapterStatus = "draft"
	ChapterStatusGenerating ChapterStatus = "generating"
	ChapterStatusCompleted  ChapterStatus = "completed"
	ChapterStatusFailed     ChapterStatus = "failed"
)

// LoreEntry 角色或地点条目
type LoreEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Lore 章节可见的世界设定，未填写的字段由世界卡补齐
type Lore struct {
	OpeningSummary     string      `json:"opening_summary,omitempty"`
	Characters         []LoreEntry `json:"characters,omitempty"`
	Places             []LoreEntry `json:"places,omitempty"`
	WorldFacts         string      `json:"world_facts,omitempty"`
	VocabularyGuidance string      `json:"vocabulary_guidance,omitempty"`
}

// Chapter 章节实体
// 章节一旦创建不会被引擎删除，节拍在创建后不可修改
type Chapter struct {
	ID        string        `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Title     string        `json:"title" gorm:"type:varchar(255)"`
	CardName  string        `json:"card_name,omitempty" gorm:"type:varchar(128)"`
	Beats     []Beat        `json:"beats" gorm:"type:jsonb;serializer:json;not null"`
	Lore      *Lore         `json:"lore,omitempty" gorm:"type:jsonb;serializer:json"`
	Status    ChapterStatus `json:"status" gorm:"type:varchar(32);default:'draft'"`
	CreatedAt time.Time     `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time     `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (Chapter) TableName() string {
	return "chapters"
}

// NewChapter 创建新章节
func NewChapter(title string, beats []Beat, lore *Lore) *Chapter {
	now := time.Now()
	if lore == nil {
		lore = &Lore{}
	}
	return &Chapter{
		ID:        uuid.NewString(),
		Title:     title,
		Beats:     beats,
		Lore:      lore,
		Status:    ChapterStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// BeatCount 返回节拍数量
func (c *Chapter) BeatCount() int {
	return len(c.Beats)
}

// Beat 按下标获取节拍
func (c *Chapter) Beat(index int) (Beat, bool) {
	if index < 0 || index >= len(c.Beats) {
		return Beat{}, false
	}
	return c.Beats[index], true
}
