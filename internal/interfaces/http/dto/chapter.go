// Package dto 提供 HTTP 层数据传输对象
package dto

import (
	"strings"
	"time"

	"z-novel-narrator/internal/domain/entity"
)

// CreateChapterRequest 创建章节请求
// Script 与 Beats 二选一：Script 形如 "a // b // c"
type CreateChapterRequest struct {
	Title    string        `json:"title" binding:"required,max=255"`
	Script   string        `json:"script,omitempty" binding:"max=20000"`
	Beats    []entity.Beat `json:"beats,omitempty"`
	CardName string        `json:"card_name,omitempty" binding:"max=128"`
	Lore     *entity.Lore  `json:"lore,omitempty"`
}

// ToChapterEntity 转换为章节实体，节拍为空或非法时返回 false
func (r *CreateChapterRequest) ToChapterEntity() (*entity.Chapter, bool) {
	var beats []entity.Beat
	if strings.TrimSpace(r.Script) != "" {
		beats = entity.ParseBeatScript(r.Script)
	} else {
		var ok bool
		if beats, ok = entity.NormalizeBeats(r.Beats); !ok {
			return nil, false
		}
	}
	if len(beats) == 0 {
		return nil, false
	}
	chapter := entity.NewChapter(strings.TrimSpace(r.Title), beats, r.Lore)
	chapter.CardName = strings.TrimSpace(r.CardName)
	return chapter, true
}

// ChapterResponse 章节响应
type ChapterResponse struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	CardName  string        `json:"card_name,omitempty"`
	Beats     []entity.Beat `json:"beats"`
	Lore      *entity.Lore  `json:"lore,omitempty"`
	Status    string        `json:"status"`
	NextBeat  *int          `json:"next_beat,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ChapterListResponse 章节列表响应
type ChapterListResponse struct {
	Chapters []*ChapterResponse `json:"chapters"`
}

// ToChapterResponse 转换为章节响应
func ToChapterResponse(c *entity.Chapter) *ChapterResponse {
	if c == nil {
		return nil
	}
	return &ChapterResponse{
		ID:        c.ID,
		Title:     c.Title,
		CardName:  c.CardName,
		Beats:     c.Beats,
		Lore:      c.Lore,
		Status:    string(c.Status),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// ToChapterListResponse 转换为章节列表响应
func ToChapterListResponse(chapters []*entity.Chapter) *ChapterListResponse {
	out := make([]*ChapterResponse, 0, len(chapters))
	for _, c := range chapters {
		out = append(out, ToChapterResponse(c))
	}
	return &ChapterListResponse{Chapters: out}
}
