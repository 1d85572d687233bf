package repository

import (
	"context"

	"z-novel-narrator/internal/domain/entity"
)

// KnowledgeState 章节知识库的持久化全量状态
type KnowledgeState struct {
	Items   []*entity.LogItem
	Facts   []*entity.Fact
	Updates []*entity.FactUpdate
	Marks   []*entity.BeatMark
	Calls   []*entity.CallRecord
}

// KnowledgeMutation 一次原子写入，要么全部落库要么全部放弃
type KnowledgeMutation struct {
	ChapterID string

	AppendItems []*entity.LogItem
	// TruncateFrom 删除序号 >= TruncateFrom 的日志，0 表示不截断
	TruncateFrom int

	UpsertFacts     []*entity.Fact
	DeleteFactIDs   []string
	PutUpdates      []*entity.FactUpdate
	DeleteUpdateIDs []string

	PutMarks []*entity.BeatMark
	// DeleteMarksFrom 删除下标 >= DeleteMarksFrom 的节拍标记，-1 表示不删除
	DeleteMarksFrom int

	Calls []*entity.CallRecord
}

// NewKnowledgeMutation 创建空的变更集
func NewKnowledgeMutation(chapterID string) *KnowledgeMutation {
	return &KnowledgeMutation{ChapterID: chapterID, DeleteMarksFrom: -1}
}

// Empty 是否没有任何变更
func (m *KnowledgeMutation) Empty() bool {
	return len(m.AppendItems) == 0 && m.TruncateFrom == 0 &&
		len(m.UpsertFacts) == 0 && len(m.DeleteFactIDs) == 0 &&
		len(m.PutUpdates) == 0 && len(m.DeleteUpdateIDs) == 0 &&
		len(m.PutMarks) == 0 && m.DeleteMarksFrom < 0 && len(m.Calls) == 0
}

// KnowledgeRepository 知识库持久化接口
type KnowledgeRepository interface {
	// Load 读取章节的全部知识库状态，章节没有任何记录时返回空状态
	Load(ctx context.Context, chapterID string) (*KnowledgeState, error)

	// Commit 在单个事务中写入变更集
	Commit(ctx context.Context, m *KnowledgeMutation) error
}
