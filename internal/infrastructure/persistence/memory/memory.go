// Package memory 进程内仓储实现，用于命令行本地运行与测试
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/domain/repository"
)

// ChapterRepository 章节仓储
type ChapterRepository struct {
	mu       sync.RWMutex
	chapters map[string]*entity.Chapter
}

func NewChapterRepository() *ChapterRepository {
	return &ChapterRepository{chapters: make(map[string]*entity.Chapter)}
}

func (r *ChapterRepository) Create(_ context.Context, chapter *entity.Chapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *chapter
	r.chapters[chapter.ID] = &cp
	return nil
}

func (r *ChapterRepository) GetByID(_ context.Context, id string) (*entity.Chapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chapters[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *ChapterRepository) List(_ context.Context, pagination repository.Pagination) (*repository.PagedResult[*entity.Chapter], error) {
	r.mu.RLock()
	all := make([]*entity.Chapter, 0, len(r.chapters))
	for _, c := range r.chapters {
		cp := *c
		all = append(all, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	start := pagination.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + pagination.Limit()
	if end > len(all) {
		end = len(all)
	}
	return repository.NewPagedResult(all[start:end], int64(len(all)), pagination), nil
}

func (r *ChapterRepository) UpdateStatus(_ context.Context, id string, status entity.ChapterStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.chapters[id]; ok {
		c.Status = status
		c.UpdatedAt = time.Now()
	}
	return nil
}

// RunRepository 运行记录仓储
type RunRepository struct {
	mu   sync.RWMutex
	runs map[string]*entity.Run
}

func NewRunRepository() *RunRepository {
	return &RunRepository{runs: make(map[string]*entity.Run)}
}

func (r *RunRepository) Save(_ context.Context, run *entity.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *run
	r.runs[run.ID] = &cp
	return nil
}

func (r *RunRepository) GetByID(_ context.Context, id string) (*entity.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (r *RunRepository) LatestByChapter(_ context.Context, chapterID string) (*entity.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *entity.Run
	for _, run := range r.runs {
		if run.ChapterID != chapterID {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// UsageRepository 模型用量事件仓储
type UsageRepository struct {
	mu     sync.Mutex
	events []entity.LLMUsageEvent
}

func NewUsageRepository() *UsageRepository {
	return &UsageRepository{}
}

func (r *UsageRepository) Create(_ context.Context, event *entity.LLMUsageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *UsageRepository) SumTokensByChapter(_ context.Context, chapterID string) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var prompt, completion int64
	for _, e := range r.events {
		if e.ChapterID == chapterID {
			prompt += int64(e.TokensPrompt)
			completion += int64(e.TokensCompletion)
		}
	}
	return prompt, completion, nil
}

var (
	_ repository.ChapterRepository       = (*ChapterRepository)(nil)
	_ repository.RunRepository           = (*RunRepository)(nil)
	_ repository.LLMUsageEventRepository = (*UsageRepository)(nil)
)
