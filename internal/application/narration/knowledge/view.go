package knowledge

import (
	"sort"
	"strings"

	"z-novel-narrator/internal/domain/entity"
)

// Snapshot 某一版本下知识库的只读视图
type Snapshot struct {
	ChapterID    string           `json:"chapter_id"`
	Version      int64            `json:"version"`
	LastSequence int              `json:"last_sequence"`
	NextBeat     int              `json:"next_beat"`
	Facts        []entity.Fact    `json:"facts"`
	Window       []entity.LogItem `json:"window"`
	Summary      string           `json:"summary,omitempty"`
	Location     string           `json:"location,omitempty"`
}

// Version 返回当前版本号
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// LastSequence 最后一条日志的序号，空日志返回 0
func (s *Store) LastSequence() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// NextBeat 下一个待生成的节拍下标
func (s *Store) NextBeat() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.marks)
}

// PendingFrom 返回最后一个节拍标记之后残留日志的起始序号，没有残留返回 0
func (s *Store) PendingFrom() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	covered := 0
	if n := len(s.marks); n > 0 {
		covered = s.marks[n-1].LastSequence
	}
	if len(s.items) > covered {
		return covered + 1
	}
	return 0
}

// RecentWindow 返回日志末尾最多 n 条，n <= 0 返回空
func (s *Store) RecentWindow(n int) []entity.LogItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.windowLocked(n)
}

func (s *Store) windowLocked(n int) []entity.LogItem {
	if n <= 0 || len(s.items) == 0 {
		return []entity.LogItem{}
	}
	start := len(s.items) - n
	if start < 0 {
		start = 0
	}
	out := make([]entity.LogItem, 0, len(s.items)-start)
	for _, it := range s.items[start:] {
		out = append(out, *it)
	}
	return out
}

// Items 从 from 序号开始最多 limit 条日志，limit <= 0 不限制
func (s *Store) Items(from, limit int) []entity.LogItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from < 1 {
		from = 1
	}
	out := []entity.LogItem{}
	for i := from - 1; i < len(s.items); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, *s.items[i])
	}
	return out
}

// ActiveFacts 当前有效事实，按主体与槽位排序
func (s *Store) ActiveFacts() []entity.Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLocked()
}

func (s *Store) activeLocked() []entity.Fact {
	out := make([]entity.Fact, 0, len(s.facts.active))
	for _, id := range s.facts.active {
		out = append(out, *s.facts.facts[id])
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := strings.ToLower(out[i].Subject), strings.ToLower(out[j].Subject)
		if si != sj {
			return si < sj
		}
		return strings.ToLower(out[i].Slot) < strings.ToLower(out[j].Slot)
	})
	return out
}

// Facts 按插入顺序返回事实，includeSuperseded 为 false 时只返回有效事实
func (s *Store) Facts(includeSuperseded bool) []entity.Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []entity.Fact{}
	for _, id := range s.facts.order {
		f := s.facts.facts[id]
		if !includeSuperseded && !f.IsActive() {
			continue
		}
		out = append(out, *f)
	}
	return out
}

// Updates 已应用的事实更新
func (s *Store) Updates() []entity.FactUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entity.FactUpdate, len(s.updates))
	for i, u := range s.updates {
		out[i] = *u
	}
	return out
}

// Marks 节拍标记
func (s *Store) Marks() []entity.BeatMark {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entity.BeatMark, len(s.marks))
	for i, m := range s.marks {
		out[i] = *m
	}
	return out
}

// Calls 调用记录，kind 为空时返回全部
func (s *Store) Calls(kind entity.CallKind) []entity.CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []entity.CallRecord{}
	for _, c := range s.calls {
		if kind != "" && c.Kind != kind {
			continue
		}
		out = append(out, *c)
	}
	return out
}

// Snapshot 在同一把读锁下取得版本、事实与最近窗口
func (s *Store) Snapshot(window int) *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		ChapterID:    s.chapterID,
		Version:      s.version,
		LastSequence: len(s.items),
		NextBeat:     len(s.marks),
		Facts:        s.activeLocked(),
		Window:       s.windowLocked(window),
	}
	for i := len(s.updates) - 1; i >= 0; i-- {
		u := s.updates[i]
		if snap.Summary == "" && u.Summary != "" {
			snap.Summary = u.Summary
		}
		if snap.Location == "" && u.Location != "" {
			snap.Location = u.Location
		}
	}
	return snap
}
