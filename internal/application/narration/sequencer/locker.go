package sequencer

import (
	"context"
	"sync"

	"z-novel-narrator/internal/domain/service"
	apperrors "z-novel-narrator/pkg/errors"
)

type (
	Lease         = service.Lease
	ChapterLocker = service.ChapterLocker
	CancelSignal  = service.CancelSignal
)

// MemoryLocker 进程内章节锁
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) Acquire(_ context.Context, chapterID string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[chapterID]; busy {
		return nil, apperrors.ErrChapterBusy.WithDetail("chapter " + chapterID + " has an active run")
	}
	l.held[chapterID] = struct{}{}
	return &memoryLease{locker: l, chapterID: chapterID}, nil
}

type memoryLease struct {
	locker    *MemoryLocker
	chapterID string
	once      sync.Once
}

func (m *memoryLease) Release(context.Context) error {
	m.once.Do(func() {
		m.locker.mu.Lock()
		delete(m.locker.held, m.chapterID)
		m.locker.mu.Unlock()
	})
	return nil
}

// MemoryCancelSignal 进程内取消请求，供单进程部署与测试使用
type MemoryCancelSignal struct {
	mu        sync.Mutex
	requested map[string]struct{}
}

func NewMemoryCancelSignal() *MemoryCancelSignal {
	return &MemoryCancelSignal{requested: make(map[string]struct{})}
}

func (m *MemoryCancelSignal) Request(_ context.Context, chapterID string) error {
	m.mu.Lock()
	m.requested[chapterID] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *MemoryCancelSignal) Requested(_ context.Context, chapterID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.requested[chapterID]
	return ok, nil
}

func (m *MemoryCancelSignal) Clear(_ context.Context, chapterID string) error {
	m.mu.Lock()
	delete(m.requested, chapterID)
	m.mu.Unlock()
	return nil
}

var _ service.CancelSignal = (*MemoryCancelSignal)(nil)
