package knowledge

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"z-novel-narrator/internal/domain/repository"
	apperrors "z-novel-narrator/pkg/errors"
)

// Registry 按章节缓存 Store，同一章节的并发加载只访问一次仓储
type Registry struct {
	repo repository.KnowledgeRepository
	opts []Option

	mu     sync.Mutex
	stores map[string]*Store
	group  singleflight.Group
}

// NewRegistry 创建注册表，repo 为 nil 时知识库只存在于内存
func NewRegistry(repo repository.KnowledgeRepository, opts ...Option) *Registry {
	return &Registry{
		repo:   repo,
		opts:   opts,
		stores: make(map[string]*Store),
	}
}

// Get 返回章节的知识库，不存在时从仓储加载
func (r *Registry) Get(ctx context.Context, chapterID string) (*Store, error) {
	r.mu.Lock()
	if s, ok := r.stores[chapterID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(chapterID, func() (any, error) {
		r.mu.Lock()
		if s, ok := r.stores[chapterID]; ok {
			r.mu.Unlock()
			return s, nil
		}
		r.mu.Unlock()

		s, err := r.load(ctx, chapterID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.stores[chapterID] = s
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Store), nil
}

// Reload 丢弃缓存并从仓储重新加载，调用方需持有章节锁
// 其他进程可能已经写入同一章节
func (r *Registry) Reload(ctx context.Context, chapterID string) (*Store, error) {
	if r.repo == nil {
		return r.Get(ctx, chapterID)
	}
	s, err := r.load(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.stores[chapterID] = s
	r.mu.Unlock()
	return s, nil
}

// View 返回用于只读查询的知识库，不写入缓存
func (r *Registry) View(ctx context.Context, chapterID string) (*Store, error) {
	if r.repo == nil {
		return r.Get(ctx, chapterID)
	}
	return r.load(ctx, chapterID)
}

// Release 运行结束后释放章节的缓存，下次使用时从仓储重新加载
// 没有仓储时知识库只存在于内存，不会释放
func (r *Registry) Release(chapterID string) {
	if r.repo == nil {
		return
	}
	r.Evict(chapterID)
}

// Evict 移除缓存
func (r *Registry) Evict(chapterID string) {
	r.mu.Lock()
	delete(r.stores, chapterID)
	r.mu.Unlock()
}

func (r *Registry) load(ctx context.Context, chapterID string) (*Store, error) {
	opts := append([]Option{WithRepository(r.repo)}, r.opts...)
	if r.repo == nil {
		return NewStore(chapterID, opts...), nil
	}
	state, err := r.repo.Load(ctx, chapterID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "load knowledge failed")
	}
	s, err := Restore(chapterID, state, opts...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternalError, "restore knowledge failed")
	}
	return s, nil
}
