// Package sequencer 按顺序推进章节节拍
//
// 每个节拍依次执行：快照 → 组装上下文 → 叙事调用 → 解析 → 追加日志 → 事实提取 → 应用事实 → 标记节拍。
// 任一步骤失败即停止运行，章节可以从失败的节拍继续。
package sequencer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"z-novel-narrator/internal/application/narration/assembler"
	"z-novel-narrator/internal/application/narration/extractor"
	"z-novel-narrator/internal/application/narration/knowledge"
	"z-novel-narrator/internal/application/narration/parser"
	"z-novel-narrator/internal/application/narration/worldcard"
	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/domain/repository"
	apperrors "z-novel-narrator/pkg/errors"
	"z-novel-narrator/pkg/logger"
)

// Config 运行参数
type Config struct {
	RecentWindow      int
	NarrationProvider string
}

// Deps 依赖
type Deps struct {
	Chapters  repository.ChapterRepository
	Runs      repository.RunRepository
	Registry  *knowledge.Registry
	Locker    ChapterLocker
	Assembler *assembler.Assembler
	Parser    *parser.Parser
	Executor  extractor.Executor
	Extractor *extractor.Extractor
	Events    EventPublisher
	// Cancels 跨进程取消请求，为 nil 时只能取消本进程内的运行
	Cancels CancelSignal
	// Tx 运行结束时章节状态与运行记录在同一事务中写入，可为 nil
	Tx repository.Transactor
	// Card 默认世界卡，可为 nil
	Card *worldcard.Card
}

// Sequencer 节拍调度器
type Sequencer struct {
	deps Deps
	cfg  Config

	mu     sync.Mutex
	active map[string]*execution
	wg     sync.WaitGroup
}

func New(deps Deps, cfg Config) *Sequencer {
	if deps.Locker == nil {
		deps.Locker = NewMemoryLocker()
	}
	if deps.Events == nil {
		deps.Events = NopPublisher{}
	}
	if deps.Parser == nil {
		deps.Parser = parser.New(parser.Options{})
	}
	return &Sequencer{
		deps:   deps,
		cfg:    cfg,
		active: make(map[string]*execution),
	}
}

// execution 一次运行的内部状态
type execution struct {
	chapter *entity.Chapter
	store   *knowledge.Store
	lease   Lease
	from    int
	to      int

	cancelled atomic.Bool

	mu  sync.Mutex
	run *entity.Run
}

func (e *execution) snapshot() *entity.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e.run
	return &cp
}

func (e *execution) update(fn func(r *entity.Run)) {
	e.mu.Lock()
	fn(e.run)
	e.mu.Unlock()
}

// GenerateBeat 同步生成指定节拍，节拍必须是下一个待生成的节拍
func (s *Sequencer) GenerateBeat(ctx context.Context, chapterID string, beatIndex int) (*entity.Run, error) {
	exec, err := s.prepare(ctx, chapterID, entity.RunModeSingle, beatIndex)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, exec)
}

// GenerateSequence 同步生成所有剩余节拍
func (s *Sequencer) GenerateSequence(ctx context.Context, chapterID string) (*entity.Run, error) {
	exec, err := s.prepare(ctx, chapterID, entity.RunModeSequence, -1)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, exec)
}

// Start 校验并占用章节后在后台执行，返回运行的初始状态
// single 模式下 beatIndex 为待生成节拍，sequence 模式忽略 beatIndex
func (s *Sequencer) Start(ctx context.Context, chapterID string, mode entity.RunMode, beatIndex int) (*entity.Run, error) {
	exec, err := s.prepare(ctx, chapterID, mode, beatIndex)
	if err != nil {
		return nil, err
	}
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.execute(bg, exec); err != nil {
			logger.Warn(bg, "narration run stopped", "chapter_id", chapterID, "error", err.Error())
		}
	}()
	return exec.snapshot(), nil
}

// Wait 等待后台运行结束
func (s *Sequencer) Wait() {
	s.wg.Wait()
}

// Cancel 请求取消章节当前运行，在当前节拍结束后生效
// 运行不在本进程时通过 Cancels 转交给运行所在的进程
func (s *Sequencer) Cancel(ctx context.Context, chapterID string) (*entity.Run, error) {
	s.mu.Lock()
	exec := s.active[chapterID]
	s.mu.Unlock()
	if exec != nil {
		exec.cancelled.Store(true)
		return exec.snapshot(), nil
	}
	if s.deps.Cancels == nil || s.deps.Runs == nil {
		return nil, apperrors.ErrRunNotFound.WithDetail("no active run for chapter " + chapterID)
	}

	run, err := s.deps.Runs.LatestByChapter(ctx, chapterID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "load latest run failed")
	}
	if run == nil || run.Status != entity.RunStatusRunning {
		return nil, apperrors.ErrRunNotFound.WithDetail("no active run for chapter " + chapterID)
	}
	if err := s.deps.Cancels.Request(ctx, chapterID); err != nil {
		return nil, err
	}
	logger.Info(ctx, "cancel forwarded to owning process", "chapter_id", chapterID, "run_id", run.ID)
	return run, nil
}

// ActiveRun 返回本进程内章节的当前运行，没有时返回 nil
func (s *Sequencer) ActiveRun(chapterID string) *entity.Run {
	s.mu.Lock()
	exec := s.active[chapterID]
	s.mu.Unlock()
	if exec == nil {
		return nil
	}
	return exec.snapshot()
}

// ActiveChapters 当前有运行的章节
func (s *Sequencer) ActiveChapters() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TruncateFromBeat 截断指定节拍及其后的全部内容，之后可以重新生成
func (s *Sequencer) TruncateFromBeat(ctx context.Context, chapterID string, beatIndex int) (*knowledge.TruncateResult, error) {
	chapter, err := s.loadChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	lease, err := s.deps.Locker.Acquire(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, lease)

	store, err := s.deps.Registry.Reload(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	defer s.deps.Registry.Release(chapterID)
	res, err := store.TruncateFromBeat(ctx, beatIndex)
	if err != nil {
		return nil, err
	}
	if res.RemovedItems > 0 {
		s.publish(ctx, entity.EventLogTruncated, chapterID, "", beatIndex, TruncatedPayload{
			FromSequence: res.FromSequence,
			RemovedItems: res.RemovedItems,
			Reason:       "user request",
		})
	}
	if chapter.Status != entity.ChapterStatusDraft {
		s.updateChapterStatus(ctx, chapterID, entity.ChapterStatusDraft)
	}
	return res, nil
}

func (s *Sequencer) loadChapter(ctx context.Context, chapterID string) (*entity.Chapter, error) {
	chapter, err := s.deps.Chapters.GetByID(ctx, chapterID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "load chapter failed")
	}
	if chapter == nil {
		return nil, apperrors.ErrChapterNotFound.WithDetail(chapterID)
	}
	return chapter, nil
}

// cancelRequested 调用方断开或收到取消请求时返回 true
func (s *Sequencer) cancelRequested(ctx context.Context, exec *execution) bool {
	if exec.cancelled.Load() || ctx.Err() != nil {
		return true
	}
	if s.deps.Cancels == nil {
		return false
	}
	requested, err := s.deps.Cancels.Requested(context.WithoutCancel(ctx), exec.chapter.ID)
	if err != nil {
		logger.Warn(ctx, "failed to check cancel request", "error", err.Error())
		return false
	}
	return requested
}

func (s *Sequencer) clearCancel(ctx context.Context, chapterID string) {
	if s.deps.Cancels == nil {
		return
	}
	if err := s.deps.Cancels.Clear(context.WithoutCancel(ctx), chapterID); err != nil {
		logger.Warn(ctx, "failed to clear cancel request", "error", err.Error())
	}
}

func (s *Sequencer) release(ctx context.Context, lease Lease) {
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		logger.Warn(ctx, "failed to release chapter lease", "error", err.Error())
	}
}

func (s *Sequencer) updateChapterStatus(ctx context.Context, chapterID string, status entity.ChapterStatus) {
	if err := s.deps.Chapters.UpdateStatus(context.WithoutCancel(ctx), chapterID, status); err != nil {
		logger.Warn(ctx, "failed to update chapter status", "status", string(status), "error", err.Error())
	}
}

// finish 写入运行结果与章节状态
func (s *Sequencer) finish(ctx context.Context, chapterID string, status entity.ChapterStatus, run *entity.Run) {
	ctx = context.WithoutCancel(ctx)
	persist := func(ctx context.Context) error {
		if err := s.deps.Chapters.UpdateStatus(ctx, chapterID, status); err != nil {
			return apperrors.Wrap(err, apperrors.CodeDatabaseError, "update chapter status failed")
		}
		return s.saveRun(ctx, run)
	}
	var err error
	if s.deps.Tx != nil {
		err = s.deps.Tx.WithTransaction(ctx, persist)
	} else {
		err = persist(ctx)
	}
	if err != nil {
		logger.Error(ctx, "failed to persist finished run", err, "status", string(status))
	}
}

func (s *Sequencer) saveRun(ctx context.Context, run *entity.Run) error {
	if s.deps.Runs == nil {
		return nil
	}
	if err := s.deps.Runs.Save(context.WithoutCancel(ctx), run); err != nil {
		return apperrors.Wrap(err, apperrors.CodeDatabaseError, "save run failed")
	}
	return nil
}

// prepare 占用章节并校验节拍顺序，成功时运行已登记为 running
func (s *Sequencer) prepare(ctx context.Context, chapterID string, mode entity.RunMode, beatIndex int) (*execution, error) {
	chapter, err := s.loadChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	lease, err := s.deps.Locker.Acquire(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			s.release(ctx, lease)
		}
	}()

	store, err := s.deps.Registry.Reload(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	// 之前的运行结束后才到达的取消请求不作用于新运行
	s.clearCancel(ctx, chapterID)

	// 上次运行中途失败留下的未标记日志
	if pending := store.PendingFrom(); pending > 0 {
		res, err := store.Truncate(ctx, pending)
		if err != nil {
			return nil, err
		}
		logger.Warn(ctx, "rolled back orphaned log items", "chapter_id", chapterID, "from_sequence", pending, "removed", res.RemovedItems)
		s.publish(ctx, entity.EventLogTruncated, chapterID, "", store.NextBeat(), TruncatedPayload{
			FromSequence: res.FromSequence,
			RemovedItems: res.RemovedItems,
			Reason:       "orphaned items from an interrupted run",
		})
	}

	next := store.NextBeat()
	from, to := next, chapter.BeatCount()
	if mode == entity.RunModeSingle {
		switch {
		case beatIndex < 0 || beatIndex >= chapter.BeatCount():
			return nil, apperrors.ErrBeatNotFound.WithDetail(fmt.Sprintf("beat %d of %d", beatIndex, chapter.BeatCount()))
		case beatIndex < next:
			return nil, apperrors.ErrBeatAlreadyGenerated.WithDetail(fmt.Sprintf("beat %d already generated, truncate from it first", beatIndex))
		case beatIndex > next:
			return nil, apperrors.ErrBeatOutOfOrder.WithDetail(fmt.Sprintf("beat %d requested, next beat is %d", beatIndex, next))
		}
		to = beatIndex + 1
	}
	if from > to {
		from = to
	}

	run := entity.NewRun(chapterID, mode, from)
	run.Status = entity.RunStatusRunning
	if err := s.saveRun(ctx, run); err != nil {
		return nil, err
	}

	exec := &execution{
		chapter: chapter,
		store:   store,
		lease:   lease,
		from:    from,
		to:      to,
		run:     run,
	}
	s.mu.Lock()
	s.active[chapterID] = exec
	s.mu.Unlock()
	ok = true
	return exec, nil
}
