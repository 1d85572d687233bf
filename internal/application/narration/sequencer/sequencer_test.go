package sequencer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"z-novel-narrator/internal/application/narration/assembler"
	"z-novel-narrator/internal/application/narration/extractor"
	"z-novel-narrator/internal/application/narration/knowledge"
	"z-novel-narrator/internal/application/narration/orchestrator"
	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/infrastructure/persistence/memory"
	wfmodel "z-novel-narrator/internal/workflow/model"
	workflowprompt "z-novel-narrator/internal/workflow/prompt"
	apperrors "z-novel-narrator/pkg/errors"
)

type step func(ctx context.Context) (*wfmodel.GenerateOutput, error)

func text(s string) step {
	return func(context.Context) (*wfmodel.GenerateOutput, error) {
		return &wfmodel.GenerateOutput{Content: s}, nil
	}
}

// gated 进入调用后关闭 entered，等待 gate 打开才返回
func gated(entered chan<- struct{}, gate <-chan struct{}, s string) step {
	return func(ctx context.Context) (*wfmodel.GenerateOutput, error) {
		close(entered)
		select {
		case <-gate:
			return &wfmodel.GenerateOutput{Content: s}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// cancelling 返回前取消调用方的上下文
func cancelling(cancel context.CancelFunc, s string) step {
	return func(context.Context) (*wfmodel.GenerateOutput, error) {
		cancel()
		return &wfmodel.GenerateOutput{Content: s}, nil
	}
}

// routedGenerator 按调用类型依次返回预设回复
type routedGenerator struct {
	mu      sync.Mutex
	replies map[string][]step
	inputs  []*wfmodel.GenerateInput
}

func (g *routedGenerator) script(kind entity.CallKind, steps ...step) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies[string(kind)] = append(g.replies[string(kind)], steps...)
}

func (g *routedGenerator) Generate(ctx context.Context, in *wfmodel.GenerateInput) (*wfmodel.GenerateOutput, error) {
	g.mu.Lock()
	g.inputs = append(g.inputs, in)
	q := g.replies[in.Workflow]
	if len(q) == 0 {
		g.mu.Unlock()
		return nil, errors.New("no scripted reply for " + in.Workflow)
	}
	g.replies[in.Workflow] = q[1:]
	g.mu.Unlock()
	return q[0](ctx)
}

func (g *routedGenerator) userPrompts(kind entity.CallKind) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, in := range g.inputs {
		if in.Workflow == string(kind) {
			out = append(out, in.Messages[len(in.Messages)-1].Content)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*entity.NarrationEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evt *entity.NarrationEvent) error {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) types() []entity.NarrationEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]entity.NarrationEventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	seq      *Sequencer
	gen      *routedGenerator
	chapters *memory.ChapterRepository
	runs     *memory.RunRepository
	registry *knowledge.Registry
	events   *recordingPublisher
	cancels  *MemoryCancelSignal
	chapter  *entity.Chapter
}

func newHarness(t *testing.T, beats ...string) *harness {
	t.Helper()
	h := &harness{
		gen:      &routedGenerator{replies: make(map[string][]step)},
		chapters: memory.NewChapterRepository(),
		runs:     memory.NewRunRepository(),
		registry: knowledge.NewRegistry(nil),
		events:   &recordingPublisher{},
		cancels:  NewMemoryCancelSignal(),
	}
	bs := make([]entity.Beat, len(beats))
	for i, b := range beats {
		bs[i] = entity.Beat{Text: b}
	}
	bs, ok := entity.NormalizeBeats(bs)
	require.True(t, ok)
	h.chapter = entity.NewChapter("Rainy Evening", bs, &entity.Lore{
		Characters: []entity.LoreEntry{{Name: "Mike"}, {Name: "Sarah"}},
	})
	require.NoError(t, h.chapters.Create(context.Background(), h.chapter))

	prompts := workflowprompt.NewRegistry()
	orch := orchestrator.New(h.gen, orchestrator.Config{
		CallTimeout:     time.Second,
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	})
	h.seq = New(Deps{
		Chapters:  h.chapters,
		Runs:      h.runs,
		Registry:  h.registry,
		Assembler: assembler.New(prompts, ""),
		Executor:  orch,
		Extractor: extractor.New(orch, prompts, ""),
		Events:    h.events,
		Locker:    NewMemoryLocker(),
		Cancels:   h.cancels,
	}, Config{RecentWindow: 10})
	return h
}

func (h *harness) store(t *testing.T) *knowledge.Store {
	t.Helper()
	s, err := h.registry.Get(context.Background(), h.chapter.ID)
	require.NoError(t, err)
	return s
}

func (h *harness) chapterStatus(t *testing.T) entity.ChapterStatus {
	t.Helper()
	c, err := h.chapters.GetByID(context.Background(), h.chapter.ID)
	require.NoError(t, err)
	return c.Status
}

const (
	kitchenScene = "<NARRATION_LOG>\n> Sarah pushes open the kitchen door.\n[Mike]\n\"You're late.\"\n</NARRATION_LOG>"
	kitchenFacts = `{"summary": "Sarah comes home.", "location": "kitchen", "facts": [
  {"subject": "Mike", "slot": "location", "statement": "Mike is in the kitchen.", "source_sequence": 2}
]}`
	gardenScene = "<NARRATION_LOG>\n> Mike walks out to the garden.\n[Mike]\n\"Fresh air.\"\n</NARRATION_LOG>"
	gardenFacts = `{"summary": "Mike steps outside.", "location": "garden", "facts": [
  {"subject": "Mike", "slot": "location", "statement": "Mike is in the garden.", "source_sequence": 3, "supersedes": true}
]}`
)

func TestGenerateSequence_CarriesFactsForward(t *testing.T) {
	h := newHarness(t, "Sarah comes home.", "Mike goes outside.")
	h.gen.script(entity.CallKindNarration, text(kitchenScene), text(gardenScene))
	h.gen.script(entity.CallKindFactExtraction, text(kitchenFacts), text(gardenFacts))

	run, err := h.seq.GenerateSequence(context.Background(), h.chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.BeatsDone)
	assert.NotNil(t, run.FinishedAt)

	s := h.store(t)
	assert.Equal(t, 4, s.LastSequence())
	assert.Equal(t, 2, s.NextBeat())

	active := s.ActiveFacts()
	require.Len(t, active, 1)
	assert.Equal(t, "Mike is in the garden.", active[0].Statement)
	assert.Len(t, s.Facts(true), 2)

	// 第二个节拍的提示词包含第一个节拍提取出的事实
	prompts := h.gen.userPrompts(entity.CallKindNarration)
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], "Mike is in the kitchen.")
	assert.Contains(t, prompts[1], "Mike is in the kitchen.")
	assert.Contains(t, prompts[1], "You're late.")

	assert.Len(t, s.Calls(entity.CallKindNarration), 2)
	assert.Len(t, s.Calls(entity.CallKindFactExtraction), 2)
	assert.Equal(t, entity.ChapterStatusCompleted, h.chapterStatus(t))

	types := h.events.types()
	require.NotEmpty(t, types)
	assert.Equal(t, entity.EventRunStatus, types[0])
	assert.Equal(t, entity.EventRunStatus, types[len(types)-1])
	assert.Contains(t, types, entity.EventLogItems)
	assert.Contains(t, types, entity.EventFactUpdate)
	assert.Contains(t, types, entity.EventCallRecord)

	latest, err := h.runs.LatestByChapter(context.Background(), h.chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, latest.ID)
	assert.Equal(t, entity.RunStatusCompleted, latest.Status)
}

func TestGenerateBeat_MalformedOutputAppendsNothing(t *testing.T) {
	h := newHarness(t, "Sarah comes home.", "Mike goes outside.")
	h.gen.script(entity.CallKindNarration, text("I would rather not write this scene."))

	run, err := h.seq.GenerateBeat(context.Background(), h.chapter.ID, 0)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeMalformedOutput))
	require.NotNil(t, run)
	assert.Equal(t, entity.RunStatusFailed, run.Status)
	assert.Equal(t, string(apperrors.CodeMalformedOutput), run.ErrorCode)

	s := h.store(t)
	assert.Equal(t, 0, s.LastSequence())
	calls := s.Calls("")
	require.Len(t, calls, 1)
	assert.Equal(t, entity.CallOutcomeFailure, calls[0].Outcome)
	assert.False(t, calls[0].Retryable)
	assert.Equal(t, entity.ChapterStatusFailed, h.chapterStatus(t))

	// 失败后可以重新生成同一节拍
	h.gen.script(entity.CallKindNarration, text(kitchenScene))
	h.gen.script(entity.CallKindFactExtraction, text(kitchenFacts))
	run, err = h.seq.GenerateBeat(context.Background(), h.chapter.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, entity.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, s.NextBeat())
	assert.Equal(t, entity.ChapterStatusDraft, h.chapterStatus(t))
}

func TestGenerateBeat_ExtractionFailureRollsBackBeat(t *testing.T) {
	h := newHarness(t, "Sarah comes home.")
	h.gen.script(entity.CallKindNarration, text(kitchenScene))
	h.gen.script(entity.CallKindFactExtraction, text("no json here"))

	_, err := h.seq.GenerateBeat(context.Background(), h.chapter.ID, 0)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeMalformedOutput))

	s := h.store(t)
	assert.Equal(t, 0, s.LastSequence())
	assert.Equal(t, 0, s.NextBeat())
	assert.Empty(t, s.ActiveFacts())
	// 调用记录只追加，回滚后仍然保留
	assert.Len(t, s.Calls(""), 2)
	assert.Contains(t, h.events.types(), entity.EventLogTruncated)
}

func TestGenerateBeat_OrderChecks(t *testing.T) {
	h := newHarness(t, "Sarah comes home.", "Mike goes outside.")
	ctx := context.Background()

	_, err := h.seq.GenerateBeat(ctx, h.chapter.ID, 1)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeBeatOutOfOrder))

	_, err = h.seq.GenerateBeat(ctx, h.chapter.ID, 5)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeBeatNotFound))

	_, err = h.seq.GenerateBeat(ctx, "missing", 0)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeChapterNotFound))

	h.gen.script(entity.CallKindNarration, text(kitchenScene))
	h.gen.script(entity.CallKindFactExtraction, text(kitchenFacts))
	_, err = h.seq.GenerateBeat(ctx, h.chapter.ID, 0)
	require.NoError(t, err)

	_, err = h.seq.GenerateBeat(ctx, h.chapter.ID, 0)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeBeatAlreadyGenerated))

	// 校验失败不会留下运行记录或占用章节
	assert.Nil(t, h.seq.ActiveRun(h.chapter.ID))
}

func TestStart_SecondRunGetsChapterBusy(t *testing.T) {
	h := newHarness(t, "Sarah comes home.")
	entered, gate := make(chan struct{}), make(chan struct{})
	h.gen.script(entity.CallKindNarration, gated(entered, gate, kitchenScene))
	h.gen.script(entity.CallKindFactExtraction, text(kitchenFacts))
	ctx := context.Background()

	run, err := h.seq.Start(ctx, h.chapter.ID, entity.RunModeSingle, 0)
	require.NoError(t, err)
	assert.Equal(t, entity.RunStatusRunning, run.Status)

	before := h.store(t).LastSequence()
	_, err = h.seq.GenerateBeat(ctx, h.chapter.ID, 0)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeChapterBusy))
	_, err = h.seq.GenerateSequence(ctx, h.chapter.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeChapterBusy))
	_, err = h.seq.TruncateFromBeat(ctx, h.chapter.ID, 0)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeChapterBusy))
	// 被拒绝的请求不改动日志
	assert.Equal(t, before, h.store(t).LastSequence())

	active := h.seq.ActiveRun(h.chapter.ID)
	require.NotNil(t, active)
	assert.Equal(t, run.ID, active.ID)
	assert.Equal(t, []string{h.chapter.ID}, h.seq.ActiveChapters())

	<-entered
	close(gate)
	h.seq.Wait()

	assert.Len(t, h.gen.userPrompts(entity.CallKindNarration), 1)
	assert.Nil(t, h.seq.ActiveRun(h.chapter.ID))
	assert.Empty(t, h.seq.ActiveChapters())
	saved, err := h.runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RunStatusCompleted, saved.Status)
	assert.Equal(t, 1, saved.BeatsDone)
}

func TestCancel_StopsBetweenBeats(t *testing.T) {
	h := newHarness(t, "Sarah comes home.", "Mike goes outside.", "They make up.")
	entered, gate := make(chan struct{}), make(chan struct{})
	h.gen.script(entity.CallKindNarration, gated(entered, gate, kitchenScene))
	h.gen.script(entity.CallKindFactExtraction, text(kitchenFacts))
	ctx := context.Background()

	run, err := h.seq.Start(ctx, h.chapter.ID, entity.RunModeSequence, 0)
	require.NoError(t, err)
	<-entered

	cancelled, err := h.seq.Cancel(ctx, h.chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, cancelled.ID)

	close(gate)
	h.seq.Wait()

	saved, err := h.runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RunStatusCancelled, saved.Status)
	assert.Equal(t, 1, saved.BeatsDone)
	assert.Equal(t, 1, h.store(t).NextBeat())
	assert.Equal(t, entity.ChapterStatusDraft, h.chapterStatus(t))

	_, err = h.seq.Cancel(ctx, h.chapter.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeRunNotFound))
}

func TestGenerateSequence_CallerGoneStopsBetweenBeats(t *testing.T) {
	h := newHarness(t, "Sarah comes home.", "Mike goes outside.")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.gen.script(entity.CallKindNarration, text(kitchenScene), text(gardenScene))
	h.gen.script(entity.CallKindFactExtraction, cancelling(cancel, kitchenFacts), text(gardenFacts))

	run, err := h.seq.GenerateSequence(ctx, h.chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RunStatusCancelled, run.Status)
	assert.Equal(t, 1, run.BeatsDone)

	// 进行中的节拍完整写入，之后不再发起调用
	assert.Len(t, h.gen.userPrompts(entity.CallKindNarration), 1)
	s := h.store(t)
	assert.Equal(t, 1, s.NextBeat())
	assert.Equal(t, 2, s.LastSequence())
	require.Len(t, s.ActiveFacts(), 1)

	saved, err := h.runs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RunStatusCancelled, saved.Status)
	assert.Equal(t, entity.ChapterStatusDraft, h.chapterStatus(t))
}

func TestCancel_ReachesRunOwnedByAnotherSequencer(t *testing.T) {
	h := newHarness(t, "Sarah comes home.", "Mike goes outside.", "They make up.")
	entered, gate := make(chan struct{}), make(chan struct{})
	h.gen.script(entity.CallKindNarration, gated(entered, gate, kitchenScene))
	h.gen.script(entity.CallKindFactExtraction, text(kitchenFacts))
	ctx := context.Background()

	run, err := h.seq.Start(ctx, h.chapter.ID, entity.RunModeSequence, 0)
	require.NoError(t, err)
	<-entered

	// 共享锁、运行记录与取消信号的另一个进程
	peer := New(h.seq.deps, h.seq.cfg)
	require.Nil(t, peer.ActiveRun(h.chapter.ID))
	forwarded, err := peer.Cancel(ctx, h.chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, forwarded.ID)

	close(gate)
	h.seq.Wait()

	saved, err := h.runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RunStatusCancelled, saved.Status)
	assert.Equal(t, 1, saved.BeatsDone)

	requested, err := h.cancels.Requested(ctx, h.chapter.ID)
	require.NoError(t, err)
	assert.False(t, requested)

	_, err = peer.Cancel(ctx, h.chapter.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeRunNotFound))
}

func TestPrepare_IgnoresStaleCancelRequest(t *testing.T) {
	h := newHarness(t, "Sarah comes home.")
	ctx := context.Background()
	require.NoError(t, h.cancels.Request(ctx, h.chapter.ID))

	h.gen.script(entity.CallKindNarration, text(kitchenScene))
	h.gen.script(entity.CallKindFactExtraction, text(kitchenFacts))
	run, err := h.seq.GenerateBeat(ctx, h.chapter.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, entity.RunStatusCompleted, run.Status)
}

func TestTruncateFromBeat_AllowsRegeneration(t *testing.T) {
	h := newHarness(t, "Sarah comes home.", "Mike goes outside.")
	h.gen.script(entity.CallKindNarration, text(kitchenScene), text(gardenScene))
	h.gen.script(entity.CallKindFactExtraction, text(kitchenFacts), text(gardenFacts))
	ctx := context.Background()

	_, err := h.seq.GenerateSequence(ctx, h.chapter.ID)
	require.NoError(t, err)

	res, err := h.seq.TruncateFromBeat(ctx, h.chapter.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, res.FromSequence)
	assert.Equal(t, 2, res.RemovedItems)

	s := h.store(t)
	assert.Equal(t, 1, s.NextBeat())
	active := s.ActiveFacts()
	require.Len(t, active, 1)
	assert.Equal(t, "Mike is in the kitchen.", active[0].Statement)
	assert.Equal(t, entity.ChapterStatusDraft, h.chapterStatus(t))

	h.gen.script(entity.CallKindNarration, text(gardenScene))
	h.gen.script(entity.CallKindFactExtraction, text(gardenFacts))
	run, err := h.seq.GenerateBeat(ctx, h.chapter.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, entity.RunStatusCompleted, run.Status)
	assert.Equal(t, 4, s.LastSequence())
}

func TestPrepare_RollsBackOrphanedItems(t *testing.T) {
	h := newHarness(t, "Sarah comes home.")
	ctx := context.Background()

	// 模拟进程在追加日志后、标记节拍前退出
	_, err := h.store(t).AppendLog(ctx, 0, []entity.LogItem{{Type: entity.LogItemNarration, Text: "half a scene"}})
	require.NoError(t, err)

	h.gen.script(entity.CallKindNarration, text(kitchenScene))
	h.gen.script(entity.CallKindFactExtraction, text(kitchenFacts))
	_, err = h.seq.GenerateBeat(ctx, h.chapter.ID, 0)
	require.NoError(t, err)

	s := h.store(t)
	items := s.Items(1, 0)
	require.Len(t, items, 2)
	assert.Equal(t, "Sarah pushes open the kitchen door.", items[0].Text)
	for _, it := range items {
		assert.False(t, strings.Contains(it.Text, "half"))
	}
	assert.Equal(t, entity.EventLogTruncated, h.events.types()[0])
}

type countingTx struct {
	calls int
}

func (c *countingTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	c.calls++
	return fn(ctx)
}

func TestGenerateBeat_FinishRunsInTransaction(t *testing.T) {
	h := newHarness(t, "Sarah comes home.", "Mike goes outside.")
	tx := &countingTx{}
	h.seq.deps.Tx = tx
	h.gen.script(entity.CallKindNarration, text(kitchenScene))
	h.gen.script(entity.CallKindFactExtraction, text(kitchenFacts))

	run, err := h.seq.GenerateBeat(context.Background(), h.chapter.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, tx.calls)

	saved, err := h.runs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RunStatusCompleted, saved.Status)
	assert.Equal(t, entity.ChapterStatusDraft, h.chapterStatus(t))
}
