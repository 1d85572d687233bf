package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"z-novel-narrator/internal/application/narration/assembler"
	"z-novel-narrator/internal/application/narration/extractor"
	"z-novel-narrator/internal/application/narration/knowledge"
	"z-novel-narrator/internal/application/narration/orchestrator"
	"z-novel-narrator/internal/application/narration/sequencer"
	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/infrastructure/messaging"
	"z-novel-narrator/internal/infrastructure/persistence/memory"
	wfmodel "z-novel-narrator/internal/workflow/model"
	workflowprompt "z-novel-narrator/internal/workflow/prompt"
)

const (
	sceneReply = "<NARRATION_LOG>\n> Sarah pushes open the kitchen door.\n[Mike]\n\"You're late.\"\n</NARRATION_LOG>"
	factsReply = `{"summary": "Sarah comes home.", "facts": [
  {"subject": "Mike", "slot": "location", "statement": "Mike is in the kitchen.", "source_sequence": 2}
]}`
)

// heldGenerator 第一次叙事调用等待 release 关闭后才返回
type heldGenerator struct {
	entered chan struct{}
	release chan struct{}
	calls   chan string
}

func (g *heldGenerator) Generate(ctx context.Context, in *wfmodel.GenerateInput) (*wfmodel.GenerateOutput, error) {
	g.calls <- in.Workflow
	if in.Workflow == string(entity.CallKindFactExtraction) {
		return &wfmodel.GenerateOutput{Content: factsReply}, nil
	}
	if in.BeatIndex == 0 {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &wfmodel.GenerateOutput{Content: sceneReply}, nil
}

func TestHandleCancel_IdleWorkerCancelsRunOnOwner(t *testing.T) {
	ctx := context.Background()
	chapters := memory.NewChapterRepository()
	runs := memory.NewRunRepository()
	beats, ok := entity.NormalizeBeats([]entity.Beat{{Text: "Sarah comes home."}, {Text: "Mike goes outside."}})
	require.True(t, ok)
	chapter := entity.NewChapter("Rainy Evening", beats, &entity.Lore{})
	require.NoError(t, chapters.Create(ctx, chapter))

	gen := &heldGenerator{entered: make(chan struct{}), release: make(chan struct{}), calls: make(chan string, 16)}
	prompts := workflowprompt.NewRegistry()
	orch := orchestrator.New(gen, orchestrator.Config{CallTimeout: time.Second, MaxAttempts: 1})
	deps := sequencer.Deps{
		Chapters:  chapters,
		Runs:      runs,
		Registry:  knowledge.NewRegistry(nil),
		Locker:    sequencer.NewMemoryLocker(),
		Cancels:   sequencer.NewMemoryCancelSignal(),
		Assembler: assembler.New(prompts, ""),
		Executor:  orch,
		Extractor: extractor.New(orch, prompts, ""),
	}
	owner := sequencer.New(deps, sequencer.Config{RecentWindow: 10})
	idle := sequencer.New(deps, sequencer.Config{RecentWindow: 10})

	run, err := owner.Start(ctx, chapter.ID, entity.RunModeSequence, 0)
	require.NoError(t, err)
	<-gen.entered

	// 取消消息只投递给了没有运行的 worker
	job := &messaging.NarrationJobMessage{JobID: "job-cancel", ChapterID: chapter.ID, Action: messaging.JobCancel}
	msg, err := messaging.NewMessage(job.JobID, job.Action, job.ChapterID, job)
	require.NoError(t, err)
	require.NoError(t, NewNarrationWorker(idle).HandleCancel(ctx, msg))

	close(gen.release)
	owner.Wait()

	saved, err := runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RunStatusCancelled, saved.Status)
	assert.Equal(t, 1, saved.BeatsDone)

	close(gen.calls)
	var narrations int
	for kind := range gen.calls {
		if kind == string(entity.CallKindNarration) {
			narrations++
		}
	}
	assert.Equal(t, 1, narrations)
}
