package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"z-novel-narrator/internal/application/narration/knowledge"
	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/domain/repository"
)

func newChapter(t *testing.T, client *Client) *entity.Chapter {
	t.Helper()
	chapter := entity.NewChapter("Rainy Evening", entity.ParseBeatScript("Sarah comes home. // Mike goes outside."), nil)
	require.NoError(t, NewChapterRepository(client).Create(context.Background(), chapter))
	return chapter
}

func TestKnowledgeRepository_RoundTrip(t *testing.T) {
	client := requireDB(t)
	ctx := context.Background()
	chapter := newChapter(t, client)
	repo := NewKnowledgeRepository(client)

	store := knowledge.NewStore(chapter.ID, knowledge.WithRepository(repo))
	items, err := store.AppendLog(ctx, 0, []entity.LogItem{
		{Type: entity.LogItemNarration, Text: "Sarah pushes open the kitchen door."},
		{Type: entity.LogItemDialogue, Speaker: "Mike", Text: "You're late."},
	})
	require.NoError(t, err)
	update, err := store.ApplyFactUpdate(ctx, knowledge.UpdateRequest{
		BeatIndex: 0, From: 1, To: 2,
		Proposals: []knowledge.Proposal{{Subject: "Mike", Slot: "location", Statement: "Mike is in the kitchen.", SourceSequence: 2}},
		Summary:   "Sarah comes home.",
	})
	require.NoError(t, err)
	require.NoError(t, store.MarkBeat(ctx, 0, items[0].Sequence, items[1].Sequence, update.ID))
	require.NoError(t, store.RecordCall(ctx, &entity.CallRecord{
		ChapterID: chapter.ID, Kind: entity.CallKindNarration, Outcome: entity.CallOutcomeSuccess, Prompt: "p",
	}))

	items, err = store.AppendLog(ctx, 1, []entity.LogItem{{Type: entity.LogItemNarration, Text: "Mike walks out."}})
	require.NoError(t, err)
	_, err = store.ApplyFactUpdate(ctx, knowledge.UpdateRequest{
		BeatIndex: 1, From: 3, To: 3,
		Proposals: []knowledge.Proposal{{Subject: "Mike", Slot: "location", Statement: "Mike is in the garden.", SourceSequence: 3, Supersedes: true}},
	})
	require.NoError(t, err)

	reg := knowledge.NewRegistry(repo)
	loaded, err := reg.View(ctx, chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.LastSequence())
	assert.Equal(t, 1, loaded.NextBeat())
	assert.Equal(t, 3, loaded.PendingFrom())
	assert.Len(t, loaded.Facts(true), 2)
	require.Len(t, loaded.ActiveFacts(), 1)
	assert.Equal(t, "Mike is in the garden.", loaded.ActiveFacts()[0].Statement)
	assert.Len(t, loaded.Calls(""), 1)

	// 截断未标记的残留日志后重新加载，第二次事实更新被撤销
	_, err = loaded.Truncate(ctx, 3)
	require.NoError(t, err)
	reloaded, err := reg.View(ctx, chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.LastSequence())
	assert.Equal(t, 0, reloaded.PendingFrom())
	require.Len(t, reloaded.ActiveFacts(), 1)
	assert.Equal(t, "Mike is in the kitchen.", reloaded.ActiveFacts()[0].Statement)
	assert.Len(t, reloaded.Facts(true), 1)
	assert.Len(t, reloaded.Updates(), 1)
}

func TestChapterAndRunRepositories(t *testing.T) {
	client := requireDB(t)
	ctx := context.Background()
	chapter := newChapter(t, client)

	chapters := NewChapterRepository(client)
	got, err := chapters.GetByID(ctx, chapter.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, chapter.Beats, got.Beats)

	require.NoError(t, chapters.UpdateStatus(ctx, chapter.ID, entity.ChapterStatusGenerating))
	got, err = chapters.GetByID(ctx, chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ChapterStatusGenerating, got.Status)

	page, err := chapters.List(ctx, repository.NewPagination(1, 50))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, page.Total, int64(1))

	runs := NewRunRepository(client)
	run := entity.NewRun(chapter.ID, entity.RunModeSequence, 0)
	run.Status = entity.RunStatusRunning
	require.NoError(t, runs.Save(ctx, run))
	run.BeatsDone = 2
	run.Finish(entity.RunStatusCompleted, "", "")
	require.NoError(t, runs.Save(ctx, run))

	latest, err := runs.LatestByChapter(ctx, chapter.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, entity.RunStatusCompleted, latest.Status)
	assert.Equal(t, 2, latest.BeatsDone)

	missing, err := runs.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLLMUsageEventRepository_SumTokensByChapter(t *testing.T) {
	client := requireDB(t)
	ctx := context.Background()
	chapter := newChapter(t, client)
	repo := NewLLMUsageEventRepository(client)

	for _, e := range []*entity.LLMUsageEvent{
		{ChapterID: chapter.ID, Workflow: "narration", Provider: "openai", Model: "m", TokensPrompt: 100, TokensCompletion: 40},
		{ChapterID: chapter.ID, Workflow: "fact_extraction", Provider: "openai", Model: "m", TokensPrompt: 50, TokensCompletion: 10},
	} {
		require.NoError(t, repo.Create(ctx, e))
	}
	p, c, err := repo.SumTokensByChapter(ctx, chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), p)
	assert.Equal(t, int64(50), c)
}

func TestTxManager_RollsBackOnError(t *testing.T) {
	client := requireDB(t)
	ctx := context.Background()
	chapters := NewChapterRepository(client)
	chapter := entity.NewChapter("Rolled back", entity.ParseBeatScript("one"), nil)

	err := NewTxManager(client).WithTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, chapters.Create(ctx, chapter))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	got, err := chapters.GetByID(ctx, chapter.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
