package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/domain/repository"
)

func TestChapterRepository_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewChapterRepository()
	base := time.Now()
	for i, title := range []string{"a", "b", "c"} {
		c := entity.NewChapter(title, []entity.Beat{{Kind: entity.BeatKindComplete, Text: "x"}}, nil)
		c.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Create(ctx, c))
	}

	page, err := repo.List(ctx, repository.NewPagination(1, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "c", page.Items[0].Title)
	assert.Equal(t, "b", page.Items[1].Title)

	page, err = repo.List(ctx, repository.NewPagination(3, 2))
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestChapterRepository_GetMissing(t *testing.T) {
	c, err := NewChapterRepository().GetByID(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestRunRepository_LatestByChapter(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepository()
	old := entity.NewRun("ch-1", entity.RunModeSingle, 0)
	old.StartedAt = time.Now().Add(-time.Hour)
	latest := entity.NewRun("ch-1", entity.RunModeSequence, 1)
	other := entity.NewRun("ch-2", entity.RunModeSingle, 0)
	for _, r := range []*entity.Run{old, latest, other} {
		require.NoError(t, repo.Save(ctx, r))
	}

	got, err := repo.LatestByChapter(ctx, "ch-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, latest.ID, got.ID)

	got, err = repo.LatestByChapter(ctx, "ch-3")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUsageRepository_SumTokensByChapter(t *testing.T) {
	ctx := context.Background()
	repo := NewUsageRepository()
	require.NoError(t, repo.Create(ctx, &entity.LLMUsageEvent{ChapterID: "ch-1", TokensPrompt: 10, TokensCompletion: 3}))
	require.NoError(t, repo.Create(ctx, &entity.LLMUsageEvent{ChapterID: "ch-1", TokensPrompt: 5, TokensCompletion: 2}))
	require.NoError(t, repo.Create(ctx, &entity.LLMUsageEvent{ChapterID: "ch-2", TokensPrompt: 99}))

	p, c, err := repo.SumTokensByChapter(ctx, "ch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), p)
	assert.Equal(t, int64(5), c)
}
