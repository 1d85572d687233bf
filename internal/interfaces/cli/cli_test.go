package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"z-novel-narrator/internal/application/narration/worldcard"
	"z-novel-narrator/internal/domain/entity"
)

const kitchenOutput = `Here you go.

<NARRATION_LOG>
> Sarah pushes open the kitchen door.
[Sarah]
"Is anyone home?"
< He must be asleep.
</NARRATION_LOG>`

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseCommand_Text(t *testing.T) {
	out, err := execute(t, kitchenOutput, "parse", "--no-color")
	require.NoError(t, err)
	assert.Equal(t, "Sarah pushes open the kitchen door.\n"+
		"Sarah: \"Is anyone home?\"\n"+
		"Sarah (He must be asleep.)\n", out)
}

func TestParseCommand_JSONFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "response.txt")
	require.NoError(t, os.WriteFile(path, []byte(kitchenOutput), 0o644))

	out, err := execute(t, "", "parse", "--json", path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	var item entity.LogItem
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &item))
	assert.Equal(t, entity.LogItemDialogue, item.Type)
	assert.Equal(t, "Sarah", item.Speaker)
}

func TestParseCommand_Render(t *testing.T) {
	out, err := execute(t, kitchenOutput, "parse", "--render")
	require.NoError(t, err)
	assert.Contains(t, out, "> Sarah pushes open the kitchen door.")
	assert.Contains(t, out, "[Sarah]")
}

func TestParseCommand_MalformedExitCode(t *testing.T) {
	_, err := execute(t, "no block at all", "parse")
	require.Error(t, err)
	assert.Equal(t, 3, ExitCode(err))
}

func TestRunCommand_NeedsBeats(t *testing.T) {
	card := t.TempDir()
	_, err := execute(t, "", "run", "--config", t.TempDir(), "--card", card)
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
	assert.Contains(t, err.Error(), "no beats")
}

func TestRunCommand_MissingCard(t *testing.T) {
	_, err := execute(t, "", "run", "--config", t.TempDir(), "--card", filepath.Join(t.TempDir(), "missing"), "--beats", "a // b")
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
}

func TestChapterBeats_FallsBackToCard(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "card.yaml"), []byte(`beats: "Arrive // Leave"`), 0o644))
	card, err := worldcard.Load(dir)
	require.NoError(t, err)

	beats := chapterBeats("", card)
	require.Len(t, beats, 2)
	assert.Equal(t, entity.BeatKindStart, beats[0].Kind)
	assert.Equal(t, entity.BeatKindFinish, beats[1].Kind)

	beats = chapterBeats("Only one", card)
	require.Len(t, beats, 1)
	assert.Equal(t, entity.BeatKindComplete, beats[0].Kind)

	assert.Empty(t, chapterBeats("", nil))
}

func TestPrinter_PublishEvents(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)
	p.SetBeats([]entity.Beat{{Kind: entity.BeatKindStart, Text: "Sarah comes home"}})

	items, err := entity.NewNarrationEvent(entity.EventLogItems, "ch", "run", 0, map[string]any{
		"items": []entity.LogItem{{Type: entity.LogItemNarration, Text: "Rain."}},
	})
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), items))
	// 同一节拍的后续事件不重复输出标题
	require.NoError(t, p.Publish(context.Background(), items))

	update, err := entity.NewNarrationEvent(entity.EventFactUpdate, "ch", "run", 0, entity.FactUpdate{
		Ops: []entity.FactOp{
			{Kind: entity.FactOpInsert, Subject: "Sarah", Slot: "location", Statement: "kitchen"},
			{Kind: entity.FactOpConfirm, Subject: "Mike", Slot: "mood", Statement: "angry"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), update))

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "== beat 0"))
	assert.Contains(t, out, "Sarah comes home")
	assert.Equal(t, 2, strings.Count(out, "Rain."))
	assert.Contains(t, out, "[insert] Sarah.location = kitchen")
	assert.NotContains(t, out, "Mike.mood")
}

func TestPrinter_JSONSkipsDecorations(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, true)
	run := entity.NewRun("ch", entity.RunModeSequence, 0)
	evt, err := entity.NewNarrationEvent(entity.EventRunStatus, "ch", run.ID, 0, run)
	require.NoError(t, err)
	require.NoError(t, p.Publish(context.Background(), evt))
	p.Line("ignored")
	assert.Empty(t, buf.String())
}
