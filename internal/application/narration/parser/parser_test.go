package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"z-novel-narrator/internal/domain/entity"
	apperrors "z-novel-narrator/pkg/errors"
)

func TestParse_KitchenScene(t *testing.T) {
	raw := `Sure, here is the scene.

<NARRATION_LOG>
> Sarah pushes open the kitchen door.
> The kettle is already whistling.
[Sarah]
"Is anyone home?"
</NARRATION_LOG>`

	items, err := New(Options{}).Parse(raw, "")
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, entity.LogItemNarration, items[0].Type)
	assert.Equal(t, "Sarah pushes open the kitchen door.", items[0].Text)
	assert.Equal(t, entity.LogItemNarration, items[1].Type)
	assert.Equal(t, entity.LogItemDialogue, items[2].Type)
	assert.Equal(t, "Sarah", items[2].Speaker)
	assert.Equal(t, "Is anyone home?", items[2].Text)
	for _, it := range items {
		assert.False(t, it.LowConfidence)
	}
}

func TestParse_InnerVoiceAttribution(t *testing.T) {
	raw := `<NARRATION_LOG>
< Something is wrong here.
[Mike]
"Sarah?"
< She looks pale.

< I should say something.
> Rain hits the window.
[Sarah] "I'm fine."
</NARRATION_LOG>`

	items, err := New(Options{}).Parse(raw, "Sarah")
	require.NoError(t, err)
	require.Len(t, items, 6)

	// 开头的独白归属于上一段日志的说话者
	assert.Equal(t, entity.LogItemInnerVoice, items[0].Type)
	assert.Equal(t, "Sarah", items[0].Speaker)

	assert.Equal(t, entity.LogItem{Type: entity.LogItemDialogue, Speaker: "Mike", Text: "Sarah?"}, items[1])
	assert.Equal(t, entity.LogItem{Type: entity.LogItemInnerVoice, Speaker: "Mike", Text: "She looks pale."}, items[2])

	// 空行结束块后仍归属最近点名的角色
	assert.Equal(t, "Mike", items[3].Speaker)
	assert.Equal(t, entity.LogItemInnerVoice, items[3].Type)

	assert.Equal(t, entity.LogItemNarration, items[4].Type)
	assert.Equal(t, entity.LogItem{Type: entity.LogItemDialogue, Speaker: "Sarah", Text: "I'm fine."}, items[5])
}

func TestParse_InnerVoiceWithoutSpeakerIsLowConfidence(t *testing.T) {
	items, err := New(Options{}).Parse("<NARRATION_LOG>\n< Who am I?\n</NARRATION_LOG>", "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "", items[0].Speaker)
	assert.True(t, items[0].LowConfidence)
}

func TestParse_StructuralMarkersExcluded(t *testing.T) {
	raw := `<NARRATION_LOG>
[THINKING]
Sarah should be nervous here.
> this line is scratchpad too
[/THINKING]
> Sarah grips the counter.
<plan>
1. make Mike late
</plan>
[NOTES]
> Mike is late.
[END NOTES]
</NARRATION_LOG>`

	items, err := New(Options{}).Parse(raw, "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Sarah grips the counter.", items[0].Text)
}

func TestParse_UnclosedMarkerDropsOnlyTheMarkerLine(t *testing.T) {
	raw := "<NARRATION_LOG>\n[PLAN]\n> Mike arrives.\n</NARRATION_LOG>"
	items, err := New(Options{}).Parse(raw, "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Mike arrives.", items[0].Text)
}

func TestParse_CustomMarkers(t *testing.T) {
	raw := "<LOG>\n[OUTLINE]\nsecret\n[/OUTLINE]\n> Visible.\n</LOG>"
	items, err := New(Options{Tag: "LOG", Markers: []string{"outline"}}).Parse(raw, "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Visible.", items[0].Text)
}

func TestParse_UnrecognizedLinesPreserved(t *testing.T) {
	raw := `<NARRATION_LOG>
The clock ticks.
[Sarah]
Fine, whatever.
</NARRATION_LOG>`

	items, err := New(Options{}).Parse(raw, "")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, entity.LogItemNarration, items[0].Type)
	assert.True(t, items[0].LowConfidence)

	assert.Equal(t, entity.LogItemNarration, items[1].Type)
	assert.Equal(t, "", items[1].Speaker)
	assert.True(t, items[1].LowConfidence)
}

func TestParse_UnquotedLineInSpeakerBlockIsNarration(t *testing.T) {
	raw := "<NARRATION_LOG>\n[Sarah]\n\"Hello.\"\nShe smiles at the kettle.\n\"Still here?\"\n</NARRATION_LOG>"

	items, err := New(Options{}).Parse(raw, "")
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, entity.LogItem{Type: entity.LogItemDialogue, Speaker: "Sarah", Text: "Hello."}, items[0])
	assert.Equal(t, entity.LogItem{
		Type: entity.LogItemNarration, Text: "She smiles at the kettle.", LowConfidence: true,
	}, items[1])
	// 块已经结束，后续带引号的行不再归属 Sarah
	assert.Equal(t, entity.LogItemNarration, items[2].Type)
	assert.True(t, items[2].LowConfidence)

	rendered := Render(items[:2])
	assert.Equal(t, "[Sarah]\n\"Hello.\"\n> She smiles at the kettle.", rendered)
	assert.NotContains(t, rendered, `"She smiles`)
}

func TestParse_SpeakerLineWithColon(t *testing.T) {
	items, err := New(Options{}).Parse("<NARRATION_LOG>\n[Sarah]: \"Hi there\"\n</NARRATION_LOG>", "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, entity.LogItem{Type: entity.LogItemDialogue, Speaker: "Sarah", Text: "Hi there"}, items[0])
}

func TestParse_NormalizesQuotesAndBold(t *testing.T) {
	raw := "<NARRATION_LOG>\n[Sarah]\n“It’s **late**.”\n</NARRATION_LOG>"
	items, err := New(Options{}).Parse(raw, "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "It's *late*.", items[0].Text)
	assert.False(t, items[0].LowConfidence)
}

func TestParse_Malformed(t *testing.T) {
	cases := map[string]string{
		"missing block":   "> Sarah enters the kitchen.",
		"unclosed block":  "<NARRATION_LOG>\n> Sarah enters.",
		"empty block":     "<NARRATION_LOG>\n\n</NARRATION_LOG>",
		"only scratchpad": "<NARRATION_LOG>\n[THINKING]\nhmm\n[/THINKING]\n</NARRATION_LOG>",
		"wrong tag case":  "<narration_log>\n> hi\n</narration_log>",
	}
	p := New(Options{})
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			items, err := p.Parse(raw, "")
			require.Error(t, err)
			assert.Empty(t, items)
			assert.True(t, apperrors.HasCode(err, apperrors.CodeMalformedOutput))
		})
	}
}

func TestRender_RoundTrip(t *testing.T) {
	items := []entity.LogItem{
		{Type: entity.LogItemNarration, Text: "Sarah enters the kitchen."},
		{Type: entity.LogItemDialogue, Speaker: "Sarah", Text: "Hello?"},
		{Type: entity.LogItemInnerVoice, Speaker: "Sarah", Text: "Too quiet."},
		{Type: entity.LogItemDialogue, Speaker: "Mike", Text: "Over here."},
		{Type: entity.LogItemInnerVoice, Text: "Nobody in particular."},
		{Type: entity.LogItemNarration, Text: "The door slams."},
	}

	rendered := Render(items)
	assert.Equal(t, `> Sarah enters the kitchen.
[Sarah]
"Hello?"
< Too quiet.

[Mike]
"Over here."

< Nobody in particular.
> The door slams.`, rendered)

	back, err := New(Options{}).Parse("<NARRATION_LOG>\n"+rendered+"\n</NARRATION_LOG>", "")
	require.NoError(t, err)
	// 无主独白在回读时归属最近说话者，其余条目保持一致
	items[4].Speaker = "Mike"
	assert.Equal(t, items, back)
}

func TestLastSpeaker(t *testing.T) {
	assert.Equal(t, "", LastSpeaker(nil))
	assert.Equal(t, "Mike", LastSpeaker([]entity.LogItem{
		{Speaker: "Sarah"}, {Speaker: "Mike"}, {Type: entity.LogItemNarration},
	}))
}
