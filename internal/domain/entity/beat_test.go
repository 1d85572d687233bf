package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBeatScript(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  []Beat
	}{
		{
			name:  "single beat is complete",
			input: "  Sarah meets Mike at the dock ",
			want:  []Beat{{Kind: BeatKindComplete, Text: "Sarah meets Mike at the dock"}},
		},
		{
			name:  "two parts become start and finish",
			input: "Sarah arrives // Mike leaves",
			want: []Beat{
				{Kind: BeatKindStart, Text: "Sarah arrives"},
				{Kind: BeatKindFinish, Text: "Mike leaves"},
			},
		},
		{
			name:  "middle beats between start and finish",
			input: "a // b // c // d",
			want: []Beat{
				{Kind: BeatKindStart, Text: "a"},
				{Kind: BeatKindMiddle, Text: "b"},
				{Kind: BeatKindMiddle, Text: "c"},
				{Kind: BeatKindFinish, Text: "d"},
			},
		},
		{
			name:  "finish shortcut expands",
			input: "Sarah climbs the wall // !!",
			want: []Beat{
				{Kind: BeatKindStart, Text: "Sarah climbs the wall"},
				{Kind: BeatKindFinish, Text: defaultFinish},
			},
		},
		{
			name:  "empty parts are dropped",
			input: "a //  // b",
			want: []Beat{
				{Kind: BeatKindStart, Text: "a"},
				{Kind: BeatKindFinish, Text: "b"},
			},
		},
		{
			name:  "separators only",
			input: " // // ",
			want:  nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseBeatScript(tc.input))
		})
	}
}

func TestNormalizeBeats(t *testing.T) {
	beats, ok := NormalizeBeats([]Beat{{Text: "one"}, {Text: "two"}, {Text: "three"}})
	require.True(t, ok)
	assert.Equal(t, []BeatKind{BeatKindStart, BeatKindMiddle, BeatKindFinish},
		[]BeatKind{beats[0].Kind, beats[1].Kind, beats[2].Kind})

	_, ok = NormalizeBeats([]Beat{{Kind: "sideways", Text: "x"}})
	assert.False(t, ok)

	_, ok = NormalizeBeats([]Beat{{Text: "   "}})
	assert.False(t, ok)
}
