package entity

import (
	"strings"
)

// BeatKind 节拍在序列中的位置
type BeatKind string

const (
	BeatKindStart    BeatKind = "start"
	BeatKindMiddle   BeatKind = "middle"
	BeatKindFinish   BeatKind = "finish"
	BeatKindComplete BeatKind = "complete"
)

// Valid 判断是否为已知节拍类型
func (k BeatKind) Valid() bool {
	switch k {
	case BeatKindStart, BeatKindMiddle, BeatKindFinish, BeatKindComplete:
		return true
	default:
		return false
	}
}

// Beat 导演节拍
type Beat struct {
	Kind BeatKind `json:"kind"`
	Text string   `json:"text"`
}

const (
	beatSeparator = "//"
	// finishShortcut 作为最后一个节拍时展开为默认收尾
	finishShortcut = "!!"
	defaultFinish  = "The beats finish with the success or failure of the character's actions based on the context"
)

// ParseBeatScript 将 "a // b // c" 形式的导演输入拆分为节拍
// 单段输入为 complete；两段为 start/finish；更多段时中间均为 middle
func ParseBeatScript(input string) []Beat {
	var parts []string
	for _, p := range strings.Split(input, beatSeparator) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}

	switch len(parts) {
	case 0:
		return nil
	case 1:
		return []Beat{{Kind: BeatKindComplete, Text: parts[0]}}
	}

	if parts[len(parts)-1] == finishShortcut {
		parts[len(parts)-1] = defaultFinish
	}

	beats := make([]Beat, 0, len(parts))
	beats = append(beats, Beat{Kind: BeatKindStart, Text: parts[0]})
	for _, p := range parts[1 : len(parts)-1] {
		beats = append(beats, Beat{Kind: BeatKindMiddle, Text: p})
	}
	beats = append(beats, Beat{Kind: BeatKindFinish, Text: parts[len(parts)-1]})
	return beats
}

// NormalizeBeats 校验显式给出的节拍列表，未指定类型时按位置推断
func NormalizeBeats(in []Beat) ([]Beat, bool) {
	if len(in) == 0 {
		return nil, false
	}
	out := make([]Beat, len(in))
	for i, b := range in {
		b.Text = strings.TrimSpace(b.Text)
		if b.Text == "" {
			return nil, false
		}
		if b.Kind == "" {
			b.Kind = positionalKind(i, len(in))
		}
		if !b.Kind.Valid() {
			return nil, false
		}
		out[i] = b
	}
	return out, true
}

func positionalKind(i, n int) BeatKind {
	switch {
	case n == 1:
		return BeatKindComplete
	case i == 0:
		return BeatKindStart
	case i == n-1:
		return BeatKindFinish
	default:
		return BeatKindMiddle
	}
}
