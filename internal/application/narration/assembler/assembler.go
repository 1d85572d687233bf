// Package assembler 组装单个节拍的叙事调用上下文
//
// 同一份快照、章节与配置总是得到逐字节相同的消息。
package assembler

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"z-novel-narrator/internal/application/narration/knowledge"
	"z-novel-narrator/internal/application/narration/parser"
	"z-novel-narrator/internal/domain/entity"
	workflowprompt "z-novel-narrator/internal/workflow/prompt"
	apperrors "z-novel-narrator/pkg/errors"
)

var beatGuidance = map[entity.BeatKind]string{
	entity.BeatKindStart:    "- Start beats establish the scene and introduce elements",
	entity.BeatKindMiddle:   "- Middle beats develop action and build tension",
	entity.BeatKindFinish:   "- Finish beats resolve or transition to the next scene",
	entity.BeatKindComplete: "- Complete beats (when there's only one) should encompass all three aspects",
}

// Input 组装输入
type Input struct {
	Chapter *entity.Chapter
	// Lore 已与世界卡合并的设定，为 nil 时使用章节自身设定
	Lore      *entity.Lore
	BeatIndex int
	Snapshot  *knowledge.Snapshot
}

// Assembler 上下文组装器
type Assembler struct {
	prompts *workflowprompt.Registry
	tag     string
}

func New(prompts *workflowprompt.Registry, tag string) *Assembler {
	if strings.TrimSpace(tag) == "" {
		tag = parser.DefaultTag
	}
	return &Assembler{prompts: prompts, tag: strings.TrimSpace(tag)}
}

// Assemble 返回 system + user 两条消息
func (a *Assembler) Assemble(ctx context.Context, in Input) ([]*schema.Message, error) {
	vars, err := a.Variables(in)
	if err != nil {
		return nil, err
	}
	tpl, err := a.prompts.ChatTemplate(workflowprompt.PromptNarrationV1)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternalError, "load narration template failed")
	}
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternalError, "format narration template failed")
	}
	return msgs, nil
}

// Variables 计算模板变量
func (a *Assembler) Variables(in Input) (map[string]any, error) {
	if in.Chapter == nil || in.Snapshot == nil {
		return nil, apperrors.ErrInvalidParam.WithDetail("chapter and snapshot are required")
	}
	beat, ok := in.Chapter.Beat(in.BeatIndex)
	if !ok {
		return nil, apperrors.ErrBeatNotFound.WithDetail(fmt.Sprintf("beat %d of %d", in.BeatIndex, in.Chapter.BeatCount()))
	}
	lore := in.Lore
	if lore == nil {
		lore = in.Chapter.Lore
	}

	return map[string]any{
		"tag":           a.tag,
		"lore":          renderLore(in.Chapter.Title, lore),
		"known_facts":   renderFacts(in.Snapshot),
		"recent_log":    renderWindow(in.Snapshot.Window),
		"chapter_beats": renderBeats(in.Chapter.Beats, in.BeatIndex),
		"director_beat": fmt.Sprintf("**%s Beat**: %s", titleCase(string(beat.Kind)), beat.Text),
		"beat_guidance": beatGuidance[beat.Kind],
	}, nil
}

func renderLore(title string, lore *entity.Lore) string {
	var sections []string
	add := func(heading, body string) {
		if body = strings.TrimSpace(body); body != "" {
			sections = append(sections, "## "+heading+"\n"+body)
		}
	}
	if lore == nil {
		lore = &entity.Lore{}
	}

	add("Chapter", title)
	add("Characters", renderEntries(lore.Characters))
	add("Places", renderEntries(lore.Places))
	add("World Facts", lore.WorldFacts)
	add("Initial Context (before any narration item)", lore.OpeningSummary)
	add("Vocabulary Guidance", lore.VocabularyGuidance)

	if len(sections) == 0 {
		return "(no world data)"
	}
	return strings.Join(sections, "\n\n")
}

func renderEntries(entries []entity.LoreEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		desc := strings.TrimSpace(e.Description)
		if e.Name == "" {
			parts = append(parts, desc)
			continue
		}
		parts = append(parts, fmt.Sprintf("**%s**:\n%s", e.Name, desc))
	}
	return strings.Join(parts, "\n\n")
}

func renderFacts(snap *knowledge.Snapshot) string {
	out := knowledge.FormatFacts(snap.Facts)
	if snap.Location != "" {
		out += "\n\nCurrent location: " + snap.Location
	}
	if snap.Summary != "" {
		out += "\nLast step: " + snap.Summary
	}
	return out
}

func renderWindow(items []entity.LogItem) string {
	if len(items) == 0 {
		return "(the chapter has not started yet)"
	}
	return parser.Render(items)
}

func renderBeats(beats []entity.Beat, current int) string {
	lines := make([]string, len(beats))
	for i, b := range beats {
		mark := ""
		switch {
		case i < current:
			mark = " (done)"
		case i == current:
			mark = " <- current"
		}
		lines[i] = fmt.Sprintf("%d. [%s] %s%s", i+1, b.Kind, b.Text, mark)
	}
	return strings.Join(lines, "\n")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
