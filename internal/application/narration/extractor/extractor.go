// Package extractor 在叙事调用之后发起第二次模型调用，从新日志中提取事实变更
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/schema"

	"z-novel-narrator/internal/application/narration/knowledge"
	"z-novel-narrator/internal/application/narration/orchestrator"
	"z-novel-narrator/internal/domain/entity"
	"z-novel-narrator/internal/workflow/node"
	workflowprompt "z-novel-narrator/internal/workflow/prompt"
	apperrors "z-novel-narrator/pkg/errors"
)

// Executor 执行模型调用
type Executor interface {
	Execute(ctx context.Context, req orchestrator.Request, recorder orchestrator.Recorder) (*orchestrator.Result, error)
}

// Input 单个节拍的提取输入
type Input struct {
	ChapterID string
	RunID     string
	BeatIndex int
	// Items 本节拍新追加的日志，序号连续
	Items []entity.LogItem
	// Facts 追加前的有效事实
	Facts []entity.Fact
}

// Extractor 事实提取器
type Extractor struct {
	exec     Executor
	prompts  *workflowprompt.Registry
	provider string
}

func New(exec Executor, prompts *workflowprompt.Registry, provider string) *Extractor {
	return &Extractor{exec: exec, prompts: prompts, provider: provider}
}

// Extract 调用模型并把结果转换为事实更新请求
// 调用失败返回 FatalFailure，输出无法解析返回 MalformedOutput；两种情况下 Result 都携带调用记录
func (e *Extractor) Extract(ctx context.Context, in Input, recorder orchestrator.Recorder) (*knowledge.UpdateRequest, *orchestrator.Result, error) {
	if len(in.Items) == 0 {
		return nil, nil, apperrors.ErrInvalidParam.WithDetail("no log items to extract from")
	}
	msgs, err := e.BuildMessages(ctx, in)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.CodeInternalError, "format extraction prompt failed")
	}

	var parsed *knowledge.UpdateRequest
	res, err := e.exec.Execute(ctx, orchestrator.Request{
		Kind:      entity.CallKindFactExtraction,
		ChapterID: in.ChapterID,
		RunID:     in.RunID,
		BeatIndex: in.BeatIndex,
		Provider:  e.provider,
		Messages:  msgs,
		Validate: func(text string) error {
			req, err := Parse(text, in)
			if err != nil {
				return err
			}
			parsed = req
			return nil
		},
	}, recorder)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "record extraction call failed")
	}
	if res.Invalid != nil {
		return nil, res, res.Invalid
	}
	if !res.Succeeded() {
		return nil, res, apperrors.ErrFatalFailure.WithDetail("fact extraction: " + res.Reason)
	}
	return parsed, res, nil
}

// BuildMessages 渲染提取提示词
func (e *Extractor) BuildMessages(ctx context.Context, in Input) ([]*schema.Message, error) {
	tpl, err := e.prompts.ChatTemplate(workflowprompt.PromptFactExtractV1)
	if err != nil {
		return nil, err
	}
	from, to := bounds(in.Items)
	return tpl.Format(ctx, map[string]any{
		"known_facts": knowledge.FormatFacts(in.Facts),
		"from":        from,
		"to":          to,
		"new_items":   FormatNumbered(in.Items),
	})
}

// FormatNumbered 每行一个条目并带序号前缀，单行也符合日志记法
func FormatNumbered(items []entity.LogItem) string {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "#%d ", it.Sequence)
		switch it.Type {
		case entity.LogItemDialogue:
			fmt.Fprintf(&b, "[%s] %q", speakerOrUnknown(it.Speaker), it.Text)
		case entity.LogItemInnerVoice:
			fmt.Fprintf(&b, "[%s] < %s", speakerOrUnknown(it.Speaker), it.Text)
		default:
			b.WriteString("> ")
			b.WriteString(it.Text)
		}
	}
	return b.String()
}

func speakerOrUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func bounds(items []entity.LogItem) (int, int) {
	return items[0].Sequence, items[len(items)-1].Sequence
}

type extraction struct {
	Summary  string          `json:"summary"`
	Location string          `json:"location"`
	Facts    []extractedFact `json:"facts"`
}

type extractedFact struct {
	Subject        string  `json:"subject"`
	Slot           string  `json:"slot"`
	Statement      string  `json:"statement"`
	SourceSequence flexInt `json:"source_sequence"`
	Supersedes     bool    `json:"supersedes"`
}

// flexInt 兼容模型把数字写成字符串或 "#12" 的情况
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("source_sequence %q is not a number", s)
	}
	*f = flexInt(n)
	return nil
}

// Parse 解析模型输出为更新请求
// 来源序号不在本次区间内时改为区间最后一条；缺少主体、槽位或陈述的条目被丢弃
func Parse(raw string, in Input) (*knowledge.UpdateRequest, error) {
	if len(in.Items) == 0 {
		return nil, apperrors.ErrInvalidParam.WithDetail("no log items to extract from")
	}
	text := node.ExtractJSONObject(raw)
	var out extraction
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, apperrors.ErrMalformedOutput.WithDetail("fact extraction json: " + err.Error())
	}

	from, to := bounds(in.Items)
	req := &knowledge.UpdateRequest{
		BeatIndex: in.BeatIndex,
		From:      from,
		To:        to,
		Summary:   strings.TrimSpace(out.Summary),
		Location:  strings.TrimSpace(out.Location),
	}
	for _, f := range out.Facts {
		p := knowledge.Proposal{
			Subject:        strings.TrimSpace(f.Subject),
			Slot:           strings.TrimSpace(f.Slot),
			Statement:      strings.TrimSpace(f.Statement),
			SourceSequence: int(f.SourceSequence),
			Supersedes:     f.Supersedes,
		}
		if p.Subject == "" || p.Slot == "" || p.Statement == "" {
			continue
		}
		if p.SourceSequence < from || p.SourceSequence > to {
			p.SourceSequence = to
		}
		req.Proposals = append(req.Proposals, p)
	}
	return req, nil
}
