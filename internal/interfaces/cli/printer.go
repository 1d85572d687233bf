package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"z-novel-narrator/internal/application/narration/sequencer"
	"z-novel-narrator/internal/domain/entity"
)

var (
	speakerColor   = color.New(color.FgCyan, color.Bold)
	dialogueColor  = color.New(color.FgWhite)
	innerColor     = color.New(color.FgYellow, color.Italic)
	narrationColor = color.New(color.Reset)
	factColor      = color.New(color.FgGreen)
	statusColor    = color.New(color.Faint)
	warnColor      = color.New(color.FgRed)
)

// Printer 把日志条目与章节事件写到终端
type Printer struct {
	mu   sync.Mutex
	w    io.Writer
	json bool

	beats    []entity.Beat
	lastBeat int
}

func NewPrinter(w io.Writer, asJSON bool) *Printer {
	return &Printer{w: w, json: asJSON, lastBeat: -1}
}

// SetBeats 设置节拍列表，用于输出节拍标题
func (p *Printer) SetBeats(beats []entity.Beat) {
	p.mu.Lock()
	p.beats = beats
	p.mu.Unlock()
}

// Items 输出日志条目
func (p *Printer) Items(items []entity.LogItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range items {
		p.item(&items[i])
	}
}

func (p *Printer) item(it *entity.LogItem) {
	if p.json {
		raw, _ := json.Marshal(it)
		fmt.Fprintln(p.w, string(raw))
		return
	}
	switch it.Type {
	case entity.LogItemDialogue:
		speakerColor.Fprintf(p.w, "%s: ", it.Speaker)
		dialogueColor.Fprintf(p.w, "%q\n", it.Text)
	case entity.LogItemInnerVoice:
		speaker := it.Speaker
		if speaker == "" {
			speaker = "?"
		}
		speakerColor.Fprintf(p.w, "%s ", speaker)
		innerColor.Fprintf(p.w, "(%s)", it.Text)
		if it.LowConfidence {
			warnColor.Fprint(p.w, " [unattributed]")
		}
		fmt.Fprintln(p.w)
	default:
		narrationColor.Fprintln(p.w, it.Text)
	}
}

// Publish 实现 service.EventPublisher，运行过程中实时输出
func (p *Printer) Publish(_ context.Context, evt *entity.NarrationEvent) error {
	switch evt.Type {
	case entity.EventLogItems:
		var payload sequencer.LogItemsPayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return err
		}
		p.beatHeader(evt.BeatIndex)
		p.Items(payload.Items)

	case entity.EventFactUpdate:
		if p.json {
			return nil
		}
		var u entity.FactUpdate
		if err := json.Unmarshal(evt.Payload, &u); err != nil {
			return err
		}
		p.mu.Lock()
		for _, op := range u.Ops {
			if op.Kind == entity.FactOpConfirm {
				continue
			}
			factColor.Fprintf(p.w, "  [%s] %s.%s = %s\n", op.Kind, op.Subject, op.Slot, op.Statement)
		}
		p.mu.Unlock()

	case entity.EventRunStatus:
		if p.json {
			return nil
		}
		var run entity.Run
		if err := json.Unmarshal(evt.Payload, &run); err != nil {
			return err
		}
		p.mu.Lock()
		statusColor.Fprintf(p.w, "-- run %s: %s (beats done %d)\n", run.ID, run.Status, run.BeatsDone)
		if run.Error != "" {
			warnColor.Fprintf(p.w, "-- %s\n", run.Error)
		}
		p.mu.Unlock()

	case entity.EventLogTruncated:
		if p.json {
			return nil
		}
		var t sequencer.TruncatedPayload
		if err := json.Unmarshal(evt.Payload, &t); err != nil {
			return err
		}
		p.mu.Lock()
		warnColor.Fprintf(p.w, "-- removed %d log items from #%d: %s\n", t.RemovedItems, t.FromSequence, t.Reason)
		p.mu.Unlock()
	}
	return nil
}

func (p *Printer) beatHeader(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json || index == p.lastBeat {
		return
	}
	p.lastBeat = index
	if index >= 0 && index < len(p.beats) {
		b := p.beats[index]
		statusColor.Fprintf(p.w, "\n== beat %d [%s] %s\n", index, b.Kind, b.Text)
		return
	}
	statusColor.Fprintf(p.w, "\n== beat %d\n", index)
}

// Line 普通输出
func (p *Printer) Line(format string, args ...any) {
	if p.json {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}
