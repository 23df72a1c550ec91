package streamjob

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tryosschat/openchat-sub000/internal/ai"
)

// Effect is what one event changed.
type Effect struct {
	Text          string // appended to content
	Reasoning     string // appended to reasoning
	Dirty         bool   // the snapshot changed
	ToolLifecycle bool   // a tool part was created or changed state
	StepFinished  bool
}

// Demuxer folds the provider event feed into content, reasoning and an
// ordered part list. Part order is the order in which each id was first seen.
type Demuxer struct {
	reasoningEnabled bool
	now              func() time.Time

	content   strings.Builder
	reasoning strings.Builder

	parts     Parts
	reasoners map[string]*ReasoningPart
	tools     map[string]*ToolPart
	inputs    map[string]*strings.Builder
	openID    string // reasoning segment receiving id-less deltas
	seq       int

	usage         ai.Usage
	usageReported bool
	steps         int

	firstTokenAt  time.Time
	thinkingFrom  time.Time
	thinkingTotal time.Duration
}

func NewDemuxer(reasoningEnabled bool, now func() time.Time) *Demuxer {
	if now == nil {
		now = time.Now
	}
	return &Demuxer{
		reasoningEnabled: reasoningEnabled,
		now:              now,
		reasoners:        make(map[string]*ReasoningPart),
		tools:            make(map[string]*ToolPart),
		inputs:           make(map[string]*strings.Builder),
	}
}

func (d *Demuxer) Apply(ev ai.Event) Effect {
	switch ev.Type {
	case ai.EventTextDelta:
		if ev.Text == "" {
			return Effect{}
		}
		d.markFirstToken()
		d.stopThinking()
		d.content.WriteString(ev.Text)
		return Effect{Text: ev.Text, Dirty: true}

	case ai.EventReasoningStart:
		if !d.reasoningEnabled {
			return Effect{}
		}
		d.reasoningPart(ev.ID)
		d.startThinking()
		return Effect{Dirty: true}

	case ai.EventReasoningDelta:
		if !d.reasoningEnabled {
			return Effect{}
		}
		text := ai.ExtractReasoning(ev)
		if text == "" {
			return Effect{}
		}
		p := d.reasoningPart(ev.ID)
		d.markFirstToken()
		d.startThinking()
		p.Text += text
		d.reasoning.WriteString(text)
		return Effect{Reasoning: text, Dirty: true}

	case ai.EventReasoningEnd:
		if !d.reasoningEnabled {
			return Effect{}
		}
		p := d.reasoningPart(ev.ID)
		p.State = ReasoningDone
		if d.openID == p.ID {
			d.openID = ""
		}
		d.stopThinking()
		return Effect{Dirty: true}

	case ai.EventToolInputStart:
		d.toolPart(ev.ID, ev.ToolName)
		return Effect{Dirty: true, ToolLifecycle: true}

	case ai.EventToolInputDelta:
		p := d.toolPart(ev.ID, ev.ToolName)
		buf := d.inputBuffer(p.ToolCallID)
		buf.WriteString(ev.Delta)
		if p.State == ToolInputStreaming {
			p.Input = buf.String()
		}
		return Effect{Dirty: true}

	case ai.EventToolInputEnd:
		p := d.toolPart(ev.ID, ev.ToolName)
		if buf, ok := d.inputs[p.ToolCallID]; ok && p.State.rank() <= ToolInputAvailable.rank() {
			p.Input = parseToolInput(buf.String())
		}
		p.advance(ToolInputAvailable)
		return Effect{Dirty: true, ToolLifecycle: true}

	case ai.EventToolCall:
		p := d.toolPart(ev.ID, ev.ToolName)
		if ev.Input != nil {
			p.Input = ev.Input
		}
		p.advance(ToolInputAvailable)
		return Effect{Dirty: true, ToolLifecycle: true}

	case ai.EventToolResult:
		p := d.toolPart(ev.ID, ev.ToolName)
		p.Output = ev.Output
		p.advance(ToolOutputAvailable)
		return Effect{Dirty: true, ToolLifecycle: true}

	case ai.EventToolError:
		p := d.toolPart(ev.ID, ev.ToolName)
		p.ErrorText = sanitizeToolError(ev.Error)
		p.advance(ToolOutputError)
		return Effect{Dirty: true, ToolLifecycle: true}

	case ai.EventFinishStep:
		d.steps++
		if ev.Usage != nil {
			d.usage.Add(ev.Usage)
			d.usageReported = true
		}
		return Effect{StepFinished: true}
	}
	return Effect{}
}

func (d *Demuxer) reasoningPart(id string) *ReasoningPart {
	if id == "" {
		id = d.openID
	}
	if p, ok := d.reasoners[id]; ok && id != "" {
		return p
	}
	if id == "" {
		id = fmt.Sprintf("reasoning-%d", len(d.reasoners))
	}
	p := &ReasoningPart{Index: d.nextIndex(), ID: id, State: ReasoningStreaming}
	d.reasoners[id] = p
	d.parts = append(d.parts, p)
	d.openID = id
	return p
}

func (d *Demuxer) toolPart(id, name string) *ToolPart {
	if p, ok := d.tools[id]; ok {
		if p.ToolName == "" {
			p.ToolName = name
		}
		return p
	}
	p := &ToolPart{Index: d.nextIndex(), ToolCallID: id, ToolName: name, State: ToolInputStreaming}
	d.tools[id] = p
	d.parts = append(d.parts, p)
	return p
}

func (d *Demuxer) inputBuffer(id string) *strings.Builder {
	b, ok := d.inputs[id]
	if !ok {
		b = &strings.Builder{}
		d.inputs[id] = b
	}
	return b
}

func (d *Demuxer) nextIndex() int {
	i := d.seq
	d.seq++
	return i
}

func (d *Demuxer) markFirstToken() {
	if d.firstTokenAt.IsZero() {
		d.firstTokenAt = d.now()
	}
}

func (d *Demuxer) startThinking() {
	if d.thinkingFrom.IsZero() {
		d.thinkingFrom = d.now()
	}
}

func (d *Demuxer) stopThinking() {
	if !d.thinkingFrom.IsZero() {
		d.thinkingTotal += d.now().Sub(d.thinkingFrom)
		d.thinkingFrom = time.Time{}
	}
}

// parseToolInput returns the decoded JSON value, or the raw text when the
// buffer is not valid JSON.
func parseToolInput(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// Snapshot copies the current state. Reasoning is nil when none was captured.
func (d *Demuxer) Snapshot(seq int64) Checkpoint {
	thinking := d.thinkingTotal
	if !d.thinkingFrom.IsZero() {
		thinking += d.now().Sub(d.thinkingFrom)
	}
	cp := Checkpoint{
		Seq:            seq,
		Content:        d.content.String(),
		Parts:          d.parts.clone(),
		ThinkingTimeMs: thinking.Milliseconds(),
	}
	if d.reasoning.Len() > 0 {
		r := d.reasoning.String()
		cp.Reasoning = &r
		cp.ReasoningChars = utf8.RuneCountInString(r)
	}
	return cp
}

func (d *Demuxer) Content() string   { return d.content.String() }
func (d *Demuxer) Reasoning() string { return d.reasoning.String() }
func (d *Demuxer) Steps() int        { return d.steps }

// Usage returns the provider-reported usage, and false if none was reported.
func (d *Demuxer) Usage() (ai.Usage, bool) { return d.usage, d.usageReported }

func (d *Demuxer) FirstTokenAt() time.Time { return d.firstTokenAt }
