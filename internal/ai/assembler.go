package ai

import (
	"context"
	"fmt"
	"strings"
)

type toolCallState struct {
	id      string
	name    string
	args    strings.Builder
	started bool
	ended   bool
}

// assembler turns chat-completion style chunk deltas into lifecycle events.
// Providers of that family never announce where a reasoning segment or a tool
// call starts and ends, so it is inferred from what arrives next.
type assembler struct {
	ctx context.Context
	out chan<- Event

	reasoningID  string
	reasoningSeq int

	tools    map[int]*toolCallState
	order    []int
	toolSeq  int
	finished bool
	aborted  bool
}

func newAssembler(ctx context.Context, out chan<- Event) *assembler {
	return &assembler{ctx: ctx, out: out, tools: make(map[int]*toolCallState)}
}

func (a *assembler) emit(ev Event) bool {
	select {
	case a.out <- ev:
		return true
	case <-a.ctx.Done():
		a.aborted = true
		return false
	}
}

// reportAbort sends the context error when an emit was cut short, so a
// deadline is never read as a clean end of stream. Adapters defer it.
func (a *assembler) reportAbort(errs chan<- error) {
	if a.aborted {
		errs <- a.ctx.Err()
	}
}

func (a *assembler) reasoning(p ReasoningPayload) bool {
	if p.Empty() {
		return true
	}
	if a.reasoningID == "" {
		a.reasoningSeq++
		a.reasoningID = fmt.Sprintf("reasoning-%d", a.reasoningSeq)
		if !a.emit(Event{Type: EventReasoningStart, ID: a.reasoningID}) {
			return false
		}
	}
	return a.emit(Event{Type: EventReasoningDelta, ID: a.reasoningID, Reasoning: &p})
}

func (a *assembler) endReasoning() bool {
	if a.reasoningID == "" {
		return true
	}
	id := a.reasoningID
	a.reasoningID = ""
	return a.emit(Event{Type: EventReasoningEnd, ID: id})
}

func (a *assembler) text(s string) bool {
	if s == "" {
		return true
	}
	if !a.endReasoning() {
		return false
	}
	return a.emit(Event{Type: EventTextDelta, Text: s})
}

// toolDelta handles one streamed tool_calls entry. The id and name usually
// arrive on the first entry for an index, arguments arrive in pieces.
func (a *assembler) toolDelta(index int, id, name, args string) bool {
	if !a.endReasoning() {
		return false
	}
	st, ok := a.tools[index]
	if !ok {
		st = &toolCallState{}
		a.tools[index] = st
		a.order = append(a.order, index)
	}
	if st.id == "" && id != "" {
		st.id = id
	}
	if st.name == "" && name != "" {
		st.name = name
	}
	if st.started {
		if args == "" {
			return true
		}
		st.args.WriteString(args)
		return a.emit(Event{Type: EventToolInputDelta, ID: st.id, Delta: args})
	}

	st.args.WriteString(args)
	if st.id == "" {
		return true
	}
	return a.startTool(st)
}

func (a *assembler) startTool(st *toolCallState) bool {
	st.started = true
	if !a.emit(Event{Type: EventToolInputStart, ID: st.id, ToolName: st.name}) {
		return false
	}
	if st.args.Len() > 0 {
		return a.emit(Event{Type: EventToolInputDelta, ID: st.id, Delta: st.args.String()})
	}
	return true
}

// toolCall reports a call that arrived complete in one chunk.
func (a *assembler) toolCall(id, name string, input any) bool {
	if !a.endReasoning() {
		return false
	}
	if id == "" {
		a.toolSeq++
		id = fmt.Sprintf("call_%d", a.toolSeq)
	}
	return a.emit(Event{Type: EventToolCall, ID: id, ToolName: name, Input: input})
}

func (a *assembler) finishTools() bool {
	for _, idx := range a.order {
		st := a.tools[idx]
		if st.ended {
			continue
		}
		if !st.started {
			a.toolSeq++
			st.id = fmt.Sprintf("call_%d", a.toolSeq)
			if !a.startTool(st) {
				return false
			}
		}
		st.ended = true
		if !a.emit(Event{Type: EventToolInputEnd, ID: st.id}) {
			return false
		}
	}
	return true
}

func (a *assembler) finish(u *Usage) bool {
	if !a.endReasoning() || !a.finishTools() {
		return false
	}
	a.finished = true
	return a.emit(Event{Type: EventFinishStep, Usage: u})
}

// close flushes open segments and emits a usage-less finish-step when the
// provider ended the stream without reporting usage.
func (a *assembler) close() bool {
	if a.finished {
		return true
	}
	return a.finish(nil)
}
