package streamjob

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// Part is one ordered unit of non-text output. It is implemented only by
// *ReasoningPart and *ToolPart.
type Part interface {
	PartIndex() int
	partType() string
	clone() Part
}

type ReasoningState string

const (
	ReasoningStreaming ReasoningState = "streaming"
	ReasoningDone      ReasoningState = "done"
)

type ReasoningPart struct {
	Index int            `json:"index"`
	ID    string         `json:"id"`
	Text  string         `json:"text"`
	State ReasoningState `json:"state"`
}

func (p *ReasoningPart) PartIndex() int   { return p.Index }
func (p *ReasoningPart) partType() string { return "reasoning" }
func (p *ReasoningPart) clone() Part      { c := *p; return &c }

func (p ReasoningPart) MarshalJSON() ([]byte, error) {
	type plain ReasoningPart
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{"reasoning", plain(p)})
}

type ToolState string

const (
	ToolInputStreaming  ToolState = "input-streaming"
	ToolInputAvailable  ToolState = "input-available"
	ToolOutputAvailable ToolState = "output-available"
	ToolOutputError     ToolState = "output-error"
)

func (s ToolState) rank() int {
	switch s {
	case ToolInputStreaming:
		return 1
	case ToolInputAvailable:
		return 2
	case ToolOutputAvailable, ToolOutputError:
		return 3
	}
	return 0
}

type ToolPart struct {
	Index      int       `json:"index"`
	ToolCallID string    `json:"toolCallId"`
	ToolName   string    `json:"toolName"`
	State      ToolState `json:"state"`
	Input      any       `json:"input,omitempty"`
	Output     any       `json:"output,omitempty"`
	ErrorText  string    `json:"errorText,omitempty"`
}

func (p *ToolPart) PartIndex() int   { return p.Index }
func (p *ToolPart) partType() string { return "tool" }
func (p *ToolPart) clone() Part      { c := *p; return &c }

func (p ToolPart) MarshalJSON() ([]byte, error) {
	type plain ToolPart
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{"tool", plain(p)})
}

// advance moves the part to s unless it already reached a later state.
func (p *ToolPart) advance(s ToolState) bool {
	if s.rank() <= p.State.rank() {
		return false
	}
	p.State = s
	return true
}

// Parts is the ordered part list, stored as a JSON column.
type Parts []Part

func (ps Parts) MarshalJSON() ([]byte, error) {
	if ps == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Part(ps))
}

func (ps *Parts) UnmarshalJSON(b []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(b, &raws); err != nil {
		return err
	}
	out := make(Parts, 0, len(raws))
	for _, raw := range raws {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return err
		}
		var p Part
		switch head.Type {
		case "reasoning":
			p = &ReasoningPart{}
		case "tool":
			p = &ToolPart{}
		default:
			return fmt.Errorf("unknown part type %q", head.Type)
		}
		if err := json.Unmarshal(raw, p); err != nil {
			return err
		}
		out = append(out, p)
	}
	*ps = out
	return nil
}

func (ps Parts) Value() (driver.Value, error) {
	b, err := ps.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (ps *Parts) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*ps = nil
		return nil
	case []byte:
		return ps.UnmarshalJSON(v)
	case string:
		return ps.UnmarshalJSON([]byte(v))
	}
	return errors.New("parts: unsupported column type")
}

func (ps Parts) clone() Parts {
	if ps == nil {
		return nil
	}
	out := make(Parts, len(ps))
	for i, p := range ps {
		out[i] = p.clone()
	}
	return out
}
