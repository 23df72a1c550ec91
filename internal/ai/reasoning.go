package ai

import "strings"

// ReasoningSegment is one entry of a structured reasoning list
// (OpenRouter "reasoning_details").
type ReasoningSegment struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Summary string `json:"summary,omitempty"`
	Data    string `json:"data,omitempty"`
}

// ReasoningPayload holds every reasoning shape seen in one provider chunk.
type ReasoningPayload struct {
	Segments []ReasoningSegment // structured list of typed segments
	Content  string             // dedicated delta channel ("reasoning_content")
	Flat     string             // flat string field ("reasoning")
}

func (p ReasoningPayload) Empty() bool {
	return len(p.Segments) == 0 && p.Content == "" && p.Flat == ""
}

// ReasoningExtractor pulls reasoning text out of an event in one provider shape.
type ReasoningExtractor func(ev Event) (string, bool)

// ReasoningExtractors are tried in order; the first that yields text wins, so a
// chunk that carries the same text in several shapes is only counted once.
var ReasoningExtractors = []ReasoningExtractor{
	reasoningFromSegments,
	reasoningFromDeltaChannel,
	reasoningFromFlatField,
}

// ExtractReasoning returns the reasoning text carried by ev, or "".
func ExtractReasoning(ev Event) string {
	for _, extract := range ReasoningExtractors {
		if s, ok := extract(ev); ok {
			return s
		}
	}
	return ""
}

func reasoningFromSegments(ev Event) (string, bool) {
	if ev.Reasoning == nil || len(ev.Reasoning.Segments) == 0 {
		return "", false
	}
	var b strings.Builder
	for _, seg := range ev.Reasoning.Segments {
		switch seg.Type {
		case "reasoning.text":
			b.WriteString(seg.Text)
		case "reasoning.summary":
			b.WriteString(seg.Summary)
		}
		// reasoning.encrypted carries no readable text
	}
	return b.String(), b.Len() > 0
}

func reasoningFromDeltaChannel(ev Event) (string, bool) {
	if ev.Reasoning != nil && ev.Reasoning.Content != "" {
		return ev.Reasoning.Content, true
	}
	if ev.Text != "" {
		return ev.Text, true
	}
	return "", false
}

func reasoningFromFlatField(ev Event) (string, bool) {
	if ev.Reasoning == nil || ev.Reasoning.Flat == "" {
		return "", false
	}
	return ev.Reasoning.Flat, true
}
