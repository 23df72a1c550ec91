package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, chunks []string, captured *openRouterChatReq) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			_ = json.NewDecoder(r.Body).Decode(captured)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func collect(t *testing.T, events <-chan Event, errs <-chan error) ([]Event, error) {
	t.Helper()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out, <-errs
}

func types(evs []Event) []EventType {
	out := make([]EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestOpenRouterStreamEvents(t *testing.T) {
	chunks := []string{
		`{"choices":[{"delta":{"reasoning":"let me think","reasoning_details":[{"type":"reasoning.text","text":"let me think"}]}}]}`,
		`not json`,
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7,"total_tokens":19,"cost":0.0004}}`,
	}
	var captured openRouterChatReq
	srv := sseServer(t, chunks, &captured)
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "key", "openai/gpt-4o-mini", "", "")
	evCh, errCh := p.StreamEvents(context.Background(), Request{
		Messages:  []Message{{Role: "user", Content: "hi"}},
		Reasoning: ReasoningConfig{Enabled: true, Effort: "low"},
	})
	evs, err := collect(t, evCh, errCh)
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventReasoningStart,
		EventReasoningDelta,
		EventReasoningEnd,
		EventTextDelta,
		EventToolInputStart,
		EventToolInputDelta,
		EventToolInputDelta,
		EventToolInputEnd,
		EventFinishStep,
	}, types(evs))

	assert.Equal(t, "let me think", ExtractReasoning(evs[1]))
	assert.Equal(t, "Hello", evs[3].Text)
	assert.Equal(t, "call_a", evs[4].ID)
	assert.Equal(t, "lookup", evs[4].ToolName)
	require.NotNil(t, evs[8].Usage)
	assert.Equal(t, 19, evs[8].Usage.TotalTokens)
	require.NotNil(t, evs[8].Usage.CostUSD)
	assert.InDelta(t, 0.0004, *evs[8].Usage.CostUSD, 1e-9)

	assert.True(t, captured.Stream)
	assert.Equal(t, "openai/gpt-4o-mini", captured.Model)
	require.NotNil(t, captured.Reasoning)
	assert.Equal(t, "low", captured.Reasoning.Effort)
}

func TestOpenRouterDisablesReasoning(t *testing.T) {
	var captured openRouterChatReq
	srv := sseServer(t, []string{`{"choices":[{"delta":{"content":"x"}}]}`}, &captured)
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "key", "m", "", "")
	evCh, errCh := p.StreamEvents(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	evs, err := collect(t, evCh, errCh)
	require.NoError(t, err)

	require.NotNil(t, captured.Reasoning)
	require.NotNil(t, captured.Reasoning.Enabled)
	assert.False(t, *captured.Reasoning.Enabled)
	assert.True(t, captured.Reasoning.Exclude)
	// no usage chunk: close() still emits a finish-step
	assert.Equal(t, []EventType{EventTextDelta, EventFinishStep}, types(evs))
}

func TestOpenRouterHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key sk-secret"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "key", "m", "", "")
	evCh, errCh := p.StreamEvents(context.Background(), Request{})
	_, err := collect(t, evCh, errCh)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
}

func TestOpenRouterMissingKey(t *testing.T) {
	p := NewOpenRouterProvider("http://127.0.0.1:0", "", "m", "", "")
	evCh, errCh := p.StreamEvents(context.Background(), Request{})
	_, err := collect(t, evCh, errCh)
	assert.EqualError(t, err, "openrouter: api key is required")
}

// endlessSSE keeps streaming content chunks until the client goes away.
func endlessSSE(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(2 * time.Millisecond):
			}
			fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"tok "}}]}`+"\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func TestOpenRouterReportsDeadline(t *testing.T) {
	srv := endlessSSE(t)
	defer srv.Close()
	p := NewOpenRouterProvider(srv.URL, "key", "m", "", "")

	t.Run("reader keeps up", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
		defer cancel()
		evCh, errCh := p.StreamEvents(ctx, Request{Messages: []Message{{Role: "user", Content: "hi"}}})
		evs, err := collect(t, evCh, errCh)
		assert.NotEmpty(t, evs)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("reader stalls", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		events, errs := p.StreamEvents(ctx, Request{Messages: []Message{{Role: "user", Content: "hi"}}})
		<-ctx.Done()
		_, err := collect(t, events, errs)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestAssemblerReportsAbort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	errs := make(chan error, 1)
	a := newAssembler(ctx, make(chan Event))

	assert.False(t, a.text("lost"))
	a.reportAbort(errs)
	assert.ErrorIs(t, <-errs, context.Canceled)

	clean := newAssembler(context.Background(), make(chan Event, 1))
	assert.True(t, clean.text("kept"))
	clean.reportAbort(errs)
	assert.Empty(t, errs)
}
