package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaStreamEvents(t *testing.T) {
	lines := []string{
		`{"message":{"role":"assistant","content":"","thinking":"hmm"},"done":false}`,
		`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"weather","arguments":{"city":"Oslo"}}}]},"done":false}`,
		`{"message":{"role":"assistant","content":"Sunny"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":5,"eval_count":3}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "qwen3")
	evCh, errCh := p.StreamEvents(context.Background(), Request{Reasoning: ReasoningConfig{Enabled: true}})
	evs, err := collect(t, evCh, errCh)
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventReasoningStart,
		EventReasoningDelta,
		EventReasoningEnd,
		EventToolCall,
		EventTextDelta,
		EventFinishStep,
	}, types(evs))
	assert.Equal(t, "hmm", ExtractReasoning(evs[1]))
	assert.Equal(t, "weather", evs[3].ToolName)
	assert.Equal(t, map[string]any{"city": "Oslo"}, evs[3].Input)
	require.NotNil(t, evs[5].Usage)
	assert.Equal(t, 8, evs[5].Usage.TotalTokens)
}
