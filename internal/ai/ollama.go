package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
	Log     *zap.SugaredLogger
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaMsg struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaChatReq struct {
	Model    string      `json:"model"`
	Messages []ollamaMsg `json:"messages"`
	Stream   bool        `json:"stream"`
	Think    *bool       `json:"think,omitempty"`
}

type ollamaStreamResp struct {
	Message         ollamaMsg `json:"message"`
	Done            bool      `json:"done"`
	PromptEvalCount int       `json:"prompt_eval_count"`
	EvalCount       int       `json:"eval_count"`
	Error           string    `json:"error,omitempty"`
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: baseURL,
		Model:   model,
		Client:  &http.Client{},
	}
}

// StreamEvents streams NDJSON chat chunks. Ollama reports reasoning as a flat
// "thinking" field and tool calls as complete objects.
func (p *OllamaProvider) StreamEvents(ctx context.Context, req Request) (<-chan Event, <-chan error) {
	events := make(chan Event, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		if p.Client == nil {
			errs <- errors.New("ollama: http client is nil")
			return
		}

		model := req.Model
		if model == "" {
			model = p.Model
		}
		think := req.Reasoning.Enabled
		reqBody := ollamaChatReq{
			Model:  model,
			Stream: true,
			Think:  &think,
			Messages: func() []ollamaMsg {
				out := make([]ollamaMsg, 0, len(req.Messages))
				for _, m := range req.Messages {
					out = append(out, ollamaMsg{Role: m.Role, Content: m.Content})
				}
				return out
			}(),
		}

		b, err := json.Marshal(reqBody)
		if err != nil {
			errs <- err
			return
		}

		url := fmt.Sprintf("%s/api/chat", strings.TrimRight(p.BaseURL, "/"))
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.Client.Do(httpReq)
		if err != nil {
			errs <- transportErr(ctx, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			errs <- &HTTPError{Provider: "ollama", Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			return
		}

		log := logger(p.Log)
		a := newAssembler(ctx, events)
		defer a.reportAbort(errs)

		sc := bufio.NewScanner(resp.Body)
		// Increase scanner buffer for long JSON lines.
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}

			var decoded ollamaStreamResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				log.Debugw("ollama: skipping malformed chunk", "err", err)
				continue
			}
			if decoded.Error != "" {
				errs <- &StreamError{Provider: "ollama", Message: decoded.Error}
				return
			}

			if !a.reasoning(ReasoningPayload{Flat: decoded.Message.Thinking}) {
				return
			}
			for _, tc := range decoded.Message.ToolCalls {
				if !a.toolCall("", tc.Function.Name, tc.Function.Arguments) {
					return
				}
			}
			if !a.text(decoded.Message.Content) {
				return
			}

			if decoded.Done {
				a.finish(&Usage{
					PromptTokens:     decoded.PromptEvalCount,
					CompletionTokens: decoded.EvalCount,
					TotalTokens:      decoded.PromptEvalCount + decoded.EvalCount,
				})
				return
			}
		}

		if err := sc.Err(); err != nil {
			errs <- transportErr(ctx, err)
			return
		}
		a.close()
	}()

	return events, errs
}
