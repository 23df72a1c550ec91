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
	"time"

	"go.uber.org/zap"
)

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
	Log     *zap.SugaredLogger
}

type openRouterMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterReasoning struct {
	Effort  string `json:"effort,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Exclude bool   `json:"exclude,omitempty"`
}

type openRouterUsageOpt struct {
	Include bool `json:"include"`
}

type openRouterChatReq struct {
	Model     string               `json:"model"`
	Messages  []openRouterMsg      `json:"messages"`
	Stream    bool                 `json:"stream"`
	Reasoning *openRouterReasoning `json:"reasoning,omitempty"`
	Usage     *openRouterUsageOpt  `json:"usage,omitempty"`
}

type openRouterToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openRouterStreamResp struct {
	Choices []struct {
		Delta struct {
			Content          string                    `json:"content"`
			Reasoning        string                    `json:"reasoning"`
			ReasoningContent string                    `json:"reasoning_content"`
			ReasoningDetails []ReasoningSegment        `json:"reasoning_details"`
			ToolCalls        []openRouterToolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int      `json:"prompt_tokens"`
		CompletionTokens int      `json:"completion_tokens"`
		TotalTokens      int      `json:"total_tokens"`
		Cost             *float64 `json:"cost"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		// no global timeout; ctx controls streaming requests
		Client: &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 90 * time.Second}},
	}
}

func (p *OpenRouterProvider) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = strings.TrimSpace(p.Model)
	}
	if model == "" {
		return nil, errors.New("openrouter: model is required")
	}

	reqBody := openRouterChatReq{
		Model:  model,
		Stream: true,
		Usage:  &openRouterUsageOpt{Include: true},
		Messages: func() []openRouterMsg {
			out := make([]openRouterMsg, 0, len(req.Messages))
			for _, m := range req.Messages {
				out = append(out, openRouterMsg{Role: m.Role, Content: m.Content})
			}
			return out
		}(),
	}
	if req.Reasoning.Enabled {
		reqBody.Reasoning = &openRouterReasoning{Effort: req.Reasoning.Effort}
	} else {
		off := false
		reqBody.Reasoning = &openRouterReasoning{Enabled: &off, Exclude: true}
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		httpReq.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		httpReq.Header.Set("X-Title", p.AppName)
	}
	return httpReq, nil
}

// StreamEvents streams the completion via SSE and translates every chunk into
// lifecycle events.
func (p *OpenRouterProvider) StreamEvents(ctx context.Context, req Request) (<-chan Event, <-chan error) {
	events := make(chan Event, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		if p.Client == nil {
			errs <- errors.New("openrouter: http client is nil")
			return
		}
		if strings.TrimSpace(p.APIKey) == "" {
			errs <- errors.New("openrouter: api key is required")
			return
		}

		httpReq, err := p.buildRequest(ctx, req)
		if err != nil {
			errs <- err
			return
		}

		resp, err := p.Client.Do(httpReq)
		if err != nil {
			errs <- transportErr(ctx, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			errs <- &HTTPError{Provider: "openrouter", Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			return
		}

		log := logger(p.Log)
		a := newAssembler(ctx, events)
		defer a.reportAbort(errs)

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				a.close()
				return
			}
			var decoded openRouterStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				log.Debugw("openrouter: skipping malformed chunk", "err", err)
				continue
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- &StreamError{Provider: "openrouter", Message: decoded.Error.Message}
				return
			}
			for _, choice := range decoded.Choices {
				d := choice.Delta
				if !a.reasoning(ReasoningPayload{Segments: d.ReasoningDetails, Content: d.ReasoningContent, Flat: d.Reasoning}) {
					return
				}
				for _, tc := range d.ToolCalls {
					if !a.toolDelta(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments) {
						return
					}
				}
				if !a.text(d.Content) {
					return
				}
				if choice.FinishReason != nil && *choice.FinishReason != "" {
					if !a.endReasoning() || !a.finishTools() {
						return
					}
				}
			}
			if decoded.Usage != nil {
				if !a.finish(&Usage{
					PromptTokens:     decoded.Usage.PromptTokens,
					CompletionTokens: decoded.Usage.CompletionTokens,
					TotalTokens:      decoded.Usage.TotalTokens,
					CostUSD:          decoded.Usage.Cost,
				}) {
					return
				}
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

func logger(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}
