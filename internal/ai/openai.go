package ai

import (
	"context"
	"errors"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAICompatible streams chat completions using OpenAI-compatible API endpoints.
// It serves OpenAI and DeepSeek by customizing BaseURL and API key; DeepSeek
// style "reasoning_content" deltas are surfaced as the dedicated reasoning channel.
type OpenAICompatible struct {
	Name   string
	Client *openai.Client
}

type OpenAIConfig struct {
	Name       string
	APIKey     string
	BaseURL    string // optional; for DeepSeek or self-hosted servers
	HTTPClient *http.Client
}

func NewOpenAICompatible(cfg OpenAIConfig) (*OpenAICompatible, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("missing API key")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAICompatible{Name: name, Client: openai.NewClientWithConfig(config)}, nil
}

func (p *OpenAICompatible) StreamEvents(ctx context.Context, req Request) (<-chan Event, <-chan error) {
	events := make(chan Event, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		in := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
		for _, m := range req.Messages {
			in = append(in, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
		}
		creq := openai.ChatCompletionRequest{
			Model:         req.Model,
			Messages:      in,
			Stream:        true,
			StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		}
		if req.Reasoning.Enabled && req.Reasoning.Effort != "" {
			creq.ReasoningEffort = req.Reasoning.Effort
		}

		stream, err := p.Client.CreateChatCompletionStream(ctx, creq)
		if err != nil {
			errs <- p.wrapErr(transportErr(ctx, err))
			return
		}
		defer stream.Close()

		a := newAssembler(ctx, events)
		defer a.reportAbort(errs)
		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					a.close()
					return
				}
				errs <- p.wrapErr(transportErr(ctx, err))
				return
			}
			for _, choice := range resp.Choices {
				d := choice.Delta
				if !a.reasoning(ReasoningPayload{Content: d.ReasoningContent}) {
					return
				}
				for _, tc := range d.ToolCalls {
					idx := 0
					if tc.Index != nil {
						idx = *tc.Index
					}
					if !a.toolDelta(idx, tc.ID, tc.Function.Name, tc.Function.Arguments) {
						return
					}
				}
				if !a.text(d.Content) {
					return
				}
				if choice.FinishReason != "" {
					if !a.endReasoning() || !a.finishTools() {
						return
					}
				}
			}
			if resp.Usage != nil {
				if !a.finish(&Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}) {
					return
				}
			}
		}
	}()

	return events, errs
}

func (p *OpenAICompatible) wrapErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &HTTPError{Provider: p.Name, Status: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &HTTPError{Provider: p.Name, Status: reqErr.HTTPStatusCode}
	}
	return err
}
