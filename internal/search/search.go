package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Snippet     string `json:"snippet"`
	Content     string `json:"content,omitempty"`
	PublishedAt string `json:"published_date,omitempty"`
}

// Text is the best short description the result carries.
func (r Result) Text() string {
	if r.Snippet != "" {
		return r.Snippet
	}
	return r.Content
}

type Response struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
}

type Searcher interface {
	Search(ctx context.Context, query string) (*Response, error)
}

// HTTPSearcher calls a JSON search endpoint:
// POST {query, max_results} -> {results: [{title, url, snippet|content}]}.
type HTTPSearcher struct {
	BaseURL    string
	APIKey     string
	MaxResults int
	Client     *http.Client
}

func NewHTTPSearcher(baseURL, apiKey string) *HTTPSearcher {
	return &HTTPSearcher{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		MaxResults: 5,
		Client:     &http.Client{Timeout: 15 * time.Second},
	}
}

type searchReq struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

func (s *HTTPSearcher) Search(ctx context.Context, query string) (*Response, error) {
	if s.BaseURL == "" {
		return nil, errors.New("search: base url not configured")
	}
	b, err := json.Marshal(searchReq{Query: query, MaxResults: s.MaxResults})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2*1024))
		return nil, fmt.Errorf("search: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("search: decode response: %w", err)
	}
	if out.Query == "" {
		out.Query = query
	}
	return &out, nil
}
