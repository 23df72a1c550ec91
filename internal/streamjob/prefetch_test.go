package streamjob

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tryosschat/openchat-sub000/internal/ai"
	"github.com/tryosschat/openchat-sub000/internal/search"
	"go.uber.org/zap"
)

type fakeSearcher struct {
	mu      sync.Mutex
	queries []string
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, q string) (*search.Response, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &search.Response{Query: q, Results: []search.Result{
		{Title: "Result for " + q, URL: "https://example.com/" + q, Snippet: "about " + q},
	}}, nil
}

type countingQuota struct {
	left atomic.Int64
}

func (q *countingQuota) Consume(context.Context, uint64) error {
	if q.left.Add(-1) < 0 {
		return search.ErrQuotaExceeded
	}
	return nil
}

func quotaOf(n int64) *countingQuota {
	q := &countingQuota{}
	q.left.Store(n)
	return q
}

func conversation() []ai.Message {
	return []ai.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "earlier"},
		{Role: "assistant", Content: "sure"},
		{Role: "user", Content: "latest golang release"},
	}
}

func TestPrefetcherInsertsResultsBeforeLastUserTurn(t *testing.T) {
	s := &fakeSearcher{}
	p := NewPrefetcher(s, quotaOf(10), 1, time.Second, zap.NewNop().Sugar())

	out := p.Augment(context.Background(), 42, conversation())
	require.Len(t, out, 5)
	assert.Equal(t, "system", out[3].Role)
	assert.Contains(t, out[3].Content, "Web search results")
	assert.Contains(t, out[3].Content, "https://example.com/")
	assert.Equal(t, "latest golang release", out[4].Content)
	assert.Len(t, s.queries, 1)
}

func TestPrefetcherLeavesMessagesAlone(t *testing.T) {
	t.Run("quota exhausted", func(t *testing.T) {
		s := &fakeSearcher{}
		p := NewPrefetcher(s, quotaOf(0), 3, time.Second, zap.NewNop().Sugar())
		msgs := conversation()
		assert.Equal(t, msgs, p.Augment(context.Background(), 42, msgs))
		assert.Empty(t, s.queries)
	})

	t.Run("search failing", func(t *testing.T) {
		s := &fakeSearcher{err: errors.New("upstream 500")}
		p := NewPrefetcher(s, nil, 1, time.Second, zap.NewNop().Sugar())
		msgs := conversation()
		assert.Equal(t, msgs, p.Augment(context.Background(), 42, msgs))
	})

	t.Run("no user turn", func(t *testing.T) {
		s := &fakeSearcher{}
		p := NewPrefetcher(s, nil, 1, time.Second, zap.NewNop().Sugar())
		msgs := []ai.Message{{Role: "system", Content: "x"}}
		assert.Equal(t, msgs, p.Augment(context.Background(), 42, msgs))
		assert.Empty(t, s.queries)
	})
}

type runnerFunc func(ctx context.Context, jobID string) error

func (f runnerFunc) Run(ctx context.Context, jobID string) error { return f(ctx, jobID) }

func TestInlineQueueOutlivesCaller(t *testing.T) {
	var ran []string
	var mu sync.Mutex
	q := NewInlineQueue(runnerFunc(func(ctx context.Context, id string) error {
		assert.NoError(t, ctx.Err())
		mu.Lock()
		ran = append(ran, id)
		mu.Unlock()
		return nil
	}), zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Enqueue(ctx, "job-1"))
	cancel()
	require.NoError(t, q.Enqueue(ctx, "job-2"))
	q.Wait()

	assert.ElementsMatch(t, []string{"job-1", "job-2"}, ran)
}
