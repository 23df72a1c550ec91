package streamjob

import (
	"context"
	"errors"
	"time"

	"github.com/tryosschat/openchat-sub000/internal/ai"
	"github.com/tryosschat/openchat-sub000/internal/search"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Prefetcher runs web searches before the provider call and injects the
// results as a system message ahead of the latest user turn.
type Prefetcher struct {
	searcher   search.Searcher
	quota      search.Quota
	maxQueries int
	timeout    time.Duration
	log        *zap.SugaredLogger
}

func NewPrefetcher(s search.Searcher, q search.Quota, maxQueries int, timeout time.Duration, log *zap.SugaredLogger) *Prefetcher {
	if maxQueries <= 0 {
		maxQueries = search.MaxQueries
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Prefetcher{searcher: s, quota: q, maxQueries: maxQueries, timeout: timeout, log: log}
}

// Augment never fails the job: search problems are logged and the original
// messages returned.
func (p *Prefetcher) Augment(ctx context.Context, userID uint64, msgs []ai.Message) []ai.Message {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			last = i
			break
		}
	}
	if last < 0 {
		return msgs
	}

	queries := search.DeriveQueries(msgs[last].Content, p.maxQueries)
	allowed := queries[:0:0]
	for _, q := range queries {
		if p.quota != nil {
			if err := p.quota.Consume(ctx, userID); err != nil {
				if !errors.Is(err, search.ErrQuotaExceeded) {
					p.log.Warnw("search quota check failed", "user", userID, "err", err)
				}
				break
			}
		}
		allowed = append(allowed, q)
	}
	if len(allowed) == 0 {
		return msgs
	}

	sctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	responses := make([]*search.Response, len(allowed))
	g, gctx := errgroup.WithContext(sctx)
	for i, q := range allowed {
		g.Go(func() error {
			resp, err := p.searcher.Search(gctx, q)
			if err != nil {
				p.log.Warnw("search failed", "query", q, "err", err)
				return nil
			}
			responses[i] = resp
			return nil
		})
	}
	_ = g.Wait()

	block := search.Compact(responses, 5)
	if block == "" {
		return msgs
	}

	out := make([]ai.Message, 0, len(msgs)+1)
	out = append(out, msgs[:last]...)
	out = append(out, ai.Message{Role: "system", Content: block})
	out = append(out, msgs[last:]...)
	return out
}
