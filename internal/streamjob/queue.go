package streamjob

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Enqueuer hands a job id to whatever runs workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// InlineQueue runs each job on its own goroutine in this process. The job
// outlives the request that enqueued it.
type InlineQueue struct {
	runner Runner
	log    *zap.SugaredLogger
	wg     sync.WaitGroup
}

func NewInlineQueue(r Runner, log *zap.SugaredLogger) *InlineQueue {
	return &InlineQueue{runner: r, log: log}
}

func (q *InlineQueue) Enqueue(ctx context.Context, jobID string) error {
	ctx = context.WithoutCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := q.runner.Run(ctx, jobID); err != nil {
			q.log.Errorw("inline job failed", "job", jobID, "err", err)
		}
	}()
	return nil
}

// Wait blocks until every enqueued job returned.
func (q *InlineQueue) Wait() { q.wg.Wait() }
