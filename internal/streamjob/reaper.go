package streamjob

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reaper fails jobs that stopped making progress.
type Reaper struct {
	store      Store
	meter      UsageMeter
	convs      Conversations
	fan        Fanout
	staleAfter time.Duration
	interval   time.Duration
	batch      int
	log        *zap.SugaredLogger
	now        func() time.Time
}

func NewReaper(store Store, meter UsageMeter, convs Conversations, staleAfter, interval time.Duration, log *zap.SugaredLogger) *Reaper {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reaper{
		store:      store,
		meter:      meter,
		convs:      convs,
		staleAfter: staleAfter,
		interval:   interval,
		batch:      100,
		log:        log,
		now:        time.Now,
	}
}

// WithFanout lets the reaper close the live channel of jobs it fails.
func (r *Reaper) WithFanout(f Fanout) *Reaper {
	r.fan = f
	return r
}

// Sweep fails every stale job once and returns how many it moved.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	reaped := 0
	for {
		jobs, err := r.store.ListStale(ctx, r.now().Add(-r.staleAfter), r.batch)
		if err != nil {
			return reaped, err
		}
		moved := 0
		for _, j := range jobs {
			row, err := r.store.Finish(ctx, j.ID, activeStatuses, Outcome{Status: StatusError, Error: msgAbandoned})
			if err != nil {
				r.log.Warnw("reap job failed", "job", j.ID, "err", err)
				continue
			}
			if row == nil {
				continue
			}
			moved++
			abandon(ctx, r.meter, r.convs, r.fan, r.log, row)
			r.log.Infow("reaped stale job", "job", j.ID, "status", j.Status, "idle", r.now().Sub(j.LastActivity()))
		}
		reaped += moved
		if len(jobs) < r.batch || moved == 0 {
			return reaped, nil
		}
	}
}

// Run sweeps immediately and then on every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		if n, err := r.Sweep(ctx); err != nil {
			r.log.Warnw("reaper sweep failed", "err", err)
		} else if n > 0 {
			r.log.Infow("reaper sweep", "reaped", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
