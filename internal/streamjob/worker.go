package streamjob

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/tryosschat/openchat-sub000/internal/ai"
	"github.com/tryosschat/openchat-sub000/internal/fanout"
	"github.com/tryosschat/openchat-sub000/internal/usage"
	"go.uber.org/zap"
)

type UsageMeter interface {
	Persisted(ctx context.Context, userID uint64) (float64, error)
	Reserve(ctx context.Context, userID uint64, cents float64) (float64, error)
	Release(ctx context.Context, userID uint64, cents float64) error
	Adjust(ctx context.Context, userID uint64, deltaCents float64) error
	Settle(ctx context.Context, userID uint64, cents float64) error
}

// Providers builds a streamer for provider/model with the given key.
type Providers interface {
	Get(ctx context.Context, provider, model, apiKey string) (ai.EventStreamer, error)
}

type CredentialResolver interface {
	ResolveKey(ctx context.Context, userID uint64, provider string, subsidized bool) (string, error)
}

// Conversations is the conversation collaborator: ownership and the
// "actively streaming" marker.
type Conversations interface {
	ConversationOwner(ctx context.Context, conversationID string) (uint64, error)
	SetStreaming(ctx context.Context, conversationID, jobID string) error
	// ClearStreaming clears the marker only if it still points at jobID.
	ClearStreaming(ctx context.Context, conversationID, jobID string) error
}

// AssistantMessage is the final message written when a job completes.
type AssistantMessage struct {
	UserID          uint64
	ConversationID  string
	ClientMessageID string
	JobID           string
	Model           string
	Provider        string

	Content        string
	Reasoning      *string
	Parts          Parts
	ThinkingTimeMs int64
	ReasoningChars int

	PromptTokens       int
	CompletionTokens   int
	TotalTokens        int
	CostCents          float64
	TokensPerSecond    float64
	TimeToFirstTokenMs int64
	TotalDurationMs    int64
}

type MessageSink interface {
	UpsertAssistantMessage(ctx context.Context, m AssistantMessage) error
}

type WorkerDeps struct {
	Store       Store
	Meter       UsageMeter
	Providers   Providers
	Credentials CredentialResolver
	Convs       Conversations
	Messages    MessageSink
	Fanout      Fanout      // optional
	Prefetch    *Prefetcher // optional
	Log         *zap.SugaredLogger
}

type Worker struct {
	WorkerDeps
	cfg Config
	now func() time.Time
}

func NewWorker(deps WorkerDeps, cfg Config) *Worker {
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	return &Worker{WorkerDeps: deps, cfg: cfg.withDefaults(), now: time.Now}
}

const terminalWriteTimeout = 15 * time.Second

// Run executes one job to a terminal state. It returns an error only when
// the job could not be loaded, so the caller can retry delivery; failures
// of the job itself are recorded on the job.
func (w *Worker) Run(ctx context.Context, jobID string) error {
	job, err := w.Store.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		w.Log.Warnw("job not found", "job", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != StatusPending {
		w.Log.Infow("job already picked up", "job", jobID, "status", job.Status)
		return nil
	}

	r := &jobRun{w: w, job: job, start: w.now()}
	defer func() {
		if p := recover(); p != nil {
			w.Log.Errorw("job panicked", "job", jobID, "panic", p, "stack", string(debug.Stack()))
			r.fail(ctx, fmt.Errorf("panic: %v", p))
		}
	}()
	r.execute(ctx)
	return nil
}

// jobRun is the state of one Run call.
type jobRun struct {
	w     *Worker
	job   *StreamJob
	start time.Time

	demux    *Demuxer
	batcher  *tokenBatcher
	seq      int64
	reserved float64

	streamStart time.Time
}

func (r *jobRun) log() *zap.SugaredLogger { return r.w.Log }

func (r *jobRun) execute(ctx context.Context) {
	w, job := r.w, r.job
	opts := job.Options.Data()
	r.demux = NewDemuxer(opts.ReasoningEnabled, w.now)

	if job.Subsidized {
		if !r.reserve(ctx) {
			return
		}
	}

	if err := w.Store.MarkRunning(ctx, job.ID); err != nil {
		if errors.Is(err, ErrJobStateChanged) {
			// cancelled or reaped while queued; the recorded reservation was
			// refunded by that path
			w.Log.Infow("job left pending before start", "job", job.ID)
			return
		}
		r.fail(ctx, err)
		return
	}

	apiKey, err := w.Credentials.ResolveKey(ctx, job.UserID, job.Provider, job.Subsidized)
	if err != nil {
		r.fail(ctx, err)
		return
	}
	streamer, err := w.Providers.Get(ctx, job.Provider, job.Model, apiKey)
	if err != nil {
		r.fail(ctx, err)
		return
	}

	req := ai.Request{
		Model:     job.Model,
		Messages:  []ai.Message(job.InputMessages),
		Reasoning: ai.ReasoningConfig{Enabled: opts.ReasoningEnabled, Effort: opts.ReasoningEffort},
	}
	if opts.WebSearchEnabled && w.Prefetch != nil && ai.SupportsToolCalls(job.Model) {
		req.Messages = w.Prefetch.Augment(ctx, job.UserID, req.Messages)
	}

	r.openFanout(ctx)
	r.stream(ctx, streamer, req, opts.MaxSteps)
}

// reserve takes the fixed probe from the fast counter and records it on the
// job. It reports false when the job must not start: the probe crossed the
// daily limit, or the job was finished elsewhere while the probe was taken.
func (r *jobRun) reserve(ctx context.Context) bool {
	w, job := r.w, r.job
	probe := w.cfg.ProbeCents
	total, err := w.Meter.Reserve(ctx, job.UserID, probe)
	if err != nil {
		// the persisted counter already gated admission
		w.Log.Warnw("usage reservation unavailable", "job", job.ID, "user", job.UserID, "err", err)
		return true
	}
	r.reserved = probe

	if w.cfg.DailyLimitCents > 0 && total > w.cfg.DailyLimitCents {
		r.releaseProbe(ctx)
		r.terminate(ctx, []Status{StatusPending}, Outcome{Status: StatusError, Error: msgQuota}, false)
		w.Log.Infow("job rejected by reservation probe", "job", job.ID, "user", job.UserID, "total", total)
		return false
	}

	switch err := w.Store.RecordReservation(ctx, job.ID, probe); {
	case errors.Is(err, ErrJobStateChanged):
		// whoever finished the job saw no reservation to refund
		r.releaseProbe(ctx)
		w.Log.Infow("job left pending during reservation", "job", job.ID)
		return false
	case err != nil:
		// unrecorded, so nobody else could refund it later
		w.Log.Warnw("record reservation failed", "job", job.ID, "err", err)
		r.releaseProbe(ctx)
	}
	return true
}

func (r *jobRun) releaseProbe(ctx context.Context) {
	tctx, cancel := terminalContext(ctx)
	defer cancel()
	if err := r.w.Meter.Release(tctx, r.job.UserID, r.reserved); err != nil {
		r.w.Log.Warnw("release probe failed", "job", r.job.ID, "err", err)
	}
	r.reserved = 0
}

func (r *jobRun) openFanout(ctx context.Context) {
	w := r.w
	if w.Fanout == nil {
		return
	}
	ch, err := w.Fanout.Init(ctx, r.job.ID)
	if err != nil {
		w.Log.Warnw("fanout init failed", "job", r.job.ID, "err", err)
		return
	}
	if err := w.Store.Patch(ctx, r.job.ID, map[string]any{"fanout_channel": ch}); err != nil {
		w.Log.Warnw("record fanout channel failed", "job", r.job.ID, "err", err)
	}
	r.batcher = &tokenBatcher{
		fan:     w.Fanout,
		channel: ch,
		size:    w.cfg.FanoutBatchSize,
		window:  w.cfg.FanoutBatchWindow,
		now:     w.now,
		log:     w.Log,
	}
}

type stopReason int

const (
	stopEOF stopReason = iota
	stopMaxSteps
	stopCancelled
	stopLostOwnership
)

func (r *jobRun) stream(ctx context.Context, streamer ai.EventStreamer, req ai.Request, maxSteps int) {
	w, job := r.w, r.job

	pctx, cancel := context.WithTimeout(ctx, w.cfg.ProviderTimeout)
	defer cancel()

	r.streamStart = w.now()
	events, errs := streamer.StreamEvents(pctx, req)

	poll := time.NewTicker(w.cfg.CancelPollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	flush := time.NewTicker(w.cfg.FanoutBatchWindow)
	defer flush.Stop()

	dirty := 0
	reason := stopEOF

loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			eff := r.demux.Apply(ev)
			if eff.Reasoning != "" {
				r.batcher.add(ctx, fanout.KindReasoning, eff.Reasoning)
			}
			if eff.Text != "" {
				r.batcher.add(ctx, fanout.KindText, eff.Text)
			}
			if eff.Dirty {
				dirty++
			}
			if dirty > 0 && (eff.ToolLifecycle || dirty >= w.cfg.CheckpointEvery) {
				if errors.Is(r.checkpoint(ctx), ErrJobStateChanged) {
					reason = stopLostOwnership
					break loop
				}
				dirty = 0
			}
			if eff.StepFinished && maxSteps > 0 && r.demux.Steps() >= maxSteps {
				reason = stopMaxSteps
				break loop
			}

		case <-poll.C:
			requested, err := w.Store.CancelRequested(ctx, job.ID)
			if err != nil {
				w.Log.Warnw("cancel poll failed", "job", job.ID, "err", err)
				continue
			}
			if requested {
				reason = stopCancelled
				break loop
			}

		case <-heartbeat.C:
			if err := w.Store.Heartbeat(ctx, job.ID); errors.Is(err, ErrJobStateChanged) {
				reason = stopLostOwnership
				break loop
			} else if err != nil {
				w.Log.Warnw("heartbeat failed", "job", job.ID, "err", err)
			}

		case <-flush.C:
			if r.batcher.due() {
				r.batcher.flush(ctx)
			}
		}
	}

	var streamErr error
	if reason == stopEOF {
		streamErr = <-errs
		if streamErr == nil && pctx.Err() != nil {
			// a streamer that closed without reporting the deadline
			streamErr = pctx.Err()
		}
	} else {
		cancel()
	}

	switch {
	case reason == stopLostOwnership:
		w.Log.Infow("job terminated elsewhere, stopping", "job", job.ID)
	case reason == stopCancelled:
		r.cancelled(ctx)
	case streamErr != nil:
		r.fail(ctx, streamErr)
	default:
		r.complete(ctx, reason)
	}
}

func (r *jobRun) checkpoint(ctx context.Context) error {
	r.seq++
	err := r.w.Store.Checkpoint(ctx, r.job.ID, r.demux.Snapshot(r.seq))
	if err != nil && !errors.Is(err, ErrJobStateChanged) {
		r.log().Warnw("checkpoint failed", "job", r.job.ID, "seq", r.seq, "err", err)
	}
	return err
}

func (r *jobRun) complete(ctx context.Context, reason stopReason) {
	w, job := r.w, r.job
	tctx, cancel := terminalContext(ctx)
	defer cancel()

	end := w.now()
	promptTokens, completionTokens, costCents := r.usage()
	total := promptTokens + completionTokens
	if u, ok := r.demux.Usage(); ok && u.TotalTokens > total {
		total = u.TotalTokens
	}

	r.seq++
	out := r.demux.Snapshot(r.seq)
	row, err := w.Store.Finish(tctx, job.ID, []Status{StatusRunning}, Outcome{
		Status: StatusCompleted,
		Output: &out,
		Usage: &UsageSnapshot{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      total,
			CostCents:        costCents,
		},
	})
	if err != nil {
		r.fail(ctx, fmt.Errorf("finish job: %w", err))
		return
	}
	if row == nil {
		w.Log.Infow("job terminated elsewhere before completion", "job", job.ID)
		return
	}

	if job.Subsidized {
		// Settle logs unrecorded usage itself; the answer is already delivered.
		_ = w.Meter.Settle(tctx, job.UserID, costCents)
		if err := w.Meter.Adjust(tctx, job.UserID, costCents-r.reserved); err != nil {
			w.Log.Warnw("adjust fast usage failed", "job", job.ID, "err", err)
		}
	}

	var ttft time.Duration
	if first := r.demux.FirstTokenAt(); !first.IsZero() {
		ttft = first.Sub(r.streamStart)
	}
	var tps float64
	if gen := end.Sub(r.streamStart) - ttft; gen > 0 && completionTokens > 0 {
		tps = float64(completionTokens) / gen.Seconds()
	}

	msg := AssistantMessage{
		UserID:             job.UserID,
		ConversationID:     job.ConversationID,
		ClientMessageID:    job.ClientMessageID,
		JobID:              job.ID,
		Model:              job.Model,
		Provider:           job.Provider,
		Content:            out.Content,
		Reasoning:          out.Reasoning,
		Parts:              out.Parts,
		ThinkingTimeMs:     out.ThinkingTimeMs,
		ReasoningChars:     out.ReasoningChars,
		PromptTokens:       promptTokens,
		CompletionTokens:   completionTokens,
		TotalTokens:        total,
		CostCents:          costCents,
		TokensPerSecond:    tps,
		TimeToFirstTokenMs: ttft.Milliseconds(),
		TotalDurationMs:    end.Sub(r.start).Milliseconds(),
	}
	if err := w.Messages.UpsertAssistantMessage(tctx, msg); err != nil {
		w.Log.Errorw("upsert assistant message failed", "job", job.ID, "err", err)
	}

	r.batcher.finalize(tctx, out.Content)
	r.clearMarker(tctx)

	w.Log.Infow("job_timing",
		"job", job.ID,
		"status", StatusCompleted,
		"max_steps_hit", reason == stopMaxSteps,
		"ttft", ttft,
		"tps", tps,
		"tokens", total,
		"cents", costCents,
		"total", time.Since(r.start),
	)
}

// usage prefers provider figures and falls back to the estimator.
func (r *jobRun) usage() (prompt, completion int, cents float64) {
	w := r.w
	u, reported := r.demux.Usage()
	prompt, completion = u.PromptTokens, u.CompletionTokens
	if !reported || prompt+completion == 0 {
		var in strings.Builder
		for _, m := range r.job.InputMessages {
			in.WriteString(m.Content)
			in.WriteByte('\n')
		}
		prompt = usage.EstimateTokens(in.String())
		completion = usage.EstimateTokens(r.demux.Content()) + usage.EstimateTokens(r.demux.Reasoning())
	}

	if reported && u.CostUSD != nil {
		cents = *u.CostUSD * 100
		if !w.cfg.Rates.Plausible(cents) {
			w.Log.Warnw("discarding implausible reported cost", "job", r.job.ID, "cents", cents)
			cents = 0
		}
		return prompt, completion, cents
	}
	est, ok := usage.EstimateCost(prompt, completion, w.cfg.Rates)
	if !ok {
		w.Log.Warnw("discarding implausible cost estimate", "job", r.job.ID, "cents", est)
		return prompt, completion, 0
	}
	return prompt, completion, est
}

func (r *jobRun) cancelled(ctx context.Context) {
	tctx, cancel := terminalContext(ctx)
	defer cancel()

	r.seq++
	out := r.demux.Snapshot(r.seq)
	if r.terminate(tctx, []Status{StatusRunning}, Outcome{Status: StatusCancelled, Output: &out}, true) {
		r.batcher.finalize(tctx, out.Content)
		r.w.Log.Infow("job_timing", "job", r.job.ID, "status", StatusCancelled, "total", time.Since(r.start))
	}
}

func (r *jobRun) fail(ctx context.Context, cause error) {
	tctx, cancel := terminalContext(ctx)
	defer cancel()

	msg := sanitizeError(cause)
	out := Outcome{Status: StatusError, Error: msg}
	if r.demux != nil {
		r.seq++
		cp := r.demux.Snapshot(r.seq)
		out.Output = &cp
	}
	if r.terminate(tctx, activeStatuses, out, true) {
		r.batcher.fail(tctx, msg)
		r.w.Log.Warnw("job_timing_failed", "job", r.job.ID, "total", time.Since(r.start), "err", cause)
	}
}

// terminate performs a terminal transition this run owns. When it wins, the
// reservation is refunded and the conversation marker cleared.
func (r *jobRun) terminate(ctx context.Context, from []Status, out Outcome, refund bool) bool {
	w, job := r.w, r.job
	row, err := w.Store.Finish(ctx, job.ID, from, out)
	if err != nil {
		w.Log.Errorw("finish job failed", "job", job.ID, "status", out.Status, "err", err)
		return false
	}
	if row == nil {
		return false
	}
	if refund && r.reserved > 0 {
		if err := w.Meter.Release(ctx, job.UserID, r.reserved); err != nil {
			w.Log.Warnw("refund reservation failed", "job", job.ID, "err", err)
		}
	}
	r.clearMarker(ctx)
	return true
}

func (r *jobRun) clearMarker(ctx context.Context) {
	if err := r.w.Convs.ClearStreaming(ctx, r.job.ConversationID, r.job.ID); err != nil {
		r.w.Log.Warnw("clear streaming marker failed", "job", r.job.ID, "conversation", r.job.ConversationID, "err", err)
	}
}

// terminalContext keeps final bookkeeping alive through worker shutdown.
func terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
}
