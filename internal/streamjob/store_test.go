package streamjob

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestGormStoreTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.pendingJob(t, "ollama", Options{})

	_, err := h.store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, h.store.MarkRunning(ctx, job.ID))
	assert.ErrorIs(t, h.store.MarkRunning(ctx, job.ID), ErrJobStateChanged)

	got := h.job(t, job.ID)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, "hello there", got.InputMessages[0].Content)

	row, err := h.store.Finish(ctx, job.ID, []Status{StatusRunning}, Outcome{
		Status: StatusCompleted,
		Output: &Checkpoint{Seq: 3, Content: "done"},
		Usage:  &UsageSnapshot{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6, CostCents: 0.5},
	})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, StatusCompleted, row.Status)
	assert.Equal(t, "done", row.Content)
	assert.Equal(t, 6, row.TotalTokens)
	assert.EqualValues(t, 3, row.CheckpointSeq)
	assert.NotNil(t, row.CompletedAt)

	// terminal states never move again
	row, err = h.store.Finish(ctx, job.ID, activeStatuses, Outcome{Status: StatusError, Error: "late"})
	require.NoError(t, err)
	assert.Nil(t, row)
	assert.Equal(t, StatusCompleted, h.job(t, job.ID).Status)
	assert.ErrorIs(t, h.store.RequestCancel(ctx, job.ID), ErrJobStateChanged)
	assert.ErrorIs(t, h.store.Heartbeat(ctx, job.ID), ErrJobStateChanged)
}

func TestGormStoreCheckpointIsMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.pendingJob(t, "ollama", Options{})

	// not running yet
	assert.ErrorIs(t, h.store.Checkpoint(ctx, job.ID, Checkpoint{Seq: 1, Content: "a"}), ErrJobStateChanged)

	require.NoError(t, h.store.MarkRunning(ctx, job.ID))
	parts := Parts{&ToolPart{Index: 0, ToolCallID: "c", ToolName: "t", State: ToolInputStreaming}}
	require.NoError(t, h.store.Checkpoint(ctx, job.ID, Checkpoint{Seq: 2, Content: "hello", Reasoning: strPtr("hm"), Parts: parts, ReasoningChars: 2}))

	// an older snapshot arriving late is dropped
	require.NoError(t, h.store.Checkpoint(ctx, job.ID, Checkpoint{Seq: 1, Content: "he"}))

	got := h.job(t, job.ID)
	assert.Equal(t, "hello", got.Content)
	require.NotNil(t, got.Reasoning)
	assert.Equal(t, "hm", *got.Reasoning)
	assert.Equal(t, parts, got.Parts)
	assert.EqualValues(t, 2, got.CheckpointSeq)
	assert.Equal(t, 2, got.ReasoningChars)

	assert.ErrorIs(t, h.store.Checkpoint(ctx, "missing", Checkpoint{Seq: 9}), ErrJobNotFound)
}

func TestGormStoreCancelFlag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.pendingJob(t, "ollama", Options{})

	requested, err := h.store.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, h.store.RequestCancel(ctx, job.ID))
	requested, err = h.store.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, requested)

	// a cancelled pending job is never started
	assert.ErrorIs(t, h.store.MarkRunning(ctx, job.ID), ErrJobStateChanged)

	_, err = h.store.CancelRequested(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestGormStoreActiveQueries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	none, err := h.store.ActiveForConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	old := h.pendingJob(t, "openrouter", Options{})
	h.age(t, old.ID, 10*time.Minute)
	fresh := h.pendingJob(t, "ollama", Options{})
	done := h.pendingJob(t, "ollama", Options{})
	_, err = h.store.Finish(ctx, done.ID, activeStatuses, Outcome{Status: StatusCancelled})
	require.NoError(t, err)

	active, err := h.store.ActiveForConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, fresh.ID, active.ID)

	jobs, err := h.store.ActiveForUser(ctx, 42)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, old.ID, jobs[0].ID)

	stale, err := h.store.ListStale(ctx, time.Now().Add(-2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

func TestGormStoreRecordReservationOnlyWhilePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.pendingJob(t, "openrouter", Options{})

	require.NoError(t, h.store.RecordReservation(ctx, job.ID, 1))
	assert.InDelta(t, 1, h.job(t, job.ID).ReservedCents, 1e-9)

	row, err := h.store.Finish(ctx, job.ID, []Status{StatusPending}, Outcome{Status: StatusCancelled})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.InDelta(t, 1, row.ReservedCents, 1e-9)

	other := h.pendingJob(t, "openrouter", Options{})
	_, err = h.store.Finish(ctx, other.ID, []Status{StatusPending}, Outcome{Status: StatusCancelled})
	require.NoError(t, err)
	assert.ErrorIs(t, h.store.RecordReservation(ctx, other.ID, 1), ErrJobStateChanged)
	assert.Zero(t, h.job(t, other.ID).ReservedCents)
}
