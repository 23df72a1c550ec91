package streamjob

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReaperSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stuckPending := h.pendingJob(t, "openrouter", Options{})
	_, err := h.meter.Reserve(ctx, 42, 1)
	require.NoError(t, err)
	require.NoError(t, h.store.Patch(ctx, stuckPending.ID, map[string]any{"reserved_cents": 1}))
	h.age(t, stuckPending.ID, 5*time.Minute)

	h.convs.owners["conv-2"] = 42
	stuckRunning := h.pendingJob(t, "ollama", Options{})
	require.NoError(t, h.db.Model(&StreamJob{}).Where("id = ?", stuckRunning.ID).
		UpdateColumn("conversation_id", "conv-2").Error)
	require.NoError(t, h.convs.SetStreaming(ctx, "conv-2", stuckRunning.ID))
	require.NoError(t, h.store.MarkRunning(ctx, stuckRunning.ID))
	h.age(t, stuckRunning.ID, 3*time.Minute)

	fresh := h.pendingJob(t, "ollama", Options{})

	r := NewReaper(h.store, h.meter, h.convs, 2*time.Minute, time.Minute, zap.NewNop().Sugar())
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{stuckPending.ID, stuckRunning.ID} {
		got := h.job(t, id)
		assert.Equal(t, StatusError, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, "stale/abandoned", *got.Error)
	}
	assert.Equal(t, StatusPending, h.job(t, fresh.ID).Status)
	assert.Empty(t, h.convs.marker("conv-2"))
	// conv-1 now points at the fresh job and is left alone
	assert.Equal(t, fresh.ID, h.convs.marker("conv-1"))
	assert.Zero(t, h.fastCounter(t))

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReaperRunStopsWithContext(t *testing.T) {
	h := newHarness(t)
	job := h.pendingJob(t, "ollama", Options{})
	h.age(t, job.ID, time.Hour)

	r := NewReaper(h.store, h.meter, h.convs, time.Minute, 10*time.Millisecond, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		j, err := h.store.Get(context.Background(), job.ID)
		return err == nil && j.Status == StatusError
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestReaperClosesFanoutChannel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.pendingJob(t, "ollama", Options{})
	require.NoError(t, h.store.MarkRunning(ctx, job.ID))
	require.NoError(t, h.store.Patch(ctx, job.ID, map[string]any{"fanout_channel": "ch-1"}))
	h.age(t, job.ID, time.Hour)
	quiet := h.pendingJob(t, "ollama", Options{})
	h.age(t, quiet.ID, time.Hour)

	f := &recordingFanout{}
	r := NewReaper(h.store, h.meter, h.convs, time.Minute, time.Minute, nil).WithFanout(f)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	// only the job that opened a channel gets an error entry
	assert.Equal(t, []string{"stale/abandoned"}, f.errs)
}
