package streamjob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/tryosschat/openchat-sub000/internal/ai"
	"github.com/tryosschat/openchat-sub000/internal/store/redisstore"
	"github.com/tryosschat/openchat-sub000/internal/usage"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&StreamJob{}, &usage.DailyUsage{}))
	return db
}

// fakeConvs is an in-memory conversation collaborator.
type fakeConvs struct {
	mu     sync.Mutex
	owners map[string]uint64
	active map[string]string
	setErr error
}

func newFakeConvs() *fakeConvs {
	return &fakeConvs{owners: map[string]uint64{}, active: map[string]string{}}
}

func (f *fakeConvs) ConversationOwner(_ context.Context, id string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[id]
	if !ok {
		return 0, ErrConversationNotFound
	}
	return owner, nil
}

func (f *fakeConvs) SetStreaming(_ context.Context, convID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.active[convID] = jobID
	return nil
}

func (f *fakeConvs) ClearStreaming(_ context.Context, convID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[convID] == jobID {
		delete(f.active, convID)
	}
	return nil
}

func (f *fakeConvs) marker(convID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[convID]
}

type fakeSink struct {
	mu   sync.Mutex
	msgs []AssistantMessage
}

func (f *fakeSink) UpsertAssistantMessage(_ context.Context, m AssistantMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeSink) all() []AssistantMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AssistantMessage(nil), f.msgs...)
}

type staticKeys struct{ err error }

func (k staticKeys) ResolveKey(context.Context, uint64, string, bool) (string, error) {
	return "test-key", k.err
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *fakeQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

// scriptedProvider replays events. With hang set it then blocks until the
// context ends and reports the context error.
type scriptedProvider struct {
	events []ai.Event
	err    error
	hang   bool
}

func (p *scriptedProvider) StreamEvents(ctx context.Context, _ ai.Request) (<-chan ai.Event, <-chan error) {
	events := make(chan ai.Event)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		for _, ev := range p.events {
			select {
			case events <- ev:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if p.hang {
			<-ctx.Done()
			errs <- ctx.Err()
			return
		}
		if p.err != nil {
			errs <- p.err
		}
	}()
	return events, errs
}

type providerFunc func() ai.EventStreamer

func (f providerFunc) Get(context.Context, string, string, string) (ai.EventStreamer, error) {
	s := f()
	if s == nil {
		return nil, errors.New("no provider")
	}
	return s, nil
}

type harness struct {
	db     *gorm.DB
	store  *GormStore
	meter  *usage.Meter
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	convs  *fakeConvs
	sink   *fakeSink
	queue  *fakeQueue
	cfg    Config
	stream ai.EventStreamer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := openTestDB(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		db:    db,
		store: NewGormStore(db),
		meter: usage.NewMeter(db, redisstore.NewFromClient(rdb), zap.NewNop().Sugar()),
		mr:    mr,
		rdb:   rdb,
		convs: newFakeConvs(),
		sink:  &fakeSink{},
		queue: &fakeQueue{},
		cfg: Config{
			SubsidizedProvider: "openrouter",
			DailyLimitCents:    10,
			ProbeCents:         1,
			StaleAfter:         2 * time.Minute,
			ProviderTimeout:    5 * time.Second,
			Rates:              usage.Rates{InputCentsPerMTok: 15, OutputCentsPerMTok: 60, MaxCents: 500},
		},
	}
	h.convs.owners["conv-1"] = 42
	return h
}

func (h *harness) worker(deps ...func(*WorkerDeps)) *Worker {
	d := WorkerDeps{
		Store:       h.store,
		Meter:       h.meter,
		Providers:   providerFunc(func() ai.EventStreamer { return h.stream }),
		Credentials: staticKeys{},
		Convs:       h.convs,
		Messages:    h.sink,
		Log:         zap.NewNop().Sugar(),
	}
	for _, f := range deps {
		f(&d)
	}
	return NewWorker(d, h.cfg)
}

func (h *harness) submitter() *Submitter {
	return NewSubmitter(h.store, h.convs, h.meter, h.queue, h.cfg, zap.NewNop().Sugar())
}

var jobSeq int

// pendingJob inserts a pending job for conv-1 and marks the conversation.
func (h *harness) pendingJob(t *testing.T, provider string, opts Options) *StreamJob {
	t.Helper()
	jobSeq++
	job := &StreamJob{
		ID:              fmt.Sprintf("job-%03d", jobSeq),
		ConversationID:  "conv-1",
		UserID:          42,
		Status:          StatusPending,
		Model:           "test-model",
		Provider:        provider,
		Subsidized:      h.cfg.isSubsidized(provider),
		InputMessages:   datatypes.NewJSONSlice([]ai.Message{{Role: "user", Content: "hello there"}}),
		Options:         datatypes.NewJSONType(opts),
		ClientMessageID: "client-" + fmt.Sprint(jobSeq),
	}
	require.NoError(t, h.store.Create(context.Background(), job))
	require.NoError(t, h.convs.SetStreaming(context.Background(), job.ConversationID, job.ID))
	return job
}

// age moves a job's timestamps into the past.
func (h *harness) age(t *testing.T, id string, d time.Duration) {
	t.Helper()
	past := time.Now().Add(-d)
	require.NoError(t, h.db.Model(&StreamJob{}).Where("id = ?", id).
		UpdateColumns(map[string]any{"created_at": past, "updated_at": past}).Error)
}

func (h *harness) job(t *testing.T, id string) *StreamJob {
	t.Helper()
	j, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (h *harness) fastCounter(t *testing.T) float64 {
	t.Helper()
	key := fmt.Sprintf("usage:daily:42:%s", usage.Day(time.Now()))
	if !h.mr.Exists(key) {
		return 0
	}
	v, err := h.rdb.Get(context.Background(), key).Float64()
	require.NoError(t, err)
	return v
}

func text(s string) ai.Event { return ai.Event{Type: ai.EventTextDelta, Text: s} }

func reasoningDelta(id, s string) ai.Event {
	return ai.Event{Type: ai.EventReasoningDelta, ID: id, Reasoning: &ai.ReasoningPayload{Flat: s}}
}

func finish(prompt, completion int) ai.Event {
	return ai.Event{Type: ai.EventFinishStep, Usage: &ai.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}}
}
