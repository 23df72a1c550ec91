package streamjob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tryosschat/openchat-sub000/internal/ai"
	"github.com/tryosschat/openchat-sub000/internal/common"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type SubmitRequest struct {
	UserID          uint64
	ConversationID  string
	Provider        string
	Model           string
	Messages        []ai.Message
	Options         Options
	ClientMessageID string
}

// Submitter admits stream requests and hands them to the queue.
type Submitter struct {
	store Store
	convs Conversations
	meter UsageMeter
	queue Enqueuer
	fan   Fanout
	cfg   Config
	log   *zap.SugaredLogger
	now   func() time.Time
	newID func() (string, error)
}

func NewSubmitter(store Store, convs Conversations, meter UsageMeter, queue Enqueuer, cfg Config, log *zap.SugaredLogger) *Submitter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Submitter{
		store: store,
		convs: convs,
		meter: meter,
		queue: queue,
		cfg:   cfg.withDefaults(),
		log:   log,
		now:   time.Now,
		newID: common.NewULID,
	}
}

// WithFanout lets the submitter close the live channel of jobs it supersedes.
func (s *Submitter) WithFanout(f Fanout) *Submitter {
	s.fan = f
	return s
}

func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*StreamJob, error) {
	if req.ConversationID == "" || strings.TrimSpace(req.Provider) == "" || strings.TrimSpace(req.Model) == "" || len(req.Messages) == 0 {
		return nil, ErrInvalidRequest
	}

	owner, err := s.convs.ConversationOwner(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if owner != req.UserID {
		return nil, ErrNotOwner
	}

	subsidized := s.cfg.isSubsidized(req.Provider)
	if subsidized && s.cfg.DailyLimitCents > 0 {
		spent, err := s.meter.Persisted(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("read daily usage: %w", err)
		}
		if spent >= s.cfg.DailyLimitCents {
			return nil, ErrQuotaExceeded
		}
	}

	active, err := s.store.ActiveForConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("check active job: %w", err)
	}
	if active != nil {
		if !s.stale(active) {
			return nil, ErrAlreadyStreaming
		}
		s.supersede(ctx, active)
	}

	if subsidized {
		running, err := s.store.ActiveForUser(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("check user jobs: %w", err)
		}
		for i := range running {
			j := &running[i]
			if !j.Subsidized || (active != nil && j.ID == active.ID) {
				continue
			}
			if !s.stale(j) {
				return nil, ErrSubsidizedBusy
			}
			s.supersede(ctx, j)
		}
	}

	clientMsgID := req.ClientMessageID
	if clientMsgID == "" {
		clientMsgID = uuid.NewString()
	}
	id, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("new job id: %w", err)
	}
	job := &StreamJob{
		ID:              id,
		ConversationID:  req.ConversationID,
		UserID:          req.UserID,
		Status:          StatusPending,
		Model:           strings.TrimSpace(req.Model),
		Provider:        strings.ToLower(strings.TrimSpace(req.Provider)),
		Subsidized:      subsidized,
		InputMessages:   datatypes.NewJSONSlice(req.Messages),
		Options:         datatypes.NewJSONType(req.Options),
		ClientMessageID: clientMsgID,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.convs.SetStreaming(ctx, job.ConversationID, job.ID); err != nil {
		s.abortStart(ctx, job)
		return nil, fmt.Errorf("mark conversation streaming: %w", err)
	}
	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		s.abortStart(ctx, job)
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.log.Infow("job submitted", "job", job.ID, "conversation", job.ConversationID, "user", job.UserID, "provider", job.Provider, "model", job.Model)
	return job, nil
}

func (s *Submitter) stale(j *StreamJob) bool {
	return s.now().Sub(j.LastActivity()) > s.cfg.StaleAfter
}

func (s *Submitter) supersede(ctx context.Context, j *StreamJob) {
	row, err := s.store.Finish(ctx, j.ID, activeStatuses, Outcome{Status: StatusError, Error: msgStale})
	if err != nil {
		s.log.Warnw("supersede stale job failed", "job", j.ID, "err", err)
		return
	}
	if row != nil {
		s.log.Infow("superseded stale job", "job", j.ID, "conversation", j.ConversationID)
		abandon(ctx, s.meter, s.convs, s.fan, s.log, row)
	}
}

func (s *Submitter) abortStart(ctx context.Context, job *StreamJob) {
	row, err := s.store.Finish(ctx, job.ID, []Status{StatusPending}, Outcome{Status: StatusError, Error: msgStartFailed})
	if err != nil {
		s.log.Errorw("fail unstarted job", "job", job.ID, "err", err)
		return
	}
	if row != nil {
		abandon(ctx, s.meter, s.convs, s.fan, s.log, row)
	}
}

// Cancel requests cancellation of a job the user owns. A job that has not
// started yet is cancelled immediately; a running one stops at its next poll.
func (s *Submitter) Cancel(ctx context.Context, userID uint64, jobID string) (*StreamJob, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrJobNotFound
	}
	if job.Status.Terminal() {
		return job, nil
	}

	if err := s.store.RequestCancel(ctx, jobID); err != nil && !errors.Is(err, ErrJobStateChanged) {
		return nil, fmt.Errorf("request cancel: %w", err)
	}
	if job.Status == StatusPending {
		row, err := s.store.Finish(ctx, jobID, []Status{StatusPending}, Outcome{Status: StatusCancelled})
		if err != nil {
			return nil, fmt.Errorf("cancel pending job: %w", err)
		}
		if row != nil {
			abandon(ctx, s.meter, s.convs, s.fan, s.log, row)
		}
	}
	return s.store.Get(ctx, jobID)
}

// abandon cleans up after a terminal transition made outside the job's
// worker: it refunds the outstanding reservation, clears the marker and ends
// the live channel so resuming clients stop waiting.
func abandon(ctx context.Context, meter UsageMeter, convs Conversations, fan Fanout, log *zap.SugaredLogger, row *StreamJob) {
	if row.ReservedCents > 0 && meter != nil {
		if err := meter.Release(ctx, row.UserID, row.ReservedCents); err != nil {
			log.Warnw("refund reservation failed", "job", row.ID, "err", err)
		}
	}
	if err := convs.ClearStreaming(ctx, row.ConversationID, row.ID); err != nil {
		log.Warnw("clear streaming marker failed", "job", row.ID, "err", err)
	}
	if fan != nil && row.FanoutChannel != nil && *row.FanoutChannel != "" {
		msg := msgInterrupted
		if row.Error != nil && *row.Error != "" {
			msg = *row.Error
		}
		if err := fan.MarkError(ctx, *row.FanoutChannel, msg); err != nil {
			log.Warnw("fanout mark error failed", "job", row.ID, "err", err)
		}
	}
}
