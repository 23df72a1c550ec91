package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tryosschat/openchat-sub000/internal/fanout"
	"github.com/tryosschat/openchat-sub000/internal/streamjob"
)

const (
	resumeReadBlock = 15 * time.Second
	resumeReadCount = 100
)

// resumeEvent is one frame sent to a resuming client. Fanout entries are
// sent as-is; the polling fallback sends whole snapshots.
type resumeEvent struct {
	ID    string
	Event string
	Data  any
}

type snapshotData struct {
	Status    streamjob.Status `json:"status"`
	Content   string           `json:"content"`
	Reasoning *string          `json:"reasoning,omitempty"`
	Parts     streamjob.Parts  `json:"parts,omitempty"`
	Seq       int64            `json:"seq"`
	Error     *string          `json:"error,omitempty"`
}

func snapshotOf(j *streamjob.StreamJob) snapshotData {
	return snapshotData{Status: j.Status, Content: j.Content, Reasoning: j.Reasoning, Parts: j.Parts, Seq: j.CheckpointSeq, Error: j.Error}
}

// follow emits events for job until it is terminal, ctx ends, or emit fails.
// It tails the fanout channel when one exists and otherwise polls the job row.
func (h *Handler) follow(ctx context.Context, job *streamjob.StreamJob, after string, emit func(resumeEvent) error) error {
	if h.Fanout != nil {
		ch, err := h.Fanout.Lookup(ctx, job.ID)
		switch {
		case err == nil:
			return h.tail(ctx, job.ID, ch, after, emit)
		case !errors.Is(err, fanout.ErrChannelNotFound):
			h.Log.Warnw("fanout lookup failed, polling instead", "job", job.ID, "err", err)
		}
	}
	return h.poll(ctx, job, emit)
}

// tail relays fanout entries until a terminal one. A quiet channel is
// checked against the job row: a job finished without a terminal entry
// (reaped, or its publisher failed) ends the tail with a done snapshot.
func (h *Handler) tail(ctx context.Context, jobID, ch, after string, emit func(resumeEvent) error) error {
	block := h.ResumeBlock
	if block <= 0 {
		block = resumeReadBlock
	}
	for {
		entries, err := h.Fanout.Read(ctx, ch, after, block, resumeReadCount)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read fanout: %w", err)
		}
		for _, e := range entries {
			if err := emit(resumeEvent{ID: e.ID, Event: e.Type, Data: e}); err != nil {
				return err
			}
			after = e.ID
			if e.Terminal() {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if len(entries) > 0 {
			continue
		}
		job, err := h.Jobs.Get(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if job.Status.Terminal() {
			return emit(resumeEvent{ID: after, Event: "done", Data: snapshotOf(job)})
		}
	}
}

func (h *Handler) poll(ctx context.Context, job *streamjob.StreamJob, emit func(resumeEvent) error) error {
	interval := h.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	lastSeq := int64(-1)
	for {
		if job.CheckpointSeq != lastSeq || job.Status.Terminal() {
			lastSeq = job.CheckpointSeq
			ev := "snapshot"
			if job.Status.Terminal() {
				ev = "done"
			}
			if err := emit(resumeEvent{ID: fmt.Sprint(lastSeq), Event: ev, Data: snapshotOf(job)}); err != nil {
				return err
			}
			if job.Status.Terminal() {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		next, err := h.Jobs.Get(ctx, job.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		job = next
	}
}

// ResumeSSE replays a job's output as server-sent events. Last-Event-ID or
// ?after= resumes a fanout tail from that entry.
func (h *Handler) ResumeSSE(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	job, ok := h.ownedJob(c, uid)
	if !ok {
		return
	}
	after := c.GetHeader("Last-Event-ID")
	if after == "" {
		after = c.Query("after")
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	emit := func(ev resumeEvent) error {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Event, b); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	}

	if err := h.follow(c.Request.Context(), job, after, emit); err != nil {
		h.Log.Warnw("sse resume ended", "job", job.ID, "err", err)
		_ = emit(resumeEvent{Event: "error", Data: map[string]string{"message": "stream interrupted"}})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the API is token-authenticated, not cookie-authenticated
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsFrame struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ResumeWS is the WebSocket twin of ResumeSSE.
func (h *Handler) ResumeWS(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	job, ok := h.ownedJob(c, uid)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.Warnw("websocket upgrade failed", "job", job.ID, "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	// reader: stop following once the client goes away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	emit := func(ev resumeEvent) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(wsFrame{ID: ev.ID, Event: ev.Event, Data: ev.Data})
	}
	if err := h.follow(ctx, job, c.Query("after"), emit); err != nil {
		h.Log.Warnw("ws resume ended", "job", job.ID, "err", err)
		_ = emit(resumeEvent{Event: "error", Data: map[string]string{"message": "stream interrupted"}})
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}
