package streamjob

import (
	"context"
	"time"

	"github.com/tryosschat/openchat-sub000/internal/fanout"
	"go.uber.org/zap"
)

// Fanout is the optional low-latency side channel for reconnecting clients.
type Fanout interface {
	Init(ctx context.Context, restorationKey string) (string, error)
	AppendBatch(ctx context.Context, channel string, tokens []fanout.Token) error
	Finalize(ctx context.Context, channel, fullText string, tokenCount int) error
	MarkError(ctx context.Context, channel, message string) error
}

// tokenBatcher groups tokens into batches of size or window, whichever
// fills first. After the first failed append it stops publishing tokens but
// still tries the terminal entry, which carries the full text.
type tokenBatcher struct {
	fan     Fanout
	channel string
	size    int
	window  time.Duration
	now     func() time.Time
	log     *zap.SugaredLogger

	pending []fanout.Token
	firstAt time.Time
	sent    int
	broken  bool
}

func (b *tokenBatcher) add(ctx context.Context, kind, text string) {
	if b == nil || b.broken || text == "" {
		return
	}
	if len(b.pending) == 0 {
		b.firstAt = b.now()
	}
	b.pending = append(b.pending, fanout.Token{Kind: kind, Text: text})
	if len(b.pending) >= b.size || b.now().Sub(b.firstAt) >= b.window {
		b.flush(ctx)
	}
}

// due reports whether the oldest pending token waited a full window.
func (b *tokenBatcher) due() bool {
	return b != nil && len(b.pending) > 0 && b.now().Sub(b.firstAt) >= b.window
}

func (b *tokenBatcher) flush(ctx context.Context) {
	if b == nil || b.broken || len(b.pending) == 0 {
		return
	}
	batch := b.pending
	b.pending = nil
	if err := b.fan.AppendBatch(ctx, b.channel, batch); err != nil {
		b.broken = true
		b.log.Warnw("fanout append failed, disabling", "channel", b.channel, "err", err)
		return
	}
	b.sent += len(batch)
}

func (b *tokenBatcher) finalize(ctx context.Context, fullText string) {
	if b == nil {
		return
	}
	b.flush(ctx)
	if err := b.fan.Finalize(ctx, b.channel, fullText, b.sent); err != nil {
		b.log.Warnw("fanout finalize failed", "channel", b.channel, "err", err)
	}
}

func (b *tokenBatcher) fail(ctx context.Context, message string) {
	if b == nil {
		return
	}
	b.flush(ctx)
	if err := b.fan.MarkError(ctx, b.channel, message); err != nil {
		b.log.Warnw("fanout mark error failed", "channel", b.channel, "err", err)
	}
}
