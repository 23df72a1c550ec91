package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	KindText      = "text"
	KindReasoning = "reasoning"

	EntryInit   = "init"
	EntryTokens = "tokens"
	EntryFinal  = "final"
	EntryError  = "error"

	defaultTTL    = 30 * time.Minute
	defaultMaxLen = 10000
)

var ErrChannelNotFound = errors.New("fanout channel not found")

// Token is one streamed piece of output.
type Token struct {
	Kind string `json:"k"`
	Text string `json:"t"`
}

// Entry is one record read back from a channel.
type Entry struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Tokens     []Token `json:"tokens,omitempty"`
	Text       string  `json:"text,omitempty"`
	TokenCount int     `json:"token_count,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// Terminal reports whether no entries follow this one.
func (e Entry) Terminal() bool {
	return e.Type == EntryFinal || e.Type == EntryError
}

// Redis keeps one Redis stream per generation plus a lookup key from the
// restoration key (the job id) to the channel.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	maxLen int64
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl, maxLen: defaultMaxLen}
}

func streamKey(channel string) string { return "fanout:stream:" + channel }
func lookupKey(key string) string     { return "fanout:key:" + key }

func (r *Redis) Init(ctx context.Context, restorationKey string) (string, error) {
	channel := uuid.NewString()
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		r.add(ctx, p, channel, map[string]any{"type": EntryInit})
		p.Set(ctx, lookupKey(restorationKey), channel, r.ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("init fanout channel: %w", err)
	}
	return channel, nil
}

func (r *Redis) AppendBatch(ctx context.Context, channel string, tokens []Token) error {
	if len(tokens) == 0 {
		return nil
	}
	b, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return r.append(ctx, channel, map[string]any{"type": EntryTokens, "tokens": string(b)})
}

func (r *Redis) Finalize(ctx context.Context, channel, fullText string, tokenCount int) error {
	return r.append(ctx, channel, map[string]any{
		"type":  EntryFinal,
		"text":  fullText,
		"count": tokenCount,
	})
}

func (r *Redis) MarkError(ctx context.Context, channel, message string) error {
	return r.append(ctx, channel, map[string]any{"type": EntryError, "message": message})
}

// Lookup returns the channel registered for restorationKey.
func (r *Redis) Lookup(ctx context.Context, restorationKey string) (string, error) {
	ch, err := r.rdb.Get(ctx, lookupKey(restorationKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrChannelNotFound
	}
	return ch, err
}

// Read returns entries after the given id ("0" for the beginning). A positive
// block waits up to that long for new entries; otherwise it returns at once.
func (r *Redis) Read(ctx context.Context, channel, after string, block time.Duration, count int64) ([]Entry, error) {
	if after == "" {
		after = "0"
	}
	if block <= 0 {
		block = -1
	}
	res, err := r.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{streamKey(channel), after},
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, decodeEntry(m))
		}
	}
	return out, nil
}

func (r *Redis) append(ctx context.Context, channel string, values map[string]any) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		r.add(ctx, p, channel, values)
		return nil
	})
	return err
}

func (r *Redis) add(ctx context.Context, p redis.Pipeliner, channel string, values map[string]any) {
	key := streamKey(channel)
	p.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: r.maxLen,
		Values: values,
	})
	p.Expire(ctx, key, r.ttl)
}

func decodeEntry(m redis.XMessage) Entry {
	e := Entry{ID: m.ID, Type: str(m.Values["type"])}
	switch e.Type {
	case EntryTokens:
		_ = json.Unmarshal([]byte(str(m.Values["tokens"])), &e.Tokens)
	case EntryFinal:
		e.Text = str(m.Values["text"])
		e.TokenCount, _ = strconv.Atoi(str(m.Values["count"]))
	case EntryError:
		e.Message = str(m.Values["message"])
	}
	return e
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
