package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type ackRecorder struct {
	acked   int
	nacked  int
	requeue bool
}

func (a *ackRecorder) Ack(uint64, bool) error { a.acked++; return nil }
func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	a.requeue = requeue
	return nil
}
func (a *ackRecorder) Reject(uint64, bool) error { return nil }

type runnerFunc func(ctx context.Context, jobID string) error

func (f runnerFunc) Run(ctx context.Context, jobID string) error { return f(ctx, jobID) }

func newTestConsumer(run runnerFunc) (*Consumer, *[]int) {
	var retries []int
	c := &Consumer{runner: run, concurrency: 1, maxRetries: 2, log: zap.NewNop().Sugar()}
	c.retry = func(_ context.Context, _ amqp.Delivery, attempt int) error {
		retries = append(retries, attempt)
		return nil
	}
	return c, &retries
}

func delivery(body string, headers amqp.Table) (amqp.Delivery, *ackRecorder) {
	rec := &ackRecorder{}
	return amqp.Delivery{Acknowledger: rec, DeliveryTag: 1, Body: []byte(body), Headers: headers}, rec
}

func TestConsumerHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("runs and acks", func(t *testing.T) {
		var got string
		c, retries := newTestConsumer(func(_ context.Context, id string) error { got = id; return nil })
		d, rec := delivery(`{"job_id":"01J"}`, nil)
		c.handle(ctx, 0, d)
		assert.Equal(t, "01J", got)
		assert.Equal(t, 1, rec.acked)
		assert.Empty(t, *retries)
	})

	t.Run("bad message is dead-lettered", func(t *testing.T) {
		c, _ := newTestConsumer(func(context.Context, string) error { t.Fatal("should not run"); return nil })
		d, rec := delivery(`{"job_id":""}`, nil)
		c.handle(ctx, 0, d)
		assert.Equal(t, 1, rec.nacked)
		assert.False(t, rec.requeue)
	})

	t.Run("load failure goes to retry queue", func(t *testing.T) {
		c, retries := newTestConsumer(func(context.Context, string) error { return errors.New("db down") })
		d, rec := delivery(`{"job_id":"01J"}`, amqp.Table{retryHeader: int32(1)})
		c.handle(ctx, 0, d)
		assert.Equal(t, []int{2}, *retries)
		assert.Equal(t, 1, rec.acked)
	})

	t.Run("retries exhausted", func(t *testing.T) {
		c, retries := newTestConsumer(func(context.Context, string) error { return errors.New("db down") })
		d, rec := delivery(`{"job_id":"01J"}`, amqp.Table{retryHeader: int64(2)})
		c.handle(ctx, 0, d)
		assert.Empty(t, *retries)
		assert.Equal(t, 1, rec.nacked)
		assert.False(t, rec.requeue)
	})
}

func TestRetryBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, retryBackoff(1))
	assert.Equal(t, 30*time.Second, retryBackoff(10))
	assert.Equal(t, 3, retryCount(amqp.Table{retryHeader: "3"}))
	assert.Zero(t, retryCount(nil))
}
