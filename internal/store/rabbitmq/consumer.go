package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// JobRunner runs one stream job. A returned error means the job could not
// be loaded and delivery should be retried.
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

type Consumer struct {
	pub         *Publisher
	runner      JobRunner
	concurrency int
	maxRetries  int
	log         *zap.SugaredLogger

	// retry re-publishes a delivery to the retry queue; swapped in tests
	retry func(ctx context.Context, d amqp.Delivery, attempt int) error
}

// NewConsumer consumes from the publisher's queue on a channel of its own.
func NewConsumer(pub *Publisher, runner JobRunner, concurrency int, log *zap.SugaredLogger) *Consumer {
	if concurrency <= 0 {
		concurrency = 2
	}
	c := &Consumer{pub: pub, runner: runner, concurrency: concurrency, maxRetries: 5, log: log}
	c.retry = c.publishRetry
	return c
}

// Run blocks until ctx is done or the delivery channel closes. In-flight
// jobs finish before it returns.
func (c *Consumer) Run(ctx context.Context) error {
	ch, err := c.pub.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbit channel: %w", err)
	}
	defer ch.Close()

	//  strict concurrency control
	if err := ch.Qos(c.concurrency, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := ch.Consume(c.pub.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.log.Infow("consumer started", "queue", c.pub.queue, "concurrency", c.concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, c.concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.handle(ctx, workerID, d)
			}
		}(i)
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			c.log.Infow("consumer shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) handle(ctx context.Context, workerID int, d amqp.Delivery) {
	var m JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
		c.log.Warnw("bad message", "worker", workerID, "err", err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	err := c.runner.Run(ctx, m.JobID)
	if err == nil {
		if err := d.Ack(false); err != nil {
			c.log.Warnw("ack failed", "worker", workerID, "job", m.JobID, "err", err)
		}
		return
	}

	attempt := retryCount(d.Headers) + 1
	if attempt > c.maxRetries {
		c.log.Errorw("job dead-lettered", "worker", workerID, "job", m.JobID, "attempts", attempt-1, "err", err)
		_ = d.Nack(false, false)
		return
	}
	c.log.Warnw("job load failed, retrying", "worker", workerID, "job", m.JobID,
		"attempt", attempt, "cost", time.Since(start), "err", err)
	if rerr := c.retry(context.WithoutCancel(ctx), d, attempt); rerr != nil {
		c.log.Errorw("retry publish failed", "job", m.JobID, "err", rerr)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (c *Consumer) publishRetry(ctx context.Context, d amqp.Delivery, attempt int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(attempt)
	return c.pub.publish(ctx, c.pub.queue+".retry", amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         d.Body,
		Expiration:   strconv.FormatInt(retryBackoff(attempt).Milliseconds(), 10),
		Timestamp:    time.Now(),
	})
}
