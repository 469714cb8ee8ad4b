package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quantfeed/market-crawler/internal/metrics"
	"github.com/quantfeed/market-crawler/internal/task"
)

const (
	readCount  = 8
	readBlock  = 2 * time.Second
	noBlock    = -1 * time.Millisecond
	errorPause = time.Second
)

// streamClient is the slice of Client the consumer uses; tests provide
// a fake.
type streamClient interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadNew(ctx context.Context, streams []string, group, consumer string, count int64, block time.Duration) ([]redis.XStream, error)
	ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]redis.XStream, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

// Delivery is one task pulled off a stream, annotated with everything
// needed to acknowledge it later.
type Delivery struct {
	Queue     string
	MessageID string
	TraceID   string
	Task      task.Task
}

// Outcome pairs a delivery with its execution result for the ack loop.
type Outcome struct {
	Delivery Delivery
	Result   task.Result
}

// Consumer reads the tier's queues in priority order and hands tasks to
// the supervisor over a bounded channel. It never executes tasks itself.
type Consumer struct {
	client   streamClient
	tier     task.Tier
	consumer string
	logger   *zap.Logger
}

// NewConsumer builds a Consumer identified by the worker ID on the
// tier's consumer group.
func NewConsumer(client streamClient, tier task.Tier, workerID string, logger *zap.Logger) *Consumer {
	return &Consumer{
		client:   client,
		tier:     tier,
		consumer: workerID,
		logger:   logger,
	}
}

// Run pulls tasks until the context is cancelled, sending each onto
// deliveries. Entries this consumer received before a restart are
// replayed first. The channel is closed on return.
func (c *Consumer) Run(ctx context.Context, deliveries chan<- Delivery) error {
	defer close(deliveries)

	queues := c.tier.Queues()
	group := c.tier.Group()

	for _, queue := range queues {
		if err := c.client.EnsureGroup(ctx, queue, group); err != nil {
			return fmt.Errorf("ensure group: %w", err)
		}
	}

	c.logger.Info("consumer started",
		zap.String("group", group),
		zap.String("consumer", c.consumer),
		zap.Strings("queues", queues))

	if err := c.replayPending(ctx, deliveries, queues, group); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		streams, err := c.readBatch(ctx, queues, group)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			c.logger.Error("stream read failed", zap.Error(err))
			select {
			case <-time.After(errorPause):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		if !c.dispatch(ctx, deliveries, group, streams) {
			return nil
		}
	}
}

// readBatch scans the queues one at a time in priority order without
// blocking and returns the first non-empty queue's entries, so a
// higher-priority backlog larger than one read is fully drained before
// any lower queue is touched. Only when every queue came up empty does
// it fall back to one blocking read across all of them.
func (c *Consumer) readBatch(ctx context.Context, queues []string, group string) ([]redis.XStream, error) {
	for _, queue := range queues {
		streams, err := c.client.ReadNew(ctx, []string{queue}, group, c.consumer, readCount, noBlock)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		for _, stream := range streams {
			if len(stream.Messages) > 0 {
				return streams, nil
			}
		}
	}
	return c.client.ReadNew(ctx, queues, group, c.consumer, readCount, readBlock)
}

// replayPending re-delivers entries assigned to this consumer that were
// never acknowledged, one queue at a time in priority order.
func (c *Consumer) replayPending(ctx context.Context, deliveries chan<- Delivery, queues []string, group string) error {
	for _, queue := range queues {
		streams, err := c.client.ReadPending(ctx, queue, group, c.consumer, readCount*4)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("read pending on %s: %w", queue, err)
		}
		for _, stream := range streams {
			if len(stream.Messages) > 0 {
				c.logger.Info("replaying pending entries",
					zap.String("queue", stream.Stream),
					zap.Int("count", len(stream.Messages)))
			}
		}
		if !c.dispatch(ctx, deliveries, group, streams) {
			return nil
		}
	}
	return nil
}

// dispatch forwards parsed tasks to the supervisor. Unparsable entries
// are acknowledged immediately as poison so they do not loop forever.
// Returns false when the context ended mid-send.
func (c *Consumer) dispatch(ctx context.Context, deliveries chan<- Delivery, group string, streams []redis.XStream) bool {
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			t, err := decodeTask(msg.Values)
			if err != nil {
				c.logger.Warn("poison stream entry",
					zap.String("queue", stream.Stream),
					zap.String("message_id", msg.ID),
					zap.Error(err))
				if ackErr := c.client.Ack(ctx, stream.Stream, group, msg.ID); ackErr != nil {
					c.logger.Error("poison ack failed", zap.String("message_id", msg.ID), zap.Error(ackErr))
					metrics.ObserveAck("error")
				} else {
					metrics.ObserveAck("poison")
				}
				continue
			}

			delivery := Delivery{
				Queue:     stream.Stream,
				MessageID: msg.ID,
				TraceID:   uuid.NewString(),
				Task:      t,
			}
			select {
			case deliveries <- delivery:
			case <-ctx.Done():
				return false
			}
		}
	}
	return true
}

// decodeTask extracts the task JSON from a stream entry. Producers write
// it under "body"; "task" and "data" are accepted for older producers.
func decodeTask(values map[string]interface{}) (task.Task, error) {
	var body string
	for _, field := range []string{"body", "task", "data"} {
		if raw, ok := values[field]; ok {
			if s, ok := raw.(string); ok && s != "" {
				body = s
				break
			}
		}
	}
	if body == "" {
		return task.Task{}, fmt.Errorf("entry has no task body field")
	}

	// Semantic validation is left to the executor so invalid tasks get
	// classified and acknowledged; only unparsable entries are poison.
	var t task.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return task.Task{}, fmt.Errorf("decode task body: %w", err)
	}
	return t, nil
}

// AckLoop drains outcomes, acknowledging successes and terminal
// failures. Transient failures are left pending for redelivery after
// the group's idle timeout. Runs until outcomes is closed; acks use a
// background-derived context so a shutdown does not drop them.
func (c *Consumer) AckLoop(ctx context.Context, outcomes <-chan Outcome) {
	group := c.tier.Group()
	for outcome := range outcomes {
		if !outcome.Result.Terminal() {
			metrics.ObserveAck("noack")
			c.logger.Debug("leaving entry for redelivery",
				zap.String("task_id", outcome.Result.TaskID),
				zap.String("queue", outcome.Delivery.Queue),
				zap.String("error_kind", string(outcome.Result.ErrorKind)))
			continue
		}

		ackCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.client.Ack(ackCtx, outcome.Delivery.Queue, group, outcome.Delivery.MessageID)
		cancel()
		if err != nil {
			metrics.ObserveAck("error")
			c.logger.Error("ack failed",
				zap.String("task_id", outcome.Result.TaskID),
				zap.String("queue", outcome.Delivery.Queue),
				zap.String("message_id", outcome.Delivery.MessageID),
				zap.Error(err))
			continue
		}
		metrics.ObserveAck("ack")
	}
}
