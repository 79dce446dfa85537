// Package consumer drains the event queue with a bounded worker pool and
// decides, per failure, between retry with backoff and dead-letter.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/everclearorg/mark-sub008/internal/events"
	"github.com/everclearorg/mark-sub008/internal/metrics"
	"github.com/everclearorg/mark-sub008/internal/queue"
)

const (
	// DefaultMaxConcurrency bounds simultaneous handler invocations.
	DefaultMaxConcurrency = 5
	// DefaultPollInterval is the idle sleep when all queues are empty.
	DefaultPollInterval = time.Second
	// shutdownGrace caps how long Stop waits for in-flight handlers.
	shutdownGrace = 30 * time.Second
)

// Processor handles one event. A nil return acknowledges the event; an
// error is classified for retry or dead-letter.
type Processor interface {
	Handle(ctx context.Context, e *events.QueuedEvent) error
}

// Notifier receives lifecycle notices for downstream tooling. Both
// methods must be non-blocking best effort.
type Notifier interface {
	EventProcessed(ctx context.Context, e *events.QueuedEvent)
	EventDeadLettered(ctx context.Context, e *events.QueuedEvent, errText string)
}

// Config tunes the consumer. Zero values take defaults.
type Config struct {
	MaxConcurrency int
	PollInterval   time.Duration
}

// Consumer owns the drain loop.
type Consumer struct {
	queue    *queue.Queue
	proc     Processor
	logger   *zap.Logger
	metrics  *metrics.Metrics
	notifier Notifier

	maxConcurrency int
	pollInterval   time.Duration

	sem      chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	stopping atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a consumer. metrics and notifier may be nil.
func New(q *queue.Queue, proc Processor, logger *zap.Logger, m *metrics.Metrics, n Notifier, cfg Config) *Consumer {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Consumer{
		queue:          q,
		proc:           proc,
		logger:         logger,
		metrics:        m,
		notifier:       n,
		maxConcurrency: cfg.MaxConcurrency,
		pollInterval:   cfg.PollInterval,
		sem:            make(chan struct{}, cfg.MaxConcurrency),
		done:           make(chan struct{}),
	}
}

// AddEvent is a thin pass-through to the queue, used by the webhook
// handler and the backfill reconciler. Returns true when the id was
// already known.
func (c *Consumer) AddEvent(ctx context.Context, e *events.QueuedEvent) (bool, error) {
	priority := e.Priority
	if priority == "" {
		priority = events.PriorityNormal
	}
	return c.queue.Enqueue(ctx, e, priority)
}

// Start launches the drain loop. Idempotent; the second call is a no-op.
func (c *Consumer) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop signals the loop to exit and waits for in-flight handlers, bounded
// by the shutdown grace period.
func (c *Consumer) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return nil
	}
	if !c.stopping.CompareAndSwap(false, true) {
		<-c.done
		return nil
	}
	c.cancel()
	<-c.done

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()
	grace := time.NewTimer(shutdownGrace)
	defer grace.Stop()
	select {
	case <-finished:
		return nil
	case <-grace.C:
		return fmt.Errorf("consumer shutdown timed out after %s", shutdownGrace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)

	// Re-establish transition exclusivity after a crash before pulling
	// anything new.
	if _, err := c.queue.MoveProcessingToPending(ctx); err != nil {
		c.logger.Error("failed to replay processing events", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		drained := false
		for _, t := range events.AllEventTypes {
			slots := c.maxConcurrency - len(c.sem)
			if slots <= 0 {
				break
			}
			batch, err := c.queue.Dequeue(ctx, t, slots)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("dequeue failed",
					zap.String("event_type", string(t)),
					zap.Error(err),
				)
				continue
			}
			for _, e := range batch {
				select {
				case c.sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				c.wg.Add(1)
				go c.process(ctx, e)
			}
			if len(batch) > 0 {
				drained = true
			}
		}

		if !drained {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.pollInterval):
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, e *events.QueuedEvent) {
	defer c.wg.Done()
	defer func() { <-c.sem }()

	tracer := otel.Tracer("consumer")
	ctx, span := tracer.Start(ctx, "event.process")
	span.SetAttributes(
		attribute.String("event.id", e.ID),
		attribute.String("event.type", string(e.Type)),
		attribute.Int("event.retry_count", e.RetryCount),
	)
	defer span.End()

	start := time.Now()
	err := c.proc.Handle(ctx, e)
	duration := time.Since(start)

	if err == nil {
		if ackErr := c.queue.Acknowledge(ctx, e); ackErr != nil {
			c.logger.Error("failed to acknowledge event",
				zap.String("event_id", e.ID),
				zap.Error(ackErr),
			)
			return
		}
		c.observe(e, metrics.OutcomeProcessed, duration)
		if c.notifier != nil {
			c.notifier.EventProcessed(ctx, e)
		}
		c.logger.Debug("event processed",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.Type)),
			zap.Duration("duration", duration),
		)
		return
	}

	// A handler cancelled by shutdown is neither acknowledged nor
	// retried here; boot-time recovery replays it from processing.
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		c.logger.Info("handler cancelled during shutdown, leaving event in-flight",
			zap.String("event_id", e.ID),
		)
		return
	}

	if IsRetryable(err) && e.RetryCount+1 <= e.MaxRetries {
		retry := *e
		retry.RetryCount++
		retry.ScheduledAt = time.Now().Add(Backoff(retry.RetryCount)).UnixMilli()
		if _, enqErr := c.queue.Enqueue(ctx, &retry, retry.Priority); enqErr != nil {
			c.logger.Error("failed to re-enqueue event, dead-lettering",
				zap.String("event_id", e.ID),
				zap.Error(enqErr),
			)
			c.deadLetter(ctx, e, err, duration)
			return
		}
		c.observe(e, metrics.OutcomeRetried, duration)
		c.logger.Warn("event failed, scheduled for retry",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.Type)),
			zap.Int("retry_count", retry.RetryCount),
			zap.Int("max_retries", retry.MaxRetries),
			zap.Error(err),
		)
		return
	}

	c.deadLetter(ctx, e, err, duration)
}

func (c *Consumer) deadLetter(ctx context.Context, e *events.QueuedEvent, cause error, duration time.Duration) {
	if dlqErr := c.queue.MoveToDeadLetter(ctx, e, cause.Error()); dlqErr != nil {
		c.logger.Error("failed to dead-letter event",
			zap.String("event_id", e.ID),
			zap.Error(dlqErr),
		)
		return
	}
	c.observe(e, metrics.OutcomeDeadLetter, duration)
	if c.notifier != nil {
		c.notifier.EventDeadLettered(ctx, e, cause.Error())
	}
}

func (c *Consumer) observe(e *events.QueuedEvent, outcome string, duration time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.ObserveHandler(string(e.Type), outcome, duration)
}
