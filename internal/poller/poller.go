// Package poller runs the periodic maintenance tick: queue metrics,
// webhook backfill, dead-letter expiry, earmark and rebalance expiry, and
// rebalance evaluation. A tick never overlaps itself and no single tick
// failure stops the scheduler.
package poller

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/everclearorg/mark-sub008/internal/events"
	"github.com/everclearorg/mark-sub008/internal/everclear"
	"github.com/everclearorg/mark-sub008/internal/metrics"
	"github.com/everclearorg/mark-sub008/internal/queue"
	"github.com/everclearorg/mark-sub008/internal/rebalance"
)

// DefaultInterval between maintenance ticks.
const DefaultInterval = time.Minute

// backfillPageLimit bounds one event-feed page per tick.
const backfillPageLimit = 100

// Enqueuer feeds backfilled events into the queue via the consumer.
type Enqueuer interface {
	AddEvent(ctx context.Context, e *events.QueuedEvent) (bool, error)
}

// EventSource is the upstream feed scanned for missed webhooks.
type EventSource interface {
	EventsSince(ctx context.Context, cursor string, limit int) ([]everclear.Event, string, error)
}

// Rebalancer is the maintenance surface of the rebalance manager.
type Rebalancer interface {
	ExpireEarmarks(ctx context.Context, now time.Time) (int, error)
	ExpireOperations(ctx context.Context, now time.Time) (int, error)
	Evaluate(ctx context.Context) ([]rebalance.Operation, error)
}

// Config tunes the poller.
type Config struct {
	Interval   time.Duration
	MaxRetries int
}

// Poller owns the maintenance loop.
type Poller struct {
	queue      *queue.Queue
	enqueuer   Enqueuer
	source     EventSource
	rebalancer Rebalancer
	metrics    *metrics.Metrics
	logger     *zap.Logger

	interval   time.Duration
	maxRetries int

	running atomic.Bool
	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	now     func() time.Time
}

// New creates the poller. source, rebalancer and metrics may be nil; the
// corresponding tick steps are skipped.
func New(q *queue.Queue, enqueuer Enqueuer, source EventSource, r Rebalancer, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Poller{
		queue:      q,
		enqueuer:   enqueuer,
		source:     source,
		rebalancer: r,
		metrics:    m,
		logger:     logger,
		interval:   cfg.Interval,
		maxRetries: cfg.MaxRetries,
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// Start launches the tick loop. Idempotent.
func (p *Poller) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
}

// Stop halts the loop. The in-progress tick finishes on its own.
func (p *Poller) Stop() {
	if !p.started.Load() {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass. Re-entry while a previous tick still
// runs is skipped. Every step logs and swallows its own errors.
func (p *Poller) Tick(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Debug("previous maintenance tick still running, skipping")
		return
	}
	defer p.running.Store(false)

	p.publishQueueMetrics(ctx)
	p.reconcileBackfill(ctx)
	p.cleanupDeadLetters(ctx)
	p.expireRebalance(ctx)
	p.evaluateRebalance(ctx)
}

func (p *Poller) publishQueueMetrics(ctx context.Context) {
	depths, err := p.queue.Depths(ctx)
	if err != nil {
		p.logger.Error("failed to read queue depths", zap.Error(err))
		return
	}
	status, err := p.queue.GetStatus(ctx)
	if err != nil {
		p.logger.Error("failed to read queue status", zap.Error(err))
		return
	}
	if p.metrics != nil {
		for t, d := range depths {
			p.metrics.QueuePending.WithLabelValues(string(t)).Set(float64(d.Pending))
			p.metrics.QueueProcessing.WithLabelValues(string(t)).Set(float64(d.Processing))
		}
		p.metrics.DeadLetterSize.Set(float64(status.DeadLetter))
	}
	p.logger.Debug("queue depths",
		zap.Int64("pending", status.Pending),
		zap.Int64("processing", status.Processing),
		zap.Int64("dead_letter", status.DeadLetter),
	)
}

// reconcileBackfill scans the upstream feed from the persisted cursor and
// enqueues anything the webhook path missed; queue dedup drops the rest.
func (p *Poller) reconcileBackfill(ctx context.Context) {
	if p.source == nil {
		return
	}
	cursor, err := p.queue.BackfillCursor(ctx)
	if err != nil {
		p.logger.Error("failed to read backfill cursor", zap.Error(err))
		return
	}
	feed, nextCursor, err := p.source.EventsSince(ctx, cursor, backfillPageLimit)
	if err != nil {
		p.logger.Error("backfill scan failed", zap.Error(err))
		return
	}
	enqueued := 0
	for _, fe := range feed {
		t := events.EventType(fe.Type)
		if !t.Valid() {
			continue
		}
		scheduledAt := fe.Timestamp
		if scheduledAt <= 0 {
			scheduledAt = p.now().UnixMilli()
		}
		existed, err := p.enqueuer.AddEvent(ctx, &events.QueuedEvent{
			ID:          fe.ID,
			Type:        t,
			Data:        json.RawMessage(fe.Data),
			Priority:    events.PriorityLow,
			MaxRetries:  p.maxRetries,
			ScheduledAt: scheduledAt,
			Metadata: events.Metadata{
				Source: "backfill",
			},
		})
		if err != nil {
			p.logger.Error("failed to enqueue backfilled event",
				zap.String("event_id", fe.ID),
				zap.Error(err),
			)
			return
		}
		if !existed {
			enqueued++
			if p.metrics != nil {
				p.metrics.BackfillEnqueued.Inc()
			}
		}
	}
	if nextCursor != "" && nextCursor != cursor {
		if err := p.queue.SetBackfillCursor(ctx, nextCursor); err != nil {
			p.logger.Error("failed to persist backfill cursor", zap.Error(err))
			return
		}
	}
	if enqueued > 0 {
		p.logger.Info("backfill reconciled missed events", zap.Int("enqueued", enqueued))
	}
}

func (p *Poller) cleanupDeadLetters(ctx context.Context) {
	removed, err := p.queue.CleanupExpiredDeadLetterEntries(ctx)
	if err != nil {
		p.logger.Error("dead-letter cleanup failed", zap.Error(err))
		return
	}
	if removed > 0 {
		if p.metrics != nil {
			p.metrics.DeadLetterExpired.Add(float64(removed))
		}
		p.logger.Info("expired dead-letter entries removed", zap.Int("count", removed))
	}
}

func (p *Poller) expireRebalance(ctx context.Context) {
	if p.rebalancer == nil {
		return
	}
	now := p.now()
	earmarks, err := p.rebalancer.ExpireEarmarks(ctx, now)
	if err != nil {
		p.logger.Error("earmark expiry failed", zap.Error(err))
	} else if earmarks > 0 {
		p.logger.Info("expired earmarks", zap.Int("count", earmarks))
	}
	ops, err := p.rebalancer.ExpireOperations(ctx, now)
	if err != nil {
		p.logger.Error("rebalance operation expiry failed", zap.Error(err))
	} else if ops > 0 {
		p.logger.Info("expired rebalance operations", zap.Int("count", ops))
	}
}

func (p *Poller) evaluateRebalance(ctx context.Context) {
	if p.rebalancer == nil {
		return
	}
	ops, err := p.rebalancer.Evaluate(ctx)
	if err != nil {
		p.logger.Error("rebalance evaluation failed", zap.Error(err))
		return
	}
	for _, op := range ops {
		p.logger.Info("active rebalance operation",
			zap.String("operation_id", op.ID),
			zap.String("origin", op.Origin),
			zap.String("destination", op.Destination),
			zap.String("amount", op.Amount),
		)
	}
}
