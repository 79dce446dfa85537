// Package queue implements the durable event queue: per-type FIFO pending
// sets, a processing set for in-flight transfer, and a TTL-bounded
// dead-letter set, all over the key-value store abstraction. Every
// multi-step state transition runs as one atomic store transaction.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/everclearorg/mark-sub008/internal/events"
	"github.com/everclearorg/mark-sub008/internal/store"
)

const (
	keyPrefix = "event-queue"

	// DefaultDeadLetterTTL bounds how long dead-letter entries are
	// retained for post-mortem inspection.
	DefaultDeadLetterTTL = 7 * 24 * time.Hour

	// maxDequeueBatch caps a single dequeue call.
	maxDequeueBatch = 1000
)

func pendingKey(t events.EventType) string    { return keyPrefix + ":pending:" + string(t) }
func processingKey(t events.EventType) string { return keyPrefix + ":processing:" + string(t) }

const (
	deadLetterKey = keyPrefix + ":dead-letter"
	dataKey       = keyPrefix + ":data"
	statusKey     = keyPrefix + ":status"
	backfillKey   = keyPrefix + ":backfill-cursor"
	metricsPrefix = keyPrefix + ":metrics:"
)

// Config tunes queue behavior. Zero values take defaults.
type Config struct {
	DeadLetterTTL time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Queue is the durable, typed event queue.
type Queue struct {
	store         store.Store
	logger        *zap.Logger
	deadLetterTTL time.Duration
	now           func() time.Time
}

// Depth is the pending/processing cardinality pair for one event type.
type Depth struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
}

// Status aggregates depths across types plus the last status record.
type Status struct {
	Pending         int64  `json:"pending"`
	Processing      int64  `json:"processing"`
	DeadLetter      int64  `json:"deadLetter"`
	LastProcessedAt int64  `json:"lastProcessedAt"`
	LastAction      string `json:"lastAction"`
}

// New creates a queue over the given store.
func New(s store.Store, logger *zap.Logger, cfg Config) *Queue {
	if cfg.DeadLetterTTL <= 0 {
		cfg.DeadLetterTTL = DefaultDeadLetterTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		store:         s,
		logger:        logger,
		deadLetterTTL: cfg.DeadLetterTTL,
		now:           cfg.Now,
	}
}

// Enqueue validates and stores the event. It returns true iff the id
// already existed in pending or processing for the same type. Atomically:
// the id is removed from processing, the payload is upserted, and the id
// is (re-)added to pending scored by ScheduledAt, so an id can never be a
// member of both sets after the call.
func (q *Queue) Enqueue(ctx context.Context, e *events.QueuedEvent, priority events.Priority) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	if !priority.Valid() {
		return false, fmt.Errorf("invalid priority %q for event %s: %w", priority, e.ID, events.ErrPermanent)
	}
	e.Priority = priority

	// The membership reads run before the transaction, not inside it, so
	// two racing enqueues of the same id can both see it as new. The
	// transactional write is idempotent and the queue still ends up with
	// a single entry; only the existed flag is best-effort. A single
	// intake process is the only producer of fresh ids, so the window is
	// not hit in practice.
	_, inPending, err := q.store.ZScore(ctx, pendingKey(e.Type), e.ID)
	if err != nil {
		return false, err
	}
	_, inProcessing, err := q.store.ZScore(ctx, processingKey(e.Type), e.ID)
	if err != nil {
		return false, err
	}
	if inPending && inProcessing {
		// Transition exclusivity breach; the transaction below repairs it.
		q.logger.Error("event present in both pending and processing",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.Type)),
		)
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("failed to serialize event %s: %w", e.ID, err)
	}
	err = q.store.RunTx(ctx, func(tx store.Tx) {
		tx.ZRem(processingKey(e.Type), e.ID)
		tx.HSet(dataKey, e.ID, string(raw))
		tx.ZAdd(pendingKey(e.Type), float64(e.ScheduledAt), e.ID)
	})
	if err != nil {
		return false, fmt.Errorf("failed to enqueue event %s: %w", e.ID, err)
	}
	return inPending || inProcessing, nil
}

// Has reports whether the id is present in pending or processing for the
// given type.
func (q *Queue) Has(ctx context.Context, t events.EventType, id string) (bool, error) {
	_, inPending, err := q.store.ZScore(ctx, pendingKey(t), id)
	if err != nil {
		return false, err
	}
	if inPending {
		return true, nil
	}
	_, inProcessing, err := q.store.ZScore(ctx, processingKey(t), id)
	if err != nil {
		return false, err
	}
	return inProcessing, nil
}

// MoveProcessingToPending replays every in-flight event back to pending at
// its original score. Called once at boot: anything still in processing
// was interrupted by a crash. Corrupted or orphaned entries are purged;
// entries already over their retry budget go straight to the dead-letter
// set. Returns the number of events replayed.
func (q *Queue) MoveProcessingToPending(ctx context.Context) (int, error) {
	moved := 0
	for _, t := range events.AllEventTypes {
		ids, err := q.store.ZRangeByIndex(ctx, processingKey(t), 0, -1)
		if err != nil {
			return moved, fmt.Errorf("failed to read processing set for %s: %w", t, err)
		}
		if len(ids) == 0 {
			continue
		}
		vals, err := q.store.HMGet(ctx, dataKey, ids...)
		if err != nil {
			return moved, fmt.Errorf("failed to read event data for %s: %w", t, err)
		}
		for i, id := range ids {
			e, ok := q.parseStored(t, id, vals[i])
			if !ok {
				q.purge(ctx, processingKey(t), id)
				continue
			}
			if e.RetryCount > e.MaxRetries {
				// Over budget before the crash; no point replaying it.
				if err := q.MoveToDeadLetter(ctx, e, "retry budget exhausted at recovery"); err != nil {
					q.logger.Error("failed to dead-letter over-budget event",
						zap.String("event_id", id),
						zap.Error(err),
					)
				}
				continue
			}
			err = q.store.RunTx(ctx, func(tx store.Tx) {
				tx.ZRem(processingKey(t), id)
				tx.ZAdd(pendingKey(t), float64(e.ScheduledAt), id)
			})
			if err != nil {
				return moved, fmt.Errorf("failed to replay event %s: %w", id, err)
			}
			moved++
		}
	}
	if moved > 0 {
		q.logger.Info("replayed in-flight events to pending", zap.Int("count", moved))
	}
	return moved, nil
}

// Dequeue takes up to count ready events for the type in FIFO order and
// moves them from pending to processing in one transaction. Events with a
// future ScheduledAt stay in pending; orphaned ids and corrupted payloads
// are purged. count is clamped to the [1,1000] batch limit; count <= 0
// returns nothing.
func (q *Queue) Dequeue(ctx context.Context, t events.EventType, count int) ([]*events.QueuedEvent, error) {
	if count <= 0 {
		return nil, nil
	}
	if !t.Valid() {
		q.logger.Warn("dequeue for unknown event type", zap.String("event_type", string(t)))
		return nil, nil
	}
	if count > maxDequeueBatch {
		count = maxDequeueBatch
	}

	ids, err := q.store.ZRangeByIndex(ctx, pendingKey(t), 0, int64(count-1))
	if err != nil {
		return nil, fmt.Errorf("failed to read pending set for %s: %w", t, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := q.store.HMGet(ctx, dataKey, ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to read event data for %s: %w", t, err)
	}

	nowMs := q.now().UnixMilli()
	var ready []*events.QueuedEvent
	var purged []string
	for i, id := range ids {
		e, ok := q.parseStored(t, id, vals[i])
		if !ok {
			purged = append(purged, id)
			continue
		}
		if e.ScheduledAt > nowMs {
			// Deferred; scores are sorted so later ids are deferred too,
			// but retried events can interleave, so keep scanning.
			continue
		}
		ready = append(ready, e)
	}
	if len(ready) == 0 && len(purged) == 0 {
		return nil, nil
	}

	err = q.store.RunTx(ctx, func(tx store.Tx) {
		for _, id := range purged {
			tx.ZRem(pendingKey(t), id)
			tx.HDel(dataKey, id)
		}
		for _, e := range ready {
			tx.ZRem(pendingKey(t), e.ID)
			tx.ZAdd(processingKey(t), float64(nowMs), e.ID)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to move events to processing: %w", err)
	}
	return ready, nil
}

// Acknowledge removes a processed event from the processing set and
// deletes its payload atomically, then records the status transition.
func (q *Queue) Acknowledge(ctx context.Context, e *events.QueuedEvent) error {
	status, err := q.statusRecord(events.StatusActionProcessed)
	if err != nil {
		return err
	}
	err = q.store.RunTx(ctx, func(tx store.Tx) {
		tx.ZRem(processingKey(e.Type), e.ID)
		tx.HDel(dataKey, e.ID)
		tx.Set(statusKey, status)
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge event %s: %w", e.ID, err)
	}
	return nil
}

// MoveToDeadLetter transfers the event from processing to the dead-letter
// set, overwriting its payload with the terminal error and move time.
func (q *Queue) MoveToDeadLetter(ctx context.Context, e *events.QueuedEvent, errText string) error {
	nowMs := q.now().UnixMilli()
	entry := events.DeadLetterEvent{
		QueuedEvent: *e,
		Error:       errText,
		MovedAt:     nowMs,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize dead-letter entry %s: %w", e.ID, err)
	}
	status, err := q.statusRecord(events.StatusActionDeadLetter)
	if err != nil {
		return err
	}
	err = q.store.RunTx(ctx, func(tx store.Tx) {
		tx.ZRem(processingKey(e.Type), e.ID)
		tx.ZAdd(deadLetterKey, float64(nowMs), e.ID)
		tx.HSet(dataKey, e.ID, string(raw))
		tx.Set(statusKey, status)
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter event %s: %w", e.ID, err)
	}
	q.logger.Warn("event moved to dead-letter queue",
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.Type)),
		zap.Int("retry_count", e.RetryCount),
		zap.String("error", errText),
	)
	return nil
}

// CleanupExpiredDeadLetterEntries removes every dead-letter entry older
// than the TTL, together with its payload. Returns the number removed.
func (q *Queue) CleanupExpiredDeadLetterEntries(ctx context.Context) (int, error) {
	cutoff := q.now().UnixMilli() - q.deadLetterTTL.Milliseconds()
	ids, err := q.store.ZRangeByScore(ctx, deadLetterKey, store.MinScore, float64(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to scan dead-letter set: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err = q.store.RunTx(ctx, func(tx store.Tx) {
		tx.ZRem(deadLetterKey, ids...)
		tx.HDel(dataKey, ids...)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to remove expired dead-letter entries: %w", err)
	}
	return len(ids), nil
}

// Depths returns per-type pending and processing cardinalities.
func (q *Queue) Depths(ctx context.Context) (map[events.EventType]Depth, error) {
	out := make(map[events.EventType]Depth, len(events.AllEventTypes))
	for _, t := range events.AllEventTypes {
		pending, err := q.store.ZCard(ctx, pendingKey(t))
		if err != nil {
			return nil, err
		}
		processing, err := q.store.ZCard(ctx, processingKey(t))
		if err != nil {
			return nil, err
		}
		out[t] = Depth{Pending: pending, Processing: processing}
	}
	return out, nil
}

// GetStatus sums depths across types and joins the last status record.
func (q *Queue) GetStatus(ctx context.Context) (Status, error) {
	var status Status
	depths, err := q.Depths(ctx)
	if err != nil {
		return status, err
	}
	for _, d := range depths {
		status.Pending += d.Pending
		status.Processing += d.Processing
	}
	status.DeadLetter, err = q.store.ZCard(ctx, deadLetterKey)
	if err != nil {
		return status, err
	}
	raw, ok, err := q.store.Get(ctx, statusKey)
	if err != nil {
		return status, err
	}
	if ok {
		var record events.QueueStatusRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			q.logger.Error("corrupted queue status record", zap.Error(err))
		} else {
			status.LastProcessedAt = record.LastProcessedAt
			status.LastAction = record.LastAction
		}
	}
	return status, nil
}

// BackfillCursor returns the persisted upstream pagination cursor, or ""
// when no backfill has run yet.
func (q *Queue) BackfillCursor(ctx context.Context) (string, error) {
	cursor, _, err := q.store.Get(ctx, backfillKey)
	return cursor, err
}

// SetBackfillCursor persists the opaque cursor for the next backfill scan.
func (q *Queue) SetBackfillCursor(ctx context.Context, cursor string) error {
	return q.store.Set(ctx, backfillKey, cursor)
}

// IncrementMetric bumps a store-side counter. Labels are folded into the
// key in sorted order so the same label set always maps to the same key.
func (q *Queue) IncrementMetric(ctx context.Context, name string, labels map[string]string) error {
	key := metricsPrefix + name
	if len(labels) > 0 {
		names := make([]string, 0, len(labels))
		for k := range labels {
			names = append(names, k)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, k := range names {
			parts = append(parts, k+"="+labels[k])
		}
		key += ":" + strings.Join(parts, ",")
	}
	_, err := q.store.Incr(ctx, key)
	return err
}

// parseStored parses a stored payload for id. A nil value is an orphan
// (set member with no data); both orphans and unparseable payloads report
// false and are logged for the caller to purge.
func (q *Queue) parseStored(t events.EventType, id string, val *string) (*events.QueuedEvent, bool) {
	if val == nil {
		q.logger.Error("orphaned event id with no payload",
			zap.String("event_id", id),
			zap.String("event_type", string(t)),
		)
		return nil, false
	}
	var e events.QueuedEvent
	if err := json.Unmarshal([]byte(*val), &e); err != nil {
		q.logger.Error("corrupted event payload",
			zap.String("event_id", id),
			zap.String("event_type", string(t)),
			zap.Error(err),
		)
		return nil, false
	}
	if e.ID == "" {
		e.ID = id
	}
	return &e, true
}

// purge removes a corrupted or orphaned id from its set and the data hash
// in one transaction. Failures are logged; recovery continues.
func (q *Queue) purge(ctx context.Context, setKey, id string) {
	err := q.store.RunTx(ctx, func(tx store.Tx) {
		tx.ZRem(setKey, id)
		tx.HDel(dataKey, id)
	})
	if err != nil {
		q.logger.Error("failed to purge corrupted event",
			zap.String("event_id", id),
			zap.Error(err),
		)
	}
}

func (q *Queue) statusRecord(action string) (string, error) {
	raw, err := json.Marshal(events.QueueStatusRecord{
		LastProcessedAt: q.now().UnixMilli(),
		LastAction:      action,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize status record: %w", err)
	}
	return string(raw), nil
}
