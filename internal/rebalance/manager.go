// Package rebalance tracks earmarks (inventory reserved against a future
// fulfillment) and cross-chain rebalance operations in the key-value
// store, scored by expiry so the maintenance scheduler can reap them.
package rebalance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/everclearorg/mark-sub008/internal/events"
	"github.com/everclearorg/mark-sub008/internal/store"
)

const (
	earmarksKey       = "rebalance:earmarks"
	earmarksDataKey   = "rebalance:earmarks:data"
	operationsKey     = "rebalance:operations"
	operationsDataKey = "rebalance:operations:data"

	// DefaultTTL bounds how long an earmark or operation stays live.
	DefaultTTL = 30 * time.Minute
)

// Earmark reserves inventory on a domain for a specific invoice.
type Earmark struct {
	ID         string `json:"id"`
	InvoiceID  string `json:"invoiceId"`
	Domain     string `json:"domain"`
	TickerHash string `json:"tickerHash"`
	Amount     string `json:"amount"`
	CreatedAt  int64  `json:"createdAt"`
	ExpiresAt  int64  `json:"expiresAt"`
}

// Operation is a planned or in-flight cross-chain inventory move.
type Operation struct {
	ID          string `json:"id"`
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	TickerHash  string `json:"tickerHash"`
	Amount      string `json:"amount"`
	CreatedAt   int64  `json:"createdAt"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// Manager persists earmarks and operations with TTL expiry.
type Manager struct {
	store  store.Store
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time
}

// New creates a manager. ttl <= 0 takes the default.
func New(s store.Store, logger *zap.Logger, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		store:  s,
		logger: logger,
		ttl:    ttl,
		now:    time.Now,
	}
}

// EvaluateOnDemand records an earmark for an invoice that could not be
// fulfilled with current balances: its first destination is reserved so a
// later rebalance can route inventory there.
func (m *Manager) EvaluateOnDemand(ctx context.Context, inv events.Invoice) error {
	if len(inv.Intent.Destinations) == 0 {
		return fmt.Errorf("invoice %s has no destinations: %w", inv.ID, events.ErrPermanent)
	}
	nowMs := m.now().UnixMilli()
	earmark := Earmark{
		ID:         uuid.NewString(),
		InvoiceID:  inv.ID,
		Domain:     inv.Intent.Destinations[0],
		TickerHash: inv.TickerHash,
		Amount:     inv.Amount,
		CreatedAt:  nowMs,
		ExpiresAt:  nowMs + m.ttl.Milliseconds(),
	}
	raw, err := json.Marshal(earmark)
	if err != nil {
		return fmt.Errorf("serializing earmark for invoice %s: %w", inv.ID, err)
	}
	err = m.store.RunTx(ctx, func(tx store.Tx) {
		tx.ZAdd(earmarksKey, float64(earmark.ExpiresAt), earmark.ID)
		tx.HSet(earmarksDataKey, earmark.ID, string(raw))
	})
	if err != nil {
		return fmt.Errorf("recording earmark for invoice %s: %w", inv.ID, err)
	}
	m.logger.Info("earmark recorded for rebalance",
		zap.String("invoice_id", inv.ID),
		zap.String("domain", earmark.Domain),
		zap.String("amount", earmark.Amount),
	)
	return nil
}

// AddOperation records a rebalance operation with the manager's TTL.
func (m *Manager) AddOperation(ctx context.Context, op Operation) error {
	nowMs := m.now().UnixMilli()
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = nowMs
	}
	if op.ExpiresAt == 0 {
		op.ExpiresAt = nowMs + m.ttl.Milliseconds()
	}
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("serializing rebalance operation: %w", err)
	}
	err = m.store.RunTx(ctx, func(tx store.Tx) {
		tx.ZAdd(operationsKey, float64(op.ExpiresAt), op.ID)
		tx.HSet(operationsDataKey, op.ID, string(raw))
	})
	if err != nil {
		return fmt.Errorf("recording rebalance operation: %w", err)
	}
	return nil
}

// ExpireEarmarks removes earmarks whose expiry passed. Returns the count.
func (m *Manager) ExpireEarmarks(ctx context.Context, now time.Time) (int, error) {
	return m.expire(ctx, earmarksKey, earmarksDataKey, now)
}

// ExpireOperations removes operations whose expiry passed.
func (m *Manager) ExpireOperations(ctx context.Context, now time.Time) (int, error) {
	return m.expire(ctx, operationsKey, operationsDataKey, now)
}

func (m *Manager) expire(ctx context.Context, setKey, hashKey string, now time.Time) (int, error) {
	ids, err := m.store.ZRangeByScore(ctx, setKey, store.MinScore, float64(now.UnixMilli()))
	if err != nil {
		return 0, fmt.Errorf("scanning %s: %w", setKey, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err = m.store.RunTx(ctx, func(tx store.Tx) {
		tx.ZRem(setKey, ids...)
		tx.HDel(hashKey, ids...)
	})
	if err != nil {
		return 0, fmt.Errorf("expiring %s: %w", setKey, err)
	}
	return len(ids), nil
}

// Evaluate returns the live rebalance operations for the scheduler to
// act on and log. Route planning itself lives outside the core.
func (m *Manager) Evaluate(ctx context.Context) ([]Operation, error) {
	all, err := m.store.HGetAll(ctx, operationsDataKey)
	if err != nil {
		return nil, fmt.Errorf("scanning rebalance operations: %w", err)
	}
	nowMs := m.now().UnixMilli()
	out := make([]Operation, 0, len(all))
	for id, raw := range all {
		var op Operation
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			m.logger.Error("corrupted rebalance operation",
				zap.String("operation_id", id),
				zap.Error(err),
			)
			continue
		}
		if op.ExpiresAt <= nowMs {
			continue
		}
		out = append(out, op)
	}
	return out, nil
}
