// Package cache tracks in-flight purchases keyed by invoice intent id.
// It is the idempotence layer in front of on-chain submission: the
// processor consults it before sending anything, so at-least-once event
// delivery still yields at most one fulfillment per invoice.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/everclearorg/mark-sub008/internal/events"
	"github.com/everclearorg/mark-sub008/internal/store"
)

// purchasesKey is the hash holding serialized PurchaseActions keyed by
// the target invoice's intent id.
const purchasesKey = "purchases:data"

// ErrStore wraps store-level failures surfaced by Clear.
var ErrStore = errors.New("purchase cache store error")

// PurchaseCache persists PurchaseActions in the shared key-value store.
// Concurrent writers for the same intent id are serialized by the store;
// the later write wins, which is safe because the action content derives
// from the same on-chain truth.
type PurchaseCache struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// New creates a purchase cache over the given store.
func New(s store.Store, logger *zap.Logger) *PurchaseCache {
	return &PurchaseCache{
		store:  s,
		logger: logger,
		now:    time.Now,
	}
}

// AddPurchases upserts the given actions and returns the number of newly
// created entries; updates of existing entries count as zero. An empty
// input returns 0 without touching the store.
func (c *PurchaseCache) AddPurchases(ctx context.Context, actions []events.PurchaseAction) (int, error) {
	if len(actions) == 0 {
		return 0, nil
	}
	created := 0
	for _, action := range actions {
		id := action.Target.IntentID()
		if id == "" {
			return created, fmt.Errorf("purchase action has no intent id")
		}
		if action.CachedAt == 0 {
			action.CachedAt = c.now().UnixMilli()
		}
		raw, err := json.Marshal(action)
		if err != nil {
			return created, fmt.Errorf("failed to serialize purchase for %s: %w", id, err)
		}
		isNew, err := c.store.HSet(ctx, purchasesKey, id, string(raw))
		if err != nil {
			return created, fmt.Errorf("failed to store purchase for %s: %w", id, err)
		}
		if isNew {
			created++
		}
	}
	return created, nil
}

// GetPurchases returns the actions for the given intent ids, preserving
// input order and dropping ids with no entry. An empty input returns an
// empty slice but still issues a single store lookup so the call shows up
// in store-level observability.
func (c *PurchaseCache) GetPurchases(ctx context.Context, ids []string) ([]events.PurchaseAction, error) {
	if len(ids) == 0 {
		if _, err := c.store.HGetAll(ctx, purchasesKey); err != nil {
			return nil, fmt.Errorf("failed to read purchases: %w", err)
		}
		return []events.PurchaseAction{}, nil
	}
	vals, err := c.store.HMGet(ctx, purchasesKey, ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to read purchases: %w", err)
	}
	out := make([]events.PurchaseAction, 0, len(ids))
	for i, val := range vals {
		if val == nil {
			continue
		}
		var action events.PurchaseAction
		if err := json.Unmarshal([]byte(*val), &action); err != nil {
			c.logger.Error("corrupted purchase entry",
				zap.String("intent_id", ids[i]),
				zap.Error(err),
			)
			continue
		}
		out = append(out, action)
	}
	return out, nil
}

// GetAllPurchases scans the full namespace and parses every entry.
func (c *PurchaseCache) GetAllPurchases(ctx context.Context) ([]events.PurchaseAction, error) {
	all, err := c.store.HGetAll(ctx, purchasesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to scan purchases: %w", err)
	}
	out := make([]events.PurchaseAction, 0, len(all))
	for id, raw := range all {
		var action events.PurchaseAction
		if err := json.Unmarshal([]byte(raw), &action); err != nil {
			c.logger.Error("corrupted purchase entry",
				zap.String("intent_id", id),
				zap.Error(err),
			)
			continue
		}
		out = append(out, action)
	}
	return out, nil
}

// HasPurchase reports whether an in-flight purchase exists for the id.
func (c *PurchaseCache) HasPurchase(ctx context.Context, id string) (bool, error) {
	vals, err := c.store.HMGet(ctx, purchasesKey, id)
	if err != nil {
		return false, fmt.Errorf("failed to check purchase %s: %w", id, err)
	}
	return len(vals) == 1 && vals[0] != nil, nil
}

// RemovePurchases deletes the entries for the given ids and returns how
// many fields were removed. An empty input returns 0 without a store call.
func (c *PurchaseCache) RemovePurchases(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	removed, err := c.store.HDel(ctx, purchasesKey, ids...)
	if err != nil {
		return 0, fmt.Errorf("failed to remove purchases: %w", err)
	}
	return removed, nil
}

// Clear flushes the entire purchase namespace.
func (c *PurchaseCache) Clear(ctx context.Context) error {
	if _, err := c.store.Del(ctx, purchasesKey); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}
