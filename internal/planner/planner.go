// Package planner provides the default split-intent allocator: walk the
// invoice's destination preference order and cover the amount from
// available balances, honoring per-domain minimums.
package planner

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/everclearorg/mark-sub008/internal/events"
	"github.com/everclearorg/mark-sub008/internal/processor"
)

// Greedy allocates destinations in the order the invoice lists them.
type Greedy struct {
	logger *zap.Logger
}

var _ processor.SplitPlanner = (*Greedy)(nil)

// NewGreedy creates the default planner.
func NewGreedy(logger *zap.Logger) *Greedy {
	return &Greedy{logger: logger}
}

// Plan returns an allocation covering the full invoice amount, or nil
// when current balances cannot cover it. Amounts are decimal strings;
// anything unparseable fails the plan.
func (g *Greedy) Plan(_ context.Context, inv events.Invoice, minAmounts, balances map[string]string) (*processor.Allocation, error) {
	remaining, ok := new(big.Int).SetString(inv.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invoice %s has unparseable amount %q: %w", inv.ID, inv.Amount, events.ErrPermanent)
	}
	if remaining.Sign() <= 0 {
		return nil, fmt.Errorf("invoice %s has non-positive amount %q: %w", inv.ID, inv.Amount, events.ErrPermanent)
	}

	var splits []processor.Split
	for _, domain := range inv.Intent.Destinations {
		if remaining.Sign() == 0 {
			break
		}
		balance, ok := parseAmount(balances[domain])
		if !ok || balance.Sign() <= 0 {
			continue
		}
		take := new(big.Int).Set(remaining)
		if take.Cmp(balance) > 0 {
			take.Set(balance)
		}
		if min, ok := parseAmount(minAmounts[domain]); ok && take.Cmp(min) < 0 {
			// The domain requires a larger fill than we can place there.
			continue
		}
		splits = append(splits, processor.Split{
			Domain: domain,
			Amount: take.String(),
		})
		remaining.Sub(remaining, take)
	}

	if remaining.Sign() != 0 {
		g.logger.Debug("allocation short of invoice amount",
			zap.String("invoice_id", inv.ID),
			zap.String("remaining", remaining.String()),
		)
		return nil, nil
	}
	return &processor.Allocation{Splits: splits}, nil
}

func parseAmount(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	return new(big.Int).SetString(s, 10)
}
