// Package processor dispatches queued events to their handlers. Invoice
// events are evaluated for fulfillment; settlement events invalidate the
// matching purchase-cache entries. All submission side effects are
// idempotent keyed by intent id through the purchase cache.
package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/everclearorg/mark-sub008/internal/cache"
	"github.com/everclearorg/mark-sub008/internal/events"
)

// Split allocates part of an invoice to one destination domain.
type Split struct {
	Domain string `json:"domain"`
	Amount string `json:"amount"`
}

// Allocation is a viable plan to fulfill an invoice across destinations.
type Allocation struct {
	Splits []Split `json:"splits"`
}

// MarketClient exposes the upstream market data the evaluation needs.
type MarketClient interface {
	// MinAmounts returns the per-domain minimum fill amounts for an
	// invoice, keyed by destination domain id.
	MinAmounts(ctx context.Context, invoiceID string) (map[string]string, error)
	// Balances returns Mark's available balance per domain for a ticker.
	Balances(ctx context.Context, tickerHash string) (map[string]string, error)
}

// SplitPlanner produces an allocation for an invoice, or nil when no
// viable allocation exists with current balances.
type SplitPlanner interface {
	Plan(ctx context.Context, inv events.Invoice, minAmounts, balances map[string]string) (*Allocation, error)
}

// IntentSubmitter sends the fulfilling intents in two phases so the
// purchase action can be recorded between them: a retry after a failure
// in the second phase is stopped by the cache instead of re-creating the
// first intent.
type IntentSubmitter interface {
	// Submit creates the intent for the first split and returns the
	// purchase action to record.
	Submit(ctx context.Context, inv events.Invoice, alloc *Allocation) (*events.PurchaseAction, error)
	// CompleteRemaining creates the intents for the splits after the
	// first. Only called once the purchase action is recorded.
	CompleteRemaining(ctx context.Context, inv events.Invoice, alloc *Allocation) error
}

// Rebalancer evaluates moving inventory across chains when direct
// fulfillment is not possible.
type Rebalancer interface {
	EvaluateOnDemand(ctx context.Context, inv events.Invoice) error
}

// Archiver records processed invoices for post-mortem queries. Optional.
type Archiver interface {
	ArchiveInvoice(ctx context.Context, inv events.Invoice, transactionHash string) error
}

// Processor routes events by type.
type Processor struct {
	cache      *cache.PurchaseCache
	market     MarketClient
	planner    SplitPlanner
	submitter  IntentSubmitter
	rebalancer Rebalancer
	archiver   Archiver
	logger     *zap.Logger
}

// New creates a processor. archiver may be nil.
func New(
	c *cache.PurchaseCache,
	market MarketClient,
	planner SplitPlanner,
	submitter IntentSubmitter,
	rebalancer Rebalancer,
	archiver Archiver,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		cache:      c,
		market:     market,
		planner:    planner,
		submitter:  submitter,
		rebalancer: rebalancer,
		archiver:   archiver,
		logger:     logger,
	}
}

// Handle processes one queued event. Payload decode failures are
// permanent; everything downstream of the market calls is classified by
// the consumer.
func (p *Processor) Handle(ctx context.Context, e *events.QueuedEvent) error {
	tracer := otel.Tracer("processor")
	ctx, span := tracer.Start(ctx, "event.handle")
	span.SetAttributes(attribute.String("event.type", string(e.Type)))
	defer span.End()

	switch e.Type {
	case events.EventTypeInvoiceEnqueued:
		return p.handleInvoiceEnqueued(ctx, e)
	case events.EventTypeSettlementEnqueued:
		return p.handleSettlementEnqueued(ctx, e)
	default:
		return fmt.Errorf("no handler for event type %q: %w", e.Type, events.ErrPermanent)
	}
}

func (p *Processor) handleInvoiceEnqueued(ctx context.Context, e *events.QueuedEvent) error {
	var data events.InvoiceEnqueuedData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return fmt.Errorf("malformed InvoiceEnqueued payload for %s: %v: %w", e.ID, err, events.ErrPermanent)
	}
	inv := data.Invoice
	intentID := inv.IntentID()
	if intentID == "" {
		return fmt.Errorf("InvoiceEnqueued %s carries no intent id: %w", e.ID, events.ErrPermanent)
	}

	// Idempotence gate: a cached purchase means a fulfilling transaction
	// is already in flight for this invoice.
	has, err := p.cache.HasPurchase(ctx, intentID)
	if err != nil {
		return fmt.Errorf("purchase lookup for %s: %w", intentID, err)
	}
	if has {
		p.logger.Info("purchase already in flight, skipping",
			zap.String("intent_id", intentID),
			zap.String("event_id", e.ID),
		)
		return nil
	}

	minAmounts, err := p.market.MinAmounts(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("min amounts for invoice %s: %w", inv.ID, err)
	}
	balances, err := p.market.Balances(ctx, inv.TickerHash)
	if err != nil {
		return fmt.Errorf("balances for ticker %s: %w", inv.TickerHash, err)
	}

	alloc, err := p.planner.Plan(ctx, inv, minAmounts, balances)
	if err != nil {
		return fmt.Errorf("planning splits for invoice %s: %w", inv.ID, err)
	}
	if alloc == nil || len(alloc.Splits) == 0 {
		p.logger.Info("no viable allocation, evaluating rebalance",
			zap.String("invoice_id", inv.ID),
			zap.String("ticker_hash", inv.TickerHash),
		)
		if err := p.rebalancer.EvaluateOnDemand(ctx, inv); err != nil {
			return fmt.Errorf("rebalance evaluation for invoice %s: %w", inv.ID, err)
		}
		return nil
	}

	action, err := p.submitter.Submit(ctx, inv, alloc)
	if err != nil {
		return fmt.Errorf("submitting intent for invoice %s: %w", inv.ID, err)
	}
	created, err := p.cache.AddPurchases(ctx, []events.PurchaseAction{*action})
	if err != nil {
		// The first transaction is out; losing the cache entry risks a
		// double submission, so surface loudly but do not retry the event.
		p.logger.Error("purchase submitted but cache write failed",
			zap.String("intent_id", intentID),
			zap.String("transaction_hash", action.TransactionHash),
			zap.Error(err),
		)
		return fmt.Errorf("recording purchase for %s: %v: %w", intentID, err, events.ErrPermanent)
	}
	if err := p.submitter.CompleteRemaining(ctx, inv, alloc); err != nil {
		// The purchase is recorded, so a retry would be skipped by the
		// idempotence gate; surface for the operator instead.
		p.logger.Error("purchase recorded but remaining splits failed",
			zap.String("intent_id", intentID),
			zap.String("transaction_hash", action.TransactionHash),
			zap.Int("splits", len(alloc.Splits)),
			zap.Error(err),
		)
		return fmt.Errorf("completing splits for invoice %s: %v: %w", inv.ID, err, events.ErrPermanent)
	}

	if p.archiver != nil {
		if err := p.archiver.ArchiveInvoice(ctx, inv, action.TransactionHash); err != nil {
			p.logger.Warn("failed to archive invoice",
				zap.String("invoice_id", inv.ID),
				zap.Error(err),
			)
		}
	}

	p.logger.Info("invoice fulfillment submitted",
		zap.String("invoice_id", inv.ID),
		zap.String("intent_id", intentID),
		zap.String("transaction_hash", action.TransactionHash),
		zap.Int("splits", len(alloc.Splits)),
		zap.Int("created", created),
	)
	return nil
}

func (p *Processor) handleSettlementEnqueued(ctx context.Context, e *events.QueuedEvent) error {
	var data events.SettlementEnqueuedData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return fmt.Errorf("malformed SettlementEnqueued payload for %s: %v: %w", e.ID, err, events.ErrPermanent)
	}
	if data.IntentID == "" {
		return fmt.Errorf("SettlementEnqueued %s carries no intent id: %w", e.ID, events.ErrPermanent)
	}
	removed, err := p.cache.RemovePurchases(ctx, []string{data.IntentID})
	if err != nil {
		return fmt.Errorf("removing purchase for %s: %w", data.IntentID, err)
	}
	p.logger.Info("settlement observed, purchase entry released",
		zap.String("intent_id", data.IntentID),
		zap.String("domain", data.Domain),
		zap.Int64("removed", removed),
	)
	return nil
}
