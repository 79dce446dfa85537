// Package events defines the queued event model and the wire payloads the
// invoice handler consumes from the upstream webhook source.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrPermanent marks a failure that must not be retried. Handlers wrap it
// when an event is structurally unprocessable (bad payload, unknown type,
// unsupported ticker). The consumer dead-letters such events directly.
var ErrPermanent = errors.New("permanent event failure")

// EventType identifies the kind of a queued event. The set is closed: the
// queue rejects anything else at enqueue time.
type EventType string

const (
	EventTypeInvoiceEnqueued    EventType = "InvoiceEnqueued"
	EventTypeSettlementEnqueued EventType = "SettlementEnqueued"
)

// AllEventTypes lists every known type in a stable order. The consumer
// round-robins over this slice and the queue uses it for recovery sweeps.
var AllEventTypes = []EventType{
	EventTypeInvoiceEnqueued,
	EventTypeSettlementEnqueued,
}

// Valid reports whether t belongs to the closed type set.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeInvoiceEnqueued, EventTypeSettlementEnqueued:
		return true
	}
	return false
}

// Priority orders events at intake. It is recorded on the event; FIFO
// ordering within a type is still driven by ScheduledAt.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Valid reports whether p is one of HIGH, NORMAL or LOW.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Metadata carries intake provenance for a queued event.
type Metadata struct {
	Source            string `json:"source"`
	CorrelationID     string `json:"correlationId,omitempty"`
	ChainID           string `json:"chainId,omitempty"`
	TokenAddress      string `json:"tokenAddress,omitempty"`
	OriginalWebhookID string `json:"originalWebhookId,omitempty"`
}

// QueuedEvent is the unit of work flowing through the event queue. ID is
// globally unique within the retention window and doubles as the
// deduplication key. ScheduledAt is epoch milliseconds and serves as the
// FIFO score; events scheduled in the future are deferred.
type QueuedEvent struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	Data        json.RawMessage `json:"data"`
	Priority    Priority        `json:"priority"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	ScheduledAt int64           `json:"scheduledAt"`
	Metadata    Metadata        `json:"metadata"`
}

// Validate checks the structural invariants the queue enforces at enqueue.
func (e *QueuedEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("nil event: %w", ErrPermanent)
	}
	if e.ID == "" {
		return fmt.Errorf("event id is empty: %w", ErrPermanent)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q: %w", e.Type, ErrPermanent)
	}
	if e.ScheduledAt < 0 {
		return fmt.Errorf("negative scheduledAt %d for event %s: %w", e.ScheduledAt, e.ID, ErrPermanent)
	}
	if e.RetryCount < 0 || e.MaxRetries < 0 {
		return fmt.Errorf("negative retry budget for event %s: %w", e.ID, ErrPermanent)
	}
	return nil
}

// Queue status actions recorded after every acknowledge or dead-letter.
const (
	StatusActionProcessed  = "processed"
	StatusActionDeadLetter = "deadLetter"
)

// QueueStatusRecord is the aggregate status persisted by the queue.
type QueueStatusRecord struct {
	LastProcessedAt int64  `json:"lastProcessedAt"`
	LastAction      string `json:"lastAction"`
}

// DeadLetterEvent is a queued event that exhausted its retry budget,
// extended with the terminal error and the time it was moved.
type DeadLetterEvent struct {
	QueuedEvent
	Error   string `json:"error"`
	MovedAt int64  `json:"movedAt"`
}
