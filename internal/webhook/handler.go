// Package webhook authenticates intake requests, deduplicates them
// through the event queue, and serves the HTTP surface of the invoice
// handler.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/everclearorg/mark-sub008/internal/events"
)

// Enqueuer accepts validated events for asynchronous processing.
type Enqueuer interface {
	AddEvent(ctx context.Context, e *events.QueuedEvent) (bool, error)
}

// Response is the handler's transport-agnostic result.
type Response struct {
	StatusCode int
	Body       any
}

// webhookNames maps intake route names to event types.
var webhookNames = map[string]events.EventType{
	"invoice-enqueued":    events.EventTypeInvoiceEnqueued,
	"InvoiceEnqueued":     events.EventTypeInvoiceEnqueued,
	"settlement-enqueued": events.EventTypeSettlementEnqueued,
	"SettlementEnqueued":  events.EventTypeSettlementEnqueued,
}

// envelope is the subset of every webhook body the handler inspects; the
// full body is carried as the event payload.
type envelope struct {
	ID          string `json:"id"`
	BlockNumber string `json:"blockNumber"`
}

// Config holds the intake parameters.
type Config struct {
	Secret         string
	MinBlockNumber uint64
	MaxRetries     int
}

// Validate rejects configurations that cannot authenticate requests. An
// empty secret would make the constant-time comparison accept requests
// carrying an empty header.
func (c Config) Validate() error {
	if c.Secret == "" {
		return errors.New("webhook secret must be set")
	}
	return nil
}

// Handler validates and enqueues webhook deliveries.
type Handler struct {
	enqueuer Enqueuer
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewHandler creates the intake handler.
func NewHandler(enqueuer Enqueuer, cfg Config, logger *zap.Logger) *Handler {
	return &Handler{
		enqueuer: enqueuer,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleWebhookRequest authenticates, validates and enqueues one webhook
// delivery. Senders see 200 for both fresh and duplicate deliveries; the
// processed flag distinguishes them.
func (h *Handler) HandleWebhookRequest(ctx context.Context, rawBody []byte, secretHeader, webhookName string) Response {
	if subtle.ConstantTimeCompare([]byte(secretHeader), []byte(h.cfg.Secret)) != 1 {
		return Response{
			StatusCode: http.StatusUnauthorized,
			Body:       map[string]string{"error": "invalid webhook secret"},
		}
	}

	eventType, ok := webhookNames[webhookName]
	if !ok {
		return Response{
			StatusCode: http.StatusBadRequest,
			Body:       map[string]string{"error": fmt.Sprintf("unknown webhook %q", webhookName)},
		}
	}

	var env envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return Response{
			StatusCode: http.StatusBadRequest,
			Body:       map[string]string{"error": "malformed JSON body"},
		}
	}

	webhookID := env.ID
	if webhookID == "" {
		webhookID = uuid.NewString()
	}

	if env.BlockNumber != "" && h.cfg.MinBlockNumber > 0 {
		blockNumber, err := strconv.ParseUint(env.BlockNumber, 10, 64)
		if err != nil {
			return Response{
				StatusCode: http.StatusBadRequest,
				Body:       map[string]string{"error": "invalid blockNumber"},
			}
		}
		if blockNumber < h.cfg.MinBlockNumber {
			// Historical replay from before the configured horizon.
			return Response{
				StatusCode: http.StatusOK,
				Body: map[string]any{
					"message":   "block below configured minimum, ignored",
					"processed": false,
					"webhookId": webhookID,
				},
			}
		}
	}

	event := &events.QueuedEvent{
		ID:          webhookID,
		Type:        eventType,
		Data:        json.RawMessage(rawBody),
		Priority:    events.PriorityNormal,
		RetryCount:  0,
		MaxRetries:  h.cfg.MaxRetries,
		ScheduledAt: h.now().UnixMilli(),
		Metadata: events.Metadata{
			Source:            "webhook",
			OriginalWebhookID: webhookID,
		},
	}

	alreadySeen, err := h.enqueuer.AddEvent(ctx, event)
	if err != nil {
		h.logger.Error("failed to enqueue webhook event",
			zap.String("webhook", webhookName),
			zap.String("webhook_id", webhookID),
			zap.Error(err),
		)
		return Response{
			StatusCode: http.StatusInternalServerError,
			Body:       map[string]string{"error": "internal server error"},
		}
	}

	if alreadySeen {
		h.logger.Debug("duplicate webhook delivery",
			zap.String("webhook", webhookName),
			zap.String("webhook_id", webhookID),
		)
	}
	return Response{
		StatusCode: http.StatusOK,
		Body: map[string]any{
			"processed": !alreadySeen,
			"webhookId": webhookID,
		},
	}
}
