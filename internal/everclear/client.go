// Package everclear is the HTTP client for the clearing-layer API: market
// data for invoice evaluation, intent creation, and the paged event feed
// the backfill reconciler scans.
package everclear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/everclearorg/mark-sub008/internal/events"
	"github.com/everclearorg/mark-sub008/internal/processor"
)

// DefaultTimeout bounds every API call.
const DefaultTimeout = 60 * time.Second

// Event is one entry of the upstream event feed.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	Timestamp   int64           `json:"timestamp"`
	BlockNumber string          `json:"blockNumber"`
}

// Client talks to the clearing-layer REST API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

var _ processor.MarketClient = (*Client)(nil)

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// MinAmounts returns the per-destination minimum fill amounts for an
// invoice, keyed by domain id. Amounts are decimal strings.
func (c *Client) MinAmounts(ctx context.Context, invoiceID string) (map[string]string, error) {
	var out struct {
		MinAmounts map[string]string `json:"minAmounts"`
	}
	path := "/invoices/" + url.PathEscape(invoiceID) + "/min-amounts"
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("min amounts for invoice %s: %w", invoiceID, err)
	}
	return out.MinAmounts, nil
}

// Balances returns Mark's available balances per domain for a ticker.
func (c *Client) Balances(ctx context.Context, tickerHash string) (map[string]string, error) {
	var out struct {
		Balances map[string]string `json:"balances"`
	}
	path := "/balances?ticker=" + url.QueryEscape(tickerHash)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("balances for ticker %s: %w", tickerHash, err)
	}
	return out.Balances, nil
}

// NewIntentRequest describes a fulfilling intent to create.
type NewIntentRequest struct {
	Origin       string   `json:"origin"`
	Destinations []string `json:"destinations"`
	To           string   `json:"to"`
	InputAsset   string   `json:"inputAsset"`
	Amount       string   `json:"amount"`
	CallData     string   `json:"callData,omitempty"`
	MaxFee       string   `json:"maxFee"`
}

// NewIntentResponse is the API's answer to intent creation.
type NewIntentResponse struct {
	IntentID        string          `json:"intentId"`
	TransactionHash string          `json:"transactionHash"`
	Params          json.RawMessage `json:"params"`
}

// CreateIntent submits a new intent through the API.
func (c *Client) CreateIntent(ctx context.Context, req NewIntentRequest) (NewIntentResponse, error) {
	var out NewIntentResponse
	if err := c.post(ctx, "/intents", req, &out); err != nil {
		return out, fmt.Errorf("creating intent: %w", err)
	}
	return out, nil
}

// EventsSince returns the event feed page after cursor plus the next
// cursor. An empty next cursor means the head has been reached; callers
// keep the previous cursor in that case.
func (c *Client) EventsSince(ctx context.Context, cursor string, limit int) ([]Event, string, error) {
	var out struct {
		Events     []Event `json:"events"`
		NextCursor string  `json:"nextCursor"`
	}
	path := "/events?limit=" + strconv.Itoa(limit)
	if cursor != "" {
		path += "&cursor=" + url.QueryEscape(cursor)
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, "", fmt.Errorf("scanning event feed: %w", err)
	}
	return out.Events, out.NextCursor, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The status code lands in the error text so the consumer's
		// classifier can tell 429/5xx from 4xx.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("api responded %d: %s", resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding api response: %w", err)
	}
	return nil
}

// Submitter creates fulfilling intents through the API and reports the
// resulting purchase action.
type Submitter struct {
	client *Client
	now    func() time.Time
}

var _ processor.IntentSubmitter = (*Submitter)(nil)

// NewSubmitter wraps the client as the processor's intent submitter.
func NewSubmitter(client *Client) *Submitter {
	return &Submitter{client: client, now: time.Now}
}

// Submit creates the intent for the first split and returns the purchase
// action for the invoice. The remaining splits go out through
// CompleteRemaining once the action has been recorded, so a failure there
// can never lead back to a second intent for the first split.
func (s *Submitter) Submit(ctx context.Context, inv events.Invoice, alloc *processor.Allocation) (*events.PurchaseAction, error) {
	if alloc == nil || len(alloc.Splits) == 0 {
		return nil, fmt.Errorf("no splits to submit for invoice %s", inv.ID)
	}
	resp, err := s.client.CreateIntent(ctx, intentRequest(inv, alloc.Splits[0]))
	if err != nil {
		return nil, fmt.Errorf("split 1/%d for invoice %s: %w", len(alloc.Splits), inv.ID, err)
	}
	return &events.PurchaseAction{
		Target: inv,
		Purchase: events.Purchase{
			IntentID: inv.IntentID(),
			Params:   resp.Params,
		},
		TransactionHash: resp.TransactionHash,
		TransactionType: "purchase",
		CachedAt:        s.now().UnixMilli(),
	}, nil
}

// CompleteRemaining creates the intents for the splits after the first.
func (s *Submitter) CompleteRemaining(ctx context.Context, inv events.Invoice, alloc *processor.Allocation) error {
	if alloc == nil || len(alloc.Splits) < 2 {
		return nil
	}
	for i, split := range alloc.Splits[1:] {
		if _, err := s.client.CreateIntent(ctx, intentRequest(inv, split)); err != nil {
			return fmt.Errorf("split %d/%d for invoice %s: %w", i+2, len(alloc.Splits), inv.ID, err)
		}
	}
	return nil
}

func intentRequest(inv events.Invoice, split processor.Split) NewIntentRequest {
	return NewIntentRequest{
		Origin:       split.Domain,
		Destinations: []string{inv.Intent.Origin},
		To:           inv.Owner,
		InputAsset:   inv.Intent.OutputAsset,
		Amount:       split.Amount,
		MaxFee:       "0",
	}
}
