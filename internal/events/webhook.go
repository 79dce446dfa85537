package events

import "encoding/json"

// Intent statuses reported by the hub.
const (
	IntentStatusAdded                      = "ADDED"
	IntentStatusDispatched                 = "DISPATCHED"
	IntentStatusSettled                    = "SETTLED"
	IntentStatusSettledAndManuallyExecuted = "SETTLED_AND_MANUALLY_EXECUTED"
)

// Intent is a user's declaration of a cross-chain transfer. All
// numeric-looking fields are decimal strings to preserve 256-bit precision.
type Intent struct {
	ID           string   `json:"id"`
	QueueIdx     string   `json:"queueIdx"`
	Status       string   `json:"status"`
	Initiator    string   `json:"initiator"`
	Receiver     string   `json:"receiver"`
	InputAsset   string   `json:"inputAsset"`
	OutputAsset  string   `json:"outputAsset"`
	MaxFee       string   `json:"maxFee"`
	Origin       string   `json:"origin"`
	Nonce        string   `json:"nonce"`
	Timestamp    string   `json:"timestamp"`
	TTL          string   `json:"ttl"`
	Amount       string   `json:"amount"`
	Destinations []string `json:"destinations"`
	Data         string   `json:"data"`
}

// Invoice is an intent awaiting settlement on the hub. The core never mints
// invoices, it only reacts to them.
type Invoice struct {
	ID                          string `json:"id"`
	Intent                      Intent `json:"intent"`
	TickerHash                  string `json:"tickerHash"`
	Amount                      string `json:"amount"`
	Owner                       string `json:"owner"`
	EntryEpoch                  string `json:"entryEpoch"`
	HubStatus                   string `json:"hubStatus,omitempty"`
	HubInvoiceEnqueuedTimestamp string `json:"hubInvoiceEnqueuedTimestamp,omitempty"`
}

// IntentID returns the invoice identity used as the purchase-cache key.
func (i Invoice) IntentID() string {
	return i.Intent.ID
}

// InvoiceEnqueuedData is the wire payload of an InvoiceEnqueued event.
type InvoiceEnqueuedData struct {
	ID              string  `json:"id"`
	Invoice         Invoice `json:"invoice"`
	TransactionHash string  `json:"transactionHash"`
	Timestamp       string  `json:"timestamp"`
	GasPrice        string  `json:"gasPrice"`
	GasLimit        string  `json:"gasLimit"`
	BlockNumber     string  `json:"blockNumber"`
	TxOrigin        string  `json:"txOrigin"`
	TxNonce         string  `json:"txNonce"`
}

// SettlementEnqueuedData is the wire payload of a SettlementEnqueued event.
type SettlementEnqueuedData struct {
	ID                   string `json:"id"`
	IntentID             string `json:"intentId"`
	Domain               string `json:"domain"`
	EntryEpoch           string `json:"entryEpoch"`
	Asset                string `json:"asset"`
	Amount               string `json:"amount"`
	UpdateVirtualBalance bool   `json:"updateVirtualBalance"`
	Owner                string `json:"owner"`
	TransactionHash      string `json:"transactionHash"`
	Timestamp            string `json:"timestamp"`
	GasPrice             string `json:"gasPrice"`
	GasLimit             string `json:"gasLimit"`
	BlockNumber          string `json:"blockNumber"`
	TxOrigin             string `json:"txOrigin"`
	TxNonce              string `json:"txNonce"`
}

// Purchase describes the fulfilling intent Mark submitted for an invoice.
type Purchase struct {
	IntentID string          `json:"intentId"`
	Params   json.RawMessage `json:"params"`
}

// PurchaseAction records an in-flight fulfillment. Keyed in the purchase
// cache by Target.Intent.ID; at most one exists per invoice at a time.
type PurchaseAction struct {
	Target          Invoice  `json:"target"`
	Purchase        Purchase `json:"purchase"`
	TransactionHash string   `json:"transactionHash"`
	TransactionType string   `json:"transactionType,omitempty"`
	CachedAt        int64    `json:"cachedAt"`
}
