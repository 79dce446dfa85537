package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeValid(t *testing.T) {
	assert.True(t, EventTypeInvoiceEnqueued.Valid())
	assert.True(t, EventTypeSettlementEnqueued.Valid())
	assert.False(t, EventType("OrderCreated").Valid())
	assert.False(t, EventType("").Valid())
}

func TestPriorityValid(t *testing.T) {
	assert.True(t, PriorityHigh.Valid())
	assert.True(t, PriorityNormal.Valid())
	assert.True(t, PriorityLow.Valid())
	assert.False(t, Priority("URGENT").Valid())
	assert.False(t, Priority("").Valid())
}

func TestQueuedEventValidate(t *testing.T) {
	valid := QueuedEvent{
		ID:          "evt-1",
		Type:        EventTypeInvoiceEnqueued,
		MaxRetries:  3,
		ScheduledAt: 1000,
	}

	tests := []struct {
		name    string
		mutate  func(e *QueuedEvent)
		wantErr bool
	}{
		{name: "valid", mutate: func(e *QueuedEvent) {}},
		{name: "empty id", mutate: func(e *QueuedEvent) { e.ID = "" }, wantErr: true},
		{name: "unknown type", mutate: func(e *QueuedEvent) { e.Type = "Nope" }, wantErr: true},
		{name: "negative scheduledAt", mutate: func(e *QueuedEvent) { e.ScheduledAt = -1 }, wantErr: true},
		{name: "negative retry count", mutate: func(e *QueuedEvent) { e.RetryCount = -1 }, wantErr: true},
		{name: "negative max retries", mutate: func(e *QueuedEvent) { e.MaxRetries = -1 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPermanent)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQueuedEventValidateNil(t *testing.T) {
	var e *QueuedEvent
	assert.ErrorIs(t, e.Validate(), ErrPermanent)
}

func TestInvoiceIntentID(t *testing.T) {
	inv := Invoice{ID: "inv-1", Intent: Intent{ID: "intent-1"}}
	assert.Equal(t, "intent-1", inv.IntentID())
	assert.Empty(t, Invoice{}.IntentID())
}

func TestInvoiceEnqueuedDataRoundTrip(t *testing.T) {
	raw := `{
		"id": "wh-1",
		"invoice": {
			"id": "inv-1",
			"intent": {"id": "intent-1", "origin": "1", "destinations": ["10", "42161"]},
			"tickerHash": "0xabc",
			"amount": "1000000",
			"owner": "0xowner",
			"entryEpoch": "7"
		},
		"blockNumber": "12345"
	}`
	var data InvoiceEnqueuedData
	require.NoError(t, json.Unmarshal([]byte(raw), &data))
	assert.Equal(t, "inv-1", data.Invoice.ID)
	assert.Equal(t, "intent-1", data.Invoice.IntentID())
	assert.Equal(t, []string{"10", "42161"}, data.Invoice.Intent.Destinations)
	assert.Equal(t, "1000000", data.Invoice.Amount)
}
