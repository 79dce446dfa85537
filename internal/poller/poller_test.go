package poller

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/everclearorg/mark-sub008/internal/events"
	"github.com/everclearorg/mark-sub008/internal/everclear"
	"github.com/everclearorg/mark-sub008/internal/queue"
	"github.com/everclearorg/mark-sub008/internal/rebalance"
	"github.com/everclearorg/mark-sub008/internal/store"
)

type fakeEnqueuer struct {
	queue *queue.Queue
	err   error
}

func (f *fakeEnqueuer) AddEvent(ctx context.Context, e *events.QueuedEvent) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.queue.Enqueue(ctx, e, e.Priority)
}

type fakeSource struct {
	events     []everclear.Event
	nextCursor string
	gotCursor  string
	gotLimit   int
	err        error
}

func (f *fakeSource) EventsSince(_ context.Context, cursor string, limit int) ([]everclear.Event, string, error) {
	f.gotCursor = cursor
	f.gotLimit = limit
	return f.events, f.nextCursor, f.err
}

type fakeRebalancer struct {
	earmarks   int
	operations int
	evaluated  int
}

func (r *fakeRebalancer) ExpireEarmarks(context.Context, time.Time) (int, error) {
	r.earmarks++
	return 1, nil
}

func (r *fakeRebalancer) ExpireOperations(context.Context, time.Time) (int, error) {
	r.operations++
	return 0, nil
}

func (r *fakeRebalancer) Evaluate(context.Context) ([]rebalance.Operation, error) {
	r.evaluated++
	return []rebalance.Operation{{ID: "op-1", Origin: "1", Destination: "10"}}, nil
}

func newTestPoller(t *testing.T, source EventSource, r Rebalancer) (*Poller, *queue.Queue) {
	t.Helper()
	q := queue.New(store.NewMemoryStore(), zap.NewNop(), queue.Config{})
	p := New(q, &fakeEnqueuer{queue: q}, source, r, nil, zap.NewNop(), Config{MaxRetries: 3})
	return p, q
}

func feedEvent(id string) everclear.Event {
	return everclear.Event{
		ID:        id,
		Type:      string(events.EventTypeInvoiceEnqueued),
		Data:      json.RawMessage(`{}`),
		Timestamp: time.Now().Add(-time.Minute).UnixMilli(),
	}
}

func TestTickBackfillsMissedEvents(t *testing.T) {
	source := &fakeSource{
		events:     []everclear.Event{feedEvent("missed-1"), feedEvent("missed-2")},
		nextCursor: "cursor-2",
	}
	p, q := newTestPoller(t, source, nil)
	ctx := context.Background()

	p.Tick(ctx)

	assert.Equal(t, backfillPageLimit, source.gotLimit)
	assert.Empty(t, source.gotCursor)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depths[events.EventTypeInvoiceEnqueued].Pending)

	cursor, err := q.BackfillCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cursor-2", cursor)

	// Backfilled events carry provenance and low priority.
	batch, err := q.Dequeue(ctx, events.EventTypeInvoiceEnqueued, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "backfill", batch[0].Metadata.Source)
	assert.Equal(t, events.PriorityLow, batch[0].Priority)
	assert.Equal(t, 3, batch[0].MaxRetries)
}

func TestTickBackfillSkipsKnownEvents(t *testing.T) {
	source := &fakeSource{events: []everclear.Event{feedEvent("known")}, nextCursor: "c1"}
	p, q := newTestPoller(t, source, nil)
	ctx := context.Background()

	// The webhook already delivered this id.
	_, err := q.Enqueue(ctx, &events.QueuedEvent{
		ID:          "known",
		Type:        events.EventTypeInvoiceEnqueued,
		Priority:    events.PriorityNormal,
		ScheduledAt: time.Now().UnixMilli(),
	}, events.PriorityNormal)
	require.NoError(t, err)

	p.Tick(ctx)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths[events.EventTypeInvoiceEnqueued].Pending)
}

func TestTickBackfillIgnoresUnknownTypes(t *testing.T) {
	source := &fakeSource{
		events:     []everclear.Event{{ID: "other", Type: "DepositEnqueued", Data: json.RawMessage(`{}`)}},
		nextCursor: "c1",
	}
	p, q := newTestPoller(t, source, nil)
	ctx := context.Background()

	p.Tick(ctx)

	status, err := q.GetStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Pending)
	// The cursor still advances past the foreign event.
	cursor, err := q.BackfillCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", cursor)
}

func TestTickBackfillResumesFromCursor(t *testing.T) {
	source := &fakeSource{nextCursor: ""}
	p, q := newTestPoller(t, source, nil)
	ctx := context.Background()
	require.NoError(t, q.SetBackfillCursor(ctx, "resume-here"))

	p.Tick(ctx)

	assert.Equal(t, "resume-here", source.gotCursor)
	// An empty next cursor keeps the previous one.
	cursor, err := q.BackfillCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "resume-here", cursor)
}

func TestTickSourceErrorDoesNotStopOtherSteps(t *testing.T) {
	source := &fakeSource{err: errors.New("api responded 502: bad gateway")}
	r := &fakeRebalancer{}
	p, _ := newTestPoller(t, source, r)

	p.Tick(context.Background())

	assert.Equal(t, 1, r.earmarks)
	assert.Equal(t, 1, r.operations)
	assert.Equal(t, 1, r.evaluated)
}

func TestTickCleansExpiredDeadLetters(t *testing.T) {
	s := store.NewMemoryStore()
	clockNow := time.UnixMilli(1_700_000_000_000)
	q := queue.New(s, zap.NewNop(), queue.Config{
		DeadLetterTTL: time.Hour,
		Now:           func() time.Time { return clockNow },
	})
	p := New(q, &fakeEnqueuer{queue: q}, nil, nil, nil, zap.NewNop(), Config{})
	ctx := context.Background()

	e := &events.QueuedEvent{
		ID:          "dead",
		Type:        events.EventTypeInvoiceEnqueued,
		Priority:    events.PriorityNormal,
		ScheduledAt: clockNow.UnixMilli(),
	}
	_, err := q.Enqueue(ctx, e, events.PriorityNormal)
	require.NoError(t, err)
	batch, err := q.Dequeue(ctx, events.EventTypeInvoiceEnqueued, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, q.MoveToDeadLetter(ctx, batch[0], "fatal"))

	clockNow = clockNow.Add(2 * time.Hour)
	p.Tick(ctx)

	status, err := q.GetStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.DeadLetter)
}

func TestTickSkipsWhileRunning(t *testing.T) {
	p, _ := newTestPoller(t, nil, nil)
	p.running.Store(true)

	r := &fakeRebalancer{}
	p.rebalancer = r
	p.Tick(context.Background())

	assert.Zero(t, r.evaluated)
}

func TestStartStop(t *testing.T) {
	p, _ := newTestPoller(t, nil, nil)
	p.interval = 10 * time.Millisecond

	p.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	p.Stop()
}
