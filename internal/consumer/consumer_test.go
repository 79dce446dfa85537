package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/everclearorg/mark-sub008/internal/events"
	"github.com/everclearorg/mark-sub008/internal/queue"
	"github.com/everclearorg/mark-sub008/internal/store"
)

type fakeProcessor struct {
	mu      sync.Mutex
	handled []string
	fn      func(e *events.QueuedEvent) error

	inFlight      atomic.Int32
	maxConcurrent atomic.Int32
}

func (p *fakeProcessor) Handle(ctx context.Context, e *events.QueuedEvent) error {
	cur := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		prev := p.maxConcurrent.Load()
		if cur <= prev || p.maxConcurrent.CompareAndSwap(prev, cur) {
			break
		}
	}
	p.mu.Lock()
	p.handled = append(p.handled, e.ID)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(e)
	}
	return nil
}

func (p *fakeProcessor) handledIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.handled...)
}

type fakeNotifier struct {
	mu           sync.Mutex
	processed    []string
	deadLettered []string
	lastError    string
}

func (n *fakeNotifier) EventProcessed(_ context.Context, e *events.QueuedEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.processed = append(n.processed, e.ID)
}

func (n *fakeNotifier) EventDeadLettered(_ context.Context, e *events.QueuedEvent, errText string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deadLettered = append(n.deadLettered, e.ID)
	n.lastError = errText
}

func newTestConsumer(t *testing.T, proc *fakeProcessor, n Notifier, cfg Config) (*Consumer, *queue.Queue) {
	t.Helper()
	q := queue.New(store.NewMemoryStore(), zap.NewNop(), queue.Config{})
	return New(q, proc, zap.NewNop(), nil, n, cfg), q
}

func testEvent(id string) *events.QueuedEvent {
	return &events.QueuedEvent{
		ID:          id,
		Type:        events.EventTypeInvoiceEnqueued,
		Data:        json.RawMessage(`{}`),
		Priority:    events.PriorityNormal,
		MaxRetries:  3,
		ScheduledAt: time.Now().UnixMilli(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestConsumerProcessesAndAcknowledges(t *testing.T) {
	proc := &fakeProcessor{}
	notifier := &fakeNotifier{}
	c, q := newTestConsumer(t, proc, notifier, Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	_, err := c.AddEvent(ctx, testEvent("ok"))
	require.NoError(t, err)

	c.Start(ctx)
	waitFor(t, func() bool {
		status, err := q.GetStatus(ctx)
		return err == nil && status.Pending == 0 && status.Processing == 0
	})
	require.NoError(t, c.Stop(ctx))

	assert.Equal(t, []string{"ok"}, proc.handledIDs())
	assert.Equal(t, []string{"ok"}, notifier.processed)
	status, err := q.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, events.StatusActionProcessed, status.LastAction)
}

func TestConsumerRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	proc := &fakeProcessor{fn: func(e *events.QueuedEvent) error {
		if calls.Add(1) == 1 {
			return errors.New("api responded 503: unavailable")
		}
		return nil
	}}
	c, q := newTestConsumer(t, proc, nil, Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	e := testEvent("flaky")
	// Past schedule so the retry delay is the only wait.
	e.ScheduledAt = time.Now().Add(-time.Minute).UnixMilli()
	_, err := c.AddEvent(ctx, e)
	require.NoError(t, err)

	c.Start(ctx)
	waitFor(t, func() bool { return calls.Load() >= 1 })

	// The retry is scheduled with backoff; it stays pending until due.
	status, err := q.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Pending+status.Processing)

	waitFor(t, func() bool { return calls.Load() >= 2 })
	waitFor(t, func() bool {
		status, err := q.GetStatus(ctx)
		return err == nil && status.Pending == 0 && status.Processing == 0
	})
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, int64(0), mustStatus(t, q).DeadLetter)
}

func TestConsumerDeadLettersPermanentFailure(t *testing.T) {
	proc := &fakeProcessor{fn: func(e *events.QueuedEvent) error {
		return fmt.Errorf("unsupported payload: %w", events.ErrPermanent)
	}}
	notifier := &fakeNotifier{}
	c, q := newTestConsumer(t, proc, notifier, Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	_, err := c.AddEvent(ctx, testEvent("poison"))
	require.NoError(t, err)

	c.Start(ctx)
	waitFor(t, func() bool { return mustStatus(t, q).DeadLetter == 1 })
	require.NoError(t, c.Stop(ctx))

	// Exactly one handler invocation, no retries.
	assert.Equal(t, []string{"poison"}, proc.handledIDs())
	assert.Equal(t, []string{"poison"}, notifier.deadLettered)
	assert.Contains(t, notifier.lastError, "unsupported payload")
}

func TestConsumerDeadLettersAfterBudgetExhausted(t *testing.T) {
	proc := &fakeProcessor{fn: func(e *events.QueuedEvent) error {
		return errors.New("connection refused")
	}}
	c, q := newTestConsumer(t, proc, nil, Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	e := testEvent("doomed")
	e.MaxRetries = 1
	e.RetryCount = 1 // budget already spent
	_, err := c.AddEvent(ctx, e)
	require.NoError(t, err)

	c.Start(ctx)
	waitFor(t, func() bool { return mustStatus(t, q).DeadLetter == 1 })
	require.NoError(t, c.Stop(ctx))

	assert.Equal(t, []string{"doomed"}, proc.handledIDs())
}

func TestConsumerBoundsConcurrency(t *testing.T) {
	release := make(chan struct{})
	proc := &fakeProcessor{fn: func(e *events.QueuedEvent) error {
		<-release
		return nil
	}}
	c, q := newTestConsumer(t, proc, nil, Config{MaxConcurrency: 2, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := c.AddEvent(ctx, testEvent(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
	}

	c.Start(ctx)
	waitFor(t, func() bool { return proc.inFlight.Load() == 2 })
	// Give the loop a chance to overshoot if it were going to.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), proc.maxConcurrent.Load())

	close(release)
	waitFor(t, func() bool {
		s := mustStatus(t, q)
		return s.Pending == 0 && s.Processing == 0
	})
	require.NoError(t, c.Stop(ctx))
	assert.LessOrEqual(t, proc.maxConcurrent.Load(), int32(2))
	assert.Len(t, proc.handledIDs(), 6)
}

func TestConsumerReplaysProcessingAtStart(t *testing.T) {
	proc := &fakeProcessor{}
	c, q := newTestConsumer(t, proc, nil, Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	// Simulate a crash: the event sits in processing with no worker.
	_, err := c.AddEvent(ctx, testEvent("stranded"))
	require.NoError(t, err)
	batch, err := q.Dequeue(ctx, events.EventTypeInvoiceEnqueued, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	c.Start(ctx)
	waitFor(t, func() bool {
		s := mustStatus(t, q)
		return s.Pending == 0 && s.Processing == 0
	})
	require.NoError(t, c.Stop(ctx))

	assert.Equal(t, []string{"stranded"}, proc.handledIDs())
}

func TestConsumerStartStopIdempotent(t *testing.T) {
	proc := &fakeProcessor{}
	c, _ := newTestConsumer(t, proc, nil, Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	c.Start(ctx)
	c.Start(ctx)
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
}

func TestAddEventDefaultsPriority(t *testing.T) {
	proc := &fakeProcessor{}
	c, q := newTestConsumer(t, proc, nil, Config{})
	ctx := context.Background()

	e := testEvent("no-priority")
	e.Priority = ""
	_, err := c.AddEvent(ctx, e)
	require.NoError(t, err)

	batch, err := q.Dequeue(ctx, events.EventTypeInvoiceEnqueued, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, events.PriorityNormal, batch[0].Priority)
}

func mustStatus(t *testing.T, q *queue.Queue) queue.Status {
	t.Helper()
	status, err := q.GetStatus(context.Background())
	require.NoError(t, err)
	return status
}
