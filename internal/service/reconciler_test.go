package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsdispatch/internal/model"
	"github.com/unclebandit/smsdispatch/internal/queue"
	"github.com/unclebandit/smsdispatch/internal/service"
)

type published struct {
	Topic   string
	Payload []byte
	Delay   time.Duration
}

// MockQueue records publishes
type MockQueue struct {
	mu   sync.Mutex
	msgs []published
}

func (m *MockQueue) Publish(_ context.Context, topic string, payload []byte, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, published{Topic: topic, Payload: payload, Delay: delay})
	return nil
}

func (m *MockQueue) Subscribe(string, queue.Handler) error { return nil }
func (m *MockQueue) Close() error                          { return nil }

func (m *MockQueue) Published() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]published(nil), m.msgs...)
}

// sendOne dispatches t-1 and returns the carrier id it was sent under.
func sendOne(t *testing.T, h *harness) (string, string) {
	t.Helper()
	h.addTarget("t-1", "+15125550100")
	res, err := h.dispatcher.Process(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, service.OutcomeSent, res.Outcome)
	msg, err := h.store.Messages().GetByID(context.Background(), res.MessageID)
	require.NoError(t, err)
	require.NotNil(t, msg.CarrierMessageID)
	return msg.ID, *msg.CarrierMessageID
}

func TestDuplicateCallbackTransitionsOnce(t *testing.T) {
	h := newHarness(t)
	msgID, sid := sendOne(t, h)
	ctx := context.Background()

	require.NoError(t, h.reconciler.HandleStatusCallback(ctx, sid, "delivered", ""))
	require.NoError(t, h.reconciler.HandleStatusCallback(ctx, sid, "delivered", ""))

	assert.Equal(t, []model.TargetStatus{
		model.TargetQueued, model.TargetSending, model.TargetSent, model.TargetDelivered,
	}, h.store.TargetHistory("t-1"))

	events, err := h.store.Messages().ListStatusEvents(ctx, msgID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, model.SourceCallback, ev.Source)
		assert.Equal(t, sid, ev.CarrierMessageID)
	}

	msg, err := h.store.Messages().GetByID(ctx, msgID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageDelivered, msg.Status)
	assert.NotNil(t, h.target(t, "t-1").DeliveredAt)
}

func TestLateSentCallbackDoesNotRegress(t *testing.T) {
	h := newHarness(t)
	msgID, sid := sendOne(t, h)
	ctx := context.Background()

	require.NoError(t, h.reconciler.HandleStatusCallback(ctx, sid, "delivered", ""))
	require.NoError(t, h.reconciler.HandleStatusCallback(ctx, sid, "sent", ""))
	require.NoError(t, h.reconciler.HandleStatusCallback(ctx, sid, "failed", "30007"))

	msg, err := h.store.Messages().GetByID(ctx, msgID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageDelivered, msg.Status)
	assert.Empty(t, msg.ErrorCode)
	assert.Equal(t, model.TargetDelivered, h.target(t, "t-1").Status)

	events, err := h.store.Messages().ListStatusEvents(ctx, msgID)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestUndeliveredCallbackFailsTarget(t *testing.T) {
	h := newHarness(t)
	_, sid := sendOne(t, h)

	require.NoError(t, h.reconciler.HandleStatusCallback(context.Background(), sid, "undelivered", "30003"))

	tgt := h.target(t, "t-1")
	assert.Equal(t, model.TargetFailed, tgt.Status)
	assert.Equal(t, "carrier_30003", tgt.LastError)
	assertValidPath(t, h.store.TargetHistory("t-1"))
}

func TestUnknownStatusIsRecordedOnly(t *testing.T) {
	h := newHarness(t)
	msgID, sid := sendOne(t, h)
	ctx := context.Background()

	require.NoError(t, h.reconciler.HandleStatusCallback(ctx, sid, "partially_delivered", ""))

	msg, err := h.store.Messages().GetByID(ctx, msgID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageSent, msg.Status)
	events, err := h.store.Messages().ListStatusEvents(ctx, msgID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "partially_delivered", events[0].RawStatus)
}

func TestUnmatchedCallbackIsRequeuedThenDropped(t *testing.T) {
	h := newHarness(t)
	q := &MockQueue{}
	h.reconciler.Queue = q
	ctx := context.Background()

	require.NoError(t, h.reconciler.HandleStatusCallback(ctx, "SM-unknown", "delivered", ""))
	pubs := q.Published()
	require.Len(t, pubs, 1)
	assert.Equal(t, queue.TopicStatusCallbacks, pubs[0].Topic)
	assert.Equal(t, 2*time.Second, pubs[0].Delay)

	var job queue.StatusCallbackJob
	require.NoError(t, json.Unmarshal(pubs[0].Payload, &job))
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, "SM-unknown", job.CarrierMessageID)

	// Last allowed attempt: dropped without another publish.
	job.Attempt = 2
	payload, _ := json.Marshal(job)
	require.NoError(t, h.reconciler.HandleJob(ctx, payload))
	assert.Len(t, q.Published(), 1)
}

func TestRequeuedCallbackAppliesOnceMessageExists(t *testing.T) {
	h := newHarness(t)
	q := &MockQueue{}
	h.reconciler.Queue = q
	ctx := context.Background()

	_, sid := sendOne(t, h)
	payload, _ := json.Marshal(queue.StatusCallbackJob{CarrierMessageID: sid, Status: "delivered", Attempt: 1})
	require.NoError(t, h.reconciler.HandleJob(ctx, payload))

	assert.Equal(t, model.TargetDelivered, h.target(t, "t-1").Status)
	assert.Empty(t, q.Published())
}

func TestSweepAppliesFetchedStatus(t *testing.T) {
	h := newHarness(t)
	msgID, sid := sendOne(t, h)
	ctx := context.Background()

	n, err := h.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh messages are not swept")

	h.clock.Advance(10 * time.Minute)
	h.gateway.SetStatus(sid, "delivered", "")
	n, err = h.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, model.TargetDelivered, h.target(t, "t-1").Status)
	events, err := h.store.Messages().ListStatusEvents(ctx, msgID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.SourceSweep, events[0].Source)
}
