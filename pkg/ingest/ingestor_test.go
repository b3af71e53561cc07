package ingest

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/flowtrace/pkg/domain"
	"github.com/yairfalse/flowtrace/pkg/ringbuffer"
)

func newTestIngestor(t *testing.T, capacity uint64, policy ringbuffer.OverflowPolicy, config Config) (*Ingestor, *ringbuffer.Buffer) {
	t.Helper()
	buf, err := ringbuffer.New(capacity, policy)
	require.NoError(t, err)
	return New(zaptest.NewLogger(t), buf, config), buf
}

func drain(buf *ringbuffer.Buffer) []*domain.TraceEvent {
	events, _ := buf.ReadBatch(buf.OldestPos(), int(buf.Capacity()))
	return events
}

func TestIngestor_FunctionEntry(t *testing.T) {
	ing, buf := newTestIngestor(t, 16, ringbuffer.Reject, DefaultConfig())

	id := ing.IngestFunctionEntry("p1", "app.handler", []byte(`{"k":1}`), "")
	require.NotEmpty(t, id)

	events := drain(buf)
	require.Len(t, events, 1)
	event := events[0]
	assert.Equal(t, id, event.EventID)
	assert.Equal(t, domain.EventKindFunctionEntry, event.Kind)
	assert.Equal(t, domain.ProducerID("p1"), event.ProducerID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Greater(t, event.MonotonicNanos, int64(0))
	require.NotNil(t, event.Payload.FunctionCall)
	assert.Equal(t, "app.handler", event.Payload.FunctionCall.Symbol)
}

func TestIngestor_EventIDsTimeSortable(t *testing.T) {
	ing, buf := newTestIngestor(t, 64, ringbuffer.Reject, DefaultConfig())

	var ids []string
	for i := 0; i < 20; i++ {
		ids = append(ids, ing.IngestMetric("p1", "counter", float64(i), ""))
		time.Sleep(2 * time.Millisecond) // UUIDv7 has millisecond precision
	}

	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i], "event ids must sort by creation time")
	}
	assert.Len(t, drain(buf), 20)
}

func TestIngestor_MessageHashComputedBeforeTruncation(t *testing.T) {
	config := DefaultConfig()
	config.MaxPayloadBytes = 8
	ing, buf := newTestIngestor(t, 16, ringbuffer.Reject, config)

	content := bytes.Repeat([]byte("x"), 64)
	ing.IngestMessageSend("p1", "p2", content)
	ing.IngestMessageReceive("p2", "p1", content)

	events := drain(buf)
	require.Len(t, events, 2)

	send, recv := events[0], events[1]
	require.NotNil(t, send.Payload.Truncated)
	assert.Equal(t, 64, send.Payload.Truncated.OriginalSize)
	assert.Equal(t, "message", send.Payload.Truncated.TypeHint)

	// Message identity survives truncation and both sides hash equal
	require.NotNil(t, send.Payload.Message)
	require.NotNil(t, recv.Payload.Message)
	assert.Nil(t, send.Payload.Message.Content)
	assert.NotZero(t, send.Payload.Message.ContentHash)
	assert.Equal(t, send.Payload.Message.ContentHash, recv.Payload.Message.ContentHash)
	assert.Equal(t, domain.ProducerID("p1"), send.Payload.Message.Sender)
	assert.Equal(t, domain.ProducerID("p2"), send.Payload.Message.Receiver)

	assert.Equal(t, uint64(2), ing.Stats().Truncated)
}

func TestIngestor_TruncationThreshold(t *testing.T) {
	config := DefaultConfig()
	config.MaxPayloadBytes = 32
	ing, buf := newTestIngestor(t, 16, ringbuffer.Reject, config)

	ing.IngestError("p1", "short", "", nil)
	ing.IngestError("p1", "long", "", bytes.Repeat([]byte("s"), 100))

	events := drain(buf)
	require.Len(t, events, 2)
	assert.Nil(t, events[0].Payload.Truncated)
	require.NotNil(t, events[1].Payload.Truncated)
	assert.Equal(t, "error", events[1].Payload.Truncated.TypeHint)
	assert.Nil(t, events[1].Payload.Error)
}

func TestIngestor_DropOnFullNeverErrors(t *testing.T) {
	ing, _ := newTestIngestor(t, 2, ringbuffer.Reject, DefaultConfig())

	var lastID string
	for i := 0; i < 5; i++ {
		lastID = ing.IngestMetric("p1", "m", 1, "")
	}
	// The call still returns an id; the failure shows up only in counters
	assert.NotEmpty(t, lastID)

	stats := ing.Stats()
	assert.Equal(t, uint64(2), stats.Ingested)
	assert.Equal(t, uint64(3), stats.Dropped)
}

func TestIngestor_DisabledShortCircuits(t *testing.T) {
	config := DefaultConfig()
	config.Enabled = false
	ing, buf := newTestIngestor(t, 16, ringbuffer.Reject, config)

	assert.Empty(t, ing.IngestFunctionEntry("p1", "sym", nil, ""))
	assert.Len(t, drain(buf), 0)

	ing.SetEnabled(true)
	assert.NotEmpty(t, ing.IngestFunctionEntry("p1", "sym", nil, ""))
	assert.Len(t, drain(buf), 1)
}

func TestIngestor_Batch(t *testing.T) {
	ing, buf := newTestIngestor(t, 4, ringbuffer.Reject, DefaultConfig())

	events := []*domain.TraceEvent{
		{Kind: domain.EventKindMetric, ProducerID: "p1", Payload: domain.EventPayload{Metric: &domain.MetricData{Name: "a", Value: 1}}},
		nil,
		{Kind: domain.EventKindMetric, ProducerID: "p1", Payload: domain.EventPayload{Metric: &domain.MetricData{Name: "b", Value: 2}}},
		{Kind: domain.EventKindMetric, ProducerID: "p1", Payload: domain.EventPayload{Metric: &domain.MetricData{Name: "c", Value: 3}}},
		{Kind: domain.EventKindMetric, ProducerID: "p1", Payload: domain.EventPayload{Metric: &domain.MetricData{Name: "d", Value: 4}}},
		{Kind: domain.EventKindMetric, ProducerID: "p1", Payload: domain.EventPayload{Metric: &domain.MetricData{Name: "e", Value: 5}}},
	}

	result := ing.IngestBatch(events)
	assert.Equal(t, 4, result.OK)
	require.Len(t, result.Failed, 2)
	assert.Equal(t, 1, result.Failed[0].Index)
	assert.Equal(t, "nil event", result.Failed[0].Reason)
	assert.Equal(t, 5, result.Failed[1].Index) // buffer full at capacity 4

	stored := drain(buf)
	require.Len(t, stored, 4)
	for _, event := range stored {
		assert.NotEmpty(t, event.EventID, "batch events get ids assigned")
		assert.False(t, event.Timestamp.IsZero())
	}
}
