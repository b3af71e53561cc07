package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/flowtrace/pkg/domain"
)

func newTestCorrelator(t *testing.T) *Correlator {
	t.Helper()
	return New(zaptest.NewLogger(t), DefaultConfig())
}

func entryEvent(producer domain.ProducerID, symbol string) *domain.TraceEvent {
	return &domain.TraceEvent{
		EventID:    domain.NewEventID(),
		Kind:       domain.EventKindFunctionEntry,
		ProducerID: producer,
		Timestamp:  time.Now(),
		Payload: domain.EventPayload{
			FunctionCall: &domain.FunctionCallData{Symbol: symbol},
		},
	}
}

func exitEvent(producer domain.ProducerID, symbol string) *domain.TraceEvent {
	return &domain.TraceEvent{
		EventID:    domain.NewEventID(),
		Kind:       domain.EventKindFunctionExit,
		ProducerID: producer,
		Timestamp:  time.Now(),
		Payload: domain.EventPayload{
			FunctionReturn: &domain.FunctionReturnData{Symbol: symbol},
		},
	}
}

func messageEvent(kind domain.EventKind, sender, receiver domain.ProducerID, content string) *domain.TraceEvent {
	producer := sender
	if kind == domain.EventKindMessageReceive {
		producer = receiver
	}
	return &domain.TraceEvent{
		EventID:    domain.NewEventID(),
		Kind:       kind,
		ProducerID: producer,
		Timestamp:  time.Now(),
		Payload: domain.EventPayload{
			Message: &domain.MessageData{
				Sender:      sender,
				Receiver:    receiver,
				Content:     []byte(content),
				ContentHash: xxhash.Sum64String(content),
			},
		},
	}
}

func correlateOne(t *testing.T, c *Correlator, event *domain.TraceEvent) *domain.CorrelatedEvent {
	t.Helper()
	results, err := c.CorrelateBatch(context.Background(), []*domain.TraceEvent{event})
	require.NoError(t, err)
	require.Len(t, results, 1)
	return results[0]
}

func TestCorrelator_EntryExitShareID(t *testing.T) {
	c := newTestCorrelator(t)

	entry := correlateOne(t, c, entryEvent("p1", "f"))
	exit := correlateOne(t, c, exitEvent("p1", "f"))

	assert.Equal(t, entry.CorrelationID, exit.CorrelationID)
	assert.Equal(t, ConfidenceFull, entry.Confidence)
	assert.Equal(t, ConfidenceFull, exit.Confidence)
	assert.Equal(t, 0, c.Stats().CallStacks, "stack drained after balanced entry/exit")
}

func TestCorrelator_NestedCalls(t *testing.T) {
	c := newTestCorrelator(t)

	// A -> B -> C on one producer
	a := correlateOne(t, c, entryEvent("p1", "A"))
	b := correlateOne(t, c, entryEvent("p1", "B"))
	cc := correlateOne(t, c, entryEvent("p1", "C"))

	assert.Empty(t, a.ParentID)
	assert.Equal(t, a.CorrelationID, b.ParentID)
	assert.Equal(t, b.CorrelationID, cc.ParentID)

	// All roots resolve to A's correlation id
	assert.Equal(t, a.CorrelationID, a.RootID)
	assert.Equal(t, a.CorrelationID, b.RootID)
	assert.Equal(t, a.CorrelationID, cc.RootID)

	// Exits unwind in reverse, each sharing its entry's id
	exitC := correlateOne(t, c, exitEvent("p1", "C"))
	exitB := correlateOne(t, c, exitEvent("p1", "B"))
	exitA := correlateOne(t, c, exitEvent("p1", "A"))
	assert.Equal(t, cc.CorrelationID, exitC.CorrelationID)
	assert.Equal(t, b.CorrelationID, exitB.CorrelationID)
	assert.Equal(t, a.CorrelationID, exitA.CorrelationID)
	assert.Equal(t, b.CorrelationID, exitC.ParentID)
}

func TestCorrelator_StacksIsolatedPerProducer(t *testing.T) {
	c := newTestCorrelator(t)

	a1 := correlateOne(t, c, entryEvent("p1", "A"))
	a2 := correlateOne(t, c, entryEvent("p2", "A"))

	assert.NotEqual(t, a1.CorrelationID, a2.CorrelationID)
	assert.Empty(t, a2.ParentID, "p2's entry must not parent under p1's stack")
}

func TestCorrelator_OrphanExit(t *testing.T) {
	c := newTestCorrelator(t)

	orphan := correlateOne(t, c, exitEvent("p1", "f"))

	assert.True(t, orphan.HasFlag(domain.FlagOrphanExit))
	assert.Equal(t, ConfidencePartial, orphan.Confidence)
	assert.Empty(t, orphan.ParentID)
	assert.NotEmpty(t, orphan.CorrelationID)
	assert.Equal(t, uint64(1), c.Stats().OrphanExits)
}

func TestCorrelator_MessagePairing(t *testing.T) {
	c := newTestCorrelator(t)

	send := correlateOne(t, c, messageEvent(domain.EventKindMessageSend, "p1", "p2", "ping"))
	recv := correlateOne(t, c, messageEvent(domain.EventKindMessageReceive, "p1", "p2", "ping"))

	assert.NotEqual(t, send.CorrelationID, recv.CorrelationID,
		"receive carries its own correlation id")

	link, ok := recv.Link(domain.RelationReceives)
	require.True(t, ok)
	assert.Equal(t, send.CorrelationID, link.TargetID)
	assert.False(t, recv.HasFlag(domain.FlagNoSendMatch))

	// Pending entry consumed by the match
	assert.Equal(t, 0, c.Stats().PendingMessages)

	// A second identical receive no longer matches
	recv2 := correlateOne(t, c, messageEvent(domain.EventKindMessageReceive, "p1", "p2", "ping"))
	assert.True(t, recv2.HasFlag(domain.FlagNoSendMatch))
	assert.Empty(t, recv2.Links)
}

func TestCorrelator_ReceiveWithoutSend(t *testing.T) {
	c := newTestCorrelator(t)

	recv := correlateOne(t, c, messageEvent(domain.EventKindMessageReceive, "p1", "p2", "hello"))

	assert.True(t, recv.HasFlag(domain.FlagNoSendMatch))
	assert.Equal(t, ConfidencePartial, recv.Confidence)
	assert.Empty(t, recv.Links)
	assert.Equal(t, uint64(1), c.Stats().UnmatchedReceives)
}

func TestCorrelator_SignatureDistinguishesContent(t *testing.T) {
	c := newTestCorrelator(t)

	correlateOne(t, c, messageEvent(domain.EventKindMessageSend, "p1", "p2", "ping"))
	recv := correlateOne(t, c, messageEvent(domain.EventKindMessageReceive, "p1", "p2", "pong"))

	assert.True(t, recv.HasFlag(domain.FlagNoSendMatch), "different content must not pair")
	assert.Equal(t, 1, c.Stats().PendingMessages, "unmatched send stays registered")
}

func TestCorrelator_ContextInheritance(t *testing.T) {
	c := newTestCorrelator(t)

	entry := correlateOne(t, c, entryEvent("p1", "handler"))

	state := correlateOne(t, c, &domain.TraceEvent{
		EventID:    domain.NewEventID(),
		Kind:       domain.EventKindStateChange,
		ProducerID: "p1",
		Timestamp:  time.Now(),
		Payload: domain.EventPayload{
			StateChange: &domain.StateChangeData{Key: "counter"},
		},
	})

	assert.Equal(t, entry.CorrelationID, state.CorrelationID,
		"state change inherits the open call's correlation id")
	assert.Equal(t, domain.CorrelationContext, state.CorrelationType)
	assert.Equal(t, ConfidenceInherited, state.Confidence)
}

func TestCorrelator_NoContextStartsNewChain(t *testing.T) {
	c := newTestCorrelator(t)

	metric := correlateOne(t, c, &domain.TraceEvent{
		EventID:    domain.NewEventID(),
		Kind:       domain.EventKindMetric,
		ProducerID: "p1",
		Timestamp:  time.Now(),
		Payload: domain.EventPayload{
			Metric: &domain.MetricData{Name: "qps", Value: 10},
		},
	})

	assert.Equal(t, domain.CorrelationNewChain, metric.CorrelationType)
	assert.Equal(t, metric.CorrelationID, metric.RootID)
	assert.Empty(t, metric.ParentID)
}

func TestCorrelator_MalformedEventNeverRejected(t *testing.T) {
	c := newTestCorrelator(t)

	malformed := correlateOne(t, c, &domain.TraceEvent{
		EventID:    domain.NewEventID(),
		Kind:       "bogus.kind",
		ProducerID: "p1",
		Timestamp:  time.Now(),
	})

	assert.True(t, malformed.HasFlag(domain.FlagMalformed))
	assert.Equal(t, ConfidenceNone, malformed.Confidence)
	assert.NotEmpty(t, malformed.CorrelationID)
	assert.Equal(t, uint64(1), c.Stats().MalformedEvents)
}

func TestCorrelator_ProcessExitDiscardsStack(t *testing.T) {
	c := newTestCorrelator(t)

	correlateOne(t, c, entryEvent("p1", "main"))
	correlateOne(t, c, &domain.TraceEvent{
		EventID:    domain.NewEventID(),
		Kind:       domain.EventKindProcessExit,
		ProducerID: "p1",
		Timestamp:  time.Now(),
		Payload:    domain.EventPayload{Process: &domain.ProcessData{ExitCode: 0}},
	})

	assert.Equal(t, 0, c.Stats().CallStacks)

	// A later exit from the dead producer is an orphan, not a crash
	orphan := correlateOne(t, c, exitEvent("p1", "main"))
	assert.True(t, orphan.HasFlag(domain.FlagOrphanExit))
}

func TestCorrelator_BatchHonorsContextDeadline(t *testing.T) {
	c := newTestCorrelator(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := make([]*domain.TraceEvent, 10)
	for i := range events {
		events[i] = entryEvent("p1", "f")
	}

	_, err := c.CorrelateBatch(ctx, events)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCorrelator_SweepEvictsExpiredState(t *testing.T) {
	config := DefaultConfig()
	config.TTL = 50 * time.Millisecond
	c := New(zaptest.NewLogger(t), config)

	correlateOne(t, c, entryEvent("p1", "f"))
	correlateOne(t, c, messageEvent(domain.EventKindMessageSend, "p1", "p2", "stale"))

	time.Sleep(100 * time.Millisecond)
	report := c.Sweep(context.Background(), time.Now())

	assert.GreaterOrEqual(t, report.MetadataEvicted, 2)
	assert.Equal(t, 1, report.PendingEvicted)
	assert.Equal(t, 1, report.StacksEvicted)

	stats := c.Stats()
	assert.Equal(t, 0, stats.TrackedCorrelations)
	assert.Equal(t, 0, stats.Links)
	assert.Equal(t, 0, stats.PendingMessages)
	assert.Equal(t, 0, stats.CallStacks)
}

func TestCorrelator_SweepSparesFreshState(t *testing.T) {
	c := newTestCorrelator(t)

	correlateOne(t, c, entryEvent("p1", "f"))
	correlateOne(t, c, messageEvent(domain.EventKindMessageSend, "p1", "p2", "fresh"))

	report := c.Sweep(context.Background(), time.Now())
	assert.Zero(t, report.MetadataEvicted)
	assert.Zero(t, report.PendingEvicted)
	assert.Zero(t, report.StacksEvicted)

	stats := c.Stats()
	assert.Equal(t, 2, stats.TrackedCorrelations)
	assert.Equal(t, 1, stats.PendingMessages)
}

func TestCorrelator_SoftCapSweepsAggressively(t *testing.T) {
	config := DefaultConfig()
	config.TTL = 1 * time.Hour
	config.MaxTrackedCorrelations = 5
	c := New(zaptest.NewLogger(t), config)

	// Backdate events past half the TTL but inside the full TTL
	backdated := time.Now().Add(-45 * time.Minute)
	for i := 0; i < 10; i++ {
		event := entryEvent(domain.ProducerID("p1"), "f")
		event.Timestamp = backdated
		correlateOne(t, c, event)
	}

	report := c.Sweep(context.Background(), time.Now())
	assert.Equal(t, 10, report.MetadataEvicted,
		"over the soft cap, entries older than TTL/2 are evicted")
}

func TestCorrelator_ConfidenceDistribution(t *testing.T) {
	c := newTestCorrelator(t)

	correlateOne(t, c, entryEvent("p1", "f")) // full
	correlateOne(t, c, exitEvent("p2", "g")) // partial orphan
	correlateOne(t, c, &domain.TraceEvent{
		EventID: "x", Kind: "bad", ProducerID: "p3", Timestamp: time.Now(),
	}) // malformed, zero confidence

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.ConfidenceFull)
	assert.Equal(t, uint64(1), stats.ConfidencePartial)
	assert.Equal(t, uint64(1), stats.ConfidenceNone)
}

func TestCorrelator_EntryHintJoinsExistingChain(t *testing.T) {
	c := newTestCorrelator(t)

	origin := correlateOne(t, c, entryEvent("p1", "handler"))

	hinted := entryEvent("p2", "worker")
	hinted.CorrelationHint = origin.CorrelationID
	result := correlateOne(t, c, hinted)

	assert.NotEqual(t, origin.CorrelationID, result.CorrelationID)
	assert.Equal(t, origin.CorrelationID, result.ParentID,
		"with no open call, the producer-supplied hint becomes the parent")
	assert.Equal(t, origin.RootID, result.RootID,
		"a hinted entry roots through the hinted chain")
}

func TestCorrelator_OpenStackTopBeatsHint(t *testing.T) {
	c := newTestCorrelator(t)

	outer := correlateOne(t, c, entryEvent("p1", "outer"))

	hinted := entryEvent("p1", "inner")
	hinted.CorrelationHint = "unrelated-chain"
	inner := correlateOne(t, c, hinted)

	assert.Equal(t, outer.CorrelationID, inner.ParentID,
		"an open call on the same producer wins over the hint")
	assert.Equal(t, outer.CorrelationID, inner.RootID)
}

func TestCorrelator_SweepHonorsTimeBox(t *testing.T) {
	config := DefaultConfig()
	config.TTL = 50 * time.Millisecond
	config.SweepTimeBox = time.Nanosecond
	c := New(zaptest.NewLogger(t), config)

	correlateOne(t, c, entryEvent("p1", "f"))
	correlateOne(t, c, messageEvent(domain.EventKindMessageSend, "p1", "p2", "stale"))
	time.Sleep(100 * time.Millisecond)

	report := c.Sweep(context.Background(), time.Now())
	assert.True(t, report.TimedOut)
	assert.Zero(t, report.PendingEvicted)
	assert.Zero(t, report.StacksEvicted)

	// Expired state stays for the next, less pressed sweep
	assert.Equal(t, 1, c.Stats().PendingMessages)
}

func TestCorrelator_SweepEvictsPendingAtExactTTL(t *testing.T) {
	c := newTestCorrelator(t)
	now := time.Now()

	send := messageEvent(domain.EventKindMessageSend, "p1", "p2", "boundary")
	send.Timestamp = now.Add(-c.config.TTL)
	correlateOne(t, c, send)

	report := c.Sweep(context.Background(), now)
	assert.Equal(t, 1, report.PendingEvicted,
		"a send exactly at the TTL boundary is evicted, not spared")
	assert.Zero(t, c.Stats().PendingMessages)
}
