package correlation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/flowtrace/pkg/domain"
)

// Confidence levels assigned by the correlator. The scheme is monotonic in
// match quality: a fully matched pairing scores 1.0, context inherited from
// an open call scores 0.75, a partial match (orphan exit, unmatched receive,
// no active context) scores 0.5, and malformed input scores 0.0.
const (
	ConfidenceFull      = 1.0
	ConfidenceInherited = 0.75
	ConfidencePartial   = 0.5
	ConfidenceNone      = 0.0
)

// How often the batch loop checks its context deadline
const ctxCheckInterval = 64

// Config configures the correlator
type Config struct {
	// TTL bounds the age of correlation state; older entries are removed
	// by the cleanup sweep.
	TTL time.Duration `yaml:"ttl"`
	// SweepTimeBox bounds how long a single cleanup sweep may run.
	SweepTimeBox time.Duration `yaml:"sweep_time_box"`
	// MaxTrackedCorrelations is a soft cap; beyond it sweeps evict at
	// half the TTL.
	MaxTrackedCorrelations int `yaml:"max_tracked_correlations"`
}

// DefaultConfig returns production-ready defaults
func DefaultConfig() Config {
	return Config{
		TTL:                    5 * time.Minute,
		SweepTimeBox:           50 * time.Millisecond,
		MaxTrackedCorrelations: 100000,
	}
}

// messageSignature pairs a send with its receive
type messageSignature struct {
	sender      domain.ProducerID
	receiver    domain.ProducerID
	contentHash uint64
}

// pendingSend is a registered message send awaiting its receive
type pendingSend struct {
	correlationID string
	sentAt        time.Time
}

// correlationMeta tracks the lifecycle of one correlation id
type correlationMeta struct {
	createdAt  time.Time
	kind       domain.CorrelationType
	confidence float64
	parent     string
}

// Stats is a snapshot of correlator table sizes and outcome counters
type Stats struct {
	CallStacks          int    `json:"call_stacks"`
	PendingMessages     int    `json:"pending_messages"`
	TrackedCorrelations int    `json:"tracked_correlations"`
	Links               int    `json:"links"`
	OrphanExits         uint64 `json:"orphan_exits"`
	UnmatchedReceives   uint64 `json:"unmatched_receives"`
	MalformedEvents     uint64 `json:"malformed_events"`

	// Confidence distribution by assigned level
	ConfidenceFull      uint64 `json:"confidence_full"`
	ConfidenceInherited uint64 `json:"confidence_inherited"`
	ConfidencePartial   uint64 `json:"confidence_partial"`
	ConfidenceNone      uint64 `json:"confidence_none"`
}

// SweepReport summarizes one cleanup sweep
type SweepReport struct {
	MetadataEvicted int           `json:"metadata_evicted"`
	PendingEvicted  int           `json:"pending_evicted"`
	StacksEvicted   int           `json:"stacks_evicted"`
	TimedOut        bool          `json:"timed_out"`
	Duration        time.Duration `json:"duration"`
}

// Correlator reconstructs causal relationships among a trace event stream:
// entry/exit pairing through per-producer call stacks, send/receive pairing
// through a pending-message registry, and context inheritance for everything
// else. Tables are concurrently readable; writes serialize on per-table
// locks, one active writer at a time.
type Correlator struct {
	logger *zap.Logger
	config Config

	// Per-producer call stacks of open correlation ids
	stackMu  sync.RWMutex
	stacks   map[domain.ProducerID][]string
	lastSeen map[domain.ProducerID]time.Time

	// Sends awaiting their receive
	pendingMu sync.RWMutex
	pending   map[messageSignature]pendingSend

	// Correlation lifecycle: metadata, causal links, memoized roots
	metaMu    sync.RWMutex
	metadata  map[string]*correlationMeta
	links     map[string][]domain.CausalLink
	rootCache map[string]string

	orphanExits       atomic.Uint64
	unmatchedReceives atomic.Uint64
	malformedEvents   atomic.Uint64

	confFull      atomic.Uint64
	confInherited atomic.Uint64
	confPartial   atomic.Uint64
	confNone      atomic.Uint64

	eventsProcessed  metric.Int64Counter
	sweepsRun        metric.Int64Counter
	batchDuration    metric.Float64Histogram
	confidenceRecord metric.Float64Histogram
}

// New creates a correlator. Zero config fields fall back to defaults.
func New(logger *zap.Logger, config Config) *Correlator {
	defaults := DefaultConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.SweepTimeBox <= 0 {
		config.SweepTimeBox = defaults.SweepTimeBox
	}
	if config.MaxTrackedCorrelations == 0 {
		config.MaxTrackedCorrelations = defaults.MaxTrackedCorrelations
	}

	c := &Correlator{
		logger:    logger,
		config:    config,
		stacks:    make(map[domain.ProducerID][]string),
		lastSeen:  make(map[domain.ProducerID]time.Time),
		pending:   make(map[messageSignature]pendingSend),
		metadata:  make(map[string]*correlationMeta),
		links:     make(map[string][]domain.CausalLink),
		rootCache: make(map[string]string),
	}

	meter := otel.Meter("flowtrace.correlation")
	var err error
	c.eventsProcessed, err = meter.Int64Counter(
		"flowtrace_correlated_events_total",
		metric.WithDescription("Total events processed by the correlator"),
	)
	if err != nil {
		logger.Warn("Failed to create events counter", zap.Error(err))
	}
	c.sweepsRun, err = meter.Int64Counter(
		"flowtrace_cleanup_sweeps_total",
		metric.WithDescription("Total cleanup sweeps executed"),
	)
	if err != nil {
		logger.Warn("Failed to create sweeps counter", zap.Error(err))
	}
	c.batchDuration, err = meter.Float64Histogram(
		"flowtrace_correlation_batch_duration_ms",
		metric.WithDescription("Batch correlation duration in milliseconds"),
	)
	if err != nil {
		logger.Warn("Failed to create batch duration histogram", zap.Error(err))
	}
	c.confidenceRecord, err = meter.Float64Histogram(
		"flowtrace_correlation_confidence",
		metric.WithDescription("Confidence assigned to correlated events"),
	)
	if err != nil {
		logger.Warn("Failed to create confidence histogram", zap.Error(err))
	}

	return c
}

// CorrelateBatch correlates a drained batch in order. It honors the context
// deadline: on expiry the batch is abandoned and the error returned, leaving
// the caller free to retry or drop. Events within a batch are processed to
// completion before the next batch starts, giving per-batch sequential
// consistency.
func (c *Correlator) CorrelateBatch(ctx context.Context, events []*domain.TraceEvent) ([]*domain.CorrelatedEvent, error) {
	start := time.Now()
	results := make([]*domain.CorrelatedEvent, 0, len(events))

	for idx, event := range events {
		if idx%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if event == nil {
			continue
		}
		results = append(results, c.correlate(event))
	}

	if c.eventsProcessed != nil {
		c.eventsProcessed.Add(ctx, int64(len(results)))
	}
	if c.batchDuration != nil {
		c.batchDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
	}
	return results, nil
}

// correlate dispatches one event through the matching algorithm for its kind
func (c *Correlator) correlate(event *domain.TraceEvent) *domain.CorrelatedEvent {
	c.touchProducer(event.ProducerID, event.Timestamp)

	if err := event.Validate(); err != nil {
		c.malformedEvents.Add(1)
		c.logger.Debug("Malformed event admitted with zero confidence",
			zap.String("event_id", event.EventID),
			zap.Error(err))
		return c.newChain(event, domain.CorrelationMalformed, ConfidenceNone, domain.FlagMalformed)
	}

	switch event.Kind {
	case domain.EventKindFunctionEntry:
		return c.correlateEntry(event)
	case domain.EventKindFunctionExit:
		return c.correlateExit(event)
	case domain.EventKindMessageSend:
		return c.correlateSend(event)
	case domain.EventKindMessageReceive:
		return c.correlateReceive(event)
	case domain.EventKindProcessExit:
		return c.correlateProcessExit(event)
	default:
		// state.change, process.spawn, error, metric: inherit context
		return c.correlateContext(event)
	}
}

// correlateEntry opens a new correlation parented to the producer's current
// stack top and pushes it.
func (c *Correlator) correlateEntry(event *domain.TraceEvent) *domain.CorrelatedEvent {
	correlationID := domain.NewEventID()

	c.stackMu.Lock()
	stack := c.stacks[event.ProducerID]
	parent := ""
	if len(stack) > 0 {
		parent = stack[len(stack)-1]
	} else if event.CorrelationHint != "" {
		// Producer-supplied hint joins an existing chain when no local
		// context is open
		parent = event.CorrelationHint
	}
	c.stacks[event.ProducerID] = append(stack, correlationID)
	c.stackMu.Unlock()

	c.register(correlationID, domain.CorrelationFunctionCall, ConfidenceFull, parent, event.Timestamp)
	return c.build(event, correlationID, parent, domain.CorrelationFunctionCall, ConfidenceFull)
}

// correlateExit pops the producer's stack; the popped id is the exit's
// correlation id, guaranteeing entry and exit share one. An exit against an
// empty stack is an orphan: fresh id, lowered confidence, no parent.
func (c *Correlator) correlateExit(event *domain.TraceEvent) *domain.CorrelatedEvent {
	c.stackMu.Lock()
	stack := c.stacks[event.ProducerID]
	if len(stack) == 0 {
		c.stackMu.Unlock()
		c.orphanExits.Add(1)
		return c.newChain(event, domain.CorrelationFunctionCall, ConfidencePartial, domain.FlagOrphanExit)
	}
	correlationID := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(c.stacks, event.ProducerID)
	} else {
		c.stacks[event.ProducerID] = stack
	}
	parent := ""
	if len(stack) > 0 {
		parent = stack[len(stack)-1]
	}
	c.stackMu.Unlock()

	return c.build(event, correlationID, parent, domain.CorrelationFunctionCall, ConfidenceFull)
}

// correlateSend registers the send under its message signature so a later
// receive can adopt it.
func (c *Correlator) correlateSend(event *domain.TraceEvent) *domain.CorrelatedEvent {
	msg := event.Payload.Message
	if msg == nil {
		c.malformedEvents.Add(1)
		return c.newChain(event, domain.CorrelationMalformed, ConfidenceNone, domain.FlagMalformed)
	}

	correlationID := domain.NewEventID()
	parent := c.stackTop(event.ProducerID)

	c.pendingMu.Lock()
	c.pending[signatureOf(msg)] = pendingSend{
		correlationID: correlationID,
		sentAt:        event.Timestamp,
	}
	c.pendingMu.Unlock()

	c.register(correlationID, domain.CorrelationMessage, ConfidenceFull, parent, event.Timestamp)
	return c.build(event, correlationID, parent, domain.CorrelationMessage, ConfidenceFull)
}

// correlateReceive pairs the receive with its pending send. The receive gets
// its own correlation id; the pairing is expressed as a receives link to the
// send's id. An unmatched receive is flagged and carries no link.
func (c *Correlator) correlateReceive(event *domain.TraceEvent) *domain.CorrelatedEvent {
	msg := event.Payload.Message
	if msg == nil {
		c.malformedEvents.Add(1)
		return c.newChain(event, domain.CorrelationMalformed, ConfidenceNone, domain.FlagMalformed)
	}

	signature := signatureOf(msg)
	c.pendingMu.Lock()
	send, found := c.pending[signature]
	if found {
		delete(c.pending, signature)
	}
	c.pendingMu.Unlock()

	if !found {
		c.unmatchedReceives.Add(1)
		return c.newChain(event, domain.CorrelationMessage, ConfidencePartial, domain.FlagNoSendMatch)
	}

	correlationID := domain.NewEventID()
	c.register(correlationID, domain.CorrelationMessage, ConfidenceFull, "", event.Timestamp)
	c.addLink(correlationID, domain.CausalLink{
		Relation: domain.RelationReceives,
		TargetID: send.correlationID,
	})

	result := c.build(event, correlationID, "", domain.CorrelationMessage, ConfidenceFull)
	result.Links = append(result.Links, domain.CausalLink{
		Relation: domain.RelationReceives,
		TargetID: send.correlationID,
	})
	return result
}

// correlateContext inherits the correlation id of the producer's open
// call-stack top; with no open call it starts a new chain.
func (c *Correlator) correlateContext(event *domain.TraceEvent) *domain.CorrelatedEvent {
	top := c.stackTop(event.ProducerID)
	if top == "" {
		return c.newChain(event, domain.CorrelationNewChain, ConfidencePartial)
	}

	parent := ""
	c.metaMu.RLock()
	if meta, ok := c.metadata[top]; ok {
		parent = meta.parent
	}
	c.metaMu.RUnlock()

	return c.build(event, top, parent, domain.CorrelationContext, ConfidenceInherited)
}

// correlateProcessExit correlates like a context event, then discards the
// producer's stack: the producer is gone and its open spans cannot close.
func (c *Correlator) correlateProcessExit(event *domain.TraceEvent) *domain.CorrelatedEvent {
	result := c.correlateContext(event)

	c.stackMu.Lock()
	delete(c.stacks, event.ProducerID)
	delete(c.lastSeen, event.ProducerID)
	c.stackMu.Unlock()

	return result
}

// newChain assigns a fresh correlation id with no parent
func (c *Correlator) newChain(event *domain.TraceEvent, kind domain.CorrelationType, confidence float64, flags ...string) *domain.CorrelatedEvent {
	correlationID := domain.NewEventID()
	c.register(correlationID, kind, confidence, "", event.Timestamp)
	result := c.build(event, correlationID, "", kind, confidence)
	result.Flags = append(result.Flags, flags...)
	return result
}

// build assembles the correlated event and records its confidence
func (c *Correlator) build(event *domain.TraceEvent, correlationID, parent string, kind domain.CorrelationType, confidence float64) *domain.CorrelatedEvent {
	c.recordConfidence(confidence)
	return &domain.CorrelatedEvent{
		TraceEvent:      event,
		CorrelationID:   correlationID,
		ParentID:        parent,
		RootID:          c.resolveRoot(correlationID),
		CorrelationType: kind,
		Confidence:      confidence,
	}
}

// register creates the metadata entry for a correlation id
func (c *Correlator) register(correlationID string, kind domain.CorrelationType, confidence float64, parent string, createdAt time.Time) {
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	c.metaMu.Lock()
	c.metadata[correlationID] = &correlationMeta{
		createdAt:  createdAt,
		kind:       kind,
		confidence: confidence,
		parent:     parent,
	}
	c.metaMu.Unlock()
}

// addLink appends a causal link to the correlation's link table entry
func (c *Correlator) addLink(correlationID string, link domain.CausalLink) {
	c.metaMu.Lock()
	c.links[correlationID] = append(c.links[correlationID], link)
	c.metaMu.Unlock()
}

// resolveRoot follows parent links to the chain origin, memoizing every id
// on the walked path. A broken chain (evicted parent) roots at the last
// reachable id.
func (c *Correlator) resolveRoot(correlationID string) string {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()

	if root, ok := c.rootCache[correlationID]; ok {
		return root
	}

	path := []string{}
	current := correlationID
	for {
		if root, ok := c.rootCache[current]; ok {
			current = root
			break
		}
		meta, ok := c.metadata[current]
		if !ok || meta.parent == "" {
			break
		}
		path = append(path, current)
		current = meta.parent
	}

	for _, id := range path {
		c.rootCache[id] = current
	}
	c.rootCache[correlationID] = current
	return current
}

// stackTop returns the producer's current open correlation id, if any
func (c *Correlator) stackTop(producer domain.ProducerID) string {
	c.stackMu.RLock()
	defer c.stackMu.RUnlock()
	stack := c.stacks[producer]
	if len(stack) == 0 {
		return ""
	}
	return stack[len(stack)-1]
}

func (c *Correlator) touchProducer(producer domain.ProducerID, at time.Time) {
	if producer == "" {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	c.stackMu.Lock()
	c.lastSeen[producer] = at
	c.stackMu.Unlock()
}

func (c *Correlator) recordConfidence(confidence float64) {
	switch {
	case confidence >= ConfidenceFull:
		c.confFull.Add(1)
	case confidence >= ConfidenceInherited:
		c.confInherited.Add(1)
	case confidence >= ConfidencePartial:
		c.confPartial.Add(1)
	default:
		c.confNone.Add(1)
	}
	if c.confidenceRecord != nil {
		c.confidenceRecord.Record(context.Background(), confidence)
	}
}

// Stats returns a snapshot of table sizes and outcome counters
func (c *Correlator) Stats() Stats {
	c.stackMu.RLock()
	stacks := len(c.stacks)
	c.stackMu.RUnlock()

	c.pendingMu.RLock()
	pending := len(c.pending)
	c.pendingMu.RUnlock()

	c.metaMu.RLock()
	tracked := len(c.metadata)
	links := len(c.links)
	c.metaMu.RUnlock()

	return Stats{
		CallStacks:          stacks,
		PendingMessages:     pending,
		TrackedCorrelations: tracked,
		Links:               links,
		OrphanExits:         c.orphanExits.Load(),
		UnmatchedReceives:   c.unmatchedReceives.Load(),
		MalformedEvents:     c.malformedEvents.Load(),
		ConfidenceFull:      c.confFull.Load(),
		ConfidenceInherited: c.confInherited.Load(),
		ConfidencePartial:   c.confPartial.Load(),
		ConfidenceNone:      c.confNone.Load(),
	}
}

func signatureOf(msg *domain.MessageData) messageSignature {
	hash := msg.ContentHash
	if hash == 0 {
		hash = xxhash.Sum64(msg.Content)
	}
	return messageSignature{
		sender:      msg.Sender,
		receiver:    msg.Receiver,
		contentHash: hash,
	}
}
