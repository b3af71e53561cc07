package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/flowtrace/pkg/domain"
	"github.com/yairfalse/flowtrace/pkg/ringbuffer"
)

// Config configures the ingestor
type Config struct {
	// MaxPayloadBytes bounds the serialized payload size; larger payloads
	// are replaced with a truncation marker.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
	// Enabled gates the whole capture path. Toggled at runtime via
	// SetEnabled; read with a single atomic load per ingest call.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns production-ready defaults
func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes: 4096,
		Enabled:         true,
	}
}

// Stats is a snapshot of ingestor counters
type Stats struct {
	Ingested  uint64 `json:"ingested"`
	Dropped   uint64 `json:"dropped"`
	Truncated uint64 `json:"truncated"`
}

// Ingestor normalizes raw capture calls into TraceEvents and writes them
// into the ring buffer. Every entry point is non-blocking and never returns
// an error to the producer: backpressure is recorded in counters only.
type Ingestor struct {
	logger *zap.Logger
	buffer *ringbuffer.Buffer

	maxPayloadBytes int
	enabled         atomic.Bool

	// Monotonic clock base for MonotonicNanos
	start time.Time

	ingested  atomic.Uint64
	dropped   atomic.Uint64
	truncated atomic.Uint64

	ingestedCounter  metric.Int64Counter
	droppedCounter   metric.Int64Counter
	truncatedCounter metric.Int64Counter
}

// New creates an ingestor writing into buf
func New(logger *zap.Logger, buf *ringbuffer.Buffer, config Config) *Ingestor {
	ing := &Ingestor{
		logger:          logger,
		buffer:          buf,
		maxPayloadBytes: config.MaxPayloadBytes,
		start:           time.Now(),
	}
	ing.enabled.Store(config.Enabled)

	meter := otel.Meter("flowtrace.ingest")
	var err error
	ing.ingestedCounter, err = meter.Int64Counter(
		"flowtrace_events_ingested_total",
		metric.WithDescription("Total events accepted into the ring buffer"),
	)
	if err != nil {
		logger.Warn("Failed to create ingested counter", zap.Error(err))
	}
	ing.droppedCounter, err = meter.Int64Counter(
		"flowtrace_events_dropped_total",
		metric.WithDescription("Total events dropped due to buffer backpressure"),
	)
	if err != nil {
		logger.Warn("Failed to create dropped counter", zap.Error(err))
	}
	ing.truncatedCounter, err = meter.Int64Counter(
		"flowtrace_payloads_truncated_total",
		metric.WithDescription("Total payloads replaced with a truncation marker"),
	)
	if err != nil {
		logger.Warn("Failed to create truncated counter", zap.Error(err))
	}

	return ing
}

// SetEnabled toggles the capture path at runtime
func (i *Ingestor) SetEnabled(enabled bool) {
	i.enabled.Store(enabled)
}

// Enabled reports whether capture is active
func (i *Ingestor) Enabled() bool {
	return i.enabled.Load()
}

// Stats returns a snapshot of ingestor counters
func (i *Ingestor) Stats() Stats {
	return Stats{
		Ingested:  i.ingested.Load(),
		Dropped:   i.dropped.Load(),
		Truncated: i.truncated.Load(),
	}
}

// IngestFunctionEntry records a function entry for the producer.
// Returns the assigned event id, or "" when capture is disabled.
func (i *Ingestor) IngestFunctionEntry(producer domain.ProducerID, symbol string, args []byte, correlationHint string) string {
	if !i.enabled.Load() {
		return ""
	}
	event := i.newEvent(domain.EventKindFunctionEntry, producer)
	event.CorrelationHint = correlationHint
	event.Payload.FunctionCall = &domain.FunctionCallData{Symbol: symbol, Args: args}
	return i.submit(event)
}

// IngestFunctionExit records a function exit for the producer
func (i *Ingestor) IngestFunctionExit(producer domain.ProducerID, symbol string, returnValue []byte, durationNs int64) string {
	if !i.enabled.Load() {
		return ""
	}
	event := i.newEvent(domain.EventKindFunctionExit, producer)
	event.Payload.FunctionReturn = &domain.FunctionReturnData{
		Symbol:      symbol,
		ReturnValue: returnValue,
		DurationNs:  durationNs,
	}
	return i.submit(event)
}

// IngestMessageSend records a message sent by producer to receiver
func (i *Ingestor) IngestMessageSend(producer, receiver domain.ProducerID, content []byte) string {
	if !i.enabled.Load() {
		return ""
	}
	event := i.newEvent(domain.EventKindMessageSend, producer)
	event.Payload.Message = &domain.MessageData{
		Sender:      producer,
		Receiver:    receiver,
		Content:     content,
		ContentHash: xxhash.Sum64(content),
	}
	return i.submit(event)
}

// IngestMessageReceive records a message received by producer from sender
func (i *Ingestor) IngestMessageReceive(producer, sender domain.ProducerID, content []byte) string {
	if !i.enabled.Load() {
		return ""
	}
	event := i.newEvent(domain.EventKindMessageReceive, producer)
	event.Payload.Message = &domain.MessageData{
		Sender:      sender,
		Receiver:    producer,
		Content:     content,
		ContentHash: xxhash.Sum64(content),
	}
	return i.submit(event)
}

// IngestStateChange records a state mutation on the producer
func (i *Ingestor) IngestStateChange(producer domain.ProducerID, key string, oldValue, newValue []byte) string {
	if !i.enabled.Load() {
		return ""
	}
	event := i.newEvent(domain.EventKindStateChange, producer)
	event.Payload.StateChange = &domain.StateChangeData{
		Key:      key,
		OldValue: oldValue,
		NewValue: newValue,
	}
	return i.submit(event)
}

// IngestProcessSpawn records a producer spawning a child producer
func (i *Ingestor) IngestProcessSpawn(producer, parent domain.ProducerID) string {
	if !i.enabled.Load() {
		return ""
	}
	event := i.newEvent(domain.EventKindProcessSpawn, producer)
	event.Payload.Process = &domain.ProcessData{Parent: parent}
	return i.submit(event)
}

// IngestProcessExit records a producer terminating
func (i *Ingestor) IngestProcessExit(producer domain.ProducerID, exitCode int, reason string) string {
	if !i.enabled.Load() {
		return ""
	}
	event := i.newEvent(domain.EventKindProcessExit, producer)
	event.Payload.Process = &domain.ProcessData{ExitCode: exitCode, Reason: reason}
	return i.submit(event)
}

// IngestError records an error raised by the producer
func (i *Ingestor) IngestError(producer domain.ProducerID, message, class string, stack []byte) string {
	if !i.enabled.Load() {
		return ""
	}
	event := i.newEvent(domain.EventKindError, producer)
	event.Payload.Error = &domain.ErrorData{Message: message, Class: class, Stack: stack}
	return i.submit(event)
}

// IngestMetric records a generic numeric observation
func (i *Ingestor) IngestMetric(producer domain.ProducerID, name string, value float64, unit string) string {
	if !i.enabled.Load() {
		return ""
	}
	event := i.newEvent(domain.EventKindMetric, producer)
	event.Payload.Metric = &domain.MetricData{Name: name, Value: value, Unit: unit}
	return i.submit(event)
}

// BatchFailure describes one rejected event of a batch
type BatchFailure struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// BatchResult reports the outcome of an IngestBatch call
type BatchResult struct {
	OK     int            `json:"ok"`
	Failed []BatchFailure `json:"failed,omitempty"`
}

// IngestBatch normalizes and writes pre-built events. Events missing an id
// or timestamps are filled in; oversized payloads are truncated. Buffer-full
// failures are reported per index, never raised.
func (i *Ingestor) IngestBatch(events []*domain.TraceEvent) BatchResult {
	var result BatchResult
	if !i.enabled.Load() {
		result.Failed = make([]BatchFailure, 0, len(events))
		for idx := range events {
			result.Failed = append(result.Failed, BatchFailure{Index: idx, Reason: "capture disabled"})
		}
		return result
	}

	for idx, event := range events {
		if event == nil {
			result.Failed = append(result.Failed, BatchFailure{Index: idx, Reason: "nil event"})
			continue
		}
		i.normalize(event)
		if err := i.buffer.Write(event); err != nil {
			i.dropped.Add(1)
			if i.droppedCounter != nil {
				i.droppedCounter.Add(context.Background(), 1)
			}
			result.Failed = append(result.Failed, BatchFailure{Index: idx, Reason: err.Error()})
			continue
		}
		i.ingested.Add(1)
		result.OK++
	}
	if i.ingestedCounter != nil && result.OK > 0 {
		i.ingestedCounter.Add(context.Background(), int64(result.OK))
	}
	return result
}

func (i *Ingestor) newEvent(kind domain.EventKind, producer domain.ProducerID) *domain.TraceEvent {
	return &domain.TraceEvent{
		EventID:        domain.NewEventID(),
		Kind:           kind,
		ProducerID:     producer,
		Timestamp:      time.Now(),
		MonotonicNanos: time.Since(i.start).Nanoseconds(),
	}
}

// normalize fills identity fields on externally built events and bounds
// their payloads.
func (i *Ingestor) normalize(event *domain.TraceEvent) {
	if event.EventID == "" {
		event.EventID = domain.NewEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.MonotonicNanos == 0 {
		event.MonotonicNanos = time.Since(i.start).Nanoseconds()
	}
	if msg := event.Payload.Message; msg != nil && msg.ContentHash == 0 {
		msg.ContentHash = xxhash.Sum64(msg.Content)
	}
	i.bound(event)
}

// submit bounds the payload and writes the event, absorbing backpressure
func (i *Ingestor) submit(event *domain.TraceEvent) string {
	i.bound(event)
	if err := i.buffer.Write(event); err != nil {
		i.dropped.Add(1)
		if i.droppedCounter != nil {
			i.droppedCounter.Add(context.Background(), 1)
		}
		return event.EventID
	}
	i.ingested.Add(1)
	if i.ingestedCounter != nil {
		i.ingestedCounter.Add(context.Background(), 1)
	}
	return event.EventID
}

// bound replaces oversized payloads with a truncation marker carrying a
// type hint for downstream consumers.
func (i *Ingestor) bound(event *domain.TraceEvent) {
	if i.maxPayloadBytes <= 0 {
		return
	}
	size, hint := payloadSize(&event.Payload)
	if size <= i.maxPayloadBytes {
		return
	}

	hash := uint64(0)
	var sender, receiver domain.ProducerID
	if msg := event.Payload.Message; msg != nil {
		hash = msg.ContentHash
		sender = msg.Sender
		receiver = msg.Receiver
	}

	event.Payload = domain.EventPayload{
		Truncated: &domain.TruncatedPayload{
			Truncated:    true,
			OriginalSize: size,
			TypeHint:     hint,
		},
	}
	// Message identity survives truncation so pairing still works
	if hint == "message" {
		event.Payload.Message = &domain.MessageData{
			Sender:      sender,
			Receiver:    receiver,
			ContentHash: hash,
		}
	}

	i.truncated.Add(1)
	if i.truncatedCounter != nil {
		i.truncatedCounter.Add(context.Background(), 1)
	}
}

// payloadSize estimates the payload's serialized size and names its type
func payloadSize(p *domain.EventPayload) (int, string) {
	switch {
	case p.FunctionCall != nil:
		return len(p.FunctionCall.Symbol) + len(p.FunctionCall.Args), "function_call"
	case p.FunctionReturn != nil:
		return len(p.FunctionReturn.Symbol) + len(p.FunctionReturn.ReturnValue), "function_return"
	case p.Message != nil:
		return len(p.Message.Content), "message"
	case p.StateChange != nil:
		return len(p.StateChange.Key) + len(p.StateChange.OldValue) + len(p.StateChange.NewValue), "state_change"
	case p.Process != nil:
		return len(p.Process.Reason), "process"
	case p.Error != nil:
		return len(p.Error.Message) + len(p.Error.Class) + len(p.Error.Stack), "error"
	case p.Metric != nil:
		return len(p.Metric.Name) + len(p.Metric.Unit), "metric"
	}
	return 0, "empty"
}
