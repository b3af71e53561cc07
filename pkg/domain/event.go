package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies the kind of trace event captured from a producer
type EventKind string

const (
	// Function lifecycle events
	EventKindFunctionEntry EventKind = "function.entry"
	EventKindFunctionExit  EventKind = "function.exit"

	// Message passing events
	EventKindMessageSend    EventKind = "message.send"
	EventKindMessageReceive EventKind = "message.receive"

	// State and process lifecycle events
	EventKindStateChange  EventKind = "state.change"
	EventKindProcessSpawn EventKind = "process.spawn"
	EventKindProcessExit  EventKind = "process.exit"

	// Diagnostics
	EventKindError  EventKind = "error"
	EventKindMetric EventKind = "metric"
)

// ProducerID is an opaque handle identifying the concurrent producer
// (thread, task, goroutine) that emitted an event.
type ProducerID string

// TraceEvent is a fully formed event record as written into the ring buffer.
// Exactly one payload pointer matching Kind is set; everything else is nil.
type TraceEvent struct {
	// Core identity - REQUIRED
	EventID        string     `json:"event_id"`
	Kind           EventKind  `json:"kind"`
	ProducerID     ProducerID `json:"producer_id"`
	Timestamp      time.Time  `json:"timestamp"`
	MonotonicNanos int64      `json:"monotonic_nanos"`

	// Optional hint supplied by the producer to join an existing chain
	CorrelationHint string `json:"correlation_hint,omitempty"`

	// Kind-specific payload
	Payload EventPayload `json:"payload"`
}

// EventPayload holds the kind-specific data, one pointer per kind.
// This replaces map[string]interface{} with type-safe containers.
type EventPayload struct {
	FunctionCall   *FunctionCallData   `json:"function_call,omitempty"`
	FunctionReturn *FunctionReturnData `json:"function_return,omitempty"`
	Message        *MessageData        `json:"message,omitempty"`
	StateChange    *StateChangeData    `json:"state_change,omitempty"`
	Process        *ProcessData        `json:"process,omitempty"`
	Error          *ErrorData          `json:"error,omitempty"`
	Metric         *MetricData         `json:"metric,omitempty"`

	// Truncation marker, set when the original payload exceeded the
	// configured size bound. The typed payload above is dropped.
	Truncated *TruncatedPayload `json:"truncated,omitempty"`
}

// FunctionCallData captures a function entry
type FunctionCallData struct {
	Symbol string   `json:"symbol"`
	Args   []byte   `json:"args,omitempty"`
	Depth  int      `json:"depth,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// FunctionReturnData captures a function exit
type FunctionReturnData struct {
	Symbol      string `json:"symbol"`
	ReturnValue []byte `json:"return_value,omitempty"`
	DurationNs  int64  `json:"duration_ns,omitempty"`
}

// MessageData captures one side of a message exchange. ContentHash is
// computed at ingest time, before any payload truncation, so send/receive
// pairing survives content bounding.
type MessageData struct {
	Sender      ProducerID `json:"sender"`
	Receiver    ProducerID `json:"receiver"`
	Content     []byte     `json:"content,omitempty"`
	ContentHash uint64     `json:"content_hash"`
}

// StateChangeData captures a state mutation on a producer
type StateChangeData struct {
	Key      string `json:"key"`
	OldValue []byte `json:"old_value,omitempty"`
	NewValue []byte `json:"new_value,omitempty"`
}

// ProcessData captures producer lifecycle events
type ProcessData struct {
	Parent   ProducerID `json:"parent,omitempty"`
	ExitCode int        `json:"exit_code,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// ErrorData captures an error raised by a producer
type ErrorData struct {
	Message string `json:"message"`
	Class   string `json:"class,omitempty"`
	Stack   []byte `json:"stack,omitempty"`
}

// MetricData captures a generic numeric observation
type MetricData struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// TruncatedPayload replaces a payload whose serialized size exceeded the
// configured bound. TypeHint preserves what the payload was for downstream
// consumers.
type TruncatedPayload struct {
	Truncated    bool   `json:"truncated"`
	OriginalSize int    `json:"original_size"`
	TypeHint     string `json:"type_hint"`
}

// NewEventID returns a globally unique, time-sortable event identifier.
// UUIDv7 encodes a millisecond timestamp in its high bits, so lexicographic
// order tracks creation order.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4
		// rather than losing the event.
		return uuid.NewString()
	}
	return id.String()
}

// Validate checks the required fields. A failing event is still processed
// downstream, flagged malformed with zero confidence.
func (e *TraceEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event missing event_id")
	}
	if e.Kind == "" {
		return fmt.Errorf("event %s missing kind", e.EventID)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("event %s has unrecognized kind %q", e.EventID, e.Kind)
	}
	if e.ProducerID == "" {
		return fmt.Errorf("event %s missing producer_id", e.EventID)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event %s missing timestamp", e.EventID)
	}
	return nil
}

// Valid reports whether k is a recognized event kind
func (k EventKind) Valid() bool {
	switch k {
	case EventKindFunctionEntry, EventKindFunctionExit,
		EventKindMessageSend, EventKindMessageReceive,
		EventKindStateChange, EventKindProcessSpawn, EventKindProcessExit,
		EventKindError, EventKindMetric:
		return true
	}
	return false
}

// Symbol returns the function symbol carried by the event, if any.
// Used as the symbol-index key in the hot store.
func (e *TraceEvent) Symbol() string {
	switch {
	case e.Payload.FunctionCall != nil:
		return e.Payload.FunctionCall.Symbol
	case e.Payload.FunctionReturn != nil:
		return e.Payload.FunctionReturn.Symbol
	}
	return ""
}
