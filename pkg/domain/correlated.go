package domain

// RelationKind labels a causal link between two correlated events
type RelationKind string

const (
	RelationReceives   RelationKind = "receives"
	RelationSpawns     RelationKind = "spawns"
	RelationCausedBy   RelationKind = "caused_by"
	RelationPrecededBy RelationKind = "preceded_by"
)

// CorrelationType records which correlation path produced the result
type CorrelationType string

const (
	CorrelationFunctionCall CorrelationType = "function_call"
	CorrelationMessage      CorrelationType = "message"
	CorrelationContext      CorrelationType = "context"
	CorrelationNewChain     CorrelationType = "new_chain"
	CorrelationMalformed    CorrelationType = "malformed"
)

// Correlation flags set by the correlator when a match was partial or absent
const (
	FlagOrphanExit  = "orphan_exit"
	FlagNoSendMatch = "no_send_match"
	FlagMalformed   = "malformed"
	FlagStackBroken = "stack_broken"
)

// CausalLink is a directed edge from a correlated event to a related
// correlation id.
type CausalLink struct {
	Relation RelationKind `json:"relation"`
	TargetID string       `json:"target_id"`
}

// CorrelatedEvent wraps a TraceEvent with the causal identity assigned by
// the correlator. It is immutable once it leaves the correlator.
type CorrelatedEvent struct {
	*TraceEvent

	CorrelationID   string          `json:"correlation_id"`
	ParentID        string          `json:"parent_id,omitempty"`
	RootID          string          `json:"root_id"`
	Links           []CausalLink    `json:"links,omitempty"`
	CorrelationType CorrelationType `json:"correlation_type"`
	Confidence      float64         `json:"confidence"`
	Flags           []string        `json:"flags,omitempty"`
}

// HasFlag reports whether the correlator set the named flag
func (c *CorrelatedEvent) HasFlag(flag string) bool {
	for _, f := range c.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Link returns the first link with the given relation, if present
func (c *CorrelatedEvent) Link(relation RelationKind) (CausalLink, bool) {
	for _, l := range c.Links {
		if l.Relation == relation {
			return l, true
		}
	}
	return CausalLink{}, false
}
