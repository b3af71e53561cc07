package hotstore

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yairfalse/flowtrace/pkg/domain"
)

var (
	ErrNotFound     = errors.New("event not found")
	ErrInvalidRange = errors.New("invalid time range")
	ErrNilEvent     = errors.New("nil event")
)

// Order controls time-range query result ordering
type Order uint8

const (
	Ascending Order = iota
	Descending
)

// Stats is a snapshot of store table sizes and counters
type Stats struct {
	Events          int       `json:"events"`
	Producers       int       `json:"producers"`
	Symbols         int       `json:"symbols"`
	Correlations    int       `json:"correlations"`
	TotalPuts       uint64    `json:"total_puts"`
	TotalPruned     uint64    `json:"total_pruned"`
	LastPrune       time.Time `json:"last_prune,omitempty"`
	OldestTimestamp time.Time `json:"oldest_timestamp,omitempty"`
	NewestTimestamp time.Time `json:"newest_timestamp,omitempty"`
}

// timeEntry is one slot of the ordered time index
type timeEntry struct {
	nanos int64
	id    string
}

// Store is the volatile hot store for correlated events: a primary table
// keyed by event id plus secondary indexes by time, producer, symbol, and
// correlation id. Writes update every applicable index; reads are served
// under a shared lock. Durability is deliberately out of scope.
type Store struct {
	logger *zap.Logger

	mu            sync.RWMutex
	primary       map[string]*domain.CorrelatedEvent
	timeIndex     []timeEntry
	byProducer    map[domain.ProducerID]map[string]struct{}
	bySymbol      map[string]map[string]struct{}
	byCorrelation map[string]map[string]struct{}

	totalPuts   uint64
	totalPruned uint64
	lastPrune   time.Time
}

// New creates an empty store
func New(logger *zap.Logger) *Store {
	return &Store{
		logger:        logger,
		primary:       make(map[string]*domain.CorrelatedEvent),
		byProducer:    make(map[domain.ProducerID]map[string]struct{}),
		bySymbol:      make(map[string]map[string]struct{}),
		byCorrelation: make(map[string]map[string]struct{}),
	}
}

// Put inserts or replaces a correlated event, updating every applicable
// secondary index.
func (s *Store) Put(event *domain.CorrelatedEvent) error {
	if event == nil || event.TraceEvent == nil {
		return ErrNilEvent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, exists := s.primary[event.EventID]; exists {
		s.unindexLocked(old)
	}
	s.primary[event.EventID] = event
	s.indexLocked(event)
	s.totalPuts++
	return nil
}

// PutBatch inserts a batch, skipping nil entries. Returns the number stored.
func (s *Store) PutBatch(events []*domain.CorrelatedEvent) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := 0
	for _, event := range events {
		if event == nil || event.TraceEvent == nil {
			continue
		}
		if old, exists := s.primary[event.EventID]; exists {
			s.unindexLocked(old)
		}
		s.primary[event.EventID] = event
		s.indexLocked(event)
		stored++
	}
	s.totalPuts += uint64(stored)
	return stored
}

// Get returns the event with the given id
func (s *Store) Get(eventID string) (*domain.CorrelatedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.primary[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return event, nil
}

// QueryTimeRange returns events with start <= timestamp < end, ordered by
// timestamp, up to limit (0 means no limit).
func (s *Store) QueryTimeRange(start, end time.Time, limit int, order Order) ([]*domain.CorrelatedEvent, error) {
	if end.Before(start) {
		return nil, ErrInvalidRange
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	startNanos := start.UnixNano()
	endNanos := end.UnixNano()

	lo := sort.Search(len(s.timeIndex), func(i int) bool {
		return s.timeIndex[i].nanos >= startNanos
	})
	hi := sort.Search(len(s.timeIndex), func(i int) bool {
		return s.timeIndex[i].nanos >= endNanos
	})

	n := hi - lo
	if limit > 0 && n > limit {
		n = limit
	}
	results := make([]*domain.CorrelatedEvent, 0, n)

	switch order {
	case Descending:
		for i := hi - 1; i >= lo && len(results) < cap(results); i-- {
			if event, ok := s.primary[s.timeIndex[i].id]; ok {
				results = append(results, event)
			}
		}
	default:
		for i := lo; i < hi && len(results) < cap(results); i++ {
			if event, ok := s.primary[s.timeIndex[i].id]; ok {
				results = append(results, event)
			}
		}
	}
	return results, nil
}

// QueryByProducer returns events emitted by the producer, oldest first
func (s *Store) QueryByProducer(producer domain.ProducerID, limit int) []*domain.CorrelatedEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byProducer[producer], limit)
}

// QueryBySymbol returns function events for the symbol, oldest first
func (s *Store) QueryBySymbol(symbol string, limit int) []*domain.CorrelatedEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.bySymbol[symbol], limit)
}

// QueryByCorrelation returns all events sharing the correlation id, oldest
// first
func (s *Store) QueryByCorrelation(correlationID string, limit int) []*domain.CorrelatedEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byCorrelation[correlationID], limit)
}

// Prune removes every event with timestamp < cutoff from the primary table
// and all secondary indexes. Returns the number removed.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoffNanos := cutoff.UnixNano()
	boundary := sort.Search(len(s.timeIndex), func(i int) bool {
		return s.timeIndex[i].nanos >= cutoffNanos
	})
	if boundary == 0 {
		s.lastPrune = time.Now()
		return 0
	}

	removed := 0
	for _, entry := range s.timeIndex[:boundary] {
		event, ok := s.primary[entry.id]
		if !ok {
			continue
		}
		delete(s.primary, entry.id)
		s.unindexSetsLocked(event)
		removed++
	}
	s.timeIndex = append([]timeEntry(nil), s.timeIndex[boundary:]...)

	s.totalPruned += uint64(removed)
	s.lastPrune = time.Now()
	if removed > 0 {
		s.logger.Debug("Pruned hot store",
			zap.Int("removed", removed),
			zap.Time("cutoff", cutoff),
			zap.Int("remaining", len(s.primary)),
		)
	}
	return removed
}

// Stats returns a snapshot of store sizes and counters
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Events:       len(s.primary),
		Producers:    len(s.byProducer),
		Symbols:      len(s.bySymbol),
		Correlations: len(s.byCorrelation),
		TotalPuts:    s.totalPuts,
		TotalPruned:  s.totalPruned,
		LastPrune:    s.lastPrune,
	}
	if len(s.timeIndex) > 0 {
		stats.OldestTimestamp = time.Unix(0, s.timeIndex[0].nanos)
		stats.NewestTimestamp = time.Unix(0, s.timeIndex[len(s.timeIndex)-1].nanos)
	}
	return stats
}

// indexLocked adds the event to every applicable secondary index
func (s *Store) indexLocked(event *domain.CorrelatedEvent) {
	nanos := event.Timestamp.UnixNano()
	pos := sort.Search(len(s.timeIndex), func(i int) bool {
		return s.timeIndex[i].nanos > nanos
	})
	s.timeIndex = append(s.timeIndex, timeEntry{})
	copy(s.timeIndex[pos+1:], s.timeIndex[pos:])
	s.timeIndex[pos] = timeEntry{nanos: nanos, id: event.EventID}

	addToSet(s.byProducer, event.ProducerID, event.EventID)
	if symbol := event.Symbol(); symbol != "" {
		addToSet(s.bySymbol, symbol, event.EventID)
	}
	if event.CorrelationID != "" {
		addToSet(s.byCorrelation, event.CorrelationID, event.EventID)
	}
}

// unindexLocked removes the event from all indexes including the time index
func (s *Store) unindexLocked(event *domain.CorrelatedEvent) {
	nanos := event.Timestamp.UnixNano()
	pos := sort.Search(len(s.timeIndex), func(i int) bool {
		return s.timeIndex[i].nanos >= nanos
	})
	for i := pos; i < len(s.timeIndex) && s.timeIndex[i].nanos == nanos; i++ {
		if s.timeIndex[i].id == event.EventID {
			s.timeIndex = append(s.timeIndex[:i], s.timeIndex[i+1:]...)
			break
		}
	}
	s.unindexSetsLocked(event)
}

// unindexSetsLocked removes the event from the hashed secondary indexes
func (s *Store) unindexSetsLocked(event *domain.CorrelatedEvent) {
	removeFromSet(s.byProducer, event.ProducerID, event.EventID)
	if symbol := event.Symbol(); symbol != "" {
		removeFromSet(s.bySymbol, symbol, event.EventID)
	}
	if event.CorrelationID != "" {
		removeFromSet(s.byCorrelation, event.CorrelationID, event.EventID)
	}
}

// collectLocked materializes an id set as events sorted by id. Event ids
// are time-sortable, so id order is creation order.
func (s *Store) collectLocked(ids map[string]struct{}, limit int) []*domain.CorrelatedEvent {
	if len(ids) == 0 {
		return nil
	}
	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	results := make([]*domain.CorrelatedEvent, 0, len(ordered))
	for _, id := range ordered {
		if event, ok := s.primary[id]; ok {
			results = append(results, event)
		}
	}
	return results
}

func addToSet[K comparable](index map[K]map[string]struct{}, key K, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeFromSet[K comparable](index map[K]map[string]struct{}, key K, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}
