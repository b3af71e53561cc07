package ringbuffer

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/yairfalse/flowtrace/pkg/domain"
)

var (
	ErrFull            = errors.New("ring buffer is full")
	ErrInvalidCapacity = errors.New("capacity must be a power of 2")
)

// OverflowPolicy controls what happens when a write finds the buffer full
type OverflowPolicy uint8

const (
	// DropOldest advances the read position, sacrificing the oldest
	// unconsumed event to make room for the new one.
	DropOldest OverflowPolicy = iota
	// DropNewest rejects the incoming event and counts it as dropped.
	DropNewest
	// Reject rejects the incoming event and leaves accounting to the caller.
	Reject
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Buffer is a lock-free multi-producer ring buffer for trace events.
// Writers claim slots with a CAS on writePos; no writer ever blocks another.
// Readers are non-destructive and track their own cursors; readPos only
// marks the oldest still-valid slot.
type Buffer struct {
	capacity uint64
	mask     uint64
	policy   OverflowPolicy
	_        [40]byte // pad to keep positions off the config cache line

	writePos atomic.Uint64
	_        [56]byte // padding to prevent false sharing
	readPos  atomic.Uint64
	_        [56]byte

	totalWrites atomic.Uint64
	totalReads  atomic.Uint64
	dropped     atomic.Uint64

	slots []atomic.Pointer[domain.TraceEvent]
}

// Stats is a point-in-time snapshot of buffer counters
type Stats struct {
	Writes      uint64  `json:"writes"`
	Reads       uint64  `json:"reads"`
	Dropped     uint64  `json:"dropped"`
	Occupancy   uint64  `json:"occupancy"`
	Capacity    uint64  `json:"capacity"`
	Utilization float64 `json:"utilization"`
}

// New creates a ring buffer. Capacity must be a power of 2 so slot lookup
// is a single mask operation.
func New(capacity uint64, policy OverflowPolicy) (*Buffer, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, ErrInvalidCapacity
	}
	return &Buffer{
		capacity: capacity,
		mask:     capacity - 1,
		policy:   policy,
		slots:    make([]atomic.Pointer[domain.TraceEvent], capacity),
	}, nil
}

// Write stores an event into the buffer. The claim loop is optimistic:
// read positions, commit with CAS, retry on conflict. At least one producer
// makes progress per contended round.
func (b *Buffer) Write(event *domain.TraceEvent) error {
	for {
		writePos := b.writePos.Load()
		readPos := b.readPos.Load()

		if writePos-readPos >= b.capacity {
			switch b.policy {
			case DropOldest:
				// Sacrifice the oldest slot. If another producer beat
				// us to it, space exists now either way; retry.
				if b.readPos.CompareAndSwap(readPos, readPos+1) {
					b.dropped.Add(1)
				}
				continue
			case DropNewest:
				b.dropped.Add(1)
				return ErrFull
			default:
				return ErrFull
			}
		}

		if b.writePos.CompareAndSwap(writePos, writePos+1) {
			// Slot exclusively claimed by this producer
			b.slots[writePos&b.mask].Store(event)
			b.totalWrites.Add(1)
			return nil
		}

		runtime.Gosched()
	}
}

// Read returns the event at the consumer's cursor position, along with the
// next cursor value. A cursor older than the oldest valid slot is fast-
// forwarded; a cursor at or past writePos returns ok=false.
func (b *Buffer) Read(pos uint64) (*domain.TraceEvent, uint64, bool) {
	writePos := b.writePos.Load()
	if oldest := b.readPos.Load(); pos < oldest {
		pos = oldest
	}
	if pos >= writePos {
		return nil, pos, false
	}

	event := b.slots[pos&b.mask].Load()
	if event == nil {
		// Slot claimed but not yet stored by its producer
		return nil, pos, false
	}
	if pos < b.readPos.Load() {
		// Slot was overwritten between the bounds check and the load;
		// the event belongs to a newer lap. Skip forward.
		return nil, b.readPos.Load(), false
	}

	b.totalReads.Add(1)
	return event, pos + 1, true
}

// ReadBatch reads up to max events starting at the consumer's cursor,
// returning the events and the advanced cursor.
func (b *Buffer) ReadBatch(pos uint64, max int) ([]*domain.TraceEvent, uint64) {
	if max <= 0 {
		return nil, pos
	}
	events := make([]*domain.TraceEvent, 0, max)
	for len(events) < max {
		event, next, ok := b.Read(pos)
		if !ok {
			pos = next
			break
		}
		events = append(events, event)
		pos = next
	}
	return events, pos
}

// Stats returns a snapshot of the buffer counters
func (b *Buffer) Stats() Stats {
	writePos := b.writePos.Load()
	readPos := b.readPos.Load()
	occupancy := writePos - readPos
	if occupancy > b.capacity {
		occupancy = b.capacity
	}
	return Stats{
		Writes:      b.totalWrites.Load(),
		Reads:       b.totalReads.Load(),
		Dropped:     b.dropped.Load(),
		Occupancy:   occupancy,
		Capacity:    b.capacity,
		Utilization: float64(occupancy) / float64(b.capacity),
	}
}

// Capacity returns the fixed slot count
func (b *Buffer) Capacity() uint64 {
	return b.capacity
}

// OldestPos returns the position of the oldest still-valid slot. New
// consumers should start their cursor here.
func (b *Buffer) OldestPos() uint64 {
	return b.readPos.Load()
}

// Reset clears all positions and counters. Not safe to call concurrently
// with writers or readers; intended for reuse between runs.
func (b *Buffer) Reset() {
	b.writePos.Store(0)
	b.readPos.Store(0)
	b.totalWrites.Store(0)
	b.totalReads.Store(0)
	b.dropped.Store(0)
	for i := range b.slots {
		b.slots[i].Store(nil)
	}
}
