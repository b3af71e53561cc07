package correlation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/yairfalse/flowtrace/pkg/domain"
)

// Sweep removes correlation state older than the TTL: metadata entries with
// their links and memoized roots, pending messages of equal or greater age,
// and call stacks of producers idle past the TTL. The time box bounds every
// phase; a partial sweep finishes the remainder on the next tick. Deletes
// are per-key, so a sweep interleaves safely with in-flight correlation of
// new batches. Deleting a key a concurrent path already removed is a no-op.
func (c *Correlator) Sweep(ctx context.Context, now time.Time) SweepReport {
	start := time.Now()
	deadline := start.Add(c.config.SweepTimeBox)
	overDeadline := func() bool {
		return ctx.Err() != nil || time.Now().After(deadline)
	}

	ttl := c.config.TTL
	if c.overCap() {
		// Soft cap exceeded: evict more aggressively
		ttl = ttl / 2
	}
	cutoff := now.Add(-ttl)

	report := SweepReport{}

	// Expired correlation metadata, links, memoized roots
	expired := make([]string, 0, 64)
	c.metaMu.RLock()
	for id, meta := range c.metadata {
		if meta.createdAt.Before(cutoff) {
			expired = append(expired, id)
		}
		if overDeadline() {
			report.TimedOut = true
			break
		}
	}
	c.metaMu.RUnlock()

	for _, id := range expired {
		if overDeadline() {
			report.TimedOut = true
			break
		}
		c.metaMu.Lock()
		delete(c.metadata, id)
		delete(c.links, id)
		delete(c.rootCache, id)
		c.metaMu.Unlock()
		report.MetadataEvicted++
	}

	// Pending messages whose send aged to or past the TTL. The boundary is
	// inclusive: an entry exactly at the cutoff goes in this sweep, not the
	// next one.
	if overDeadline() {
		report.TimedOut = true
	} else {
		stalePending := make([]messageSignature, 0, 16)
		c.pendingMu.RLock()
		for signature, send := range c.pending {
			if !send.sentAt.After(cutoff) {
				stalePending = append(stalePending, signature)
			}
			if overDeadline() {
				report.TimedOut = true
				break
			}
		}
		c.pendingMu.RUnlock()

		for _, signature := range stalePending {
			if overDeadline() {
				report.TimedOut = true
				break
			}
			c.pendingMu.Lock()
			delete(c.pending, signature)
			c.pendingMu.Unlock()
			report.PendingEvicted++
		}
	}

	// Call stacks of producers that stopped reporting. This breaks very
	// long-lived open spans, an accepted trade-off for bounded memory.
	if overDeadline() {
		report.TimedOut = true
	} else {
		for _, producer := range c.staleProducers(cutoff) {
			if overDeadline() {
				report.TimedOut = true
				break
			}
			c.stackMu.Lock()
			delete(c.stacks, producer)
			delete(c.lastSeen, producer)
			c.stackMu.Unlock()
			report.StacksEvicted++
		}
	}

	report.Duration = time.Since(start)
	if c.sweepsRun != nil {
		c.sweepsRun.Add(ctx, 1)
	}
	if report.MetadataEvicted > 0 || report.PendingEvicted > 0 || report.StacksEvicted > 0 {
		c.logger.Debug("Cleanup sweep completed",
			zap.Int("metadata_evicted", report.MetadataEvicted),
			zap.Int("pending_evicted", report.PendingEvicted),
			zap.Int("stacks_evicted", report.StacksEvicted),
			zap.Bool("timed_out", report.TimedOut),
			zap.Duration("duration", report.Duration),
		)
	}
	return report
}

func (c *Correlator) overCap() bool {
	if c.config.MaxTrackedCorrelations <= 0 {
		return false
	}
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	return len(c.metadata) > c.config.MaxTrackedCorrelations
}

func (c *Correlator) staleProducers(cutoff time.Time) []domain.ProducerID {
	c.stackMu.RLock()
	defer c.stackMu.RUnlock()
	stale := make([]domain.ProducerID, 0, 8)
	for producer, seen := range c.lastSeen {
		if seen.Before(cutoff) {
			stale = append(stale, producer)
		}
	}
	return stale
}
