package progressbus

import (
	"sync"

	"github.com/n0mad/realize/internal/storage"
)

const (
	// byteThresholdBase is the baseline publish threshold (spec §4.4, 64 KiB).
	byteThresholdBase = 64 * 1024
	// byteThresholdCap bounds the adaptive back-off.
	byteThresholdCap = 1 << 20
)

// Indexer hands out the strictly monotone per-job notification index
// (spec §3, invariant 2). One Indexer is shared by every notification
// emitted for a single job — New, Start, UpdateAction,
// UpdateByteCount, and Finish all draw from it, so ordering is total
// across a job's entire notification sequence, not just within one
// notification kind.
type Indexer struct {
	mu   sync.Mutex
	next uint64
}

// Next returns the next index, starting at 0.
func (ix *Indexer) Next() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := ix.next
	ix.next++
	return n
}

// Reporter is the per-job adaptive rate-limited byte-count publisher
// (spec §4.4). Safe for concurrent use: phase 1's copy-missing and
// phase 4's rsync chunks can both report progress for the same job
// from multiple goroutines.
type Reporter struct {
	bus     *Bus
	arena   string
	jobID   storage.JobId
	indexer *Indexer

	mu            sync.Mutex
	lastPublished uint64
	threshold     uint64
}

// NewReporter creates a Reporter scoped to (arena, jobID), publishing
// onto bus and drawing notification indices from indexer.
func NewReporter(bus *Bus, arena string, jobID storage.JobId, indexer *Indexer) *Reporter {
	return &Reporter{
		bus:       bus,
		arena:     arena,
		jobID:     jobID,
		indexer:   indexer,
		threshold: byteThresholdBase,
	}
}

// Update reports current/total progress, publishing an UpdateByteCount
// notification if current has advanced by at least the adaptive
// threshold since the last publish, or if current == total (a terminal
// update is always published).
func (r *Reporter) Update(current, total uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delta := current - r.lastPublished
	if current != total && delta < r.threshold {
		r.adjustThreshold()
		return
	}

	r.bus.Publish(ChurtenNotification{
		Kind:    KindUpdateByteCount,
		Arena:   r.arena,
		JobId:   r.jobID,
		Index:   r.indexer.Next(),
		Current: current,
		Total:   total,
	})
	r.lastPublished = current
	r.adjustThreshold()
}

// Decrement publishes an unconditional correction: spec §4.5 phase 4
// over-counts phase 1's assumption that existing destination bytes are
// already correct, then decrements by the re-verified amount once
// rsync ranges are known. Decrement always publishes — it's a
// correction, not a progress increment subject to the rate filter —
// and rebases lastPublished so future Update calls compute deltas
// against the corrected baseline.
func (r *Reporter) Decrement(amount uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bus.Publish(ChurtenNotification{
		Kind:      KindUpdateByteCount,
		Arena:     r.arena,
		JobId:     r.jobID,
		Index:     r.indexer.Next(),
		Current:   amount,
		Decrement: true,
	})
	if amount <= r.lastPublished {
		r.lastPublished -= amount
	} else {
		r.lastPublished = 0
	}
}

// adjustThreshold implements the adaptive back-off: if the bus is
// running low on free slots for any subscriber, double the effective
// threshold (capped); otherwise decay it back toward baseline. Must be
// called with r.mu held.
func (r *Reporter) adjustThreshold() {
	if r.bus.FreeSlots() < BusCapacity/4 {
		r.threshold = min(r.threshold*2, byteThresholdCap)
		return
	}
	r.threshold = max(r.threshold/2, byteThresholdBase)
}

// PublishAction emits an UpdateAction notification (spec §3). Kept on
// Reporter rather than a free function so action and byte-count
// notifications for a job always share the same Indexer.
func (r *Reporter) PublishAction(action JobAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bus.Publish(ChurtenNotification{
		Kind:   KindUpdateAction,
		Arena:  r.arena,
		JobId:  r.jobID,
		Index:  r.indexer.Next(),
		Action: action,
	})
}
