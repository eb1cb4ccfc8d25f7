// Package tracker maintains an in-memory view of recent and active job
// state by subscribing to the same progressbus.Bus the scheduler
// broadcasts on (spec §4.8).
package tracker

import (
	"container/ring"
	"sync"

	"github.com/n0mad/realize/internal/progressbus"
	"github.com/n0mad/realize/internal/storage"
	"github.com/n0mad/realize/internal/types"
)

// recentCap bounds the insertion-ordered ring of finished jobs (spec
// §4.8, capacity 16).
const recentCap = 16

// JobInfo is the tracker's observable state for one job: the last
// notification seen for it, generalized across Kind so a caller can
// read whichever fields are meaningful without type-switching.
type JobInfo struct {
	Key     storage.JobKey
	Job     storage.Job
	Action  progressbus.JobAction
	Current uint64
	Total   uint64
	// Progress is set once a Finish notification has been observed;
	// nil means the job hasn't reached a terminal state yet.
	Progress *progressbus.JobProgress
}

// IsTerminal reports whether this entry has reached Finish.
func (i JobInfo) IsTerminal() bool { return i.Progress != nil }

// Tracker consumes a Bus's broadcast stream and maintains a map of
// every job it has seen plus a capacity-16 insertion-ordered ring of
// finished jobs. A single mutex guards both the map and ring; critical
// sections are kept short (no channel work while held), matching
// spec.md §5's "tracker lock: short critical sections, no await while
// held."
type Tracker struct {
	unsubscribe func()
	done        chan struct{}

	mu     sync.Mutex
	jobs   map[storage.JobKey]*JobInfo
	recent *ring.Ring
	filled int
}

// New creates a Tracker and starts its subscriber goroutine on bus.
// Call Stop to unsubscribe.
func New(bus *progressbus.Bus) *Tracker {
	ch, unsubscribe := bus.Subscribe()
	t := &Tracker{
		unsubscribe: unsubscribe,
		done:        make(chan struct{}),
		jobs:        make(map[storage.JobKey]*JobInfo),
		recent:      ring.New(recentCap),
	}
	go t.consume(ch)
	return t
}

// Stop unsubscribes from the bus; the consumer goroutine drains and
// exits once the channel closes.
func (t *Tracker) Stop() {
	t.unsubscribe()
	<-t.done
}

func (t *Tracker) consume(ch <-chan progressbus.ChurtenNotification) {
	defer close(t.done)
	for n := range ch {
		t.apply(n)
	}
}

// apply folds one notification into the tracker's state. On broadcast
// lag (a dropped notification between two received ones) the tracker
// simply applies whatever it next receives — eventually consistent
// with the most recent notification per job, per spec.md §4.8.
func (t *Tracker) apply(n progressbus.ChurtenNotification) {
	key := storage.JobKey{Arena: types.Arena(n.Arena), Id: n.JobId}

	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.jobs[key]
	if !ok {
		info = &JobInfo{Key: key}
		t.jobs[key] = info
	}

	switch n.Kind {
	case progressbus.KindNew:
		info.Job = n.Job
	case progressbus.KindStart:
		// no extra state beyond presence in the map
	case progressbus.KindUpdateAction:
		info.Action = n.Action
	case progressbus.KindUpdateByteCount:
		if n.Decrement {
			if n.Current <= info.Current {
				info.Current -= n.Current
			} else {
				info.Current = 0
			}
		} else {
			info.Current = n.Current
			info.Total = n.Total
		}
	case progressbus.KindFinish:
		progress := n.Progress
		info.Progress = &progress
		t.pushRecent(key)
	}
}

// pushRecent records key's completion in the insertion-ordered ring,
// overwriting the oldest entry once full. Must be called with t.mu
// held.
func (t *Tracker) pushRecent(key storage.JobKey) {
	t.recent.Value = key
	t.recent = t.recent.Next()
	if t.filled < recentCap {
		t.filled++
	}
}

// Active returns every tracked job whose most recently observed state
// is not yet terminal.
func (t *Tracker) Active() []JobInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]JobInfo, 0, len(t.jobs))
	for _, info := range t.jobs {
		if !info.IsTerminal() {
			out = append(out, *info)
		}
	}
	return out
}

// Recent returns up to the last 16 finished jobs' current info, oldest
// first.
func (t *Tracker) Recent() []JobInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]JobInfo, 0, t.filled)
	t.recent.Do(func(v any) {
		if v == nil {
			return
		}
		key := v.(storage.JobKey)
		if info, ok := t.jobs[key]; ok {
			out = append(out, *info)
		}
	})
	return out
}
