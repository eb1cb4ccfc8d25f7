// Package progressbus implements the broadcast notification bus and
// the adaptive rate-limited Progress Reporter (spec §4.4, §5). Go has
// no equivalent of tokio::sync::broadcast, so Bus renders the same
// "multi-producer, multi-consumer, slow-consumers-lose-messages"
// contract as a registry of per-subscriber buffered channels with
// non-blocking sends.
package progressbus

import (
	"github.com/n0mad/realize/internal/storage"
)

// JobAction is an intra-job phase hint (spec §3).
type JobAction int

const (
	ActionPending JobAction = iota
	ActionDownload
	ActionVerify
	ActionRsync
	ActionCopy
)

func (a JobAction) String() string {
	switch a {
	case ActionDownload:
		return "Download"
	case ActionVerify:
		return "Verify"
	case ActionRsync:
		return "Rsync"
	case ActionCopy:
		return "Copy"
	default:
		return "Pending"
	}
}

// JobProgress is the observable state of a job (spec §3); terminal
// values are Done, Abandoned, Cancelled, and Failed.
type JobProgress struct {
	State   ProgressState
	Message string // set only when State == ProgressFailed
}

// ProgressState enumerates JobProgress's tag.
type ProgressState int

const (
	ProgressDone ProgressState = iota
	ProgressAbandoned
	ProgressCancelled
	ProgressFailed
)

func (p JobProgress) String() string {
	switch p.State {
	case ProgressDone:
		return "Done"
	case ProgressAbandoned:
		return "Abandoned"
	case ProgressCancelled:
		return "Cancelled"
	case ProgressFailed:
		return "Failed(" + p.Message + ")"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether p represents a finished job.
func (p JobProgress) IsTerminal() bool { return true } // every JobProgress value is terminal by construction

// Failed builds a Failed JobProgress carrying msg.
func Failed(msg string) JobProgress { return JobProgress{State: ProgressFailed, Message: msg} }

// Done, Abandoned, Cancelled are the non-parametric terminal states.
var (
	Done      = JobProgress{State: ProgressDone}
	Abandoned = JobProgress{State: ProgressAbandoned}
	Cancelled = JobProgress{State: ProgressCancelled}
)

// Kind tags a ChurtenNotification's variant (spec §3).
type Kind int

const (
	KindNew Kind = iota
	KindStart
	KindUpdateAction
	KindUpdateByteCount
	KindFinish
)

// ChurtenNotification is the broadcast sum type: every value carries
// Arena, JobId, and a monotone per-job Index, drawn from a single
// Indexer shared across a job's whole notification sequence so
// ordering is total regardless of which kind of notification it is
// (spec §3 invariant 2).
type ChurtenNotification struct {
	Kind  Kind
	Arena string
	JobId storage.JobId
	Index uint64

	Job              storage.Job // set on KindNew
	Action           JobAction   // set on KindUpdateAction
	Current, Total   uint64      // set on KindUpdateByteCount
	Decrement        bool        // KindUpdateByteCount representing a §4.5-phase-4 decrement, not an increment
	Progress         JobProgress // set on KindFinish
}
