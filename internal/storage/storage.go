// Package storage defines the contract the scheduler consumes from the
// external Storage subsystem (spec §6) and ships one reference
// implementation, BoltStore, backed by go.etcd.io/bbolt.
//
// Storage owns per-arena indexes and blob staging; the scheduler only
// ever sees it through the Store interface below. Job/JobStatus/Mark
// are the data types that cross that boundary.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/n0mad/realize/internal/types"
)

// Sentinel errors surfaced by Store and peer.Client implementations,
// grounded directly on original_source's StorageError enum.
var (
	ErrNotFound           = errors.New("storage: not found")
	ErrIsADirectory       = errors.New("storage: is a directory")
	ErrNotADirectory      = errors.New("storage: not a directory")
	ErrUnavailable        = errors.New("storage: data not available at this time")
	ErrHashMismatch       = errors.New("storage: hash mismatch")
	ErrInvalidSignature   = errors.New("storage: invalid rsync signature")
	ErrUnknownArena       = errors.New("storage: unknown arena")
	ErrNoLocalStorage     = errors.New("storage: arena has no local storage")
)

// JobId is a monotonically increasing identifier issued by Storage,
// unique within an arena.
type JobId uint64

// JobKey identifies a job across arenas.
type JobKey struct {
	Arena types.Arena
	Id    JobId
}

// JobKind distinguishes the three job variants.
type JobKind int

const (
	// JobDownload fetches remote content and stages it locally.
	JobDownload JobKind = iota
	// JobRealize promotes a staged blob into the indexed store.
	JobRealize
	// JobUnrealize demotes an indexed file back to a staged blob.
	JobUnrealize
)

func (k JobKind) String() string {
	switch k {
	case JobDownload:
		return "Download"
	case JobRealize:
		return "Realize"
	case JobUnrealize:
		return "Unrealize"
	default:
		return "Unknown"
	}
}

// Job is the tagged variant of work the scheduler drives to completion.
// Exactly one of the three kinds applies; IndexHash is only meaningful
// for JobRealize, where it is the expected prior index state for a
// compare-and-swap (the zero Hash means "no prior entry expected").
type Job struct {
	Kind         JobKind
	Path         types.Path
	ExpectedHash types.Hash
	IndexHash    types.Hash
}

func (j Job) String() string {
	return j.Kind.String() + "(" + j.Path.String() + ", " + j.ExpectedHash.String() + ")"
}

// JobStatus is the terminal status Storage expects back from
// job_finished: either the job fully completed, or it became obsolete
// between issue and completion (not an error).
type JobStatus int

const (
	// StatusDone means the job fully completed.
	StatusDone JobStatus = iota
	// StatusAbandoned means the job was valid at issue but is no
	// longer applicable.
	StatusAbandoned
)

func (s JobStatus) String() string {
	if s == StatusAbandoned {
		return "Abandoned"
	}
	return "Done"
}

// Mark controls an arena's reconciliation target (keep/discard) and is
// set via SetArenaMark; it is opaque to the scheduler beyond triggering
// stream emissions.
type Mark int

const (
	MarkKeep Mark = iota
	MarkDiscard
)

// SyncedFile describes a file as reported by a peer's list operation.
type SyncedFile struct {
	Path    types.Path
	Size    uint64
	ModTime time.Time
	Hash    types.Hash
}

// JobStreamEntry is one item yielded by Store.JobStream.
type JobStreamEntry struct {
	Arena types.Arena
	Id    JobId
	Job   Job
}

// Store is the subset of the Storage subsystem the scheduler consumes
// (spec §6). Implementations own indexing, blob staging, and mark
// semantics; the scheduler treats them as an opaque collaborator.
type Store interface {
	// JobStream yields pending work. It may be finite (closing the
	// returned channel when drained) or run indefinitely; callers
	// must stop ranging over it when ctx is done.
	JobStream(ctx context.Context) (<-chan JobStreamEntry, error)

	// JobFinished reports terminal status for a job previously seen
	// on the stream. A non-nil err means the handler failed; result
	// is only meaningful when err is nil. Failure to record this is
	// logged by the caller, never raised further.
	JobFinished(ctx context.Context, arena types.Arena, id JobId, result JobStatus, err error) error

	// JobForPath is an introspection hook used by tests and tooling:
	// it looks up the currently pending job (if any) for a path.
	JobForPath(ctx context.Context, arena types.Arena, path types.Path) (JobId, Job, bool, error)

	// SetArenaMark updates an arena's reconciliation target. Not part
	// of the scheduler's consumption surface, but triggers JobStream
	// emissions in Storage.
	SetArenaMark(ctx context.Context, arena types.Arena, mark Mark) error
}
