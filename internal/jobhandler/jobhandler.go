// Package jobhandler dispatches a storage.Job to the sync protocol
// subroutine that fulfills it (spec §4.6): Download drives MoveFile
// remote-to-local into a content-addressed staged blob and enqueues
// the Realize job that promotes it; Realize/Unrealize promote or
// demote a staged blob against the indexed store with a
// compare-and-swap check.
package jobhandler

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/semaphore"

	"github.com/n0mad/realize/internal/peer"
	"github.com/n0mad/realize/internal/progressbus"
	"github.com/n0mad/realize/internal/storage"
	"github.com/n0mad/realize/internal/syncproto"
	"github.com/n0mad/realize/internal/types"
)

// Handler dispatches jobs against one arena's local store. It holds
// its dependencies by value and carries no mutable state of its own —
// matching the teacher's "config is immutable, set by New" shape — so
// a single Handler is freely shared across concurrently running jobs;
// the only shared mutable state is copySem, which is exactly the
// cross-job resource it exists to serialize.
type Handler struct {
	store   *storage.BoltStore
	self    peer.Client
	copySem *semaphore.Weighted
}

// New builds a Handler over store, using self (normally peer.NewLocal
// wrapping the same store) as the local side of every sync operation.
func New(store *storage.BoltStore, self peer.Client, copySem *semaphore.Weighted) Handler {
	return Handler{store: store, self: self, copySem: copySem}
}

// Run executes job against remote, the peer that originated or
// requested it, reporting progress on reporter. It polls ctx.Done()
// at every suspension point and returns context.Canceled promptly
// rather than letting a cancellation surface as an ordinary failure
// (spec §4.6; churten translates this to JobProgress: Cancelled).
func (h Handler) Run(ctx context.Context, arena types.Arena, job storage.Job, remote peer.Client, reporter *progressbus.Reporter) (storage.JobStatus, error) {
	switch job.Kind {
	case storage.JobDownload:
		return h.download(ctx, arena, job, remote, reporter)
	case storage.JobRealize:
		return h.realize(ctx, arena, job)
	case storage.JobUnrealize:
		return h.unrealize(ctx, arena, job)
	default:
		return storage.StatusDone, fmt.Errorf("jobhandler: unknown job kind %v", job.Kind)
	}
}

// download stages remote's content for job.Path locally via MoveFile,
// remote acting as source and a fresh peer.Staging over h.store acting
// as destination. Staging's destination is a per-job work file, not
// the previously indexed content, so there's no byte-range reuse
// against whatever this path was already indexed as — every download
// transfers the full file, with rsync/copy-fallback only saving work
// against what's already landed in the work file this call itself
// wrote. On success, it enqueues the follow-up Realize job that
// promotes the staged blob into the index — Download only ever stages
// (spec.md's Download/Realize split).
func (h Handler) download(ctx context.Context, arena types.Arena, job storage.Job, remote peer.Client, reporter *progressbus.Reporter) (storage.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return storage.StatusDone, err
	}

	srcFile, ok, err := statRemote(ctx, remote, arena, job.Path)
	if err != nil {
		return storage.StatusDone, fmt.Errorf("stat remote %s: %w", job.Path.String(), err)
	}
	if !ok {
		return storage.StatusAbandoned, nil
	}

	staging := peer.NewStaging(h.store)
	if err := syncproto.MoveFile(ctx, arena, job.Path, remote, staging, srcFile, nil, h.copySem, reporter); err != nil {
		return storage.StatusDone, err
	}

	_, _, currentHash, indexed, err := h.store.IndexLookup(job.Path)
	if err != nil {
		return storage.StatusDone, err
	}
	var casHash types.Hash
	if indexed {
		casHash = currentHash
	}

	if _, err := h.store.EnqueueJob(ctx, storage.Job{
		Kind:         storage.JobRealize,
		Path:         job.Path,
		ExpectedHash: staging.CommittedHash(),
		IndexHash:    casHash,
	}); err != nil {
		return storage.StatusDone, fmt.Errorf("enqueue realize for %s: %w", job.Path.String(), err)
	}
	return storage.StatusDone, nil
}

// statRemote finds job.Path in remote's listing, used because
// peer.Client has no standalone stat call (spec §6 only names list,
// read, hash, signature, diff, apply, send, truncate, finish, delete).
func statRemote(ctx context.Context, remote peer.Client, arena types.Arena, path types.Path) (storage.SyncedFile, bool, error) {
	files, err := remote.List(ctx, arena, syncproto.SourceListOptions)
	if err != nil {
		return storage.SyncedFile{}, false, err
	}
	for _, f := range files {
		if f.Path == path {
			return f, true, nil
		}
	}
	return storage.SyncedFile{}, false, nil
}

// realize promotes job.Path's staged blob — job.ExpectedHash's content,
// sitting at h.store.StagePath(job.ExpectedHash), staged by either
// Download or Unrealize — into the indexed store, compare-and-swapping
// against job.IndexHash: if the current index entry's hash doesn't
// match what the job was issued against, the index has moved on since
// and the job is stale.
func (h Handler) realize(ctx context.Context, arena types.Arena, job storage.Job) (storage.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return storage.StatusDone, err
	}

	_, _, currentHash, ok, err := h.store.IndexLookup(job.Path)
	if err != nil {
		return storage.StatusDone, err
	}
	if ok && currentHash != job.IndexHash {
		return storage.StatusDone, fmt.Errorf("%w: index for %s moved on", storage.ErrHashMismatch, job.Path.String())
	}
	if !ok && !job.IndexHash.IsZero() {
		return storage.StatusDone, fmt.Errorf("%w: index for %s moved on", storage.ErrHashMismatch, job.Path.String())
	}

	staged, err := os.ReadFile(h.store.StagePath(job.ExpectedHash))
	if err != nil {
		return storage.StatusDone, fmt.Errorf("read staged %s: %w", job.Path.String(), err)
	}
	if types.HashBytes(staged) != job.ExpectedHash {
		return storage.StatusDone, fmt.Errorf("%w: staged content for %s doesn't match expected hash", storage.ErrHashMismatch, job.Path.String())
	}

	if err := h.store.PromoteStagedBlob(job.Path, job.ExpectedHash); err != nil {
		return storage.StatusDone, fmt.Errorf("realize %s: %w", job.Path.String(), err)
	}
	return storage.StatusDone, nil
}

// unrealize is realize's inverse: it demotes an indexed file back to a
// content-addressed staged blob, requiring the currently indexed hash
// to equal job.ExpectedHash before touching anything. Unlike Download,
// the whole content is already known up front, so it streams straight
// into a fresh blob via NewStagingFile rather than going through a
// random-access work file.
func (h Handler) unrealize(ctx context.Context, arena types.Arena, job storage.Job) (storage.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return storage.StatusDone, err
	}

	size, _, hash, ok, err := h.store.IndexLookup(job.Path)
	if err != nil {
		return storage.StatusDone, err
	}
	if !ok {
		return storage.StatusAbandoned, nil
	}
	if hash != job.ExpectedHash {
		return storage.StatusDone, fmt.Errorf("%w: index for %s moved on", storage.ErrHashMismatch, job.Path.String())
	}

	rng := types.NewByteRange(0, size)
	data, err := h.self.Read(ctx, arena, job.Path, rng)
	if err != nil {
		return storage.StatusDone, fmt.Errorf("read %s: %w", job.Path.String(), err)
	}

	f, commit, err := h.store.NewStagingFile()
	if err != nil {
		return storage.StatusDone, fmt.Errorf("stage %s: %w", job.Path.String(), err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return storage.StatusDone, fmt.Errorf("stage %s: %w", job.Path.String(), err)
	}
	if err := f.Close(); err != nil {
		return storage.StatusDone, fmt.Errorf("stage %s: %w", job.Path.String(), err)
	}
	if err := commit(hash); err != nil {
		return storage.StatusDone, fmt.Errorf("stage %s: %w", job.Path.String(), err)
	}

	if err := h.self.Delete(ctx, arena, job.Path); err != nil {
		return storage.StatusDone, fmt.Errorf("unindex %s: %w", job.Path.String(), err)
	}
	return storage.StatusDone, nil
}
