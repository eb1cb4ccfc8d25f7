// Package syncproto implements the Sync Protocol (spec §4.5): the
// per-file state machine that reconciles a source file with a
// destination file using partial copy, rolling-checksum delta
// transfer, and hash verification with fallback. This is the heart of
// the system, grounded almost wholesale on
// original_source/.../movedirs.rs's move_file/move_dir/move_dirs.
package syncproto

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/n0mad/realize/internal/progressbus"
	"github.com/n0mad/realize/internal/peer"
	"github.com/n0mad/realize/internal/rangedhash"
	"github.com/n0mad/realize/internal/storage"
	"github.com/n0mad/realize/internal/types"
)

// Chunk sizes are behavioral, not configurable (spec §9): changing
// them changes the shape of progress events and parallelism.
const (
	// CopyChunkSize is the chunk size for copy and rsync I/O (4 MiB).
	CopyChunkSize = 4 << 20
)

// ErrFailedToSync is returned when, after both the rsync and
// copy-fallback phases, the destination's content still doesn't hash
// to the source's content.
var ErrFailedToSync = errors.New("syncproto: failed to sync after rsync and copy-fallback")

// SourceListOptions and DestListOptions are the fixed peer.Options
// used for listing files on each side of a sync (spec §4.5 "Options on
// peer calls"): sources exclude half-transferred files from
// consideration, destinations don't (a destination's own in-progress
// file is exactly what's being reconciled).
var (
	SourceListOptions = peer.Options{IgnorePartial: true}
	DestListOptions   = peer.Options{IgnorePartial: false}
)

// MoveFile reconciles path's destination content with its source
// content. srcFile describes the file as the source peer reports it;
// dstFile is nil if the destination has no file yet. copySem
// serializes bulk copy phases (1 and 5) across concurrently running
// jobs (spec §5's global copy semaphore, 1 permit).
func MoveFile(
	ctx context.Context,
	arena types.Arena,
	path types.Path,
	src, dst peer.Client,
	srcFile storage.SyncedFile,
	dstFile *storage.SyncedFile,
	copySem *semaphore.Weighted,
	reporter *progressbus.Reporter,
) error {
	log := logrus.WithFields(logrus.Fields{"arena": string(arena), "path": path.String()})

	size := srcFile.Size
	var dstSize uint64
	if dstFile != nil {
		dstSize = dstFile.Size
	}
	existing := types.NewByteRange(0, min(size, dstSize))
	full := types.NewByteRange(0, size)
	copyRanges := types.NewByteRanges(full).Subtraction(types.NewByteRanges(existing))

	reporter.PublishAction(progressbus.ActionDownload)

	var srcHash rangedhash.RangedHash
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return copyMissing(gctx, src, dst, arena, path, copyRanges, existing.Bytecount(), size, copySem, reporter)
	})
	g.Go(func() error {
		if dstSize > size {
			if err := dst.Truncate(gctx, arena, path, size); err != nil {
				return fmt.Errorf("truncate destination: %w", err)
			}
		}
		return nil
	})
	g.Go(func() error {
		hash, err := rangedhash.HashFile(gctx, src, arena, path, size)
		if err != nil {
			return fmt.Errorf("hash source: %w", err)
		}
		srcHash = hash
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	reporter.PublishAction(progressbus.ActionVerify)
	dstHash, err := rangedhash.HashFile(ctx, dst, arena, path, size)
	if err != nil {
		return fmt.Errorf("hash destination: %w", err)
	}

	matching, mismatching := srcHash.Diff(dstHash)
	if mismatching.IsEmpty() && srcHash.IsComplete(size) && dstHash.IsComplete(size) {
		return finishAndDelete(ctx, src, dst, arena, path)
	}

	rsyncRanges := types.NewByteRanges(full).Subtraction(matching)
	reporter.Decrement(rsyncRanges.Bytecount())

	reporter.PublishAction(progressbus.ActionRsync)
	fallback, err := applyRsync(ctx, src, dst, arena, path, rsyncRanges)
	if err != nil {
		return err
	}

	if !fallback.IsEmpty() {
		if err := copyFallback(ctx, src, dst, arena, path, fallback, copySem, reporter); err != nil {
			return err
		}
	}

	reporter.PublishAction(progressbus.ActionVerify)
	dstHash2, err := rangedhash.HashFile(ctx, dst, arena, path, size)
	if err != nil {
		return fmt.Errorf("hash destination after rsync: %w", err)
	}
	_, mismatching2 := srcHash.Diff(dstHash2)
	if !mismatching2.IsEmpty() {
		log.Warn("sync failed after rsync and copy-fallback phases")
		return ErrFailedToSync
	}

	return finishAndDelete(ctx, src, dst, arena, path)
}

// copyMissing implements phase 1: copy bytes the destination doesn't
// have yet, publishing cumulative byte-count progress against total
// size — the phase-1 assumption that existing destination bytes are
// already correct (corrected later by Reporter.Decrement if wrong).
// Each chunk's read and send hold copySem, serializing the transfer
// with other jobs' copy work.
func copyMissing(ctx context.Context, src, dst peer.Client, arena types.Arena, path types.Path, ranges types.ByteRanges, startAt, total uint64, copySem *semaphore.Weighted, reporter *progressbus.Reporter) error {
	cumulative := startAt
	reporter.Update(cumulative, total)
	for _, chunk := range ranges.Chunked(CopyChunkSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copySem.Acquire(ctx, 1); err != nil {
			return err
		}
		data, err := src.Read(ctx, arena, path, chunk)
		if err != nil {
			copySem.Release(1)
			return fmt.Errorf("read source range %d-%d: %w", chunk.Start, chunk.End, err)
		}
		err = dst.Send(ctx, arena, path, chunk, data)
		copySem.Release(1)
		if err != nil {
			return fmt.Errorf("send destination range %d-%d: %w", chunk.Start, chunk.End, err)
		}
		cumulative += chunk.Bytecount()
		reporter.Update(cumulative, total)
	}
	return nil
}

// applyRsync implements phase 4: for each chunk of ranges, compute a
// destination signature, diff it on the source, and apply the delta.
// Chunks whose apply fails with ErrHashMismatch are collected and
// returned for phase 5's copy-fallback rather than aborting the job.
func applyRsync(ctx context.Context, src, dst peer.Client, arena types.Arena, path types.Path, ranges types.ByteRanges) (types.ByteRanges, error) {
	var fallback types.ByteRanges
	for _, chunk := range ranges.Chunked(CopyChunkSize) {
		if err := ctx.Err(); err != nil {
			return types.ByteRanges{}, err
		}
		sig, err := dst.CalculateSignature(ctx, arena, path, chunk)
		if err != nil {
			return types.ByteRanges{}, fmt.Errorf("calculate signature %d-%d: %w", chunk.Start, chunk.End, err)
		}
		delta, hash, err := src.Diff(ctx, arena, path, chunk, sig)
		if err != nil {
			return types.ByteRanges{}, fmt.Errorf("diff %d-%d: %w", chunk.Start, chunk.End, err)
		}
		if err := dst.ApplyDelta(ctx, arena, path, chunk, delta, hash); err != nil {
			if errors.Is(err, storage.ErrHashMismatch) {
				fallback = fallback.Add(chunk)
				continue
			}
			return types.ByteRanges{}, fmt.Errorf("apply delta %d-%d: %w", chunk.Start, chunk.End, err)
		}
	}
	return fallback, nil
}

// copyFallback implements phase 5: direct copy of ranges the rsync
// phase couldn't reconcile, serialized across concurrent jobs by
// copySem (spec §5: at most one job in the Copy phase at any instant).
func copyFallback(ctx context.Context, src, dst peer.Client, arena types.Arena, path types.Path, ranges types.ByteRanges, copySem *semaphore.Weighted, reporter *progressbus.Reporter) error {
	for _, chunk := range ranges.Chunked(CopyChunkSize) {
		reporter.PublishAction(progressbus.ActionPending)
		if err := copySem.Acquire(ctx, 1); err != nil {
			return err
		}
		reporter.PublishAction(progressbus.ActionCopy)

		data, err := src.Read(ctx, arena, path, chunk)
		if err != nil {
			copySem.Release(1)
			return fmt.Errorf("fallback read %d-%d: %w", chunk.Start, chunk.End, err)
		}
		err = dst.Send(ctx, arena, path, chunk, data)
		copySem.Release(1)
		if err != nil {
			return fmt.Errorf("fallback send %d-%d: %w", chunk.Start, chunk.End, err)
		}
	}
	return nil
}

func finishAndDelete(ctx context.Context, src, dst peer.Client, arena types.Arena, path types.Path) error {
	if err := dst.Finish(ctx, arena, path); err != nil {
		return fmt.Errorf("finish destination: %w", err)
	}
	if err := src.Delete(ctx, arena, path); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	return nil
}
