package syncproto

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/n0mad/realize/internal/peer"
	"github.com/n0mad/realize/internal/progressbus"
	"github.com/n0mad/realize/internal/storage"
	"github.com/n0mad/realize/internal/types"
)

// ParallelFileCount bounds how many files MoveDirs reconciles at once
// (spec §4.5, grounded on movedirs.rs's PARALLEL_FILE_COUNT).
const ParallelFileCount = 4

// Result tallies the outcome of a MoveDir/MoveDirs run.
type Result struct {
	Success     int
	Failed      int
	Interrupted int
}

type filePair struct {
	arena types.Arena
	src   storage.SyncedFile
	dst   *storage.SyncedFile
}

// MoveDir reconciles every file a peer lists in one arena. It's a
// convenience entry point over MoveDirs for the common single-arena
// case (spec §4.5).
func MoveDir(ctx context.Context, arena types.Arena, src, dst peer.Client, bus *progressbus.Bus) (Result, error) {
	return MoveDirs(ctx, []types.Arena{arena}, src, dst, bus)
}

// MoveDirs lists every file a peer reports across arenas, pairs each
// with the matching destination entry (or nil if absent), and runs
// MoveFile over every pair with bounded parallelism. A single global
// copy semaphore is shared across the whole run, serializing phase 1
// and phase 5 copy work across every file regardless of arena (spec
// §5: copy is a bottleneck resource the whole system shares).
func MoveDirs(ctx context.Context, arenas []types.Arena, src, dst peer.Client, bus *progressbus.Bus) (Result, error) {
	var pairs []filePair
	for _, arena := range arenas {
		collected, err := collectFilesToSync(ctx, arena, src, dst)
		if err != nil {
			return Result{}, err
		}
		pairs = append(pairs, collected...)
	}

	copySem := semaphore.NewWeighted(1)
	var nextJobID atomic.Uint64

	var mu sync.Mutex
	var result Result

	sem := semaphore.NewWeighted(ParallelFileCount)
	var wg sync.WaitGroup
	launched := 0
	for _, p := range pairs {
		p := p
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		launched++
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			jobID := storage.JobId(nextJobID.Add(1))
			reporter := progressbus.NewReporter(bus, string(p.arena), jobID, &progressbus.Indexer{})
			log := logrus.WithFields(logrus.Fields{"arena": string(p.arena), "path": p.src.Path.String()})

			err := MoveFile(ctx, p.arena, p.src.Path, src, dst, p.dst, copySem, reporter)

			mu.Lock()
			switch {
			case err == nil:
				result.Success++
			case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
				result.Interrupted++
			default:
				result.Failed++
			}
			mu.Unlock()

			if err != nil {
				log.WithError(err).Debug("file sync failed")
			}
		}()
	}
	wg.Wait()
	result.Interrupted += len(pairs) - launched

	return result, nil
}

// collectFilesToSync lists both sides of arena and pairs every source
// file with its destination counterpart, if any.
func collectFilesToSync(ctx context.Context, arena types.Arena, src, dst peer.Client) ([]filePair, error) {
	var srcFiles, dstFiles []storage.SyncedFile
	g := make(chan error, 2)
	go func() {
		files, err := src.List(ctx, arena, SourceListOptions)
		srcFiles = files
		g <- err
	}()
	go func() {
		files, err := dst.List(ctx, arena, DestListOptions)
		dstFiles = files
		g <- err
	}()
	if err := <-g; err != nil {
		return nil, err
	}
	if err := <-g; err != nil {
		return nil, err
	}

	dstByPath := make(map[types.Path]storage.SyncedFile, len(dstFiles))
	for _, f := range dstFiles {
		dstByPath[f.Path] = f
	}

	pairs := make([]filePair, 0, len(srcFiles))
	for _, f := range srcFiles {
		var dstFile *storage.SyncedFile
		if d, ok := dstByPath[f.Path]; ok {
			dCopy := d
			dstFile = &dCopy
		}
		pairs = append(pairs, filePair{arena: arena, src: f, dst: dstFile})
	}
	return pairs, nil
}
