package peer

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/n0mad/realize/internal/storage"
	"github.com/n0mad/realize/internal/types"
)

// walkWorkers bounds concurrent directory reads during List, mirroring
// the scanner's walkerSem pattern but sized for an arena tree rather
// than an arbitrary filesystem scan.
const walkWorkers = 8

// listArena walks root using the same fan-out/fan-in shape as a
// parallel directory scanner: one goroutine per discovered directory,
// bounded by a semaphore, feeding a single collector goroutine over a
// buffered channel. Unlike a general-purpose scanner this never
// filters by size or glob — every regular file under root is a
// candidate synced file, except entries named ".realize*" (the store's
// own bookkeeping) and, when ignorePartial is set, files ending in
// ".part" — and paths are reported relative to root as types.Path,
// not absolute.
func listArena(root string, ignorePartial bool) ([]storage.SyncedFile, error) {
	sem := types.NewSemaphore(walkWorkers)
	resultCh := make(chan storage.SyncedFile, 1000)
	var walkerWg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	var walk func(dir string)
	walk = func(dir string) {
		walkerWg.Add(1)
		go func() {
			defer walkerWg.Done()
			sem.Acquire()
			entries, err := os.ReadDir(dir)
			sem.Release()
			if err != nil {
				errOnce.Do(func() { firstErr = err })
				return
			}

			for _, entry := range entries {
				full := filepath.Join(dir, entry.Name())
				if strings.HasPrefix(entry.Name(), ".realize") {
					continue // skip the index db and blob staging directory
				}
				if entry.IsDir() {
					walk(full)
					continue
				}
				if !entry.Type().IsRegular() {
					continue
				}
				if ignorePartial && strings.HasSuffix(entry.Name(), ".part") {
					continue
				}
				info, err := entry.Info()
				if err != nil {
					continue
				}
				rel, err := filepath.Rel(root, full)
				if err != nil {
					continue
				}
				p, err := types.ParsePath(filepath.ToSlash(rel))
				if err != nil {
					continue
				}
				resultCh <- storage.SyncedFile{
					Path:    p,
					Size:    uint64(info.Size()),
					ModTime: info.ModTime(),
				}
			}
		}()
	}

	walk(root)

	var results []storage.SyncedFile
	var collectorWg sync.WaitGroup
	collectorWg.Add(1)
	go func() {
		defer collectorWg.Done()
		for r := range resultCh {
			results = append(results, r)
		}
	}()

	walkerWg.Wait()
	close(resultCh)
	collectorWg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}
