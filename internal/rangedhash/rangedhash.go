// Package rangedhash implements RangedHash, an ordered mapping from byte
// ranges to content hashes, and the Ranged Hasher that computes one by
// fanning out parallel chunk reads over a peer.Client.
package rangedhash

import (
	"context"
	"sort"

	"github.com/n0mad/realize/internal/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// entry pairs a byte range with the hash of its content.
type entry struct {
	rng  types.ByteRange
	hash types.Hash
}

// RangedHash is an ordered, non-overlapping mapping from byte ranges to
// content hashes. The zero value is the empty mapping.
type RangedHash struct {
	entries []entry
}

// Add inserts the hash of rng, keeping entries sorted by start offset.
// Callers are expected to add disjoint ranges; Add does not merge.
func (h RangedHash) Add(rng types.ByteRange, hash types.Hash) RangedHash {
	next := append(append([]entry{}, h.entries...), entry{rng, hash})
	sort.Slice(next, func(i, j int) bool { return next[i].rng.Start < next[j].rng.Start })
	return RangedHash{entries: next}
}

// Ranges returns the covered ranges in ascending order.
func (h RangedHash) Ranges() []types.ByteRange {
	out := make([]types.ByteRange, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.rng
	}
	return out
}

// HashAt returns the hash stored for rng and whether it was found.
func (h RangedHash) HashAt(rng types.ByteRange) (types.Hash, bool) {
	for _, e := range h.entries {
		if e.rng == rng {
			return e.hash, true
		}
	}
	return types.Hash{}, false
}

// IsComplete reports whether the entries tile [0, fileSize) exactly,
// with no gaps and no overlaps.
func (h RangedHash) IsComplete(fileSize uint64) bool {
	if fileSize == 0 {
		return len(h.entries) == 0
	}
	var pos uint64
	for _, e := range h.entries {
		if e.rng.Start != pos {
			return false
		}
		pos = e.rng.End
	}
	return pos == fileSize
}

// Diff compares h against other range by range, returning the ranges
// whose hashes agree (matching) and the ranges whose hashes disagree or
// are present in only one side (mismatching). Ranges present in only one
// of the two mappings are always mismatching — the caller never knows
// the content agrees.
func (h RangedHash) Diff(other RangedHash) (matching, mismatching types.ByteRanges) {
	byRange := make(map[types.ByteRange]types.Hash, len(other.entries))
	for _, e := range other.entries {
		byRange[e.rng] = e.hash
	}
	seen := make(map[types.ByteRange]bool, len(h.entries))
	for _, e := range h.entries {
		seen[e.rng] = true
		if oh, ok := byRange[e.rng]; ok && oh == e.hash {
			matching = matching.Add(e.rng)
		} else {
			mismatching = mismatching.Add(e.rng)
		}
	}
	for _, e := range other.entries {
		if !seen[e.rng] {
			mismatching = mismatching.Add(e.rng)
		}
	}
	return matching, mismatching
}

// Hasher computes the content hash of byte ranges. A peer.Client
// satisfies this interface via its Hash method; kept narrow here so
// rangedhash depends only on the one method it calls rather than
// importing the peer package.
type Hasher interface {
	Hash(ctx context.Context, arena types.Arena, path types.Path, rng types.ByteRange) (types.Hash, error)
}

// HashFileChunkSize is the chunk size used to split a file into
// independently hashed, parallel ranges (§4.3; 256 MiB).
const HashFileChunkSize = 256 << 20

// HashFileParallelism bounds the number of chunks hashed concurrently.
const HashFileParallelism = 4

// HashFile computes the RangedHash of [0, size) by fanning out over
// chunks of HashFileChunkSize bytes with at most HashFileParallelism
// requests in flight at once. A chunk entirely past end-of-file (which
// can happen for the final, partial chunk against a stale size) comes
// back from Hasher as the zero Hash by convention; HashFile does not
// special-case it, it's simply stored as given.
func HashFile(ctx context.Context, h Hasher, arena types.Arena, path types.Path, size uint64) (RangedHash, error) {
	if size == 0 {
		return RangedHash{}, nil
	}
	chunks := types.NewByteRange(0, size).Chunked(HashFileChunkSize)

	g, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(HashFileParallelism)
	hashes := make([]types.Hash, len(chunks))

	for i, c := range chunks {
		i, c := i, c
		if err := sem.Acquire(ctx, 1); err != nil {
			return RangedHash{}, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			hash, err := h.Hash(ctx, arena, path, c)
			if err != nil {
				return err
			}
			hashes[i] = hash
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RangedHash{}, err
	}

	var result RangedHash
	for i, c := range chunks {
		result = result.Add(c, hashes[i])
	}
	return result, nil
}
