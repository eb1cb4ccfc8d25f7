// Package types provides the shared data model for the consensus and
// synchronization core: arenas, paths, content hashes, and byte ranges.
package types

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Arena names an independently-synchronized tree of files. Arenas are
// compared and used as map keys by value, so two Arena values with the
// same string always refer to the same tree.
type Arena string

// String returns the arena name.
func (a Arena) String() string { return string(a) }

// ErrInvalidPath is returned by ParsePath when a candidate path escapes
// its root, is absolute, or contains an empty segment.
var ErrInvalidPath = errors.New("invalid path")

// Path is a validated, slash-separated path relative to an arena root.
// The zero value is not a valid Path; construct one with ParsePath.
type Path struct {
	clean string
}

// ParsePath validates and normalizes a candidate relative path.
//
// Rejects absolute paths, "." and "..", empty segments, and any path
// that would need to climb out of its root to resolve.
func ParsePath(p string) (Path, error) {
	if p == "" {
		return Path{}, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.HasPrefix(p, "/") {
		return Path{}, fmt.Errorf("%w: absolute path %q", ErrInvalidPath, p)
	}
	segments := strings.Split(p, "/")
	for _, seg := range segments {
		switch seg {
		case "", ".", "..":
			return Path{}, fmt.Errorf("%w: segment %q in %q", ErrInvalidPath, seg, p)
		}
	}
	return Path{clean: strings.Join(segments, "/")}, nil
}

// MustParsePath is ParsePath for call sites operating on known-literal
// paths (tests, constants). It panics on an invalid path.
func MustParsePath(p string) Path {
	path, err := ParsePath(p)
	if err != nil {
		panic(err)
	}
	return path
}

// String returns the normalized relative path.
func (p Path) String() string { return p.clean }

// IsZero reports whether p is the unconstructed zero value.
func (p Path) IsZero() bool { return p.clean == "" }

// Within joins the path onto a filesystem root by plain string
// concatenation with "/" (a trailing "/" on root is dropped first); it
// does not use filepath.Join or the host's separator.
func (p Path) Within(root string) string {
	if root == "" {
		return p.clean
	}
	return strings.TrimSuffix(root, "/") + "/" + p.clean
}

// HashSize is the length in bytes of a Hash.
const HashSize = sha256.Size

// Hash is a content digest. The zero Hash (IsZero true) represents
// "no content" or "not yet computed", never a real digest — sha256
// never produces an all-zero output for non-empty input in practice,
// and ranges past end-of-file are represented by the zero Hash by
// convention (§4.3).
type Hash [HashSize]byte

// HashBytes computes the Hash of b.
func HashBytes(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

// IsZero reports whether h is the zero Hash.
func (h Hash) IsZero() bool { return h == Hash{} }

// String returns the lowercase hex encoding of h.
func (h Hash) String() string {
	return fmt.Sprintf("%x", [HashSize]byte(h))
}

// ByteRange is a half-open interval [Start, End) of byte offsets.
type ByteRange struct {
	Start uint64
	End   uint64
}

// NewByteRange constructs a ByteRange, panicking if end < start — ranges
// are always well-formed by construction in this codebase.
func NewByteRange(start, end uint64) ByteRange {
	if end < start {
		panic(fmt.Sprintf("types: invalid range [%d, %d)", start, end))
	}
	return ByteRange{Start: start, End: end}
}

// Bytecount returns the number of bytes covered by the range.
func (r ByteRange) Bytecount() uint64 { return r.End - r.Start }

// IsEmpty reports whether the range covers zero bytes.
func (r ByteRange) IsEmpty() bool { return r.Start == r.End }

// Overlaps reports whether r and other share any byte offset.
func (r ByteRange) Overlaps(other ByteRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// Adjacent reports whether r and other share a boundary with no gap,
// i.e. they could be merged into a single contiguous range.
func (r ByteRange) Adjacent(other ByteRange) bool {
	return r.End == other.Start || other.End == r.Start
}

// Chunked splits the range into consecutive chunks of at most size
// bytes each, in ascending order. size must be > 0.
func (r ByteRange) Chunked(size uint64) []ByteRange {
	if size == 0 {
		panic("types: chunk size must be > 0")
	}
	var chunks []ByteRange
	for start := r.Start; start < r.End; start += size {
		end := min(start+size, r.End)
		chunks = append(chunks, ByteRange{Start: start, End: end})
	}
	return chunks
}

// ByteRanges is a canonical set of disjoint, ascending, non-adjacent
// ByteRange values. The zero value is the empty set.
type ByteRanges struct {
	ranges []ByteRange
}

// NewByteRanges builds a canonical ByteRanges from arbitrary (possibly
// overlapping, unordered) input ranges.
func NewByteRanges(rs ...ByteRange) ByteRanges {
	var out ByteRanges
	for _, r := range rs {
		out = out.Add(r)
	}
	return out
}

// Single builds a ByteRanges containing exactly [start, end).
func Single(start, end uint64) ByteRanges {
	return NewByteRanges(NewByteRange(start, end))
}

// Ranges returns the canonical, ascending, disjoint ranges.
func (b ByteRanges) Ranges() []ByteRange {
	out := make([]ByteRange, len(b.ranges))
	copy(out, b.ranges)
	return out
}

// IsEmpty reports whether the set covers no bytes.
func (b ByteRanges) IsEmpty() bool { return len(b.ranges) == 0 }

// Bytecount returns the total number of bytes covered.
func (b ByteRanges) Bytecount() uint64 {
	var total uint64
	for _, r := range b.ranges {
		total += r.Bytecount()
	}
	return total
}

// Add returns a new ByteRanges with r merged in, coalescing any ranges
// it overlaps or touches.
func (b ByteRanges) Add(r ByteRange) ByteRanges {
	if r.IsEmpty() {
		return b
	}
	merged := append(append([]ByteRange{}, b.ranges...), r)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })

	out := merged[:0:0]
	cur := merged[0]
	for _, next := range merged[1:] {
		if next.Start <= cur.End {
			cur.End = max(cur.End, next.End)
			continue
		}
		out = append(out, cur)
		cur = next
	}
	out = append(out, cur)
	return ByteRanges{ranges: out}
}

// Subtraction returns b with every range in other removed.
func (b ByteRanges) Subtraction(other ByteRanges) ByteRanges {
	result := b.ranges
	for _, sub := range other.ranges {
		var next []ByteRange
		for _, r := range result {
			if !r.Overlaps(sub) {
				next = append(next, r)
				continue
			}
			if r.Start < sub.Start {
				next = append(next, ByteRange{Start: r.Start, End: sub.Start})
			}
			if sub.End < r.End {
				next = append(next, ByteRange{Start: sub.End, End: r.End})
			}
		}
		result = next
	}
	return ByteRanges{ranges: result}
}

// Chunked splits every range in the set into chunks of at most size
// bytes, preserving ascending order across the whole set.
func (b ByteRanges) Chunked(size uint64) []ByteRange {
	var out []ByteRange
	for _, r := range b.ranges {
		out = append(out, r.Chunked(size)...)
	}
	return out
}

// Semaphore is a counting semaphore backed by a buffered channel. It
// bounds concurrency for call sites that don't need cancellation; use
// golang.org/x/sync/semaphore.Weighted where a context-aware acquire
// is required (see internal/syncproto, internal/rangedhash).
type Semaphore chan struct{}

// NewSemaphore creates a semaphore allowing up to n concurrent holders.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }
