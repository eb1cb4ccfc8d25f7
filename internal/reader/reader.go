// Package reader implements the Indexed Reader and Rsync Helper (spec
// §4.1, §4.2): range reads over a locally indexed file, gated by a
// liveness check against the index, and delta computation against a
// remote-supplied signature.
package reader

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/n0mad/realize/internal/rsyncdelta"
	"github.com/n0mad/realize/internal/storage"
	"github.com/n0mad/realize/internal/types"
)

// Reader opens a file registered in the local index and reports its
// size and hash only when file-system state still matches the index
// (spec §4.1): a mismatch never returns a stale hash, it returns nil.
type Reader struct {
	root  string
	path  types.Path
	index *storage.BoltStore
}

// Open opens (arena_root, path), failing storage.ErrNotFound if the
// path has no entry in the index.
func Open(index *storage.BoltStore, path types.Path) (*Reader, error) {
	_, _, _, ok, err := index.IndexLookup(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	return &Reader{root: index.Root(), path: path, index: index}, nil
}

// Metadata returns the file's size on disk, and its indexed hash only
// when the on-disk size and mtime still exactly match the index entry.
// A nil hash means "re-verify if you need certainty" (spec §9): it is
// not evidence of corruption, just of a liveness check that didn't
// pass (the file may simply be mid-write).
func (r *Reader) Metadata() (size uint64, hash *types.Hash, err error) {
	info, err := os.Stat(r.path.Within(r.root))
	if err != nil {
		return 0, nil, err
	}
	size = uint64(info.Size())

	idxSize, idxModTime, idxHash, ok, err := r.index.IndexLookup(r.path)
	if err != nil {
		return size, nil, err
	}
	if !ok || idxSize != size || !idxModTime.Equal(info.ModTime()) {
		return size, nil, nil
	}
	h := idxHash
	return size, &h, nil
}

// ReadRange reads exactly rng.Bytecount() bytes starting at rng.Start.
func (r *Reader) ReadRange(_ context.Context, rng types.ByteRange) ([]byte, error) {
	f, err := os.Open(r.path.Within(r.root))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(int64(rng.Start), io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, rng.Bytecount())
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Rsync computes a delta for path against sig, a signature of the
// destination's current content over the same range (spec §4.2). It
// fails storage.ErrNotFound if path is absent from the index, and
// storage.ErrInvalidSignature if sig is malformed. It never verifies
// hashes; that is the caller's responsibility.
func Rsync(index *storage.BoltStore, path types.Path, rng types.ByteRange, sig rsyncdelta.Signature) (rsyncdelta.Delta, error) {
	r, err := Open(index, path)
	if err != nil {
		return nil, err
	}
	data, err := r.ReadRange(context.Background(), rng)
	if err != nil {
		return nil, err
	}
	delta, err := rsyncdelta.Diff(sig, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidSignature, err)
	}
	return delta, nil
}
