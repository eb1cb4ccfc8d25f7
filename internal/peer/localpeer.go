package peer

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/n0mad/realize/internal/reader"
	"github.com/n0mad/realize/internal/rsyncdelta"
	"github.com/n0mad/realize/internal/storage"
	"github.com/n0mad/realize/internal/types"
)

// Local wraps a storage.BoltStore as an in-process Client: the direct
// analogue of the original's test-only in-process RPC client, used
// here both for tests and as the one concrete transport this repo
// ships. Reads/hashes/signatures/diffs are served from the indexed
// store, and delete removes from it (the "source" role);
// send/truncate/apply_delta/finish operate on path's work file in the
// arena's staging area (the "destination" role). A single Local
// can act as either, or both, depending on which side of MoveFile it's
// passed as.
type Local struct {
	store *storage.BoltStore
}

// NewLocal wraps store as a Client.
func NewLocal(store *storage.BoltStore) *Local {
	return &Local{store: store}
}

// List implements Client.
func (l *Local) List(_ context.Context, _ types.Arena, opts Options) ([]storage.SyncedFile, error) {
	return listArena(l.store.Root(), opts.IgnorePartial)
}

// Read implements Client.
func (l *Local) Read(ctx context.Context, _ types.Arena, path types.Path, rng types.ByteRange) ([]byte, error) {
	r, err := reader.Open(l.store, path)
	if err != nil {
		return nil, err
	}
	return r.ReadRange(ctx, rng)
}

// Hash implements Client. A range past end-of-file returns the zero
// Hash rather than an error (spec §4.3).
func (l *Local) Hash(ctx context.Context, arena types.Arena, path types.Path, rng types.ByteRange) (types.Hash, error) {
	r, err := reader.Open(l.store, path)
	if err != nil {
		return types.Hash{}, err
	}
	size, _, err := r.Metadata()
	if err != nil {
		return types.Hash{}, err
	}
	if rng.Start >= size {
		return types.Hash{}, nil
	}
	data, err := l.Read(ctx, arena, path, rng)
	if err != nil {
		return types.Hash{}, err
	}
	return types.HashBytes(data), nil
}

// CalculateSignature implements Client.
func (l *Local) CalculateSignature(ctx context.Context, arena types.Arena, path types.Path, rng types.ByteRange) (rsyncdelta.Signature, error) {
	data, err := l.Read(ctx, arena, path, rng)
	if err != nil {
		return nil, err
	}
	return rsyncdelta.Sign(data), nil
}

// Diff implements Client.
func (l *Local) Diff(_ context.Context, _ types.Arena, path types.Path, rng types.ByteRange, sig rsyncdelta.Signature) (rsyncdelta.Delta, types.Hash, error) {
	delta, err := reader.Rsync(l.store, path, rng, sig)
	if err != nil {
		return nil, types.Hash{}, err
	}
	data, err := func() ([]byte, error) {
		r, err := reader.Open(l.store, path)
		if err != nil {
			return nil, err
		}
		return r.ReadRange(context.Background(), rng)
	}()
	if err != nil {
		return nil, types.Hash{}, err
	}
	return delta, types.HashBytes(data), nil
}

// ApplyDelta implements Client. It applies delta against the
// destination's current staged content at rng, verifying the result
// hashes to expectedHash before writing it back; a mismatch leaves the
// staged file untouched and returns storage.ErrHashMismatch so the
// sync protocol can fall back to a direct copy for that range.
func (l *Local) ApplyDelta(_ context.Context, _ types.Arena, path types.Path, rng types.ByteRange, delta rsyncdelta.Delta, expectedHash types.Hash) error {
	f, err := l.store.OpenWorkFile(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	base := make([]byte, rng.Bytecount())
	if _, err := f.ReadAt(base, int64(rng.Start)); err != nil && err != io.EOF {
		return err
	}

	reconstructed, err := rsyncdelta.Apply(base, delta)
	if err != nil {
		return err
	}
	if types.HashBytes(reconstructed) != expectedHash {
		return fmt.Errorf("%w: range %d-%d", storage.ErrHashMismatch, rng.Start, rng.End)
	}
	_, err = f.WriteAt(reconstructed, int64(rng.Start))
	return err
}

// Send implements Client.
func (l *Local) Send(_ context.Context, _ types.Arena, path types.Path, rng types.ByteRange, data []byte) error {
	f, err := l.store.OpenWorkFile(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteAt(data, int64(rng.Start))
	return err
}

// Truncate implements Client.
func (l *Local) Truncate(_ context.Context, _ types.Arena, path types.Path, size uint64) error {
	f, err := l.store.OpenWorkFile(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return f.Truncate(int64(size))
}

// Finish implements Client: it computes the final hash of the staged
// content and promotes it into the indexed store.
func (l *Local) Finish(_ context.Context, _ types.Arena, path types.Path) error {
	data, err := os.ReadFile(l.store.WorkPath(path))
	if err != nil {
		return err
	}
	return l.store.PromoteWorkFile(path, types.HashBytes(data))
}

// Delete implements Client: it removes path from the indexed store
// (the source side, once a transfer is confirmed complete).
func (l *Local) Delete(_ context.Context, _ types.Arena, path types.Path) error {
	full := path.Within(l.store.Root())
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return l.store.IndexDelete(path)
}
