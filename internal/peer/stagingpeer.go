package peer

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/n0mad/realize/internal/rsyncdelta"
	"github.com/n0mad/realize/internal/storage"
	"github.com/n0mad/realize/internal/types"
)

// Staging wraps a storage.BoltStore as the destination side of a
// Download: every read and write method operates on path's in-flight
// work file rather than the indexed store, so syncing a not-yet-
// realized file never touches the index. Finish commits the assembled
// content into the content-addressed blob directory instead of
// promoting it into the index — jobhandler enqueues the separate
// Realize job that does that promotion (spec.md's Download/Realize
// split: Download stages, Realize promotes).
//
// A Staging value is single-use: create one per Download job.
type Staging struct {
	store     *storage.BoltStore
	committed types.Hash
}

// NewStaging wraps store as a Staging destination.
func NewStaging(store *storage.BoltStore) *Staging {
	return &Staging{store: store}
}

// CommittedHash returns the hash Finish committed the staged blob
// under. Only meaningful after Finish has returned successfully.
func (s *Staging) CommittedHash() types.Hash { return s.committed }

// List implements Client by delegating to the indexed store — Staging
// is never asked to enumerate its own in-flight files.
func (s *Staging) List(_ context.Context, _ types.Arena, opts Options) ([]storage.SyncedFile, error) {
	return listArena(s.store.Root(), opts.IgnorePartial)
}

func (s *Staging) readRange(path types.Path, rng types.ByteRange) ([]byte, error) {
	f, err := s.store.OpenWorkFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, rng.Bytecount())
	n, err := f.ReadAt(buf, int64(rng.Start))
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// Read implements Client over the in-flight work file. Bytes past the
// end of the work file are not returned, so a range that runs past it
// yields fewer than rng.Bytecount() bytes.
func (s *Staging) Read(_ context.Context, _ types.Arena, path types.Path, rng types.ByteRange) ([]byte, error) {
	return s.readRange(path, rng)
}

// Hash implements Client over the in-flight work file. A range
// entirely past the end of the work file returns the zero Hash.
func (s *Staging) Hash(_ context.Context, _ types.Arena, path types.Path, rng types.ByteRange) (types.Hash, error) {
	data, err := s.readRange(path, rng)
	if err != nil {
		return types.Hash{}, err
	}
	if len(data) == 0 && !rng.IsEmpty() {
		return types.Hash{}, nil
	}
	return types.HashBytes(data), nil
}

// CalculateSignature implements Client over the in-flight work file.
func (s *Staging) CalculateSignature(_ context.Context, _ types.Arena, path types.Path, rng types.ByteRange) (rsyncdelta.Signature, error) {
	data, err := s.readRange(path, rng)
	if err != nil {
		return nil, err
	}
	return rsyncdelta.Sign(data), nil
}

// Diff implements Client over the in-flight work file. MoveFile never
// calls Diff on its destination, but Staging implements it fully since
// nothing about the role is destination-only at the type level.
func (s *Staging) Diff(_ context.Context, _ types.Arena, path types.Path, rng types.ByteRange, sig rsyncdelta.Signature) (rsyncdelta.Delta, types.Hash, error) {
	data, err := s.readRange(path, rng)
	if err != nil {
		return nil, types.Hash{}, err
	}
	delta, err := rsyncdelta.Diff(sig, data)
	if err != nil {
		return nil, types.Hash{}, err
	}
	return delta, types.HashBytes(data), nil
}

// ApplyDelta implements Client: it reconstructs rng against the
// in-flight work file's current content, verifying the result before
// writing it back.
func (s *Staging) ApplyDelta(_ context.Context, _ types.Arena, path types.Path, rng types.ByteRange, delta rsyncdelta.Delta, expectedHash types.Hash) error {
	f, err := s.store.OpenWorkFile(path)
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

// Send implements Client: writes literal bytes into the in-flight work
// file at rng.
func (s *Staging) Send(_ context.Context, _ types.Arena, path types.Path, rng types.ByteRange, data []byte) error {
	f, err := s.store.OpenWorkFile(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteAt(data, int64(rng.Start))
	return err
}

// Truncate implements Client over the in-flight work file.
func (s *Staging) Truncate(_ context.Context, _ types.Arena, path types.Path, size uint64) error {
	f, err := s.store.OpenWorkFile(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return f.Truncate(int64(size))
}

// Finish implements Client: it computes the final hash of the
// assembled work file and commits it into the content-addressed blob
// directory, recording the hash for the caller to read back via
// CommittedHash rather than promoting anything into the index.
func (s *Staging) Finish(_ context.Context, _ types.Arena, path types.Path) error {
	data, err := os.ReadFile(s.store.WorkPath(path))
	if err != nil {
		return err
	}
	hash := types.HashBytes(data)
	if err := os.Rename(s.store.WorkPath(path), s.store.StagePath(hash)); err != nil {
		return err
	}
	s.committed = hash
	return nil
}

// Delete implements Client. Staging is never the source side of a
// transfer in the live pipeline; this just clears any leftover work
// file for path.
func (s *Staging) Delete(_ context.Context, _ types.Arena, path types.Path) error {
	if err := os.Remove(s.store.WorkPath(path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
