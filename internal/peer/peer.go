// Package peer defines the Household/RPC contract the sync protocol
// drives (spec §6) and ships one in-process reference implementation
// over a storage.BoltStore. A real network transport (gRPC, following
// the shape other repos in this codebase's lineage use for peer
// traffic) is a natural next layer but out of scope here: spec.md
// scopes RPC transport as "specified only by the interface the core
// uses", and no protobuf toolchain is available to generate one
// correctly in this environment.
package peer

import (
	"context"

	"github.com/n0mad/realize/internal/rsyncdelta"
	"github.com/n0mad/realize/internal/storage"
	"github.com/n0mad/realize/internal/types"
)

// Options modifies how a peer call behaves. Source list requests carry
// IgnorePartial = true (don't consider half-transferred files as sync
// candidates); destination list requests carry IgnorePartial = false
// (spec §4.5 "Options on peer calls").
type Options struct {
	IgnorePartial bool
}

// Client is the typed boundary the sync protocol and handler use to
// reach a peer — local or remote. Every method may fail with a
// transport error, context.DeadlineExceeded/context.Canceled, or one
// of the storage sentinel errors (storage.ErrNotFound,
// storage.ErrHashMismatch, storage.ErrIsADirectory,
// storage.ErrUnavailable), per the taxonomy in spec §7.
type Client interface {
	// List enumerates synced files visible in arena.
	List(ctx context.Context, arena types.Arena, opts Options) ([]storage.SyncedFile, error)

	// Read returns exactly rng.Bytecount() bytes of path's content.
	Read(ctx context.Context, arena types.Arena, path types.Path, rng types.ByteRange) ([]byte, error)

	// Hash returns the content hash of rng. A range entirely past
	// end-of-file returns the zero Hash rather than an error.
	Hash(ctx context.Context, arena types.Arena, path types.Path, rng types.ByteRange) (types.Hash, error)

	// CalculateSignature computes a two-tier rsync signature of
	// path's current content over rng.
	CalculateSignature(ctx context.Context, arena types.Arena, path types.Path, rng types.ByteRange) (rsyncdelta.Signature, error)

	// Diff computes a delta that would reconstruct path's content
	// over rng against sig, plus the hash of that range as currently
	// held by this peer (so the caller can verify post-apply).
	Diff(ctx context.Context, arena types.Arena, path types.Path, rng types.ByteRange, sig rsyncdelta.Signature) (rsyncdelta.Delta, types.Hash, error)

	// ApplyDelta reconstructs rng of path's staged content from
	// delta and verifies it hashes to expectedHash. Returns
	// storage.ErrHashMismatch (without corrupting existing state) if
	// it doesn't — the sync protocol falls back to a direct copy for
	// that range.
	ApplyDelta(ctx context.Context, arena types.Arena, path types.Path, rng types.ByteRange, delta rsyncdelta.Delta, expectedHash types.Hash) error

	// Send writes literal bytes into path's staged content at rng.
	Send(ctx context.Context, arena types.Arena, path types.Path, rng types.ByteRange, data []byte) error

	// Truncate resizes path's staged content to size bytes.
	Truncate(ctx context.Context, arena types.Arena, path types.Path, size uint64) error

	// Finish atomically commits path's assembled staged content,
	// marking the destination side of a transfer complete. What
	// "commit" means is up to the implementation: Local promotes
	// straight into the indexed store; Staging commits into the
	// content-addressed blob directory, pending a separate promotion.
	Finish(ctx context.Context, arena types.Arena, path types.Path) error

	// Delete removes path from this peer entirely (used on the
	// source side once a transfer is confirmed complete).
	Delete(ctx context.Context, arena types.Arena, path types.Path) error
}
