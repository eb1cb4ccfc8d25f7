package syncproto

import (
	"context"
	"sync"

	"github.com/n0mad/realize/internal/peer"
	"github.com/n0mad/realize/internal/rsyncdelta"
	"github.com/n0mad/realize/internal/storage"
	"github.com/n0mad/realize/internal/types"
)

// fakeClient is an in-memory peer.Client backed by one buffer, used to
// drive syncproto tests without a real storage.BoltStore. It plays
// either role (source or destination) depending on which side of
// MoveFile it's passed as.
type fakeClient struct {
	mu       sync.Mutex
	data     []byte
	finished bool
	deleted  bool

	forceApplyMismatch bool
	corruptOnSend      bool
}

func newFakeClient(content string) *fakeClient {
	return &fakeClient{data: []byte(content)}
}

func (c *fakeClient) List(context.Context, types.Arena, peer.Options) ([]storage.SyncedFile, error) {
	panic("not used by these tests")
}

func (c *fakeClient) slice(rng types.ByteRange) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rng.Start >= uint64(len(c.data)) {
		return nil
	}
	end := min(rng.End, uint64(len(c.data)))
	out := make([]byte, end-rng.Start)
	copy(out, c.data[rng.Start:end])
	return out
}

func (c *fakeClient) Read(_ context.Context, _ types.Arena, _ types.Path, rng types.ByteRange) ([]byte, error) {
	return c.slice(rng), nil
}

func (c *fakeClient) Hash(_ context.Context, _ types.Arena, _ types.Path, rng types.ByteRange) (types.Hash, error) {
	c.mu.Lock()
	tooFar := rng.Start >= uint64(len(c.data))
	c.mu.Unlock()
	if tooFar {
		return types.Hash{}, nil
	}
	return types.HashBytes(c.slice(rng)), nil
}

func (c *fakeClient) CalculateSignature(_ context.Context, _ types.Arena, _ types.Path, rng types.ByteRange) (rsyncdelta.Signature, error) {
	return rsyncdelta.Sign(c.slice(rng)), nil
}

func (c *fakeClient) Diff(_ context.Context, _ types.Arena, _ types.Path, rng types.ByteRange, sig rsyncdelta.Signature) (rsyncdelta.Delta, types.Hash, error) {
	data := c.slice(rng)
	delta, err := rsyncdelta.Diff(sig, data)
	if err != nil {
		return nil, types.Hash{}, err
	}
	return delta, types.HashBytes(data), nil
}

func (c *fakeClient) writeAt(rng types.ByteRange, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	need := int(rng.Start) + len(payload)
	if need > len(c.data) {
		c.data = append(c.data, make([]byte, need-len(c.data))...)
	}
	copy(c.data[rng.Start:], payload)
}

func (c *fakeClient) ApplyDelta(_ context.Context, _ types.Arena, _ types.Path, rng types.ByteRange, delta rsyncdelta.Delta, expectedHash types.Hash) error {
	if c.forceApplyMismatch {
		return storage.ErrHashMismatch
	}
	base := c.slice(rng)
	reconstructed, err := rsyncdelta.Apply(base, delta)
	if err != nil {
		return err
	}
	if types.HashBytes(reconstructed) != expectedHash {
		return storage.ErrHashMismatch
	}
	c.writeAt(rng, reconstructed)
	return nil
}

func (c *fakeClient) Send(_ context.Context, _ types.Arena, _ types.Path, rng types.ByteRange, data []byte) error {
	if c.corruptOnSend {
		corrupted := make([]byte, len(data))
		for i, b := range data {
			corrupted[i] = b ^ 0xFF
		}
		data = corrupted
	}
	c.writeAt(rng, data)
	return nil
}

func (c *fakeClient) Truncate(_ context.Context, _ types.Arena, _ types.Path, size uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(size) <= len(c.data) {
		c.data = c.data[:size]
		return nil
	}
	c.data = append(c.data, make([]byte, int(size)-len(c.data))...)
	return nil
}

func (c *fakeClient) Finish(context.Context, types.Arena, types.Path) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = true
	return nil
}

func (c *fakeClient) Delete(context.Context, types.Arena, types.Path) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = true
	return nil
}

func (c *fakeClient) content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.data)
}
