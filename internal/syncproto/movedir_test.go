package syncproto

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/n0mad/realize/internal/peer"
	"github.com/n0mad/realize/internal/progressbus"
	"github.com/n0mad/realize/internal/rsyncdelta"
	"github.com/n0mad/realize/internal/storage"
	"github.com/n0mad/realize/internal/types"
)

// multiFileClient is an in-memory peer.Client over several named files,
// used to exercise MoveDirs' listing, pairing, and bounded fanout.
type multiFileClient struct {
	mu    sync.Mutex
	arena types.Arena
	files map[string]*fakeClient
}

func newMultiFileClient(arena types.Arena) *multiFileClient {
	return &multiFileClient{arena: arena, files: map[string]*fakeClient{}}
}

func (m *multiFileClient) put(path string, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = newFakeClient(content)
}

func (m *multiFileClient) List(_ context.Context, _ types.Arena, _ peer.Options) ([]storage.SyncedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.SyncedFile, 0, len(m.files))
	for p, f := range m.files {
		f.mu.Lock()
		size := uint64(len(f.data))
		f.mu.Unlock()
		out = append(out, storage.SyncedFile{Path: types.MustParsePath(p), Size: size})
	}
	return out, nil
}

func (m *multiFileClient) client(path types.Path) *fakeClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[path.String()]
	if !ok {
		f = newFakeClient("")
		m.files[path.String()] = f
	}
	return f
}

func (m *multiFileClient) Read(ctx context.Context, arena types.Arena, path types.Path, rng types.ByteRange) ([]byte, error) {
	return m.client(path).Read(ctx, arena, path, rng)
}
func (m *multiFileClient) Hash(ctx context.Context, arena types.Arena, path types.Path, rng types.ByteRange) (types.Hash, error) {
	return m.client(path).Hash(ctx, arena, path, rng)
}
func (m *multiFileClient) CalculateSignature(ctx context.Context, arena types.Arena, path types.Path, rng types.ByteRange) (rsyncdelta.Signature, error) {
	return m.client(path).CalculateSignature(ctx, arena, path, rng)
}
func (m *multiFileClient) Diff(ctx context.Context, arena types.Arena, path types.Path, rng types.ByteRange, sig rsyncdelta.Signature) (rsyncdelta.Delta, types.Hash, error) {
	return m.client(path).Diff(ctx, arena, path, rng, sig)
}
func (m *multiFileClient) ApplyDelta(ctx context.Context, arena types.Arena, path types.Path, rng types.ByteRange, delta rsyncdelta.Delta, expectedHash types.Hash) error {
	return m.client(path).ApplyDelta(ctx, arena, path, rng, delta, expectedHash)
}
func (m *multiFileClient) Send(ctx context.Context, arena types.Arena, path types.Path, rng types.ByteRange, data []byte) error {
	return m.client(path).Send(ctx, arena, path, rng, data)
}
func (m *multiFileClient) Truncate(ctx context.Context, arena types.Arena, path types.Path, size uint64) error {
	return m.client(path).Truncate(ctx, arena, path, size)
}
func (m *multiFileClient) Finish(ctx context.Context, arena types.Arena, path types.Path) error {
	return m.client(path).Finish(ctx, arena, path)
}
func (m *multiFileClient) Delete(ctx context.Context, arena types.Arena, path types.Path) error {
	return m.client(path).Delete(ctx, arena, path)
}

func TestMoveDirsParallelFanout(t *testing.T) {
	arena := types.Arena("testdir")
	src := newMultiFileClient(arena)
	dst := newMultiFileClient(arena)
	for i := 0; i < 8; i++ {
		src.put(pathName(i), "payload")
	}

	bus := progressbus.NewBus()
	ch, closer := bus.Subscribe()
	defer closer()

	result, err := MoveDirs(context.Background(), []types.Arena{arena}, src, dst, bus)
	if err != nil {
		t.Fatalf("MoveDirs: %v", err)
	}
	if result.Success != 8 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	deadline := time.After(time.Second)
	var downloads int
	for downloads < 8 {
		select {
		case n := <-ch:
			if n.Kind == progressbus.KindUpdateAction && n.Action == progressbus.ActionDownload {
				downloads++
			}
		case <-deadline:
			t.Fatalf("expected 8 download-action events, saw %d", downloads)
		}
	}
}

func pathName(i int) string {
	return "file" + string(rune('a'+i)) + ".bin"
}
