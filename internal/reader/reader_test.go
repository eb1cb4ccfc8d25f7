package reader

import (
	"os"
	"testing"
	"time"

	"github.com/n0mad/realize/internal/rsyncdelta"
	"github.com/n0mad/realize/internal/storage"
	"github.com/n0mad/realize/internal/types"
)

func setup(t *testing.T, content string) (*storage.BoltStore, types.Path) {
	t.Helper()
	root := t.TempDir()
	store, err := storage.Open("a", root)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	p := types.MustParsePath("f.txt")
	full := p.Within(root)
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	info, err := os.Stat(full)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	hash := types.HashBytes([]byte(content))
	if err := store.IndexPut(p, uint64(info.Size()), info.ModTime(), hash); err != nil {
		t.Fatalf("IndexPut: %v", err)
	}
	return store, p
}

func TestReaderMetadataMatches(t *testing.T) {
	store, p := setup(t, "hello world")
	r, err := Open(store, p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	size, hash, err := r.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if size != 11 || hash == nil {
		t.Fatalf("expected matching metadata, got size=%d hash=%v", size, hash)
	}
}

func TestReaderMetadataMismatchReturnsNilHash(t *testing.T) {
	store, p := setup(t, "hello world")
	full := p.Within(store.Root())

	// Modify on-disk content after indexing, without updating the index.
	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(full, []byte("goodbye world"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r, err := Open(store, p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, hash, err := r.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if hash != nil {
		t.Error("expected nil hash after on-disk content changed without reindexing")
	}
}

func TestOpenNotFound(t *testing.T) {
	store, err := storage.Open("a", t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	_, err = Open(store, types.MustParsePath("missing"))
	if err == nil {
		t.Fatal("expected error for unindexed path")
	}
}

func TestRsync(t *testing.T) {
	store, p := setup(t, "hello world")
	sig := rsyncdelta.Sign([]byte("hello there"))

	delta, err := Rsync(store, p, types.NewByteRange(0, 11), sig)
	if err != nil {
		t.Fatalf("Rsync: %v", err)
	}
	if len(delta) == 0 {
		t.Error("expected a non-empty delta")
	}

	got, err := rsyncdelta.Apply([]byte("hello there"), delta)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

func TestRsyncNotFound(t *testing.T) {
	store, err := storage.Open("a", t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	_, err = Rsync(store, types.MustParsePath("missing"), types.NewByteRange(0, 1), nil)
	if err == nil {
		t.Fatal("expected error for unindexed path")
	}
}
