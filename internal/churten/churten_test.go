package churten

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/n0mad/realize/internal/jobhandler"
	"github.com/n0mad/realize/internal/peer"
	"github.com/n0mad/realize/internal/progressbus"
	"github.com/n0mad/realize/internal/storage"
	"github.com/n0mad/realize/internal/types"
)

// fakeStore is a minimal storage.Store backed by a fixed job list, used
// to drive the scheduler without a full BoltStore-backed queue.
type fakeStore struct {
	mu       sync.Mutex
	jobs     []storage.JobStreamEntry
	finished []finishedEntry
}

type finishedEntry struct {
	arena  types.Arena
	id     storage.JobId
	status storage.JobStatus
	err    error
}

func (f *fakeStore) JobStream(_ context.Context) (<-chan storage.JobStreamEntry, error) {
	ch := make(chan storage.JobStreamEntry, len(f.jobs))
	for _, j := range f.jobs {
		ch <- j
	}
	close(ch)
	return ch, nil
}

func (f *fakeStore) JobFinished(_ context.Context, arena types.Arena, id storage.JobId, status storage.JobStatus, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, finishedEntry{arena, id, status, err})
	return nil
}

func (f *fakeStore) JobForPath(_ context.Context, _ types.Arena, _ types.Path) (storage.JobId, storage.Job, bool, error) {
	return 0, storage.Job{}, false, nil
}

func (f *fakeStore) SetArenaMark(_ context.Context, _ types.Arena, _ storage.Mark) error {
	return nil
}

func (f *fakeStore) snapshot() []finishedEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]finishedEntry, len(f.finished))
	copy(out, f.finished)
	return out
}

func openBoltStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.Open("a", t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSchedulerRunsJobsAndReportsFinished(t *testing.T) {
	remoteStore := openBoltStore(t)
	for i, name := range []string{"one.txt", "two.txt", "three.txt"} {
		_ = i
		path := types.MustParsePath(name)
		full := path.Within(remoteStore.Root())
		content := []byte("content of " + name)
		if err := os.WriteFile(full, content, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		info, _ := os.Stat(full)
		if err := remoteStore.IndexPut(path, uint64(info.Size()), info.ModTime(), types.HashBytes(content)); err != nil {
			t.Fatalf("IndexPut: %v", err)
		}
	}
	remote := peer.NewLocal(remoteStore)

	// localStore doubles as both the jobhandler's arena store and the
	// scheduler's job queue, so the Realize jobs Download enqueues as a
	// follow-up flow through the same live, buffered jobCh the scheduler
	// is draining — a fakeStore's fixed job list can't see those.
	localStore := openBoltStore(t)
	local := peer.NewLocal(localStore)
	handler := jobhandler.New(localStore, local, semaphore.NewWeighted(1))

	for _, name := range []string{"one.txt", "two.txt", "three.txt"} {
		if _, err := localStore.EnqueueJob(context.Background(), storage.Job{Kind: storage.JobDownload, Path: types.MustParsePath(name)}); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	bus := progressbus.NewBus()
	ch, closer := bus.Subscribe()
	defer closer()

	sched := New(localStore, handler, bus, remote)
	sched.Start(context.Background())
	t.Cleanup(sched.Shutdown) // localStore's jobCh never closes on its own

	deadline := time.After(2 * time.Second)
	finishes := 0
	for finishes < 6 { // 3 Download + 3 follow-up Realize
		select {
		case n := <-ch:
			if n.Kind == progressbus.KindFinish {
				finishes++
			}
		case <-deadline:
			t.Fatalf("timed out waiting for Finish notifications, saw %d", finishes)
		}
	}

	for _, name := range []string{"one.txt", "two.txt", "three.txt"} {
		_, _, _, ok, err := localStore.IndexLookup(types.MustParsePath(name))
		if err != nil || !ok {
			t.Errorf("%s not indexed locally: ok=%v err=%v", name, ok, err)
		}
	}
}

func TestSchedulerStartIsIdempotentAndStopsWhenStreamEnds(t *testing.T) {
	store := &fakeStore{}
	bus := progressbus.NewBus()
	handler := jobhandler.New(openBoltStore(t), peer.NewLocal(openBoltStore(t)), semaphore.NewWeighted(1))
	sched := New(store, handler, bus, nil)

	sched.Start(context.Background())
	sched.Start(context.Background()) // no-op, must not panic or double-run

	deadline := time.After(time.Second)
	for sched.IsRunning() {
		select {
		case <-deadline:
			t.Fatal("scheduler never finished draining an empty job stream")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	sched.Shutdown() // no-op once already stopped, must not panic
}

func TestSchedulerAbandonedDownloadWhenRemoteMissingFile(t *testing.T) {
	remoteStore := openBoltStore(t)
	remote := peer.NewLocal(remoteStore)
	localStore := openBoltStore(t)
	local := peer.NewLocal(localStore)
	handler := jobhandler.New(localStore, local, semaphore.NewWeighted(1))

	store := &fakeStore{jobs: []storage.JobStreamEntry{
		{Arena: "a", Id: 1, Job: storage.Job{Kind: storage.JobDownload, Path: types.MustParsePath("missing.txt")}},
	}}
	bus := progressbus.NewBus()
	sched := New(store, handler, bus, remote)
	sched.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for len(store.snapshot()) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for job_finished")
		}
		time.Sleep(time.Millisecond)
	}

	finished := store.snapshot()
	if finished[0].status != storage.StatusAbandoned {
		t.Errorf("status = %v, want Abandoned", finished[0].status)
	}
}
