// Package churten implements the job scheduler (spec §4.7): it drains
// storage.Store's job stream, drives each job to completion with
// bounded parallelism, and broadcasts lifecycle notifications over a
// progressbus.Bus.
package churten

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/n0mad/realize/internal/jobhandler"
	"github.com/n0mad/realize/internal/peer"
	"github.com/n0mad/realize/internal/progressbus"
	"github.com/n0mad/realize/internal/storage"
)

// ParallelJobCount bounds how many jobs run Start..Finish at once
// (spec §8 invariant 4).
const ParallelJobCount = 4

// Scheduler drives storage.Store's job stream through handler,
// broadcasting lifecycle notifications on bus. remote is the peer
// Download jobs fetch content from; Realize/Unrealize never use it.
//
// Scheduler is not cloneable like jobhandler.Handler — it owns the
// run's lifecycle state (mu, cancel, done) — but every dependency it
// holds is itself safe for concurrent use, matching the teacher's
// "config is immutable, set by New" shape for everything except that
// lifecycle state.
type Scheduler struct {
	store   storage.Store
	handler jobhandler.Handler
	bus     *progressbus.Bus
	remote  peer.Client

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Scheduler. remote is the peer Download jobs source
// content from.
func New(store storage.Store, handler jobhandler.Handler, bus *progressbus.Bus, remote peer.Client) *Scheduler {
	return &Scheduler{store: store, handler: handler, bus: bus, remote: remote}
}

// IsRunning is a best-effort non-blocking probe.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Start spawns the main loop goroutine; a no-op if already running
// (spec §4.7 lifecycle: idle → running).
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return // already running
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		s.run(runCtx)
	}()
}

// Shutdown cancels the run and returns without waiting for in-flight
// jobs to finish (spec §4.7 lifecycle: running → cancelled). In-flight
// jobs still complete their status-report step; Shutdown just doesn't
// block on it.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// run consumes the job stream and dispatches each entry to a bounded
// worker pool (spec §4.7 main loop, steps 1-5).
func (s *Scheduler) run(ctx context.Context) {
	stream, err := s.store.JobStream(ctx)
	if err != nil {
		logrus.WithError(err).Error("churten: failed to open job stream")
		return
	}

	var g errgroup.Group
	g.SetLimit(ParallelJobCount)

loop:
	for {
		var entry storage.JobStreamEntry
		select {
		case <-ctx.Done():
			break loop
		case e, ok := <-stream:
			if !ok || ctx.Err() != nil {
				break loop
			}
			entry = e
		}

		indexer := &progressbus.Indexer{}
		s.bus.Publish(progressbus.ChurtenNotification{
			Kind:  progressbus.KindNew,
			Arena: string(entry.Arena),
			JobId: entry.Id,
			Index: indexer.Next(),
			Job:   entry.Job,
		})

		g.Go(func() error {
			s.runJob(ctx, entry, indexer)
			return nil
		})
	}

	_ = g.Wait()
}

// runJob runs one job end to end: Start notification, handler
// dispatch, Finish notification, and status report to Storage (spec
// §4.7 steps 3-5). ctx is the scheduler run's cancellation context; the
// handler polls it directly at its own suspension points, propagating
// cancellation into peer RPCs (spec §5).
func (s *Scheduler) runJob(ctx context.Context, entry storage.JobStreamEntry, indexer *progressbus.Indexer) {
	arena := string(entry.Arena)
	log := logrus.WithFields(logrus.Fields{"arena": arena, "job_id": entry.Id, "kind": entry.Job.Kind})

	s.bus.Publish(progressbus.ChurtenNotification{
		Kind:  progressbus.KindStart,
		Arena: arena,
		JobId: entry.Id,
		Index: indexer.Next(),
	})

	reporter := progressbus.NewReporter(s.bus, arena, entry.Id, indexer)
	status, err := s.handler.Run(ctx, entry.Arena, entry.Job, s.remote, reporter)

	progress := classify(status, err, ctx)
	s.bus.Publish(progressbus.ChurtenNotification{
		Kind:     progressbus.KindFinish,
		Arena:    arena,
		JobId:    entry.Id,
		Index:    indexer.Next(),
		Progress: progress,
	})

	if err := s.store.JobFinished(context.Background(), entry.Arena, entry.Id, status, err); err != nil {
		log.WithError(err).Warn("churten: failed to report job status; continuing")
	}
}

// classify maps a handler outcome to a JobProgress (spec §4.7 step 4):
// a job that errored while the run's shutdown token was already
// cancelled is reported Cancelled rather than Failed, per spec.md's
// cancellation propagation policy.
func classify(status storage.JobStatus, err error, shutdownCtx context.Context) progressbus.JobProgress {
	if err != nil {
		if shutdownCtx.Err() != nil {
			return progressbus.Cancelled
		}
		return progressbus.Failed(err.Error())
	}
	if status == storage.StatusAbandoned {
		return progressbus.Abandoned
	}
	return progressbus.Done
}
