package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/n0mad/realize/internal/churten"
	"github.com/n0mad/realize/internal/jobhandler"
	"github.com/n0mad/realize/internal/peer"
	"github.com/n0mad/realize/internal/progress"
	"github.com/n0mad/realize/internal/progressbus"
	"github.com/n0mad/realize/internal/storage"
	"github.com/n0mad/realize/internal/tracker"
	"github.com/n0mad/realize/internal/types"
)

// syncOptions holds CLI flags for the sync command.
type syncOptions struct {
	arena      string
	noProgress bool
	verbose    bool
}

// newSyncCmd creates the sync subcommand.
func newSyncCmd() *cobra.Command {
	opts := &syncOptions{arena: "default"}

	cmd := &cobra.Command{
		Use:   "sync <local-root> <remote-root>",
		Short: "Reconcile a local arena against a peer's",
		Long: `Enumerates a peer's content-addressed files, enqueues a Download job for
every path missing or out of date locally, and drives those jobs to
completion with bounded parallelism.

remote-root is, for now, another local directory wrapped in the
in-process reference peer client; a networked transport is future
work (spec.md scopes the RPC transport out entirely).`,
		Args: cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSync(args[0], args[1], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.arena, "arena", "a", opts.arena, "Arena name")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log per-job lifecycle events")

	return cmd
}

// drainErrors consumes terminal-failure notifications and writes them
// to stderr, matching the teacher's stderr-drain goroutine shape.
func drainErrors(notifications <-chan progressbus.ChurtenNotification, verbose bool) {
	for n := range notifications {
		switch n.Kind {
		case progressbus.KindFinish:
			if n.Progress.State == progressbus.ProgressFailed {
				fmt.Fprintf(os.Stderr, "\r\033[Kerror: arena %s job %d: %s\n", n.Arena, n.JobId, n.Progress.Message)
			} else if verbose {
				fmt.Fprintf(os.Stderr, "\r\033[Karena %s job %d: %s\n", n.Arena, n.JobId, n.Progress.String())
			}
		case progressbus.KindUpdateAction:
			if verbose {
				fmt.Fprintf(os.Stderr, "\r\033[Karena %s job %d: %s\n", n.Arena, n.JobId, n.Action.String())
			}
		}
	}
}

// syncStats implements fmt.Stringer for the CLI progress bar.
type syncStats struct {
	total     int
	completed atomic.Int64
	failed    atomic.Int64
}

func (s *syncStats) String() string {
	return fmt.Sprintf("%d/%d jobs done (%d failed)", s.completed.Load(), s.total, s.failed.Load())
}

func runSync(localRoot, remoteRoot string, opts *syncOptions) error {
	localStore, err := storage.Open(types.Arena(opts.arena), localRoot)
	if err != nil {
		return fmt.Errorf("open local arena: %w", err)
	}
	defer func() { _ = localStore.Close() }()

	remoteStore, err := storage.Open(types.Arena(opts.arena), remoteRoot)
	if err != nil {
		return fmt.Errorf("open remote arena: %w", err)
	}
	defer func() { _ = remoteStore.Close() }()

	local := peer.NewLocal(localStore)
	remote := peer.NewLocal(remoteStore)

	enqueued, err := reconcile(context.Background(), localStore, remote)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if enqueued == 0 {
		fmt.Fprintln(os.Stderr, "nothing to do, already in sync")
		return nil
	}

	bus := progressbus.NewBus()
	errCh, errCloser := bus.Subscribe()
	go drainErrors(errCh, opts.verbose)
	defer errCloser()

	tr := tracker.New(bus)
	defer tr.Stop()

	stats := &syncStats{total: enqueued}
	statusCh, statusCloser := bus.Subscribe()
	defer statusCloser()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := range statusCh {
			if n.Kind != progressbus.KindFinish {
				continue
			}
			stats.completed.Add(1)
			if n.Progress.State == progressbus.ProgressFailed {
				stats.failed.Add(1)
			}
			if int(stats.completed.Load()) >= stats.total {
				return
			}
		}
	}()

	bar := progress.New(!opts.noProgress, -1)
	stopBar := make(chan struct{})
	barDone := make(chan struct{})
	go func() {
		defer close(barDone)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				bar.Describe(stats)
			case <-stopBar:
				return
			}
		}
	}()

	handler := jobhandler.New(localStore, local, semaphore.NewWeighted(1))
	sched := churten.New(localStore, handler, bus, remote)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)

	select {
	case <-done:
	case <-ctx.Done():
		// Shutdown doesn't wait for in-flight jobs (spec §4.7), and any
		// job still sitting unconsumed in the stream when the loop
		// breaks never reaches Finish, so don't block indefinitely on
		// every enqueued job completing once a shutdown has begun.
		sched.Shutdown()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			fmt.Fprintln(os.Stderr, "shutdown requested, not waiting for remaining in-flight jobs")
		}
	}
	close(stopBar)
	<-barDone
	bar.Finish(stats)

	if stats.failed.Load() > 0 {
		return fmt.Errorf("sync completed with %d failed job(s)", stats.failed.Load())
	}
	return nil
}

// reconcile lists remote's files and enqueues a Download job in
// localStore for every path missing locally or whose indexed size and
// modification time no longer match the remote's (the same
// trust-but-verify signal internal/reader uses — List doesn't hash
// every file it enumerates, so size+mtime is what's available cheaply;
// MoveFile re-verifies actual content during the download itself).
// This is a simplified stand-in for the reconciliation logic spec.md
// scopes to the Storage subsystem — here folded into the CLI since no
// external Storage is wired.
func reconcile(ctx context.Context, localStore *storage.BoltStore, remote peer.Client) (int, error) {
	files, err := remote.List(ctx, localStore.Arena(), peer.Options{IgnorePartial: true})
	if err != nil {
		return 0, err
	}

	var (
		mu       sync.Mutex
		count    int
		wg       sync.WaitGroup
		firstErr error
	)
	for _, f := range files {
		f := f
		wg.Add(1)
		go func() {
			defer wg.Done()
			size, modTime, _, ok, lookupErr := localStore.IndexLookup(f.Path)

			mu.Lock()
			defer mu.Unlock()
			if firstErr != nil {
				return
			}
			if lookupErr != nil {
				firstErr = lookupErr
				return
			}
			if ok && size == f.Size && modTime.Equal(f.ModTime) {
				return
			}
			if _, enqueueErr := localStore.EnqueueJob(ctx, storage.Job{
				Kind: storage.JobDownload,
				Path: f.Path,
			}); enqueueErr != nil {
				firstErr = enqueueErr
				return
			}
			count++
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return 0, firstErr
	}

	logrus.WithField("arena", localStore.Arena().String()).
		Infof("enqueued %s job(s) out of %s file(s) listed", humanize.Comma(int64(count)), humanize.Comma(int64(len(files))))
	return count, nil
}
