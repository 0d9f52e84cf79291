// Package daemon runs the sync pipeline as a long-lived process: it restores
// the newest usable snapshot, starts observing every watched area, feeds the
// live index, takes snapshots on schedule and serves a control socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/indexsync/internal/aggregator"
	"github.com/Aman-CERP/indexsync/internal/config"
	"github.com/Aman-CERP/indexsync/internal/docstore"
	idxerrors "github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/internal/index"
	"github.com/Aman-CERP/indexsync/internal/observer"
	"github.com/Aman-CERP/indexsync/internal/scheduler"
	"github.com/Aman-CERP/indexsync/internal/snapshot"
	"github.com/Aman-CERP/indexsync/internal/telemetry"
	"github.com/Aman-CERP/indexsync/internal/watcher"
)

// ShutdownGracePeriod bounds how long shutdown waits for in-flight work.
const ShutdownGracePeriod = 30 * time.Second

// SocketPath returns the control socket inside dataDir.
func SocketPath(dataDir string) string {
	return filepath.Join(dataDir, "indexsync.sock")
}

// LockPath returns the file locked while a daemon owns dataDir.
func LockPath(dataDir string) string {
	return filepath.Join(dataDir, "indexsync.lock")
}

// Daemon wires the store, observers, index and snapshots together.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	ready  chan struct{}

	// Set during Run before ready is closed.
	started  time.Time
	metrics  *telemetry.Metrics
	agg      *aggregator.Aggregator
	idx      *index.Bleve
	coord    *snapshot.Coordinator
	restored string
}

// New creates a daemon for a validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		cfg:    cfg,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the pipeline is running and the control socket is
// about to accept connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Run starts the pipeline and blocks until ctx is cancelled, then shuts
// everything down in reverse order. Only startup failures are returned.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.cfg

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath()), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	lock := flock.New(LockPath(cfg.DataDir))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !locked {
		return idxerrors.New(idxerrors.ErrCodeStoreUnavailable,
			fmt.Sprintf("data directory %s is in use by another indexsync process", cfg.DataDir), nil)
	}
	defer func() { _ = lock.Unlock() }()

	metrics := telemetry.New()
	sched := scheduler.New(scheduler.Options{
		MaxWorkers:  cfg.Scheduler.MaxWorkers,
		OnException: metrics.TaskException,
		Logger:      d.logger,
	})
	schedClosed := false
	defer func() {
		if !schedClosed {
			closeCtx, cancel := context.WithTimeout(context.Background(), ShutdownGracePeriod)
			defer cancel()
			_ = sched.Close(closeCtx)
		}
	}()

	store, err := docstore.Open(ctx, docstore.Config{
		Path:        cfg.StorePath(),
		BusyTimeout: cfg.Store.BusyTimeout,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			d.logger.Warn("failed to close store", slog.String("error", err.Error()))
		}
	}()

	idx, err := index.Open(index.Config{
		Path:      cfg.IndexPath(),
		BatchSize: cfg.Index.BatchSize,
		Logger:    d.logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := idx.Close(); err != nil {
			d.logger.Warn("failed to close index", slog.String("error", err.Error()))
		}
	}()

	var coord *snapshot.Coordinator
	var restore snapshot.RestoreResult
	if cfg.Snapshots.Enabled {
		coord, err = d.newCoordinator(sched, idx, metrics)
		if err != nil {
			return err
		}
		restore = coord.RestoreSnapshot(ctx)
	}
	if !restore.Restored {
		d.logger.Info("full_rebuild", slog.String("reason", "no usable snapshot"))
		if err := idx.Clear(); err != nil {
			return err
		}
	}

	groups, err := WatchGroups(cfg.Watches)
	if err != nil {
		return err
	}
	agg, err := aggregator.New(ctx, sched, aggregator.Config{
		Source:   store,
		Groups:   groups,
		Sink:     idx,
		Recorder: metrics,
		Logger:   d.logger,
	})
	if err != nil {
		return err
	}
	for area, generation := range restore.Watermarks {
		if err := agg.UpdateGeneration(area, generation); err != nil {
			d.logger.Warn("restored area is not watched",
				slog.String("area", area),
				slog.Int64("watermark", generation))
		}
	}
	agg.Start()

	flushTask := idx.ScheduleFlush(sched, cfg.Index.FlushInterval)
	discoverTask := sched.Schedule("discover", func(tctx context.Context) error {
		_, err := agg.Discover(tctx)
		return err
	}, scheduler.Periodic(cfg.Store.DiscoverInterval))

	d.started = time.Now()
	d.metrics = metrics
	d.agg = agg
	d.idx = idx
	d.coord = coord
	d.restored = restore.SnapshotID
	close(d.ready)

	g, gctx := errgroup.WithContext(ctx)
	if coord != nil {
		g.Go(func() error { return coord.Run(gctx, agg, restore.Restored) })
	}
	if cfg.Watcher.Enabled {
		w := watcher.New(cfg.StorePath(), watcher.Options{
			Debounce: cfg.Watcher.Debounce,
			Logger:   d.logger,
		}, func([]string) {
			if _, err := agg.Discover(gctx); err != nil {
				d.logger.Debug("discover after store change failed", slog.String("error", err.Error()))
			}
			agg.SignalAll()
		})
		g.Go(func() error { return w.Run(gctx) })
	}
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return d.serveMetrics(gctx, cfg.Metrics.Addr, metrics.Handler()) })
	}
	srv := NewServer(SocketPath(cfg.DataDir), d, d.logger)
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	d.logger.Info("daemon_started",
		slog.String("data_dir", cfg.DataDir),
		slog.Int("areas", len(agg.Areas())),
		slog.Bool("restored", restore.Restored))

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownGracePeriod)
	defer cancel()

	discoverTask.Dispose()
	if err := agg.Stop(shutdownCtx); err != nil {
		d.logger.Warn("failed to stop observers", slog.String("error", err.Error()))
	}
	flushTask.Dispose()
	if err := sched.Close(shutdownCtx); err != nil {
		d.logger.Warn("scheduler did not stop in time", slog.String("error", err.Error()))
	}
	schedClosed = true

	d.logger.Info("daemon_stopped")
	return runErr
}

func (d *Daemon) newCoordinator(sched *scheduler.Scheduler, idx *index.Bleve, metrics *telemetry.Metrics) (*snapshot.Coordinator, error) {
	trigger, err := scheduler.ParseTrigger(d.cfg.Snapshots.Trigger)
	if err != nil {
		return nil, err
	}
	storage, err := snapshot.NewFSStorage(d.cfg.SnapshotDir())
	if err != nil {
		return nil, err
	}
	return snapshot.NewCoordinator(sched, snapshot.Config{
		Storage:  storage,
		Index:    idx,
		Trigger:  trigger,
		MaxCount: d.cfg.Snapshots.MaxCount,
		Recorder: metrics,
		Logger:   d.logger,
	})
}

// serveMetrics serves /metrics until ctx is done. A listen failure is
// logged and does not stop the daemon.
func (d *Daemon) serveMetrics(ctx context.Context, addr string, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	d.logger.Info("metrics_listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		d.logger.Error("metrics server failed", slog.String("addr", addr), slog.String("error", err.Error()))
	}
	return nil
}

// WatchGroups converts configured watch groups, parsing their triggers.
func WatchGroups(watches []config.WatchConfig) ([]aggregator.WatchGroup, error) {
	groups := make([]aggregator.WatchGroup, 0, len(watches))
	for _, w := range watches {
		trigger, err := scheduler.ParseTrigger(w.Poll)
		if err != nil {
			return nil, err
		}
		groups = append(groups, aggregator.WatchGroup{
			Patterns:          w.Patterns,
			Trigger:           trigger,
			BatchSize:         w.BatchSize,
			InitialGeneration: w.InitialGeneration,
			Exclude: observer.AnyOf(
				observer.ExcludeContentTypes(w.ExcludeContentTypes...),
				observer.ExcludeLargerThan(w.MaxDocumentBytes),
			),
		})
	}
	return groups, nil
}
