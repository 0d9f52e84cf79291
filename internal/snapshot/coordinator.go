// Package snapshot captures the live index together with every area's
// watermark, and restores the newest intact capture on startup.
//
// A snapshot holds three kinds of streams:
//
//	manifest.json           per-area watermarks and the schema list
//	schema/<type>.json      one schema definition per content type
//	index/...               the index's own files
//
// Watermarks are read before the index commits. Since the ingestion sink
// is synchronous, everything at or below a captured watermark is already
// in the committed index; replaying the few changes above it after a
// restore is idempotent.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Aman-CERP/indexsync/internal/scheduler"
)

// Index is the live index as the coordinator sees it.
type Index interface {
	// Commit makes every applied change durable and establishes the point
	// the next WriteSnapshot captures.
	Commit(ctx context.Context) error
	// WriteSnapshot copies the committed index into w.
	WriteSnapshot(ctx context.Context, w StreamWriter) error
	// RestoreSnapshot replaces the live index with the copy in r.
	RestoreSnapshot(ctx context.Context, r StreamReader) error
	// Schemas returns schema definitions keyed by content type.
	Schemas() map[string]json.RawMessage
	// LoadSchemas replaces the schema definitions.
	LoadSchemas(schemas map[string]json.RawMessage) error
}

// State supplies the watermarks a snapshot is tagged with.
type State interface {
	Watermarks() map[string]int64
	WaitInitialized(ctx context.Context) error
}

// Recorder receives snapshot outcomes. telemetry.Metrics implements it.
type Recorder interface {
	ObserveSnapshot(outcome string, duration time.Duration)
	ObserveRestore(outcome string)
}

// Snapshot and restore outcomes reported to a Recorder.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeDiscarded = "discarded"
	OutcomeNone      = "none"
)

type nopRecorder struct{}

func (nopRecorder) ObserveSnapshot(string, time.Duration) {}
func (nopRecorder) ObserveRestore(string)                 {}

// Config configures a Coordinator.
type Config struct {
	Storage Storage
	Index   Index
	Trigger scheduler.Trigger
	// MaxCount is how many snapshots are retained. Zero keeps all.
	MaxCount int

	Recorder Recorder
	Logger   *slog.Logger
}

// RestoreResult describes what RestoreSnapshot found.
type RestoreResult struct {
	Restored   bool
	SnapshotID string
	Manifest   Manifest
	// Watermarks is empty when nothing was restored, meaning every area
	// starts from its configured initial generation.
	Watermarks map[string]int64
	// Discarded lists snapshots deleted because they failed.
	Discarded []string
}

// Coordinator takes and restores snapshots.
type Coordinator struct {
	cfg      Config
	sched    *scheduler.Scheduler
	logger   *slog.Logger
	recorder Recorder

	// taking serializes TakeSnapshot.
	taking sync.Mutex
}

// NewCoordinator creates a coordinator.
func NewCoordinator(sched *scheduler.Scheduler, cfg Config) (*Coordinator, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("snapshot storage is required")
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("index is required")
	}
	if cfg.MaxCount < 0 {
		return nil, fmt.Errorf("max count must not be negative")
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		sched:    sched,
		logger:   logger,
		recorder: recorder,
	}, nil
}

// RestoreSnapshot restores the newest snapshot that verifies and loads.
// Candidates that fail either step are deleted and the next older one is
// tried. Older snapshots are never touched once one succeeds.
func (c *Coordinator) RestoreSnapshot(ctx context.Context) RestoreResult {
	result := RestoreResult{Watermarks: map[string]int64{}}

	snaps, err := c.cfg.Storage.List(ctx)
	if err != nil {
		c.logger.Warn("snapshot_list_failed", slog.String("error", err.Error()))
		c.recorder.ObserveRestore(OutcomeNone)
		return result
	}

	for _, snap := range snaps {
		if ctx.Err() != nil {
			break
		}

		if err := snap.Verify(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			c.discard(ctx, snap, "verify", err)
			result.Discarded = append(result.Discarded, snap.ID())
			continue
		}

		manifest, err := c.restoreFrom(ctx, snap)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.discard(ctx, snap, "restore", err)
			result.Discarded = append(result.Discarded, snap.ID())
			continue
		}

		c.logger.Info("snapshot_restored",
			slog.String("snapshot_id", snap.ID()),
			slog.Int("areas", len(manifest.Areas)),
			slog.Int("schemas", len(manifest.Schemas)),
			slog.Int("discarded", len(result.Discarded)))
		c.recorder.ObserveRestore(OutcomeSuccess)

		result.Restored = true
		result.SnapshotID = snap.ID()
		result.Manifest = manifest
		result.Watermarks = manifest.Watermarks()
		return result
	}

	c.logger.Info("snapshot_restore_none",
		slog.Int("candidates", len(snaps)),
		slog.Int("discarded", len(result.Discarded)))
	c.recorder.ObserveRestore(OutcomeNone)
	return result
}

func (c *Coordinator) restoreFrom(ctx context.Context, snap Snapshot) (Manifest, error) {
	r, err := snap.OpenReader(ctx)
	if err != nil {
		return Manifest{}, err
	}
	defer func() { _ = r.Close() }()

	manifest, err := ReadManifest(r)
	if err != nil {
		return Manifest{}, err
	}

	if err := c.cfg.Index.RestoreSnapshot(ctx, prefixedReader{r: r, prefix: IndexPrefix}); err != nil {
		return Manifest{}, fmt.Errorf("failed to restore index: %w", err)
	}

	schemas := make(map[string]json.RawMessage, len(manifest.Schemas))
	for _, ct := range manifest.Schemas {
		data, err := readStream(r, SchemaStream(ct))
		if err != nil {
			return Manifest{}, err
		}
		if !json.Valid(data) {
			return Manifest{}, fmt.Errorf("schema %q is not valid JSON", ct)
		}
		schemas[ct] = data
	}
	if err := c.cfg.Index.LoadSchemas(schemas); err != nil {
		return Manifest{}, fmt.Errorf("failed to load schemas: %w", err)
	}
	return manifest, nil
}

func (c *Coordinator) discard(ctx context.Context, snap Snapshot, stage string, cause error) {
	c.logger.Warn("snapshot_discarded",
		slog.String("snapshot_id", snap.ID()),
		slog.String("stage", stage),
		slog.String("error", cause.Error()))
	c.recorder.ObserveRestore(OutcomeDiscarded)
	if err := snap.Delete(ctx); err != nil {
		c.logger.Warn("snapshot_delete_failed",
			slog.String("snapshot_id", snap.ID()),
			slog.String("error", err.Error()))
	}
}

// TakeSnapshot captures the index tagged with state's watermarks, then
// prunes old snapshots. Failures are logged and reported as false; the
// live index is unaffected.
func (c *Coordinator) TakeSnapshot(ctx context.Context, state State) bool {
	c.taking.Lock()
	defer c.taking.Unlock()

	start := time.Now()
	id, err := c.take(ctx, state, start)
	if err != nil {
		c.logger.Warn("snapshot_failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))
		c.recorder.ObserveSnapshot(OutcomeFailure, time.Since(start))
		return false
	}

	c.logger.Info("snapshot_taken",
		slog.String("snapshot_id", id),
		slog.Duration("duration", time.Since(start)))
	c.recorder.ObserveSnapshot(OutcomeSuccess, time.Since(start))

	if _, err := c.Prune(ctx); err != nil {
		c.logger.Warn("snapshot_prune_failed", slog.String("error", err.Error()))
	}
	return true
}

func (c *Coordinator) take(ctx context.Context, state State, now time.Time) (string, error) {
	watermarks := state.Watermarks()

	if err := c.cfg.Index.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit index: %w", err)
	}

	w, err := c.cfg.Storage.Create(ctx)
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if !committed {
			_ = w.Abort()
		}
	}()

	if err := c.cfg.Index.WriteSnapshot(ctx, prefixedWriter{w: w, prefix: IndexPrefix}); err != nil {
		return "", fmt.Errorf("failed to copy index: %w", err)
	}

	schemas := c.cfg.Index.Schemas()
	types := make([]string, 0, len(schemas))
	for ct, def := range schemas {
		if err := writeStream(w, SchemaStream(ct), def); err != nil {
			return "", fmt.Errorf("failed to write schema %q: %w", ct, err)
		}
		types = append(types, ct)
	}

	if err := WriteManifest(w, NewManifest(w.ID(), now, watermarks, types)); err != nil {
		return "", err
	}
	if err := w.Commit(ctx); err != nil {
		return "", err
	}
	committed = true
	return w.ID(), nil
}

// Prune deletes snapshots beyond MaxCount, oldest first. It returns how
// many were deleted.
func (c *Coordinator) Prune(ctx context.Context) (int, error) {
	if c.cfg.MaxCount <= 0 {
		return 0, nil
	}
	snaps, err := c.cfg.Storage.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(snaps) <= c.cfg.MaxCount {
		return 0, nil
	}

	var errs []error
	deleted := 0
	for _, snap := range snaps[c.cfg.MaxCount:] {
		if err := snap.Delete(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
		c.logger.Debug("snapshot_pruned", slog.String("snapshot_id", snap.ID()))
	}
	return deleted, errors.Join(errs...)
}

// Run waits for state to report initialized, takes a snapshot unless the
// process was just restored from one, then snapshots on the configured
// trigger until ctx is done.
func (c *Coordinator) Run(ctx context.Context, state State, restored bool) error {
	if c.sched == nil {
		return fmt.Errorf("scheduler is required to run snapshots")
	}
	if err := state.WaitInitialized(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	if !restored {
		c.TakeSnapshot(ctx, state)
	}

	task := c.sched.Schedule("snapshot", func(tctx context.Context) error {
		c.TakeSnapshot(tctx, state)
		return nil
	}, c.cfg.Trigger)
	c.logger.Info("snapshot_schedule_started", slog.String("trigger", c.cfg.Trigger.String()))

	<-ctx.Done()
	task.Dispose()

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return task.Wait(waitCtx)
}

// SchemaTypes returns the content types with schema streams in r.
func SchemaTypes(r StreamReader) []string {
	var out []string
	for _, s := range r.Streams() {
		if ct, ok := schemaType(s); ok {
			out = append(out, ct)
		}
	}
	sort.Strings(out)
	return out
}
