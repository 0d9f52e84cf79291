package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/indexsync/internal/changelog"
	idxerrors "github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/internal/scheduler"
)

// faultMemory is how many faulted document keys are remembered for log
// rate limiting.
const faultMemory = 1024

// Config configures an Observer.
type Config struct {
	Area    string
	Log     changelog.Log
	Trigger scheduler.Trigger
	Sink    Sink

	// Exclude filters rows before emission. Nil means NoExclusions.
	Exclude ExcludeFunc

	// InitialGeneration seeds the watermark.
	InitialGeneration int64

	Recorder Recorder
	Logger   *slog.Logger
}

// Observer tracks one area's change log.
type Observer struct {
	cfg      Config
	sched    *scheduler.Scheduler
	logger   *slog.Logger
	recorder Recorder
	faults   *lru.Cache[string, struct{}]

	// pass serializes RunUpdateCheck between the task and direct callers.
	pass sync.Mutex

	mu          sync.Mutex
	watermark   int64
	initialized bool
	epoch       uint64
	task        *scheduler.Task
	stats       Stats
	listeners   []func(area string, initialized bool)

	// notifyMu orders flag notifications; notified is the last value
	// delivered to the recorder and listeners.
	notifyMu sync.Mutex
	notified bool
}

// New creates an observer. It does not poll until Start.
func New(sched *scheduler.Scheduler, cfg Config) (*Observer, error) {
	if sched == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if cfg.Area == "" {
		return nil, fmt.Errorf("area is required")
	}
	if cfg.Log == nil {
		return nil, fmt.Errorf("change log is required for area %s", cfg.Area)
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required for area %s", cfg.Area)
	}
	if cfg.InitialGeneration < 0 {
		return nil, fmt.Errorf("initial generation must not be negative")
	}
	if cfg.Exclude == nil {
		cfg.Exclude = NoExclusions
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	faults, err := lru.New[string, struct{}](faultMemory)
	if err != nil {
		return nil, fmt.Errorf("failed to create fault tracker: %w", err)
	}

	return &Observer{
		cfg:       cfg,
		sched:     sched,
		logger:    logger.With(slog.String("area", cfg.Area)),
		recorder:  recorder,
		faults:    faults,
		watermark: cfg.InitialGeneration,
		stats:     Stats{Area: cfg.Area, Watermark: cfg.InitialGeneration},
	}, nil
}

// Area returns the observed area.
func (o *Observer) Area() string {
	return o.cfg.Area
}

// Start schedules polling and requests an immediate first pass. Calling
// Start on a started observer does nothing.
func (o *Observer) Start() {
	o.mu.Lock()
	if o.task != nil {
		o.mu.Unlock()
		return
	}
	o.task = o.sched.Schedule("observer:"+o.cfg.Area, o.RunUpdateCheck, o.cfg.Trigger)
	task := o.task
	o.mu.Unlock()

	o.logger.Debug("observer_started",
		slog.Int64("watermark", o.Watermark()),
		slog.String("trigger", o.cfg.Trigger.String()))
	task.Signal()
}

// Stop disposes the polling task and waits for an in-flight pass.
func (o *Observer) Stop(ctx context.Context) error {
	o.mu.Lock()
	task := o.task
	o.task = nil
	o.mu.Unlock()

	if task == nil {
		return nil
	}
	task.Dispose()
	return task.Wait(ctx)
}

// Signal requests an out-of-band pass. No-op when not started.
func (o *Observer) Signal() {
	o.mu.Lock()
	task := o.task
	o.mu.Unlock()
	if task != nil {
		task.Signal()
	}
}

// Reset sets the watermark to 0 and initialized to false, forcing a full
// re-ingest on the next pass, which is requested immediately.
func (o *Observer) Reset() {
	o.mu.Lock()
	o.watermark = 0
	o.stats.Watermark = 0
	o.epoch++
	o.initialized = false
	o.stats.Initialized = false
	o.mu.Unlock()

	o.logger.Info("observer_reset")
	o.recorder.SetWatermark(o.cfg.Area, 0)
	o.notify()
	o.Signal()
}

// SetGeneration overrides the watermark, typically with a value restored
// from a snapshot before polling starts. A pass in flight is abandoned.
func (o *Observer) SetGeneration(generation int64) {
	o.mu.Lock()
	o.watermark = generation
	o.stats.Watermark = generation
	o.epoch++
	o.mu.Unlock()

	o.recorder.SetWatermark(o.cfg.Area, generation)
}

// Watermark returns the highest consumed generation.
func (o *Observer) Watermark() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.watermark
}

// Initialized reports whether a full catch-up pass has completed.
func (o *Observer) Initialized() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initialized
}

// Stats returns a copy of the observer's counters.
func (o *Observer) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// OnInitializedChanged registers fn to be called whenever the initialized
// flag flips. Callbacks run on the polling goroutine and must not block
// or call Reset.
func (o *Observer) OnInitializedChanged(fn func(area string, initialized bool)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// notify delivers the live flag if it differs from the last delivered
// value. A flip that was undone before delivery is never reported.
func (o *Observer) notify() {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()

	o.mu.Lock()
	initialized := o.initialized
	listeners := make([]func(string, bool), len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.Unlock()

	if initialized == o.notified {
		return
	}
	o.notified = initialized

	o.recorder.SetInitialized(o.cfg.Area, initialized)
	for _, fn := range listeners {
		fn(o.cfg.Area, initialized)
	}
}

// errStale stops a pass whose watermark was replaced underneath it.
var errStale = errors.New("watermark changed during pass")

// RunUpdateCheck performs one poll pass. It is the scheduled callback and
// may also be called directly.
func (o *Observer) RunUpdateCheck(ctx context.Context) error {
	o.pass.Lock()
	defer o.pass.Unlock()

	o.mu.Lock()
	from := o.watermark
	epoch := o.epoch
	initializing := !o.initialized
	o.mu.Unlock()

	start := time.Now()
	latest, err := o.cfg.Log.LatestGeneration(ctx)
	if err != nil {
		return fmt.Errorf("failed to read latest generation of %s: %w", o.cfg.Area, err)
	}
	o.recorder.SetLatestGeneration(o.cfg.Area, latest)

	reader, err := o.cfg.Log.OpenReader(ctx, from, initializing)
	if err != nil {
		return fmt.Errorf("failed to open change log of %s: %w", o.cfg.Area, err)
	}
	defer func() { _ = reader.Close() }()

	var consumed int
	err = o.drain(ctx, reader, epoch, from, latest, &consumed)
	if errors.Is(err, errStale) {
		o.logger.Debug("observer_pass_abandoned")
		o.Signal()
		return nil
	}
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		o.Signal()
		return nil
	}
	becameInitialized := !o.initialized
	o.initialized = true
	o.stats.Initialized = true
	o.stats.LatestGeneration = latest
	o.stats.LastPass = time.Now()
	watermark := o.watermark
	o.mu.Unlock()

	if consumed > 0 || becameInitialized {
		o.logger.Debug("observer_pass_complete",
			slog.Int("rows", consumed),
			slog.Int64("watermark", watermark),
			slog.Int64("latest_generation", latest),
			slog.Bool("initializing", initializing),
			slog.Duration("duration", time.Since(start)))
	}
	if becameInitialized {
		o.logger.Info("observer_initialized", slog.Int64("watermark", watermark))
		o.notify()
	}
	return nil
}

func (o *Observer) drain(ctx context.Context, reader changelog.Reader, epoch uint64, from, latest int64, consumed *int) error {
	for {
		row, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}

		var rowErr *changelog.RowError
		if errors.As(err, &rowErr) {
			o.logger.Warn("change_row_unreadable",
				slog.Int64("generation", rowErr.Generation),
				slog.String("error", rowErr.Err.Error()))
			o.count(OutcomeRowError)
			if !o.advance(epoch, rowErr.Generation) {
				return errStale
			}
			*consumed++
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read change log of %s: %w", o.cfg.Area, err)
		}

		// The log is trusted to be monotonic; anything at or below the
		// starting point was already consumed.
		if row.Generation <= from {
			continue
		}

		if err := o.handle(ctx, row, latest); err != nil {
			return err
		}
		if !o.advance(epoch, row.Generation) {
			return errStale
		}
		*consumed++
	}
}

// handle classifies one row and emits it when appropriate. Only a sink
// failure is returned; every other problem is absorbed.
func (o *Observer) handle(ctx context.Context, row changelog.Row, latest int64) error {
	if row.Kind == changelog.KindFaulty {
		o.recordFault(row)
		return nil
	}
	if o.cfg.Exclude(row) {
		o.count(OutcomeExcluded)
		return nil
	}

	change, err := o.toChange(row, latest)
	if err != nil {
		o.logger.Warn("change_row_unmappable",
			slog.Int64("generation", row.Generation),
			slog.String("document_id", row.DocumentID),
			slog.String("error", err.Error()))
		o.count(OutcomeRowError)
		return nil
	}

	if err := o.cfg.Sink.Consume(ctx, change); err != nil {
		return idxerrors.New(idxerrors.ErrCodeIngestFailed,
			fmt.Sprintf("sink rejected %s at generation %d", change.Key(), row.Generation), err)
	}
	o.count(row.Kind.String())
	return nil
}

func (o *Observer) toChange(row changelog.Row, latest int64) (DocumentChange, error) {
	change := DocumentChange{
		Area:      o.cfg.Area,
		Kind:      row.Kind,
		SizeBytes: row.SizeBytes,
		Entity:    Document{ID: row.DocumentID, ContentType: row.ContentType},
		Generation: GenerationInfo{
			Generation:       row.Generation,
			LatestGeneration: latest,
		},
	}
	if row.DocumentID == "" {
		return change, idxerrors.RowCorrupt(o.cfg.Area, row.Generation, fmt.Errorf("missing document id"))
	}

	switch row.Kind {
	case changelog.KindCreate, changelog.KindUpdate:
		fields := map[string]any{}
		if len(row.Payload) > 0 {
			if err := json.Unmarshal(row.Payload, &fields); err != nil {
				return change, idxerrors.RowCorrupt(o.cfg.Area, row.Generation, err)
			}
		}
		change.Entity.Fields = fields
	case changelog.KindDelete:
	default:
		return change, idxerrors.RowCorrupt(o.cfg.Area, row.Generation,
			fmt.Errorf("unexpected kind %d", row.Kind))
	}
	return change, nil
}

// recordFault counts a faulty row. A document that faults repeatedly is
// logged at debug after its first warning.
func (o *Observer) recordFault(row changelog.Row) {
	o.count(OutcomeFaulty)

	key := row.DocumentID
	attrs := []any{
		slog.Int64("generation", row.Generation),
		slog.String("document_id", row.DocumentID),
	}
	if seen, _ := o.faults.ContainsOrAdd(key, struct{}{}); seen {
		o.logger.Debug("change_row_faulty_repeated", attrs...)
		return
	}
	o.logger.Warn("change_row_faulty", attrs...)
}

func (o *Observer) count(outcome string) {
	o.mu.Lock()
	switch outcome {
	case OutcomeCreate:
		o.stats.Creates++
	case OutcomeUpdate:
		o.stats.Updates++
	case OutcomeDelete:
		o.stats.Deletes++
	case OutcomeFaulty:
		o.stats.Faults++
	case OutcomeExcluded:
		o.stats.Excluded++
	case OutcomeRowError:
		o.stats.RowErrors++
	}
	o.mu.Unlock()
	o.recorder.ObserveRow(o.cfg.Area, outcome)
}

// advance moves the watermark to generation unless the pass went stale.
func (o *Observer) advance(epoch uint64, generation int64) bool {
	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		return false
	}
	if generation > o.watermark {
		o.watermark = generation
		o.stats.Watermark = generation
	}
	o.mu.Unlock()

	o.recorder.SetWatermark(o.cfg.Area, generation)
	return true
}
