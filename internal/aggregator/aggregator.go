// Package aggregator merges the change streams of every watched area into
// one sink and derives a combined "all areas initialized" state.
//
// Areas are matched against watch groups at construction; the first group
// with a matching wildcard pattern owns the area. Unmatched areas have no
// observer and are never ingested.
//
// The merged stream goes to Config.Sink, which the daemon points at the
// live index. Embedders that want the stream as a channel use ChannelSink:
//
//	sink := aggregator.NewChannelSink(64)
//	agg, err := aggregator.New(ctx, sched, aggregator.Config{Source: src, Groups: groups, Sink: sink})
//	if err != nil {
//	    return err
//	}
//	agg.Start()
//	for {
//	    select {
//	    case change := <-sink.Changes():
//	        apply(change)
//	    case <-ctx.Done():
//	        return agg.Stop(context.Background())
//	    }
//	}
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/indexsync/internal/changelog"
	"github.com/Aman-CERP/indexsync/internal/observer"
	"github.com/Aman-CERP/indexsync/internal/scheduler"
)

// ErrUnknownArea is returned for areas without an observer.
var ErrUnknownArea = errors.New("area is not watched")

// WatchGroup describes how a set of areas is observed.
type WatchGroup struct {
	Patterns          []string
	Trigger           scheduler.Trigger
	BatchSize         int
	InitialGeneration int64
	Exclude           observer.ExcludeFunc
}

// Config configures an Aggregator.
type Config struct {
	Source   changelog.Source
	Groups   []WatchGroup
	Sink     observer.Sink
	Recorder observer.Recorder
	Logger   *slog.Logger
}

// batchedSource is implemented by sources whose reader page size can be
// set per area.
type batchedSource interface {
	LogWithBatchSize(area string, batchSize int) changelog.Log
}

type group struct {
	WatchGroup
	patterns []pattern
}

// Aggregator owns one observer per watched area.
type Aggregator struct {
	sched  *scheduler.Scheduler
	cfg    Config
	logger *slog.Logger
	groups []group

	// recomputing serializes recompute so concurrent flips settle on the
	// state of the last one.
	recomputing sync.Mutex

	mu          sync.Mutex
	observers   map[string]*observer.Observer
	started     bool
	initialized bool
	ready       chan struct{}
	listeners   []func(bool)
}

// New compiles the watch patterns and creates an observer for every area
// of the source that matches one.
func New(ctx context.Context, sched *scheduler.Scheduler, cfg Config) (*Aggregator, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	groups := make([]group, 0, len(cfg.Groups))
	for i, wg := range cfg.Groups {
		if len(wg.Patterns) == 0 {
			return nil, fmt.Errorf("watch group %d has no patterns", i)
		}
		g := group{WatchGroup: wg}
		for _, raw := range wg.Patterns {
			p, err := compilePattern(raw)
			if err != nil {
				return nil, fmt.Errorf("watch group %d: %w", i, err)
			}
			g.patterns = append(g.patterns, p)
		}
		groups = append(groups, g)
	}

	a := &Aggregator{
		sched:     sched,
		cfg:       cfg,
		logger:    logger,
		groups:    groups,
		observers: make(map[string]*observer.Observer),
		ready:     make(chan struct{}),
	}

	if _, err := a.Discover(ctx); err != nil {
		return nil, err
	}
	a.recompute()
	return a, nil
}

// Discover adds observers for areas that appeared in the source since the
// last call. New observers start immediately when the aggregator is
// running. It returns the names of the added areas.
func (a *Aggregator) Discover(ctx context.Context) ([]string, error) {
	areas, err := a.cfg.Source.Areas(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list areas: %w", err)
	}

	var added []*observer.Observer
	a.mu.Lock()
	for _, area := range areas {
		if _, ok := a.observers[area]; ok {
			continue
		}
		g, ok := a.match(area)
		if !ok {
			continue
		}
		o, err := observer.New(a.sched, observer.Config{
			Area:              area,
			Log:               a.logFor(area, g.BatchSize),
			Trigger:           g.Trigger,
			Sink:              a.cfg.Sink,
			Exclude:           g.Exclude,
			InitialGeneration: g.InitialGeneration,
			Recorder:          a.cfg.Recorder,
			Logger:            a.logger,
		})
		if err != nil {
			a.mu.Unlock()
			return nil, err
		}
		o.OnInitializedChanged(func(string, bool) { a.recompute() })
		a.observers[area] = o
		added = append(added, o)
	}
	started := a.started
	a.mu.Unlock()

	names := make([]string, 0, len(added))
	for _, o := range added {
		names = append(names, o.Area())
		a.logger.Info("area_watched", slog.String("area", o.Area()))
	}
	if len(added) > 0 {
		a.recompute()
	}
	if started {
		for _, o := range added {
			o.Start()
		}
	}
	return names, nil
}

func (a *Aggregator) match(area string) (group, bool) {
	for _, g := range a.groups {
		for _, p := range g.patterns {
			if p.match(area) {
				return g, true
			}
		}
	}
	return group{}, false
}

func (a *Aggregator) logFor(area string, batchSize int) changelog.Log {
	if bs, ok := a.cfg.Source.(batchedSource); ok && batchSize > 0 {
		return bs.LogWithBatchSize(area, batchSize)
	}
	return a.cfg.Source.Log(area)
}

func (a *Aggregator) snapshot() []*observer.Observer {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*observer.Observer, 0, len(a.observers))
	for _, o := range a.observers {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Area() < out[j].Area() })
	return out
}

func (a *Aggregator) lookup(area string) (*observer.Observer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.observers[area]
	return o, ok
}

// recompute derives the aggregate flag from the observers' current states.
func (a *Aggregator) recompute() {
	a.recomputing.Lock()
	defer a.recomputing.Unlock()

	observers := a.snapshot()
	all := true
	for _, o := range observers {
		if !o.Initialized() {
			all = false
			break
		}
	}

	a.mu.Lock()
	if all == a.initialized {
		a.mu.Unlock()
		return
	}
	a.initialized = all
	if all {
		close(a.ready)
	} else {
		a.ready = make(chan struct{})
	}
	listeners := make([]func(bool), len(a.listeners))
	copy(listeners, a.listeners)
	a.mu.Unlock()

	a.logger.Info("aggregate_initialized_changed", slog.Bool("initialized", all))
	for _, fn := range listeners {
		fn(all)
	}
}

// Initialized reports whether every observer has completed a full pass.
// With no watched areas it is trivially true.
func (a *Aggregator) Initialized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initialized
}

// WaitInitialized blocks until Initialized is true or ctx is done.
func (a *Aggregator) WaitInitialized(ctx context.Context) error {
	for {
		a.mu.Lock()
		if a.initialized {
			a.mu.Unlock()
			return nil
		}
		ready := a.ready
		a.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OnInitializedChanged registers fn for aggregate flag changes.
func (a *Aggregator) OnInitializedChanged(fn func(initialized bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Start starts every observer. Each runs its first pass immediately;
// use WaitInitialized to await the catch-up.
func (a *Aggregator) Start() {
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()

	for _, o := range a.snapshot() {
		o.Start()
	}
	a.logger.Info("aggregator_started", slog.Int("areas", len(a.Areas())))
}

// Stop stops every observer and waits for in-flight passes.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.started = false
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, o := range a.snapshot() {
		g.Go(func() error {
			if err := o.Stop(gctx); err != nil {
				return fmt.Errorf("stop observer %s: %w", o.Area(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Reset resets every observer, forcing a full re-ingest.
func (a *Aggregator) Reset() {
	for _, o := range a.snapshot() {
		o.Reset()
	}
}

// ResetArea resets one observer.
func (a *Aggregator) ResetArea(area string) error {
	o, ok := a.lookup(area)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownArea, area)
	}
	o.Reset()
	return nil
}

// QueueUpdate asks the owning observer to poll soon after a direct write.
// The change itself still flows through the change log. It reports whether
// the area is watched.
func (a *Aggregator) QueueUpdate(area, documentID string) bool {
	return a.queue(area, documentID, "update")
}

// QueueDelete is QueueUpdate for deletions.
func (a *Aggregator) QueueDelete(area, documentID string) bool {
	return a.queue(area, documentID, "delete")
}

func (a *Aggregator) queue(area, documentID, op string) bool {
	o, ok := a.lookup(area)
	if !ok {
		return false
	}
	a.logger.Debug("change_queued",
		slog.String("area", area),
		slog.String("document_id", documentID),
		slog.String("op", op))
	o.Signal()
	return true
}

// SignalAll asks every observer to poll.
func (a *Aggregator) SignalAll() {
	for _, o := range a.snapshot() {
		o.Signal()
	}
}

// UpdateGeneration seeds an area's watermark, normally from a restored
// snapshot before Start.
func (a *Aggregator) UpdateGeneration(area string, generation int64) error {
	o, ok := a.lookup(area)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownArea, area)
	}
	o.SetGeneration(generation)
	return nil
}

// Watermarks returns every watched area's current watermark.
func (a *Aggregator) Watermarks() map[string]int64 {
	out := make(map[string]int64)
	for _, o := range a.snapshot() {
		out[o.Area()] = o.Watermark()
	}
	return out
}

// Areas returns the watched areas, sorted.
func (a *Aggregator) Areas() []string {
	observers := a.snapshot()
	out := make([]string, 0, len(observers))
	for _, o := range observers {
		out = append(out, o.Area())
	}
	return out
}

// Stats returns every observer's counters, sorted by area.
func (a *Aggregator) Stats() []observer.Stats {
	observers := a.snapshot()
	out := make([]observer.Stats, 0, len(observers))
	for _, o := range observers {
		out = append(out, o.Stats())
	}
	return out
}

// Observer returns the observer of area.
func (a *Aggregator) Observer(area string) (*observer.Observer, bool) {
	return a.lookup(area)
}
