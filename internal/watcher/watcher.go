package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Options configures the watcher behavior.
type Options struct {
	// Debounce is the quiet period before a batch is delivered.
	// Default: 250ms
	Debounce time.Duration

	// PollInterval is the stat interval for the polling fallback.
	// Default: 2s
	PollInterval time.Duration

	// ForcePolling skips fsnotify.
	ForcePolling bool

	// Logger receives watcher diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		Debounce:     250 * time.Millisecond,
		PollInterval: 2 * time.Second,
	}
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.Debounce <= 0 {
		o.Debounce = defaults.Debounce
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaults.PollInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Mode names the active change detection mechanism.
type Mode string

const (
	ModeNone     Mode = "none"
	ModeFsnotify Mode = "fsnotify"
	ModePolling  Mode = "polling"
)

// StoreWatcher reports writes to the files of one store. Only names that
// start with the store file's base name count, which covers the SQLite
// -wal and -shm side files and ignores everything else in the directory.
type StoreWatcher struct {
	dir      string
	prefix   string
	opts     Options
	onChange func(files []string)
	logger   *slog.Logger

	mode    atomic.Value
	batches atomic.Uint64
}

// New creates a watcher for storePath. onChange is called from the
// watcher goroutine with the sorted names changed in each debounced batch.
func New(storePath string, opts Options, onChange func(files []string)) *StoreWatcher {
	opts = opts.WithDefaults()
	w := &StoreWatcher{
		dir:      filepath.Dir(storePath),
		prefix:   filepath.Base(storePath),
		opts:     opts,
		onChange: onChange,
		logger:   opts.Logger,
	}
	w.mode.Store(ModeNone)
	return w
}

// Mode returns the active mechanism, or ModeNone before Run.
func (w *StoreWatcher) Mode() Mode {
	return w.mode.Load().(Mode)
}

// Batches returns how many debounced batches were delivered.
func (w *StoreWatcher) Batches() uint64 {
	return w.batches.Load()
}

// Run watches until ctx is cancelled. It falls back to polling when
// fsnotify cannot be set up and returns nil on cancellation.
func (w *StoreWatcher) Run(ctx context.Context) error {
	debouncer := NewDebouncer(w.opts.Debounce)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for names := range debouncer.Output() {
			w.batches.Add(1)
			w.onChange(names)
		}
	}()
	defer func() {
		debouncer.Stop()
		<-done
	}()

	if !w.opts.ForcePolling {
		fsw, err := w.openFsnotify()
		if err == nil {
			defer fsw.Close()
			w.mode.Store(ModeFsnotify)
			w.logger.Debug("store_watcher_started",
				slog.String("dir", w.dir),
				slog.String("mode", string(ModeFsnotify)))
			return w.loop(ctx, fsw, debouncer)
		}
		w.logger.Warn("fsnotify unavailable, falling back to polling",
			slog.String("dir", w.dir),
			slog.String("error", err.Error()))
	}

	p := newPoller(w.dir, w.prefix, w.opts.PollInterval)
	w.mode.Store(ModePolling)
	w.logger.Debug("store_watcher_started",
		slog.String("dir", w.dir),
		slog.String("mode", string(ModePolling)))
	return p.run(ctx, debouncer.Add)
}

func (w *StoreWatcher) openFsnotify() (*fsnotify.Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	return fsw, nil
}

func (w *StoreWatcher) loop(ctx context.Context, fsw *fsnotify.Watcher, debouncer *Debouncer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if name, ok := w.relevant(event); ok {
				debouncer.Add(name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("store watcher error", slog.String("error", err.Error()))
		}
	}
}

// relevant reports whether event touches a store file. Chmod-only events
// are ignored.
func (w *StoreWatcher) relevant(event fsnotify.Event) (string, bool) {
	if event.Op == fsnotify.Chmod {
		return "", false
	}
	name := filepath.Base(event.Name)
	if !strings.HasPrefix(name, w.prefix) {
		return "", false
	}
	return name, true
}
