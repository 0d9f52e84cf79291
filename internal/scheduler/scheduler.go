package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	idxerrors "github.com/Aman-CERP/indexsync/internal/errors"
)

// Func is a scheduled callback. The context is cancelled when the
// scheduler is closed while the callback is still running.
type Func func(ctx context.Context) error

// ExceptionEvent describes a failed task run.
type ExceptionEvent struct {
	TaskID   uint64
	TaskName string
	Err      error
	// SeenBefore is true when the previous exception on the same task had
	// the same concrete error type. Used to throttle repeated logging.
	SeenBefore bool
	Time       time.Time
}

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Options configures a Scheduler.
type Options struct {
	// MaxWorkers bounds concurrently executing callbacks across all tasks.
	// Zero means runtime.NumCPU().
	MaxWorkers int

	// OnException is called for every failed run, after logging.
	OnException func(ExceptionEvent)

	// Logger receives exception logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Scheduler owns a set of tasks and the worker pool they execute on.
type Scheduler struct {
	opts   Options
	logger *slog.Logger
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nextID atomic.Uint64

	mu     sync.Mutex
	tasks  map[uint64]*Task
	closed bool
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = runtime.NumCPU()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:   opts,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(opts.MaxWorkers)),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[uint64]*Task),
	}
}

// Schedule registers fn under trigger and starts waiting for its first
// fire. Scheduling on a closed scheduler returns an already disposed task.
func (s *Scheduler) Schedule(name string, fn Func, trigger Trigger) *Task {
	t := &Task{
		id:       s.nextID.Add(1),
		name:     name,
		fn:       fn,
		trigger:  trigger,
		s:        s,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		deferred: make(map[*time.Timer]struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.Dispose()
		close(t.exited)
		return t
	}
	s.tasks[t.id] = t
	s.wg.Add(1)
	s.mu.Unlock()

	go t.loop()
	return t
}

// Len returns the number of live tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close disposes every task and waits for in-flight callbacks to return.
// If ctx expires first, running callbacks see their context cancelled and
// ctx.Err() is returned.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Dispose()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Scheduler) remove(t *Task) {
	s.mu.Lock()
	delete(s.tasks, t.id)
	s.mu.Unlock()
}

func (s *Scheduler) report(ev ExceptionEvent) {
	attrs := []any{
		slog.Uint64("task_id", ev.TaskID),
		slog.String("task", ev.TaskName),
		slog.String("error", ev.Err.Error()),
	}
	if code := idxerrors.GetCode(ev.Err); code != "" {
		attrs = append(attrs, slog.String("code", code))
	}
	if ev.SeenBefore {
		s.logger.Debug("task_exception_repeated", attrs...)
	} else {
		var pe *PanicError
		if errors.As(ev.Err, &pe) {
			attrs = append(attrs, slog.String("stack", string(pe.Stack)))
		}
		s.logger.Warn("task_exception", attrs...)
	}
	if s.opts.OnException != nil {
		s.opts.OnException(ev)
	}
}

// State is the lifecycle state of a task.
type State int

const (
	StateScheduled State = iota
	StateExecuting
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateExecuting:
		return "executing"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Task is a handle to a scheduled callback.
type Task struct {
	id      uint64
	name    string
	fn      Func
	trigger Trigger
	s       *Scheduler

	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}

	disposeOnce sync.Once
	runs        atomic.Uint64

	mu        sync.Mutex
	executing bool
	disposed  bool
	deferred  map[*time.Timer]struct{}
	lastErr   string
}

// ID returns the task's unique id.
func (t *Task) ID() uint64 { return t.id }

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// Trigger returns the task's trigger.
func (t *Task) Trigger() Trigger { return t.trigger }

// Runs returns how many times the callback has been invoked.
func (t *Task) Runs() uint64 { return t.runs.Load() }

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.disposed:
		return StateDisposed
	case t.executing:
		return StateExecuting
	default:
		return StateScheduled
	}
}

// Signal requests an immediate run. Signals that arrive while the task is
// executing or already has a pending wake-up coalesce into one extra run.
// The natural timer is not cancelled. No-op once disposed.
func (t *Task) Signal() {
	if t.isDisposed() {
		return
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// SignalAfter requests a run after delay. Pending delayed signals are
// cancelled by Dispose.
func (t *Task) SignalAfter(delay time.Duration) {
	if delay <= 0 {
		t.Signal()
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.deferred, timer)
		t.mu.Unlock()
		t.Signal()
	})
	t.deferred[timer] = struct{}{}
}

// Dispose stops the task. It is idempotent and does not block; a run that
// is in flight completes, but no further runs start. Use Wait to block
// until the task's goroutine has exited.
func (t *Task) Dispose() {
	t.disposeOnce.Do(func() {
		t.mu.Lock()
		t.disposed = true
		for timer := range t.deferred {
			timer.Stop()
		}
		t.deferred = nil
		t.mu.Unlock()
		close(t.done)
	})
}

// Wait blocks until a disposed task has finished its in-flight run.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) isDisposed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disposed
}

func (t *Task) loop() {
	defer t.s.wg.Done()
	defer close(t.exited)
	defer t.s.remove(t)

	deadline, armed := t.trigger.first(time.Now())
	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if armed {
			timer = time.NewTimer(time.Until(deadline))
			timerC = timer.C
		}

		natural := false
		select {
		case <-t.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-timerC:
			natural = true
		case <-t.wake:
			if timer != nil {
				timer.Stop()
			}
		}

		if t.isDisposed() {
			return
		}
		if !t.execute() {
			return
		}

		switch t.trigger.kind {
		case KindSingleFire:
			if natural {
				armed = false
			}
		default:
			deadline, armed = t.trigger.after(time.Now())
		}
	}
}

// execute runs the callback on a worker slot. It returns false when the
// scheduler is shutting down and no slot could be acquired.
func (t *Task) execute() bool {
	if err := t.s.sem.Acquire(t.s.ctx, 1); err != nil {
		return false
	}
	defer t.s.sem.Release(1)

	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return false
	}
	t.executing = true
	t.mu.Unlock()

	t.runs.Add(1)
	err := t.invoke()

	t.mu.Lock()
	t.executing = false
	var seen bool
	if err != nil {
		typ := errorKind(err)
		seen = typ == t.lastErr
		t.lastErr = typ
	}
	t.mu.Unlock()

	if err != nil {
		t.s.report(ExceptionEvent{
			TaskID:     t.id,
			TaskName:   t.name,
			Err:        err,
			SeenBefore: seen,
			Time:       time.Now(),
		})
	}
	return true
}

func (t *Task) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = idxerrors.New(idxerrors.ErrCodeTaskPanic, "task "+t.name+" panicked",
				&PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	return t.fn(t.s.ctx)
}

// errorKind keys exceptions by concrete type, refined by code for
// structured errors so that distinct failures are not folded together.
func errorKind(err error) string {
	if code := idxerrors.GetCode(err); code != "" {
		return fmt.Sprintf("%T/%s", err, code)
	}
	return fmt.Sprintf("%T", err)
}
