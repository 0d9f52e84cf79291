package observer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/indexsync/internal/changelog"
	idxerrors "github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/internal/scheduler"
)

type collectingSink struct {
	mu      sync.Mutex
	changes []DocumentChange
	fail    func(DocumentChange) error
}

func (s *collectingSink) Consume(_ context.Context, c DocumentChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(c); err != nil {
			return err
		}
	}
	s.changes = append(s.changes, c)
	return nil
}

func (s *collectingSink) generations() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.changes))
	for _, c := range s.changes {
		out = append(out, c.Generation.Generation)
	}
	return out
}

func newTestObserver(t *testing.T, log changelog.Log, sink Sink, mutate ...func(*Config)) *Observer {
	t.Helper()
	sched := scheduler.New(scheduler.Options{MaxWorkers: 2})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Close(ctx)
	})
	cfg := Config{
		Area:    "tenant-a",
		Log:     log,
		Trigger: scheduler.Periodic(time.Hour),
		Sink:    sink,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	o, err := New(sched, cfg)
	require.NoError(t, err)
	return o
}

func appendKinds(l *changelog.MemoryLog, kinds ...changelog.Kind) {
	for _, k := range kinds {
		row := changelog.Row{Kind: k, DocumentID: "doc", ContentType: "note"}
		if k == changelog.KindCreate || k == changelog.KindUpdate {
			row.Payload = []byte(`{"title":"hello"}`)
		}
		l.Append(row)
	}
}

func TestObserver_FaultyRowsAreSilentButConsumed(t *testing.T) {
	// Given: create, update, faulty, delete starting at watermark 0
	log := changelog.NewMemoryLog("tenant-a")
	appendKinds(log, changelog.KindCreate, changelog.KindUpdate, changelog.KindFaulty, changelog.KindDelete)
	sink := &collectingSink{}
	o := newTestObserver(t, log, sink)

	// When: one pass runs
	require.NoError(t, o.RunUpdateCheck(context.Background()))

	// Then: three events in order, and the watermark passed the faulty row
	require.Len(t, sink.changes, 3)
	assert.Equal(t, []int64{1, 2, 4}, sink.generations())
	assert.Equal(t, changelog.KindCreate, sink.changes[0].Kind)
	assert.Equal(t, changelog.KindUpdate, sink.changes[1].Kind)
	assert.Equal(t, changelog.KindDelete, sink.changes[2].Kind)
	assert.Equal(t, "hello", sink.changes[0].Entity.Fields["title"])
	assert.Nil(t, sink.changes[2].Entity.Fields)
	assert.Equal(t, int64(4), sink.changes[2].Generation.LatestGeneration)
	assert.Equal(t, int64(4), o.Watermark())

	stats := o.Stats()
	assert.Equal(t, int64(1), stats.Creates)
	assert.Equal(t, int64(1), stats.Updates)
	assert.Equal(t, int64(1), stats.Deletes)
	assert.Equal(t, int64(1), stats.Faults)
}

func TestObserver_WatermarkIsMonotonic(t *testing.T) {
	log := changelog.NewMemoryLog("tenant-a")
	sink := &collectingSink{}
	o := newTestObserver(t, log, sink)
	ctx := context.Background()

	var seen []int64
	for round := 0; round < 4; round++ {
		appendKinds(log, changelog.KindCreate, changelog.KindUpdate)
		require.NoError(t, o.RunUpdateCheck(ctx))
		require.NoError(t, o.RunUpdateCheck(ctx))
		seen = append(seen, o.Watermark())
	}

	assert.Equal(t, []int64{2, 4, 6, 8}, seen)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, sink.generations())
}

func TestObserver_InitializedIsOneWayUntilReset(t *testing.T) {
	// Given: an observer with a listener
	log := changelog.NewMemoryLog("tenant-a")
	appendKinds(log, changelog.KindCreate)
	o := newTestObserver(t, log, &collectingSink{})
	var flips []bool
	o.OnInitializedChanged(func(area string, initialized bool) {
		assert.Equal(t, "tenant-a", area)
		flips = append(flips, initialized)
	})
	ctx := context.Background()

	// Then: false before the first pass, true after and staying true
	assert.False(t, o.Initialized())
	require.NoError(t, o.RunUpdateCheck(ctx))
	assert.True(t, o.Initialized())
	for i := 0; i < 3; i++ {
		require.NoError(t, o.RunUpdateCheck(ctx))
		assert.True(t, o.Initialized())
	}
	assert.Equal(t, []bool{true}, flips)

	// When: reset
	o.Reset()

	// Then: back to zero and uninitialized, and a re-ingest follows
	assert.False(t, o.Initialized())
	assert.Equal(t, int64(0), o.Watermark())
	require.NoError(t, o.RunUpdateCheck(ctx))
	assert.True(t, o.Initialized())
	assert.Equal(t, []bool{true, false, true}, flips)
}

func TestObserver_ExcludedRowsAdvanceWatermark(t *testing.T) {
	// Given: rows of two content types, one excluded
	log := changelog.NewMemoryLog("tenant-a")
	log.Append(changelog.Row{Kind: changelog.KindCreate, DocumentID: "a", ContentType: "note", Payload: []byte(`{}`)})
	log.Append(changelog.Row{Kind: changelog.KindCreate, DocumentID: "b", ContentType: "blob", Payload: []byte(`{}`)})
	log.Append(changelog.Row{Kind: changelog.KindCreate, DocumentID: "c", ContentType: "note", Payload: []byte(`{}`)})
	sink := &collectingSink{}
	o := newTestObserver(t, log, sink, func(c *Config) {
		c.Exclude = ExcludeContentTypes("blob")
	})

	// When
	require.NoError(t, o.RunUpdateCheck(context.Background()))

	// Then: the excluded row never appears but is consumed
	assert.Equal(t, []int64{1, 3}, sink.generations())
	assert.Equal(t, int64(3), o.Watermark())
	assert.Equal(t, int64(1), o.Stats().Excluded)
}

func TestObserver_RowErrorsAreSkipped(t *testing.T) {
	// Given: an unreadable row and a row with a corrupt payload
	log := changelog.NewMemoryLog("tenant-a")
	appendKinds(log, changelog.KindCreate, changelog.KindCreate)
	log.Append(changelog.Row{Kind: changelog.KindUpdate, DocumentID: "doc", Payload: []byte(`{oops`)})
	appendKinds(log, changelog.KindDelete)
	log.Break(2, errors.New("io error"))
	sink := &collectingSink{}
	o := newTestObserver(t, log, sink)

	// When
	require.NoError(t, o.RunUpdateCheck(context.Background()))

	// Then: both are counted, neither emitted, and the pass completes
	assert.Equal(t, []int64{1, 4}, sink.generations())
	assert.Equal(t, int64(4), o.Watermark())
	assert.Equal(t, int64(2), o.Stats().RowErrors)
	assert.True(t, o.Initialized())
}

func TestObserver_SinkFailureHoldsWatermark(t *testing.T) {
	// Given: a sink that rejects generation 2 once
	log := changelog.NewMemoryLog("tenant-a")
	appendKinds(log, changelog.KindCreate, changelog.KindUpdate, changelog.KindUpdate)
	var failed atomic.Bool
	sink := &collectingSink{fail: func(c DocumentChange) error {
		if c.Generation.Generation == 2 && failed.CompareAndSwap(false, true) {
			return errors.New("index unavailable")
		}
		return nil
	}}
	o := newTestObserver(t, log, sink)
	ctx := context.Background()

	// When: the first pass fails
	err := o.RunUpdateCheck(ctx)

	// Then: the watermark stops before the rejected row
	require.Error(t, err)
	assert.Equal(t, idxerrors.ErrCodeIngestFailed, idxerrors.GetCode(err))
	assert.Equal(t, int64(1), o.Watermark())
	assert.False(t, o.Initialized())

	// And: the next pass delivers the rest exactly once
	require.NoError(t, o.RunUpdateCheck(ctx))
	assert.Equal(t, []int64{1, 2, 3}, sink.generations())
	assert.True(t, o.Initialized())
}

func TestObserver_InitialGeneration(t *testing.T) {
	log := changelog.NewMemoryLog("tenant-a")
	appendKinds(log, changelog.KindCreate, changelog.KindUpdate, changelog.KindUpdate)
	sink := &collectingSink{}
	o := newTestObserver(t, log, sink, func(c *Config) { c.InitialGeneration = 2 })

	require.NoError(t, o.RunUpdateCheck(context.Background()))

	assert.Equal(t, []int64{3}, sink.generations())
}

func TestObserver_ResetDuringPassAbandonsIt(t *testing.T) {
	// Given: a pass blocked inside the sink on its first change
	log := changelog.NewMemoryLog("tenant-a")
	appendKinds(log, changelog.KindCreate, changelog.KindUpdate)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	sink := &collectingSink{fail: func(DocumentChange) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	}}
	o := newTestObserver(t, log, sink)

	done := make(chan error, 1)
	go func() { done <- o.RunUpdateCheck(context.Background()) }()
	<-entered

	// When: reset while the pass is in flight
	o.Reset()
	close(release)
	require.NoError(t, <-done)

	// Then: the stale pass left the reset watermark alone
	assert.Equal(t, int64(0), o.Watermark())
	assert.False(t, o.Initialized())

	// And: the next pass re-ingests from scratch
	require.NoError(t, o.RunUpdateCheck(context.Background()))
	assert.Equal(t, int64(2), o.Watermark())
	assert.Equal(t, []int64{1, 1, 2}, sink.generations())
}

// countingLog counts passes through LatestGeneration.
type countingLog struct {
	changelog.Log
	passes atomic.Int32
}

func (c *countingLog) LatestGeneration(ctx context.Context) (int64, error) {
	c.passes.Add(1)
	return c.Log.LatestGeneration(ctx)
}

func TestObserver_SignalsDuringPassCauseAtMostOneMore(t *testing.T) {
	// Given: a started observer whose first pass blocks in the sink
	mem := changelog.NewMemoryLog("tenant-a")
	appendKinds(mem, changelog.KindCreate)
	log := &countingLog{Log: mem}
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	sink := &collectingSink{fail: func(DocumentChange) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	}}
	o := newTestObserver(t, log, sink)
	o.Start()
	<-entered

	// When: signalled repeatedly during the pass
	for i := 0; i < 10; i++ {
		o.Signal()
	}
	close(release)

	// Then: exactly one follow-up pass runs
	require.Eventually(t, func() bool { return log.passes.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), log.passes.Load())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))
}

func TestObserver_StartPollsImmediately(t *testing.T) {
	log := changelog.NewMemoryLog("tenant-a")
	appendKinds(log, changelog.KindCreate)
	sink := &collectingSink{}
	o := newTestObserver(t, log, sink)

	o.Start()
	o.Start()
	require.Eventually(t, o.Initialized, time.Second, time.Millisecond)

	appendKinds(log, changelog.KindUpdate)
	o.Signal()
	require.Eventually(t, func() bool { return o.Watermark() == 2 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))
	require.NoError(t, o.Stop(ctx))
}

func TestNew_Validates(t *testing.T) {
	sched := scheduler.New(scheduler.Options{})
	defer func() { _ = sched.Close(context.Background()) }()
	log := changelog.NewMemoryLog("a")
	sink := &collectingSink{}

	_, err := New(nil, Config{Area: "a", Log: log, Sink: sink})
	assert.Error(t, err)
	_, err = New(sched, Config{Log: log, Sink: sink})
	assert.Error(t, err)
	_, err = New(sched, Config{Area: "a", Sink: sink})
	assert.Error(t, err)
	_, err = New(sched, Config{Area: "a", Log: log})
	assert.Error(t, err)
	_, err = New(sched, Config{Area: "a", Log: log, Sink: sink, InitialGeneration: -1})
	assert.Error(t, err)
}

func TestExcludeFuncs(t *testing.T) {
	big := changelog.Row{Kind: changelog.KindCreate, SizeBytes: 100, ContentType: "note"}
	del := changelog.Row{Kind: changelog.KindDelete, SizeBytes: 100, ContentType: "note"}
	blob := changelog.Row{Kind: changelog.KindCreate, SizeBytes: 1, ContentType: "blob"}

	size := ExcludeLargerThan(50)
	assert.True(t, size(big))
	assert.False(t, size(del))
	assert.False(t, ExcludeLargerThan(0)(big))

	both := AnyOf(size, ExcludeContentTypes("blob"))
	assert.True(t, both(big))
	assert.True(t, both(blob))
	assert.False(t, both(del))
	assert.False(t, ExcludeContentTypes()(blob))
}

type flagRecorder struct {
	mu    sync.Mutex
	flags []bool
}

func (r *flagRecorder) ObserveRow(string, string)         {}
func (r *flagRecorder) SetWatermark(string, int64)        {}
func (r *flagRecorder) SetLatestGeneration(string, int64) {}
func (r *flagRecorder) SetInitialized(_ string, initialized bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags = append(r.flags, initialized)
}

func (r *flagRecorder) values() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.flags...)
}

// hookHandler runs fn for every record with message msg.
type hookHandler struct {
	msg string
	fn  func()
}

func (h hookHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h hookHandler) WithAttrs([]slog.Attr) slog.Handler       { return h }
func (h hookHandler) WithGroup(string) slog.Handler            { return h }
func (h hookHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message == h.msg {
		h.fn()
	}
	return nil
}

func TestObserver_ResetBeforeNotifyReportsNoStaleFlag(t *testing.T) {
	// Given: an observer whose first pass is reset right after it marks
	// itself initialized but before the flag is delivered
	log := changelog.NewMemoryLog("tenant-a")
	appendKinds(log, changelog.KindCreate)
	rec := &flagRecorder{}
	var o *Observer
	var once sync.Once
	o = newTestObserver(t, log, &collectingSink{}, func(c *Config) {
		c.Recorder = rec
		c.Logger = slog.New(hookHandler{msg: "observer_pass_complete", fn: func() {
			once.Do(func() { o.Reset() })
		}})
	})
	var delivered []bool
	o.OnInitializedChanged(func(_ string, initialized bool) {
		delivered = append(delivered, initialized)
	})

	// When: the pass runs
	require.NoError(t, o.RunUpdateCheck(context.Background()))

	// Then: the observer is uninitialized and nobody was told otherwise
	assert.False(t, o.Initialized())
	assert.Empty(t, rec.values())
	assert.Empty(t, delivered)

	// When: the follow-up pass completes
	require.NoError(t, o.RunUpdateCheck(context.Background()))

	// Then: exactly one flip to true is delivered
	assert.True(t, o.Initialized())
	assert.Equal(t, []bool{true}, rec.values())
	assert.Equal(t, []bool{true}, delivered)
}

func TestObserver_ResetIgnoresInitialGeneration(t *testing.T) {
	// Given: an observer configured to start past the first two rows
	log := changelog.NewMemoryLog("tenant-a")
	appendKinds(log, changelog.KindCreate, changelog.KindCreate, changelog.KindCreate)
	sink := &collectingSink{}
	o := newTestObserver(t, log, sink, func(c *Config) { c.InitialGeneration = 2 })
	require.NoError(t, o.RunUpdateCheck(context.Background()))
	assert.Equal(t, []int64{3}, sink.generations())

	// When: reset
	o.Reset()

	// Then: the watermark is 0 and the next pass reads the whole log
	assert.Equal(t, int64(0), o.Watermark())
	require.NoError(t, o.RunUpdateCheck(context.Background()))
	assert.Equal(t, []int64{3, 1, 2, 3}, sink.generations())
}
