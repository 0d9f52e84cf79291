package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/indexsync/internal/changelog"
	"github.com/Aman-CERP/indexsync/internal/observer"
	"github.com/Aman-CERP/indexsync/internal/scheduler"
)

type recordingSink struct {
	mu      sync.Mutex
	changes []observer.DocumentChange
}

func (s *recordingSink) Consume(_ context.Context, c observer.DocumentChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, c)
	return nil
}

func (s *recordingSink) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.changes))
	for _, c := range s.changes {
		out = append(out, c.Key())
	}
	return out
}

func newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(scheduler.Options{MaxWorkers: 4})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func seed(src *changelog.MemorySource, area string, docs ...string) {
	for _, d := range docs {
		src.Area(area).Append(changelog.Row{
			Kind: changelog.KindCreate, DocumentID: d, ContentType: "note", Payload: []byte(`{}`),
		})
	}
}

func hourly() scheduler.Trigger { return scheduler.Periodic(time.Hour) }

func TestAggregator_RoutesAreasByPattern(t *testing.T) {
	// Given: four areas and two watch groups
	src := changelog.NewMemorySource()
	for _, a := range []string{"tenant-a", "tenant-b", "shared1", "other"} {
		seed(src, a, "d")
	}

	// When
	agg, err := New(context.Background(), newScheduler(t), Config{
		Source: src,
		Sink:   &recordingSink{},
		Groups: []WatchGroup{
			{Patterns: []string{"tenant-*"}, Trigger: hourly()},
			{Patterns: []string{"shared?"}, Trigger: hourly()},
		},
	})
	require.NoError(t, err)

	// Then: only matching areas are observed
	assert.Equal(t, []string{"shared1", "tenant-a", "tenant-b"}, agg.Areas())
	assert.False(t, agg.QueueUpdate("other", "d"))
	assert.True(t, agg.QueueUpdate("tenant-a", "d"))
	assert.True(t, agg.QueueDelete("shared1", "d"))
}

func TestAggregator_FirstMatchingGroupWins(t *testing.T) {
	src := changelog.NewMemorySource()
	seed(src, "tenant-a", "d1", "d2", "d3")
	seed(src, "tenant-b", "d1", "d2", "d3")

	agg, err := New(context.Background(), newScheduler(t), Config{
		Source: src,
		Sink:   &recordingSink{},
		Groups: []WatchGroup{
			{Patterns: []string{"tenant-a"}, Trigger: hourly(), InitialGeneration: 2},
			{Patterns: []string{"tenant-*"}, Trigger: hourly()},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{"tenant-a": 2, "tenant-b": 0}, agg.Watermarks())
}

func TestAggregator_InitializedIsConjunction(t *testing.T) {
	// Given: three observed areas
	src := changelog.NewMemorySource()
	areas := []string{"a1", "a2", "a3"}
	for _, a := range areas {
		seed(src, a, "d")
	}
	agg, err := New(context.Background(), newScheduler(t), Config{
		Source: src,
		Sink:   &recordingSink{},
		Groups: []WatchGroup{{Patterns: []string{"a?"}, Trigger: hourly()}},
	})
	require.NoError(t, err)
	ctx := context.Background()

	var flips []bool
	agg.OnInitializedChanged(func(v bool) { flips = append(flips, v) })

	// When/Then: flags flip in several orders; the aggregate tracks the AND
	orders := [][]string{{"a1", "a2", "a3"}, {"a3", "a1", "a2"}, {"a2", "a3", "a1"}}
	for _, order := range orders {
		for i, area := range order {
			assert.False(t, agg.Initialized(), "before %s", area)
			o, ok := agg.Observer(area)
			require.True(t, ok)
			require.NoError(t, o.RunUpdateCheck(ctx))
			assert.Equal(t, i == len(order)-1, agg.Initialized())
		}
		require.NoError(t, agg.ResetArea(order[1]))
		assert.False(t, agg.Initialized())
		agg.Reset()
		assert.False(t, agg.Initialized())
	}
	assert.Equal(t, []bool{true, false, true, false, true, false}, flips)
}

func TestAggregator_NoAreasIsInitialized(t *testing.T) {
	agg, err := New(context.Background(), newScheduler(t), Config{
		Source: changelog.NewMemorySource(),
		Sink:   &recordingSink{},
		Groups: []WatchGroup{{Patterns: []string{"*"}, Trigger: hourly()}},
	})
	require.NoError(t, err)
	assert.True(t, agg.Initialized())
	require.NoError(t, agg.WaitInitialized(context.Background()))
}

func TestAggregator_StartMergesAllAreas(t *testing.T) {
	// Given: two areas with changes
	src := changelog.NewMemorySource()
	seed(src, "a1", "x", "y")
	seed(src, "a2", "z")
	sink := &recordingSink{}
	agg, err := New(context.Background(), newScheduler(t), Config{
		Source: src,
		Sink:   sink,
		Groups: []WatchGroup{{Patterns: []string{"a*"}, Trigger: hourly()}},
	})
	require.NoError(t, err)

	// When: started
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	agg.Start()
	require.NoError(t, agg.WaitInitialized(ctx))

	// Then: every change arrived once, area order preserved
	assert.ElementsMatch(t, []string{"a1/x", "a1/y", "a2/z"}, sink.keys())
	assert.Equal(t, map[string]int64{"a1": 2, "a2": 1}, agg.Watermarks())

	// And: a queued update is picked up without waiting for the timer
	seed(src, "a2", "w")
	assert.True(t, agg.QueueUpdate("a2", "w"))
	require.Eventually(t, func() bool { return len(sink.keys()) == 4 }, time.Second, time.Millisecond)

	require.NoError(t, agg.Stop(ctx))
}

func TestAggregator_DiscoverAddsNewAreas(t *testing.T) {
	src := changelog.NewMemorySource()
	seed(src, "a1", "x")
	sink := &recordingSink{}
	agg, err := New(context.Background(), newScheduler(t), Config{
		Source: src,
		Sink:   sink,
		Groups: []WatchGroup{{Patterns: []string{"a*"}, Trigger: hourly()}},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	agg.Start()
	require.NoError(t, agg.WaitInitialized(ctx))

	seed(src, "a2", "y")
	seed(src, "b1", "z")
	added, err := agg.Discover(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"a2"}, added)
	require.NoError(t, agg.WaitInitialized(ctx))
	assert.ElementsMatch(t, []string{"a1/x", "a2/y"}, sink.keys())
	require.NoError(t, agg.Stop(ctx))
}

func TestAggregator_UpdateGeneration(t *testing.T) {
	src := changelog.NewMemorySource()
	seed(src, "a1", "x", "y", "z")
	sink := &recordingSink{}
	agg, err := New(context.Background(), newScheduler(t), Config{
		Source: src,
		Sink:   sink,
		Groups: []WatchGroup{{Patterns: []string{"a1"}, Trigger: hourly()}},
	})
	require.NoError(t, err)

	require.NoError(t, agg.UpdateGeneration("a1", 2))
	err = agg.UpdateGeneration("zz", 2)
	assert.True(t, errors.Is(err, ErrUnknownArea))

	o, _ := agg.Observer("a1")
	require.NoError(t, o.RunUpdateCheck(context.Background()))
	assert.Equal(t, []string{"a1/z"}, sink.keys())
}

func TestNew_RejectsBadConfig(t *testing.T) {
	sched := newScheduler(t)
	src := changelog.NewMemorySource()

	_, err := New(context.Background(), sched, Config{Sink: &recordingSink{}})
	assert.Error(t, err)
	_, err = New(context.Background(), sched, Config{Source: src})
	assert.Error(t, err)
	_, err = New(context.Background(), sched, Config{
		Source: src, Sink: &recordingSink{}, Groups: []WatchGroup{{}},
	})
	assert.Error(t, err)
	_, err = New(context.Background(), sched, Config{
		Source: src, Sink: &recordingSink{}, Groups: []WatchGroup{{Patterns: []string{""}}},
	})
	assert.Error(t, err)
}

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		pattern string
		area    string
		want    bool
	}{
		{"tenant-*", "tenant-a", true},
		{"tenant-*", "tenant-", true},
		{"tenant-*", "xtenant-a", false},
		{"shared?", "shared1", true},
		{"shared?", "shared12", false},
		{"a.b", "a.b", true},
		{"a.b", "axb", false},
		{`lit\*`, "lit*", true},
		{`lit\*`, "litx", false},
		{"*", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.area, func(t *testing.T) {
			p, err := compilePattern(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.match(tt.area))
		})
	}
}

func TestChannelSink(t *testing.T) {
	s := NewChannelSink(1)
	change := observer.DocumentChange{Area: "a", Entity: observer.Document{ID: "x"}}
	require.NoError(t, s.Consume(context.Background(), change))
	assert.Equal(t, "a/x", (<-s.Changes()).Key())

	require.NoError(t, s.Consume(context.Background(), change))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Consume(ctx, change), context.Canceled)
}

func TestAggregator_MergedStreamThroughChannelSink(t *testing.T) {
	// Given: two areas feeding one channel sink
	src := changelog.NewMemorySource()
	seed(src, "a1", "x", "y")
	seed(src, "a2", "z")
	sink := NewChannelSink(0)
	agg, err := New(context.Background(), newScheduler(t), Config{
		Source: src,
		Sink:   sink,
		Groups: []WatchGroup{{Patterns: []string{"a*"}, Trigger: hourly()}},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// When: started and drained by a reader
	agg.Start()
	var keys []string
	for len(keys) < 3 {
		select {
		case change := <-sink.Changes():
			keys = append(keys, change.Key())
		case <-ctx.Done():
			t.Fatalf("stream stalled after %v", keys)
		}
	}

	// Then: every change arrives and the aggregate state settles
	assert.ElementsMatch(t, []string{"a1/x", "a1/y", "a2/z"}, keys)
	require.NoError(t, agg.WaitInitialized(ctx))
	assert.Equal(t, map[string]int64{"a1": 2, "a2": 1}, agg.Watermarks())
	require.NoError(t, agg.Stop(ctx))
}
