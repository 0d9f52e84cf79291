package daemon

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/indexsync/internal/config"
	"github.com/Aman-CERP/indexsync/internal/docstore"
	idxerrors "github.com/Aman-CERP/indexsync/internal/errors"
)

// shortDataDir keeps the control socket path under the Unix limit.
func shortDataDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "ixs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.DataDir = shortDataDir(t)
	cfg.Store.DiscoverInterval = 50 * time.Millisecond
	cfg.Index.FlushInterval = 50 * time.Millisecond
	cfg.Watches = []config.WatchConfig{{Patterns: []string{"tenant-*"}, Poll: "50ms"}}
	cfg.Watcher.Debounce = 20 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

type runningDaemon struct {
	client *Client
	cancel context.CancelFunc
	errCh  chan error
}

func startDaemon(t *testing.T, cfg *config.Config) *runningDaemon {
	t.Helper()
	d := New(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	select {
	case <-d.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("daemon failed to start: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("daemon did not become ready")
	}

	client := NewClient(SocketPath(cfg.DataDir), 2*time.Second)
	require.Eventually(t, client.IsRunning, 5*time.Second, 10*time.Millisecond)
	return &runningDaemon{client: client, cancel: cancel, errCh: errCh}
}

func (r *runningDaemon) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.errCh:
		require.NoError(t, err)
	case <-time.After(ShutdownGracePeriod):
		t.Fatal("daemon did not stop")
	}
}

func statusWhere(t *testing.T, c *Client, cond func(*StatusResult) bool) *StatusResult {
	t.Helper()
	var last *StatusResult
	require.Eventually(t, func() bool {
		st, err := c.Status(context.Background())
		if err != nil {
			return false
		}
		last = st
		return cond(st)
	}, 10*time.Second, 20*time.Millisecond)
	return last
}

func areaStatus(st *StatusResult, area string) (AreaStatus, bool) {
	for _, a := range st.Areas {
		if a.Area == area {
			return a, true
		}
	}
	return AreaStatus{}, false
}

func TestDaemon_SyncsSnapshotsAndRestores(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	// Given: a store with two watched documents and one unwatched area
	store, err := docstore.Open(ctx, docstore.Config{Path: cfg.StorePath()})
	require.NoError(t, err)
	defer store.Close()
	_, err = store.Put(ctx, "tenant-a", "1", "note", []byte(`{"title":"golden retriever"}`))
	require.NoError(t, err)
	_, err = store.Put(ctx, "tenant-a", "2", "note", []byte(`{"title":"tabby cat"}`))
	require.NoError(t, err)
	_, err = store.Put(ctx, "internal", "1", "note", []byte(`{"title":"golden ticket"}`))
	require.NoError(t, err)

	// When: the daemon runs with no snapshot
	r := startDaemon(t, cfg)

	// Then: the watched area is ingested and searchable
	st := statusWhere(t, r.client, func(st *StatusResult) bool {
		return st.Initialized && st.Documents == 2
	})
	assert.Empty(t, st.Restored)
	_, watched := areaStatus(st, "internal")
	assert.False(t, watched)

	hits, err := r.client.Search(ctx, SearchParams{Query: "golden"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "tenant-a", hits[0].Area)
	assert.Equal(t, "1", hits[0].ID)

	// When: a new area appears and a snapshot is requested
	_, err = store.Put(ctx, "tenant-b", "1", "note", []byte(`{"title":"golden hamster"}`))
	require.NoError(t, err)
	st = statusWhere(t, r.client, func(st *StatusResult) bool { return st.Documents == 3 })
	a, ok := areaStatus(st, "tenant-a")
	require.True(t, ok)
	watermarkA := a.Watermark

	snap, err := r.client.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Taken)
	r.stop(t)

	// Then: a fresh daemon restores the snapshot and resumes from its watermarks
	r = startDaemon(t, cfg)
	defer r.stop(t)

	st = statusWhere(t, r.client, func(st *StatusResult) bool {
		return st.Initialized && st.Documents == 3
	})
	assert.NotEmpty(t, st.Restored)
	a, ok = areaStatus(st, "tenant-a")
	require.True(t, ok)
	assert.Equal(t, watermarkA, a.Watermark)
	assert.Zero(t, a.Creates, "restored rows are not re-ingested")

	hits, err = r.client.Search(ctx, SearchParams{Query: "golden", Area: "tenant-b"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "tenant-b", hits[0].Area)
}

func TestDaemon_SignalAndReset(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Snapshots.Enabled = false
	cfg.Watches[0].Poll = "1h"
	cfg.Watcher.Enabled = false

	store, err := docstore.Open(ctx, docstore.Config{Path: cfg.StorePath()})
	require.NoError(t, err)
	defer store.Close()
	_, err = store.Put(ctx, "tenant-a", "1", "note", []byte(`{"title":"one"}`))
	require.NoError(t, err)

	r := startDaemon(t, cfg)
	defer r.stop(t)
	statusWhere(t, r.client, func(st *StatusResult) bool { return st.Documents == 1 })

	// Given: a write the hourly poll would not see for a while
	_, err = store.Put(ctx, "tenant-a", "2", "note", []byte(`{"title":"two"}`))
	require.NoError(t, err)

	// When: the write path queues an update
	res, err := r.client.Signal(ctx, SignalParams{Area: "tenant-a", DocumentID: "2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a"}, res.Areas)

	// Then: it is ingested promptly
	statusWhere(t, r.client, func(st *StatusResult) bool { return st.Documents == 2 })

	// And: a reset re-ingests from generation zero
	_, err = r.client.Signal(ctx, SignalParams{Area: "tenant-a", Reset: true})
	require.NoError(t, err)
	statusWhere(t, r.client, func(st *StatusResult) bool {
		a, ok := areaStatus(st, "tenant-a")
		return ok && a.Initialized && a.Creates >= 4
	})

	// And: unknown areas and disabled snapshots are reported
	_, err = r.client.Signal(ctx, SignalParams{Area: "nope"})
	assert.Error(t, err)
	_, err = r.client.Snapshot(ctx)
	assert.Error(t, err)
}

func TestDaemon_DataDirLocked(t *testing.T) {
	// Given: a running daemon
	cfg := testConfig(t)
	cfg.Snapshots.Enabled = false
	r := startDaemon(t, cfg)
	defer r.stop(t)

	// When: a second daemon targets the same data dir
	err := New(cfg, nil).Run(context.Background())

	// Then: it refuses to start
	require.Error(t, err)
	assert.Equal(t, idxerrors.ErrCodeStoreUnavailable, idxerrors.GetCode(err))
}

func TestWatchGroups(t *testing.T) {
	groups, err := WatchGroups([]config.WatchConfig{
		{Patterns: []string{"a*"}, Poll: "5s", ExcludeContentTypes: []string{"blob"}},
		{Patterns: []string{"b"}, Poll: "@hourly", InitialGeneration: 7},
	})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "5s", groups[0].Trigger.String())
	assert.Equal(t, int64(7), groups[1].InitialGeneration)

	_, err = WatchGroups([]config.WatchConfig{{Patterns: []string{"a"}, Poll: "soon"}})
	require.Error(t, err)
	assert.Equal(t, idxerrors.ErrCodeTriggerInvalid, idxerrors.GetCode(err))
}
