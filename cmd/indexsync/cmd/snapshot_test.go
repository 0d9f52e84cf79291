package cmd

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/indexsync/internal/snapshot"
)

func storeSnapshot(t *testing.T, dataDir string, watermarks map[string]int64, schemas ...string) string {
	t.Helper()
	ctx := context.Background()
	storage, err := snapshot.NewFSStorage(filepath.Join(dataDir, "snapshots"))
	require.NoError(t, err)

	w, err := storage.Create(ctx)
	require.NoError(t, err)
	for _, ct := range schemas {
		wc, err := w.Create(snapshot.SchemaStream(ct))
		require.NoError(t, err)
		_, err = io.WriteString(wc, `{"fields":[]}`)
		require.NoError(t, err)
		require.NoError(t, wc.Close())
	}
	require.NoError(t, snapshot.WriteManifest(w, snapshot.NewManifest(w.ID(), time.Now(), watermarks, schemas)))
	require.NoError(t, w.Commit(ctx))
	return w.ID()
}

func TestSnapshotList_Empty(t *testing.T) {
	path, _ := writeProjectConfig(t, "")

	out, err := execute(t, "snapshot", "list", "--config", path)

	require.NoError(t, err)
	assert.Contains(t, out, "no snapshots")
}

func TestSnapshotList_NewestFirst(t *testing.T) {
	// Given: two stored snapshots
	path, dataDir := writeProjectConfig(t, "")
	older := storeSnapshot(t, dataDir, map[string]int64{"tenant-a": 3})
	newer := storeSnapshot(t, dataDir, map[string]int64{"tenant-a": 5, "tenant-b": 1}, "invoice", "note")

	// When: listing as JSON
	out, err := execute(t, "snapshot", "list", "--json", "--config", path)

	// Then: both are described from their manifests, newest first
	require.NoError(t, err)
	var infos []SnapshotInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, newer, infos[0].ID)
	assert.Equal(t, older, infos[1].ID)
	assert.Len(t, infos[0].Areas, 2)
	assert.Equal(t, []string{"invoice", "note"}, infos[0].Schemas)
	assert.Empty(t, infos[0].Error)

	// And: the table lists both ids
	out, err = execute(t, "snapshot", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, newer)
	assert.Contains(t, out, older)
}

func TestSnapshotVerify(t *testing.T) {
	// Given: one intact and one damaged snapshot
	path, dataDir := writeProjectConfig(t, "")
	good := storeSnapshot(t, dataDir, map[string]int64{"tenant-a": 3})
	bad := storeSnapshot(t, dataDir, map[string]int64{"tenant-a": 4}, "note")
	schemaFile := filepath.Join(dataDir, "snapshots", bad, filepath.FromSlash(snapshot.SchemaStream("note")))
	require.NoError(t, os.WriteFile(schemaFile, []byte("tampered"), 0o644))

	// When: verifying only the good one
	out, err := execute(t, "snapshot", "verify", good, "--config", path)

	// Then: it passes
	require.NoError(t, err)
	assert.Contains(t, out, good)

	// When: verifying all
	out, err = execute(t, "snapshot", "verify", "--config", path)

	// Then: the damaged one fails the command and is left in place
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, out, bad)
	assert.DirExists(t, filepath.Join(dataDir, "snapshots", bad))
}

func TestSnapshotVerify_UnknownID(t *testing.T) {
	path, _ := writeProjectConfig(t, "")

	_, err := execute(t, "snapshot", "verify", "nope", "--config", path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
