package docstore

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/indexsync/internal/changelog"
)

func openTestStore(t *testing.T, batch int) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Path:      filepath.Join(t.TempDir(), "store.db"),
		BatchSize: batch,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func readAll(t *testing.T, l changelog.Log, from int64) ([]changelog.Row, []*changelog.RowError) {
	t.Helper()
	r, err := l.OpenReader(context.Background(), from, from == 0)
	require.NoError(t, err)
	defer r.Close()

	var rows []changelog.Row
	var rowErrs []*changelog.RowError
	for {
		row, err := r.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return rows, rowErrs
		}
		var re *changelog.RowError
		if errors.As(err, &re) {
			rowErrs = append(rowErrs, re)
			continue
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestStore_WritesAppendChangeLog(t *testing.T) {
	// Given: a store
	s := openTestStore(t, 0)
	ctx := context.Background()

	// When: a document is created, updated, flagged and deleted
	g1, err := s.Put(ctx, "tenant-a", "d1", "note", []byte(`{"title":"one"}`))
	require.NoError(t, err)
	g2, err := s.Put(ctx, "tenant-a", "d1", "note", []byte(`{"title":"two"}`))
	require.NoError(t, err)
	g3, err := s.MarkFaulty(ctx, "tenant-a", "d1", "checksum mismatch")
	require.NoError(t, err)
	g4, err := s.Delete(ctx, "tenant-a", "d1")
	require.NoError(t, err)

	// Then: generations are sequential and the log mirrors the writes
	assert.Equal(t, []int64{1, 2, 3, 4}, []int64{g1, g2, g3, g4})

	rows, rowErrs := readAll(t, s.Log("tenant-a"), 0)
	assert.Empty(t, rowErrs)
	require.Len(t, rows, 4)
	kinds := []changelog.Kind{rows[0].Kind, rows[1].Kind, rows[2].Kind, rows[3].Kind}
	assert.Equal(t, []changelog.Kind{
		changelog.KindCreate, changelog.KindUpdate, changelog.KindFaulty, changelog.KindDelete,
	}, kinds)
	assert.JSONEq(t, `{"title":"two"}`, string(rows[1].Payload))
	assert.Equal(t, int64(len(`{"title":"two"}`)), rows[1].SizeBytes)
	assert.Equal(t, "note", rows[3].ContentType)

	_, err = s.Get(ctx, "tenant-a", "d1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GenerationsArePerArea(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	ga, err := s.Put(ctx, "a", "x", "note", []byte(`{}`))
	require.NoError(t, err)
	gb, err := s.Put(ctx, "b", "x", "note", []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, int64(1), ga)
	assert.Equal(t, int64(1), gb)

	areas, err := s.Areas(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, areas)
}

func TestStore_RejectsInvalidPayload(t *testing.T) {
	s := openTestStore(t, 0)
	_, err := s.Put(context.Background(), "a", "x", "note", []byte(`{not json`))
	assert.Error(t, err)

	latest, err := s.Log("a").LatestGeneration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), latest)
}

func TestStore_DeleteMissing(t *testing.T) {
	s := openTestStore(t, 0)
	_, err := s.Delete(context.Background(), "a", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLogReader_PagesInOrder(t *testing.T) {
	// Given: a small page size and more rows than fit in one page
	s := openTestStore(t, 2)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, err := s.Put(ctx, "a", string(rune('a'+i)), "note", []byte(`{}`))
		require.NoError(t, err)
	}

	// When: reading incrementally from generation 3
	rows, _ := readAll(t, s.LogWithBatchSize("a", 2), 3)

	// Then: rows 4..7 arrive once each, in order
	require.Len(t, rows, 4)
	for i, row := range rows {
		assert.Equal(t, int64(4+i), row.Generation)
	}
}

func TestLogReader_StopsAtLatestWhenOpened(t *testing.T) {
	s := openTestStore(t, 1)
	ctx := context.Background()
	_, err := s.Put(ctx, "a", "x", "note", []byte(`{}`))
	require.NoError(t, err)

	r, err := s.Log("a").OpenReader(ctx, 0, false)
	require.NoError(t, err)
	defer r.Close()

	_, err = s.Put(ctx, "a", "y", "note", []byte(`{}`))
	require.NoError(t, err)

	row, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.Generation)
	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLogReader_UnknownOpIsRowError(t *testing.T) {
	// Given: a row with an op the reader cannot map
	s := openTestStore(t, 0)
	ctx := context.Background()
	_, err := s.Put(ctx, "a", "x", "note", []byte(`{}`))
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO change_log(area, generation, op, document_id) VALUES ('a', 2, 'mangled', 'x')`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO change_log(area, generation, op, document_id) VALUES ('a', 3, 'delete', 'x')`)
	require.NoError(t, err)

	// When: reading the area
	rows, rowErrs := readAll(t, s.Log("a"), 0)

	// Then: the bad row surfaces as a row error and reading continues
	require.Len(t, rowErrs, 1)
	assert.Equal(t, int64(2), rowErrs[0].Generation)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(3), rows[1].Generation)
}

func TestStore_CloseIsIdempotent(t *testing.T) {
	s := openTestStore(t, 0)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err := s.Put(context.Background(), "a", "x", "note", []byte(`{}`))
	assert.Error(t, err)
}
