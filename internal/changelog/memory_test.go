package changelog

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, r Reader) ([]Row, []*RowError) {
	t.Helper()
	var rows []Row
	var rowErrs []*RowError
	for {
		row, err := r.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return rows, rowErrs
		}
		var re *RowError
		if errors.As(err, &re) {
			rowErrs = append(rowErrs, re)
			continue
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestMemoryLog_ReadsAfterGeneration(t *testing.T) {
	// Given: a log with four rows
	l := NewMemoryLog("a")
	for _, k := range []Kind{KindCreate, KindUpdate, KindFaulty, KindDelete} {
		l.Append(Row{Kind: k, DocumentID: "d1"})
	}

	// When: reading from generation 2
	r, err := l.OpenReader(context.Background(), 2, false)
	require.NoError(t, err)
	defer r.Close()
	rows, _ := drain(t, r)

	// Then: only rows above 2 come back, in order
	require.Len(t, rows, 2)
	assert.Equal(t, int64(3), rows[0].Generation)
	assert.Equal(t, KindFaulty, rows[0].Kind)
	assert.Equal(t, int64(4), rows[1].Generation)
	assert.Equal(t, "a", rows[1].Area)

	latest, err := l.LatestGeneration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), latest)
}

func TestMemoryLog_AppendAtRejectsNonIncreasing(t *testing.T) {
	l := NewMemoryLog("a")
	require.NoError(t, l.AppendAt(Row{Generation: 10}))
	assert.Error(t, l.AppendAt(Row{Generation: 10}))
	assert.Error(t, l.AppendAt(Row{Generation: 3}))
	assert.Equal(t, int64(11), l.Append(Row{}).Generation)
}

func TestMemoryLog_BrokenRowIsRowError(t *testing.T) {
	l := NewMemoryLog("a")
	l.Append(Row{Kind: KindCreate})
	l.Append(Row{Kind: KindCreate})
	l.Break(1, errors.New("bad bytes"))

	r, err := l.OpenReader(context.Background(), 0, true)
	require.NoError(t, err)
	rows, rowErrs := drain(t, r)

	require.Len(t, rowErrs, 1)
	assert.Equal(t, int64(1), rowErrs[0].Generation)
	assert.Contains(t, rowErrs[0].Error(), "bad bytes")
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].Generation)
}

func TestMemorySource_AreasSorted(t *testing.T) {
	s := NewMemorySource()
	s.Area("b")
	s.Area("a")
	areas, err := s.Areas(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, areas)
	assert.Same(t, s.Area("a"), s.Log("a"))
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindCreate, KindUpdate, KindDelete, KindFaulty} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("nope")
	assert.Error(t, err)
}
