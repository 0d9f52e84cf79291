package changelog

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// MemoryLog is an in-process Log. It is safe for concurrent use.
type MemoryLog struct {
	area string

	mu   sync.Mutex
	rows []Row
	// broken holds generations whose read fails with a RowError.
	broken map[int64]error
}

// NewMemoryLog creates an empty log for area.
func NewMemoryLog(area string) *MemoryLog {
	return &MemoryLog{area: area, broken: make(map[int64]error)}
}

// Append adds a row, assigning the next generation. It returns the row as stored.
func (m *MemoryLog) Append(row Row) Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	row.Area = m.area
	row.Generation = m.latest() + 1
	if row.SizeBytes == 0 {
		row.SizeBytes = int64(len(row.Payload))
	}
	m.rows = append(m.rows, row)
	return row
}

// AppendAt adds a row with an explicit generation, which must exceed the
// current latest generation. Gaps are allowed.
func (m *MemoryLog) AppendAt(row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if row.Generation <= m.latest() {
		return fmt.Errorf("generation %d is not after %d", row.Generation, m.latest())
	}
	row.Area = m.area
	m.rows = append(m.rows, row)
	return nil
}

// Break makes reads of the row at generation fail with a RowError.
func (m *MemoryLog) Break(generation int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broken[generation] = err
}

// LatestGeneration implements Log.
func (m *MemoryLog) LatestGeneration(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest(), nil
}

// OpenReader implements Log. The reader sees rows appended up to the call.
func (m *MemoryLog) OpenReader(_ context.Context, from int64, _ bool) (Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := sort.Search(len(m.rows), func(i int) bool {
		return m.rows[i].Generation > from
	})
	rows := make([]Row, len(m.rows)-start)
	copy(rows, m.rows[start:])

	broken := make(map[int64]error, len(m.broken))
	for g, err := range m.broken {
		broken[g] = err
	}
	return &memoryReader{area: m.area, rows: rows, broken: broken}, nil
}

func (m *MemoryLog) latest() int64 {
	if len(m.rows) == 0 {
		return 0
	}
	return m.rows[len(m.rows)-1].Generation
}

type memoryReader struct {
	area   string
	rows   []Row
	broken map[int64]error
	pos    int
	closed bool
}

func (r *memoryReader) Next(ctx context.Context) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	if r.closed {
		return Row{}, fmt.Errorf("reader closed")
	}
	if r.pos >= len(r.rows) {
		return Row{}, io.EOF
	}
	row := r.rows[r.pos]
	r.pos++
	if err, ok := r.broken[row.Generation]; ok {
		return Row{}, &RowError{Area: r.area, Generation: row.Generation, Err: err}
	}
	return row, nil
}

func (r *memoryReader) Close() error {
	r.closed = true
	return nil
}

// MemorySource is a Source over MemoryLogs.
type MemorySource struct {
	mu   sync.Mutex
	logs map[string]*MemoryLog
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{logs: make(map[string]*MemoryLog)}
}

// Area returns the log for area, creating it on first use.
func (s *MemorySource) Area(area string) *MemoryLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[area]
	if !ok {
		l = NewMemoryLog(area)
		s.logs[area] = l
	}
	return l
}

// Areas implements Source, sorted by name.
func (s *MemorySource) Areas(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.logs))
	for a := range s.logs {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

// Log implements Source.
func (s *MemorySource) Log(area string) Log {
	return s.Area(area)
}
