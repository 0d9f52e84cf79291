package docstore

import (
	"context"
	"fmt"
	"io"

	"github.com/Aman-CERP/indexsync/internal/changelog"
)

type areaLog struct {
	store     *Store
	area      string
	batchSize int
}

func (l *areaLog) LatestGeneration(ctx context.Context) (int64, error) {
	var latest int64
	err := l.store.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(generation), 0) FROM change_log WHERE area = ?`, l.area).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest generation: %w", err)
	}
	return latest, nil
}

// OpenReader pages through the log up to the generation that was latest
// when the reader was opened, so a pass always terminates.
func (l *areaLog) OpenReader(ctx context.Context, from int64, initializing bool) (changelog.Reader, error) {
	upTo, err := l.LatestGeneration(ctx)
	if err != nil {
		return nil, err
	}
	batch := l.batchSize
	if initializing {
		batch *= initializingBatchFactor
	}
	return &logReader{log: l, after: from, upTo: upTo, batch: batch}, nil
}

// logReader fetches one page at a time. It keeps no query open between
// calls, so the single database connection stays free for writers.
type logReader struct {
	log   *areaLog
	after int64
	upTo  int64
	batch int

	page   []pageRow
	pos    int
	done   bool
	closed bool
}

type pageRow struct {
	row changelog.Row
	op  string
}

func (r *logReader) Next(ctx context.Context) (changelog.Row, error) {
	if r.closed {
		return changelog.Row{}, fmt.Errorf("reader closed")
	}
	if r.pos >= len(r.page) {
		if r.done {
			return changelog.Row{}, io.EOF
		}
		if err := r.fetch(ctx); err != nil {
			return changelog.Row{}, err
		}
		if len(r.page) == 0 {
			return changelog.Row{}, io.EOF
		}
	}

	p := r.page[r.pos]
	r.pos++
	kind, err := changelog.ParseKind(p.op)
	if err != nil {
		return changelog.Row{}, &changelog.RowError{Area: r.log.area, Generation: p.row.Generation, Err: err}
	}
	p.row.Kind = kind
	return p.row, nil
}

func (r *logReader) fetch(ctx context.Context) error {
	rows, err := r.log.store.db.QueryContext(ctx,
		`SELECT generation, op, document_id, content_type, payload, size_bytes
		 FROM change_log WHERE area = ? AND generation > ? AND generation <= ?
		 ORDER BY generation LIMIT ?`,
		r.log.area, r.after, r.upTo, r.batch)
	if err != nil {
		return fmt.Errorf("failed to read change log: %w", err)
	}
	defer rows.Close()

	r.page = r.page[:0]
	r.pos = 0
	for rows.Next() {
		p := pageRow{row: changelog.Row{Area: r.log.area}}
		if err := rows.Scan(&p.row.Generation, &p.op, &p.row.DocumentID,
			&p.row.ContentType, &p.row.Payload, &p.row.SizeBytes); err != nil {
			return fmt.Errorf("failed to scan change log: %w", err)
		}
		r.page = append(r.page, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read change log: %w", err)
	}

	if len(r.page) > 0 {
		r.after = r.page[len(r.page)-1].row.Generation
	}
	if len(r.page) < r.batch {
		r.done = true
	}
	return nil
}

func (r *logReader) Close() error {
	r.closed = true
	r.page = nil
	return nil
}
