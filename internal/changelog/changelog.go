// Package changelog defines the per-area, generation-numbered change log a
// document store exposes to the sync core, plus an in-memory implementation.
//
// Rows are append-only. Within an area, generations are strictly increasing;
// there is no ordering across areas.
package changelog

import (
	"context"
	"fmt"
	"strings"
)

// Kind classifies a change log row.
type Kind int

const (
	KindCreate Kind = iota + 1
	KindUpdate
	KindDelete
	// KindFaulty marks a row the store itself flagged as unreadable.
	KindFaulty
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindFaulty:
		return "faulty"
	default:
		return "unknown"
	}
}

// ParseKind converts the stored form of a kind back into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "create":
		return KindCreate, nil
	case "update":
		return KindUpdate, nil
	case "delete":
		return KindDelete, nil
	case "faulty":
		return KindFaulty, nil
	default:
		return 0, fmt.Errorf("unknown change kind %q", s)
	}
}

// Row is one entry of an area's change log.
type Row struct {
	Area        string
	Generation  int64
	Kind        Kind
	DocumentID  string
	ContentType string
	// Payload is the JSON encoded document fields. Empty for deletes.
	Payload   []byte
	SizeBytes int64
}

// RowError reports a single row that could not be read. The reader stays
// usable; callers advance past Generation and continue.
type RowError struct {
	Area       string
	Generation int64
	Err        error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("change log row %s/%d: %v", e.Area, e.Generation, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Log is the change log of one area.
type Log interface {
	// LatestGeneration reports how far the log currently extends. Advisory.
	LatestGeneration(ctx context.Context) (int64, error)

	// OpenReader returns rows with generation greater than from, in
	// ascending order. initializing hints that this is a catch-up pass
	// from scratch and may change how the log batches its reads.
	OpenReader(ctx context.Context, from int64, initializing bool) (Reader, error)
}

// Reader iterates rows of one pass. Next returns io.EOF after the last row.
type Reader interface {
	Next(ctx context.Context) (Row, error)
	Close() error
}

// Source enumerates areas and hands out their logs.
type Source interface {
	Areas(ctx context.Context) ([]string, error)
	Log(area string) Log
}
