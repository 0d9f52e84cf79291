// Package observer follows one area's change log and turns its rows into
// typed document changes.
//
// An Observer polls on a scheduler task. Each pass reads every row after
// the watermark in generation order, forwards creates, updates and deletes
// to a Sink, and advances the watermark past every row it consumed,
// including faulty, excluded and unreadable ones. The first pass that
// completes marks the observer initialized.
package observer

import (
	"context"
	"time"

	"github.com/Aman-CERP/indexsync/internal/changelog"
)

// Document is the entity carried by a change.
type Document struct {
	ID          string
	ContentType string
	// Fields is the decoded JSON payload. Nil for deletes.
	Fields map[string]any
}

// GenerationInfo locates a change in its area's log.
type GenerationInfo struct {
	Generation int64
	// LatestGeneration is how far the log extended when the pass started.
	LatestGeneration int64
}

// DocumentChange is emitted once per consumed, non-faulty, non-excluded row.
type DocumentChange struct {
	Area       string
	Kind       changelog.Kind
	Entity     Document
	SizeBytes  int64
	Generation GenerationInfo
}

// Key returns "area/id", unique across areas.
func (c DocumentChange) Key() string {
	return c.Area + "/" + c.Entity.ID
}

// Sink receives changes. The watermark only moves past a change after
// Consume returned nil; an error aborts the pass and the change is
// offered again on the next one.
type Sink interface {
	Consume(ctx context.Context, change DocumentChange) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, change DocumentChange) error

// Consume implements Sink.
func (f SinkFunc) Consume(ctx context.Context, change DocumentChange) error {
	return f(ctx, change)
}

// Stats are per-area counters since process start.
type Stats struct {
	Area             string
	Creates          int64
	Updates          int64
	Deletes          int64
	Faults           int64
	Excluded         int64
	RowErrors        int64
	Watermark        int64
	LatestGeneration int64
	Initialized      bool
	LastPass         time.Time
}

// Recorder receives observability events. telemetry.Metrics implements it.
type Recorder interface {
	ObserveRow(area, outcome string)
	SetWatermark(area string, generation int64)
	SetLatestGeneration(area string, generation int64)
	SetInitialized(area string, initialized bool)
}

// Row outcomes reported to a Recorder.
const (
	OutcomeCreate   = "create"
	OutcomeUpdate   = "update"
	OutcomeDelete   = "delete"
	OutcomeFaulty   = "faulty"
	OutcomeExcluded = "excluded"
	OutcomeRowError = "row_error"
)

type nopRecorder struct{}

func (nopRecorder) ObserveRow(string, string)         {}
func (nopRecorder) SetWatermark(string, int64)        {}
func (nopRecorder) SetLatestGeneration(string, int64) {}
func (nopRecorder) SetInitialized(string, bool)       {}
