package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Aman-CERP/indexsync/internal/aggregator"
)

var _ Handler = (*Daemon)(nil)

// Status reports per-area progress.
func (d *Daemon) Status(ctx context.Context) StatusResult {
	status := StatusResult{
		Running:     true,
		PID:         os.Getpid(),
		Uptime:      time.Since(d.started).Round(time.Second).String(),
		Initialized: d.agg.Initialized(),
		Restored:    d.restored,
	}
	if n, err := d.idx.DocCount(); err == nil {
		status.Documents = n
	}
	for _, st := range d.agg.Stats() {
		as := AreaStatus{
			Area:             st.Area,
			Watermark:        st.Watermark,
			LatestGeneration: st.LatestGeneration,
			Initialized:      st.Initialized,
			Creates:          st.Creates,
			Updates:          st.Updates,
			Deletes:          st.Deletes,
			Faults:           st.Faults,
			Excluded:         st.Excluded,
			RowErrors:        st.RowErrors,
		}
		if !st.LastPass.IsZero() {
			as.LastPass = st.LastPass.UTC().Format(time.RFC3339)
		}
		status.Areas = append(status.Areas, as)
	}
	return status
}

// Search queries the live index.
func (d *Daemon) Search(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	hits, err := d.idx.Search(ctx, params.Query, params.Area, params.Limit)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, SearchResult{Area: h.Area, ID: h.ID, Score: h.Score})
	}
	return results, nil
}

// Signal wakes or resets observers.
func (d *Daemon) Signal(ctx context.Context, params SignalParams) (SignalResult, error) {
	if params.Area == "" {
		if params.Reset {
			d.agg.Reset()
		} else {
			d.agg.SignalAll()
		}
		return SignalResult{Areas: d.agg.Areas()}, nil
	}

	switch {
	case params.Reset:
		if err := d.agg.ResetArea(params.Area); err != nil {
			return SignalResult{}, err
		}
	case !d.agg.QueueUpdate(params.Area, params.DocumentID):
		return SignalResult{}, fmt.Errorf("%w: %s", aggregator.ErrUnknownArea, params.Area)
	}
	return SignalResult{Areas: []string{params.Area}}, nil
}

// Snapshot takes a snapshot now.
func (d *Daemon) Snapshot(ctx context.Context) (SnapshotResult, error) {
	if d.coord == nil {
		return SnapshotResult{}, fmt.Errorf("snapshots are disabled")
	}
	return SnapshotResult{Taken: d.coord.TakeSnapshot(ctx, d.agg)}, nil
}
