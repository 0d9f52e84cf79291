// Package index is the full-text index fed by the change stream. It wraps
// a Bleve index, applies document changes in batches, and can copy its
// committed state into a snapshot and be rebuilt from one.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/Aman-CERP/indexsync/internal/changelog"
	idxerrors "github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/internal/observer"
	"github.com/Aman-CERP/indexsync/internal/scheduler"
	"github.com/Aman-CERP/indexsync/internal/snapshot"
)

// Reserved document fields.
const (
	FieldArea = "_area"
	FieldID   = "_doc"
	FieldType = "_type"
)

// DefaultBatchSize is how many changes are buffered before a flush.
const DefaultBatchSize = 200

var (
	_ observer.Sink  = (*Bleve)(nil)
	_ snapshot.Index = (*Bleve)(nil)
)

// Config configures the index.
type Config struct {
	// Path is the index directory.
	Path string
	// BatchSize is the number of buffered changes that triggers a flush.
	BatchSize int
	Logger    *slog.Logger
}

// Hit is a search result.
type Hit struct {
	Area  string
	ID    string
	Score float64
}

type pendingOp struct {
	key    string
	doc    map[string]any
	delete bool
}

// Bleve is the live index.
type Bleve struct {
	cfg    Config
	logger *slog.Logger

	// swap is held for writing while the underlying index is replaced and
	// for reading while it is copied or searched.
	swap sync.RWMutex

	mu      sync.Mutex
	index   bleve.Index
	pending []pendingOp
	schemas map[string]map[string]struct{}
	closed  bool
}

// Open opens the index at cfg.Path, creating it when missing.
func Open(cfg Config) (*Bleve, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("index path is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	idx, err := openOrCreate(cfg.Path, logger)
	if err != nil {
		return nil, err
	}
	return &Bleve{
		cfg:     cfg,
		logger:  logger,
		index:   idx,
		schemas: make(map[string]map[string]struct{}),
	}, nil
}

func newMapping() *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()
	m.TypeField = FieldType

	keyword := bleve.NewKeywordFieldMapping()
	m.DefaultMapping.AddFieldMappingsAt(FieldArea, keyword)
	m.DefaultMapping.AddFieldMappingsAt(FieldID, keyword)
	return m
}

func openOrCreate(path string, logger *slog.Logger) (bleve.Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}

	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		return bleve.New(path, newMapping())
	}
	if err != nil {
		// An index that cannot be opened is rebuilt from the change log.
		logger.Warn("index_open_failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		if removeErr := os.RemoveAll(path); removeErr != nil {
			return nil, fmt.Errorf("index at %s is unreadable and cannot be removed: %w (original: %v)", path, removeErr, err)
		}
		return bleve.New(path, newMapping())
	}
	return idx, nil
}

// Consume implements observer.Sink.
func (b *Bleve) Consume(ctx context.Context, change observer.DocumentChange) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}

	op := pendingOp{key: change.Key()}
	switch change.Kind {
	case changelog.KindDelete:
		op.delete = true
	case changelog.KindCreate, changelog.KindUpdate:
		doc := make(map[string]any, len(change.Entity.Fields)+3)
		for k, v := range change.Entity.Fields {
			if strings.HasPrefix(k, "_") {
				continue
			}
			doc[k] = v
		}
		b.observeSchema(change.Entity.ContentType, doc)
		doc[FieldArea] = change.Area
		doc[FieldID] = change.Entity.ID
		doc[FieldType] = change.Entity.ContentType
		op.doc = doc
	default:
		return fmt.Errorf("unsupported change kind %s", change.Kind)
	}
	b.pending = append(b.pending, op)

	if len(b.pending) >= b.cfg.BatchSize {
		return b.flushLocked(ctx)
	}
	return nil
}

func (b *Bleve) observeSchema(contentType string, doc map[string]any) {
	if contentType == "" {
		return
	}
	fields, ok := b.schemas[contentType]
	if !ok {
		fields = make(map[string]struct{})
		b.schemas[contentType] = fields
	}
	for k := range doc {
		fields[k] = struct{}{}
	}
}

// Flush applies buffered changes.
func (b *Bleve) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

// flushLocked applies pending ops as one batch. Pending ops are kept on
// failure so the next flush retries them.
func (b *Bleve) flushLocked(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	if b.closed {
		return fmt.Errorf("index is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := b.index.NewBatch()
	for _, op := range b.pending {
		if op.delete {
			batch.Delete(op.key)
			continue
		}
		if err := batch.Index(op.key, op.doc); err != nil {
			return idxerrors.New(idxerrors.ErrCodeIngestFailed, "index document "+op.key, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return idxerrors.New(idxerrors.ErrCodeIngestFailed, "apply batch", err)
	}

	b.logger.Debug("index_flushed", slog.Int("ops", len(b.pending)))
	b.pending = b.pending[:0]
	return nil
}

// Commit implements snapshot.Index by flushing every buffered change.
func (b *Bleve) Commit(ctx context.Context) error {
	return b.Flush(ctx)
}

// ScheduleFlush flushes on a fixed interval until the returned task is
// disposed.
func (b *Bleve) ScheduleFlush(sched *scheduler.Scheduler, interval time.Duration) *scheduler.Task {
	return sched.Schedule("index_flush", b.Flush, scheduler.Periodic(interval))
}

// streamDirectory lets Bleve write its copy into snapshot streams.
type streamDirectory struct {
	w snapshot.StreamWriter
}

func (d streamDirectory) GetWriter(filePath string) (io.WriteCloser, error) {
	return d.w.Create(filepath.ToSlash(filePath))
}

// WriteSnapshot implements snapshot.Index. Writes may continue while the
// copy is taken.
func (b *Bleve) WriteSnapshot(ctx context.Context, w snapshot.StreamWriter) error {
	b.swap.RLock()
	defer b.swap.RUnlock()

	b.mu.Lock()
	idx := b.index
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("index is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	copyable, ok := idx.(bleve.IndexCopyable)
	if !ok {
		return fmt.Errorf("index does not support online copy")
	}
	if err := copyable.CopyTo(streamDirectory{w: w}); err != nil {
		return idxerrors.New(idxerrors.ErrCodeSnapshotIO, "copy index", err)
	}
	return nil
}

// RestoreSnapshot implements snapshot.Index. The live index is replaced
// by the files in r. On failure an empty index takes its place.
func (b *Bleve) RestoreSnapshot(ctx context.Context, r snapshot.StreamReader) error {
	b.swap.Lock()
	defer b.swap.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}
	if err := b.index.Close(); err != nil {
		b.logger.Warn("index_close_failed", slog.String("error", err.Error()))
	}
	b.pending = nil

	err := b.restoreFiles(ctx, r)
	if err == nil {
		var idx bleve.Index
		idx, err = bleve.Open(b.cfg.Path)
		if err == nil {
			b.index = idx
			return nil
		}
	}

	if resetErr := b.resetLocked(); resetErr != nil {
		return fmt.Errorf("%w (and reset failed: %v)", err, resetErr)
	}
	return err
}

func (b *Bleve) restoreFiles(ctx context.Context, r snapshot.StreamReader) error {
	if err := os.RemoveAll(b.cfg.Path); err != nil {
		return fmt.Errorf("failed to clear index directory: %w", err)
	}
	streams := r.Streams()
	if len(streams) == 0 {
		return fmt.Errorf("snapshot contains no index files")
	}
	for _, name := range streams {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyStream(r, name, filepath.Join(b.cfg.Path, filepath.FromSlash(name))); err != nil {
			return err
		}
	}
	return nil
}

func copyStream(r snapshot.StreamReader, name, dst string) error {
	src, err := r.Open(name)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to restore %s: %w", name, err)
	}
	return f.Close()
}

// Clear drops every document and schema. Used for a full rebuild.
func (b *Bleve) Clear() error {
	b.swap.Lock()
	defer b.swap.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}
	if err := b.index.Close(); err != nil {
		b.logger.Warn("index_close_failed", slog.String("error", err.Error()))
	}
	b.pending = nil
	b.schemas = make(map[string]map[string]struct{})
	return b.resetLocked()
}

func (b *Bleve) resetLocked() error {
	if err := os.RemoveAll(b.cfg.Path); err != nil {
		return fmt.Errorf("failed to clear index directory: %w", err)
	}
	idx, err := bleve.New(b.cfg.Path, newMapping())
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	b.index = idx
	return nil
}

type schemaDef struct {
	ContentType string   `json:"content_type"`
	Fields      []string `json:"fields"`
}

// Schemas implements snapshot.Index: field names seen per content type.
func (b *Bleve) Schemas() map[string]json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]json.RawMessage, len(b.schemas))
	for ct, fields := range b.schemas {
		def := schemaDef{ContentType: ct, Fields: make([]string, 0, len(fields))}
		for f := range fields {
			def.Fields = append(def.Fields, f)
		}
		sort.Strings(def.Fields)
		data, err := json.Marshal(def)
		if err != nil {
			continue
		}
		out[ct] = data
	}
	return out
}

// LoadSchemas implements snapshot.Index.
func (b *Bleve) LoadSchemas(schemas map[string]json.RawMessage) error {
	loaded := make(map[string]map[string]struct{}, len(schemas))
	for ct, raw := range schemas {
		var def schemaDef
		if err := json.Unmarshal(raw, &def); err != nil {
			return fmt.Errorf("schema %q: %w", ct, err)
		}
		fields := make(map[string]struct{}, len(def.Fields))
		for _, f := range def.Fields {
			fields[f] = struct{}{}
		}
		loaded[ct] = fields
	}

	b.mu.Lock()
	b.schemas = loaded
	b.mu.Unlock()
	return nil
}

// Search runs a match query across all fields, restricted to area when it
// is non-empty. Buffered changes are not visible until flushed.
func (b *Bleve) Search(ctx context.Context, text, area string, limit int) ([]Hit, error) {
	if strings.TrimSpace(text) == "" {
		return []Hit{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	b.swap.RLock()
	defer b.swap.RUnlock()
	b.mu.Lock()
	idx, closed := b.index, b.closed
	b.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("index is closed")
	}

	var q query.Query = bleve.NewMatchQuery(text)
	if area != "" {
		inArea := bleve.NewTermQuery(area)
		inArea.SetField(FieldArea)
		q = bleve.NewConjunctionQuery(q, inArea)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Fields = []string{FieldArea, FieldID}

	result, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		area, _ := h.Fields[FieldArea].(string)
		id, _ := h.Fields[FieldID].(string)
		hits = append(hits, Hit{Area: area, ID: id, Score: h.Score})
	}
	return hits, nil
}

// DocCount returns the number of indexed documents.
func (b *Bleve) DocCount() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, fmt.Errorf("index is closed")
	}
	return b.index.DocCount()
}

// Close flushes and closes the index.
func (b *Bleve) Close() error {
	b.swap.Lock()
	defer b.swap.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	flushErr := b.flushLocked(context.Background())
	b.closed = true
	if err := b.index.Close(); err != nil {
		return err
	}
	return flushErr
}
