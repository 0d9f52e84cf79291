package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	idxerrors "github.com/Aman-CERP/indexsync/internal/errors"
)

const (
	// checksumsFile lists every stream of a committed snapshot.
	checksumsFile = "checksums.json"

	lockFile   = ".lock"
	stagingDir = ".staging"

	// staleStaging is how old an abandoned staging directory must be
	// before it is removed.
	staleStaging = time.Hour
)

// Storage holds snapshots.
type Storage interface {
	// List returns committed snapshots, newest first.
	List(ctx context.Context) ([]Snapshot, error)
	// Create starts a new snapshot. Nothing is visible to List until the
	// writer commits.
	Create(ctx context.Context) (Writer, error)
}

// Snapshot is a committed, immutable snapshot.
type Snapshot interface {
	ID() string
	CreatedAt() time.Time
	// Verify returns nil when every stream is present and intact.
	Verify(ctx context.Context) error
	OpenReader(ctx context.Context) (Reader, error)
	Delete(ctx context.Context) error
}

// StreamReader gives named-stream read access.
type StreamReader interface {
	Streams() []string
	Open(name string) (io.ReadCloser, error)
}

// Reader reads a snapshot's streams.
type Reader interface {
	StreamReader
	Close() error
}

// StreamWriter gives named-stream write access.
type StreamWriter interface {
	Create(name string) (io.WriteCloser, error)
}

// Writer builds a snapshot. Exactly one of Commit or Abort must be called.
type Writer interface {
	StreamWriter
	ID() string
	Commit(ctx context.Context) error
	Abort() error
}

// FSStorage stores each snapshot as a directory named by a UUIDv7, so
// lexical order is creation order. A flock on the storage directory
// guards commit, delete and listing across processes.
type FSStorage struct {
	dir  string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewFSStorage opens (and creates) a snapshot directory.
func NewFSStorage(dir string) (*FSStorage, error) {
	if err := os.MkdirAll(filepath.Join(dir, stagingDir), 0755); err != nil {
		return nil, idxerrors.New(idxerrors.ErrCodeSnapshotIO, "create snapshot directory", err)
	}
	s := &FSStorage{dir: dir, lock: flock.New(filepath.Join(dir, lockFile))}
	s.cleanStaging()
	return s, nil
}

// Dir returns the storage directory.
func (s *FSStorage) Dir() string {
	return s.dir
}

// cleanStaging removes staging directories left by crashed writers.
func (s *FSStorage) cleanStaging() {
	entries, err := os.ReadDir(filepath.Join(s.dir, stagingDir))
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) < staleStaging {
			continue
		}
		_ = os.RemoveAll(filepath.Join(s.dir, stagingDir, e.Name()))
	}
}

func (s *FSStorage) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return idxerrors.New(idxerrors.ErrCodeSnapshotIO, "lock snapshot directory", err)
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

// List implements Storage.
func (s *FSStorage) List(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	err := s.withLock(func() error {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			return idxerrors.New(idxerrors.ErrCodeSnapshotIO, "list snapshots", err)
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			if _, err := uuid.Parse(e.Name()); err != nil {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, &fsSnapshot{
				storage: s,
				id:      e.Name(),
				dir:     filepath.Join(s.dir, e.Name()),
				created: info.ModTime(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() > out[j].ID() })
	return out, ctx.Err()
}

// Create implements Storage.
func (s *FSStorage) Create(context.Context) (Writer, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, idxerrors.New(idxerrors.ErrCodeSnapshotIO, "generate snapshot id", err)
	}
	staging := filepath.Join(s.dir, stagingDir, id.String())
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, idxerrors.New(idxerrors.ErrCodeSnapshotIO, "create staging directory", err)
	}
	return &fsWriter{
		storage: s,
		id:      id.String(),
		staging: staging,
		sums:    make(map[string]streamSum),
		open:    make(map[string]struct{}),
	}, nil
}

type streamSum struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

type checksums struct {
	Version int                  `json:"version"`
	Streams map[string]streamSum `json:"streams"`
}

// cleanStreamName validates a slash-separated stream name and returns it
// in canonical form.
func cleanStreamName(name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || clean == "." || path.IsAbs(clean) || clean == ".." ||
		strings.HasPrefix(clean, "../") || clean == checksumsFile {
		return "", fmt.Errorf("invalid stream name %q", name)
	}
	return clean, nil
}

type fsWriter struct {
	storage *FSStorage
	id      string
	staging string

	mu     sync.Mutex
	sums   map[string]streamSum
	open   map[string]struct{}
	closed bool
}

func (w *fsWriter) ID() string { return w.id }

func (w *fsWriter) Create(name string) (io.WriteCloser, error) {
	clean, err := cleanStreamName(name)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("snapshot writer is closed")
	}
	if _, dup := w.sums[clean]; dup {
		return nil, fmt.Errorf("stream %q already written", clean)
	}
	if _, dup := w.open[clean]; dup {
		return nil, fmt.Errorf("stream %q already open", clean)
	}

	p := filepath.Join(w.staging, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, idxerrors.New(idxerrors.ErrCodeSnapshotIO, "create stream directory", err)
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, idxerrors.New(idxerrors.ErrCodeSnapshotIO, "create stream", err)
	}
	w.open[clean] = struct{}{}
	return &hashingFile{f: f, h: sha256.New(), name: clean, w: w}, nil
}

func (w *fsWriter) finish(name string, sum streamSum) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.open, name)
	w.sums[name] = sum
}

// Commit writes the checksum list and moves the snapshot into place.
func (w *fsWriter) Commit(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("snapshot writer is closed")
	}
	if len(w.open) > 0 {
		w.mu.Unlock()
		return fmt.Errorf("snapshot %s has %d unclosed streams", w.id, len(w.open))
	}
	w.closed = true
	data, err := json.MarshalIndent(checksums{Version: 1, Streams: w.sums}, "", "  ")
	w.mu.Unlock()
	if err != nil {
		_ = os.RemoveAll(w.staging)
		return fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = os.RemoveAll(w.staging)
		return err
	}

	if err := writeFileSync(filepath.Join(w.staging, checksumsFile), data); err != nil {
		_ = os.RemoveAll(w.staging)
		return idxerrors.New(idxerrors.ErrCodeSnapshotIO, "write checksums", err)
	}

	return w.storage.withLock(func() error {
		if err := os.Rename(w.staging, filepath.Join(w.storage.dir, w.id)); err != nil {
			_ = os.RemoveAll(w.staging)
			return idxerrors.New(idxerrors.ErrCodeSnapshotIO, "commit snapshot", err)
		}
		return nil
	})
}

func (w *fsWriter) Abort() error {
	w.mu.Lock()
	already := w.closed
	w.closed = true
	w.mu.Unlock()
	if already {
		return nil
	}
	return os.RemoveAll(w.staging)
}

func writeFileSync(p string, data []byte) error {
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// hashingFile records a stream's checksum when closed.
type hashingFile struct {
	f    *os.File
	h    hash.Hash
	size int64
	name string
	w    *fsWriter
	done bool
}

func (hf *hashingFile) Write(p []byte) (int, error) {
	n, err := hf.f.Write(p)
	hf.h.Write(p[:n])
	hf.size += int64(n)
	return n, err
}

func (hf *hashingFile) Close() error {
	if hf.done {
		return nil
	}
	hf.done = true
	if err := hf.f.Sync(); err != nil {
		_ = hf.f.Close()
		return err
	}
	if err := hf.f.Close(); err != nil {
		return err
	}
	hf.w.finish(hf.name, streamSum{SHA256: hex.EncodeToString(hf.h.Sum(nil)), Size: hf.size})
	return nil
}

type fsSnapshot struct {
	storage *FSStorage
	id      string
	dir     string
	created time.Time
}

func (s *fsSnapshot) ID() string           { return s.id }
func (s *fsSnapshot) CreatedAt() time.Time { return s.created }

func (s *fsSnapshot) readChecksums() (checksums, error) {
	var sums checksums
	data, err := os.ReadFile(filepath.Join(s.dir, checksumsFile))
	if err != nil {
		return sums, err
	}
	if err := json.Unmarshal(data, &sums); err != nil {
		return sums, err
	}
	if sums.Streams == nil {
		return sums, fmt.Errorf("checksum list is empty")
	}
	return sums, nil
}

// Verify recomputes every stream checksum and rejects unlisted files.
func (s *fsSnapshot) Verify(ctx context.Context) error {
	sums, err := s.readChecksums()
	if err != nil {
		return idxerrors.SnapshotCorrupt(s.id, err)
	}

	seen := make(map[string]bool, len(sums.Streams))
	err = filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if name == checksumsFile {
			return nil
		}
		want, ok := sums.Streams[name]
		if !ok {
			return fmt.Errorf("unexpected stream %q", name)
		}
		got, err := fileSum(p)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("stream %q checksum mismatch", name)
		}
		seen[name] = true
		return nil
	})
	if err != nil {
		return idxerrors.SnapshotCorrupt(s.id, err)
	}
	for name := range sums.Streams {
		if !seen[name] {
			return idxerrors.SnapshotCorrupt(s.id, fmt.Errorf("missing stream %q", name))
		}
	}
	return nil
}

func fileSum(p string) (streamSum, error) {
	f, err := os.Open(p)
	if err != nil {
		return streamSum{}, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return streamSum{}, err
	}
	return streamSum{SHA256: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

func (s *fsSnapshot) OpenReader(context.Context) (Reader, error) {
	sums, err := s.readChecksums()
	if err != nil {
		return nil, idxerrors.SnapshotCorrupt(s.id, err)
	}
	names := make([]string, 0, len(sums.Streams))
	for name := range sums.Streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return &fsReader{dir: s.dir, streams: names}, nil
}

// Delete removes the snapshot directory.
func (s *fsSnapshot) Delete(context.Context) error {
	return s.storage.withLock(func() error {
		if err := os.RemoveAll(s.dir); err != nil {
			return idxerrors.New(idxerrors.ErrCodeSnapshotIO, "delete snapshot "+s.id, err)
		}
		return nil
	})
}

type fsReader struct {
	dir     string
	streams []string
}

func (r *fsReader) Streams() []string {
	return r.streams
}

func (r *fsReader) Open(name string) (io.ReadCloser, error) {
	clean, err := cleanStreamName(name)
	if err != nil {
		return nil, err
	}
	i := sort.SearchStrings(r.streams, clean)
	if i == len(r.streams) || r.streams[i] != clean {
		return nil, fmt.Errorf("stream %q: %w", name, fs.ErrNotExist)
	}
	return os.Open(filepath.Join(r.dir, filepath.FromSlash(clean)))
}

func (r *fsReader) Close() error {
	return nil
}
