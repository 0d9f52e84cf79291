package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Stream layout inside a snapshot.
const (
	ManifestStream = "manifest.json"
	SchemaPrefix   = "schema/"
	IndexPrefix    = "index/"
)

// manifestVersion is bumped on incompatible manifest changes.
const manifestVersion = 1

// AreaWatermark is one area's consumed generation at snapshot time.
type AreaWatermark struct {
	Area      string `json:"area"`
	Watermark int64  `json:"watermark"`
}

// Manifest describes what a snapshot captured.
type Manifest struct {
	Version    int             `json:"version"`
	SnapshotID string          `json:"snapshot_id"`
	CreatedAt  time.Time       `json:"created_at"`
	Areas      []AreaWatermark `json:"areas"`
	// Schemas lists the content types with a schema stream.
	Schemas []string `json:"schemas"`
}

// NewManifest builds a manifest with areas and schemas sorted.
func NewManifest(id string, createdAt time.Time, watermarks map[string]int64, schemas []string) Manifest {
	areas := make([]AreaWatermark, 0, len(watermarks))
	for area, wm := range watermarks {
		areas = append(areas, AreaWatermark{Area: area, Watermark: wm})
	}
	sort.Slice(areas, func(i, j int) bool { return areas[i].Area < areas[j].Area })

	s := append([]string(nil), schemas...)
	sort.Strings(s)

	return Manifest{
		Version:    manifestVersion,
		SnapshotID: id,
		CreatedAt:  createdAt.UTC(),
		Areas:      areas,
		Schemas:    s,
	}
}

// Watermarks returns the manifest's areas as a map.
func (m Manifest) Watermarks() map[string]int64 {
	out := make(map[string]int64, len(m.Areas))
	for _, a := range m.Areas {
		out[a.Area] = a.Watermark
	}
	return out
}

// SchemaStream returns the stream name holding a content type's schema.
// The content type is escaped into a single path segment so it can never
// name another stream.
func SchemaStream(contentType string) string {
	return SchemaPrefix + url.PathEscape(contentType) + ".json"
}

// schemaType is the inverse of SchemaStream.
func schemaType(stream string) (string, bool) {
	rest, ok := strings.CutPrefix(stream, SchemaPrefix)
	if !ok || strings.Contains(rest, "/") {
		return "", false
	}
	escaped, ok := strings.CutSuffix(rest, ".json")
	if !ok {
		return "", false
	}
	ct, err := url.PathUnescape(escaped)
	if err != nil {
		return "", false
	}
	return ct, true
}

// WriteManifest writes m as the manifest stream.
func WriteManifest(w StreamWriter, m Manifest) error {
	return writeJSON(w, ManifestStream, m)
}

// ReadManifest reads and validates the manifest stream.
func ReadManifest(r StreamReader) (Manifest, error) {
	var m Manifest
	if err := readJSON(r, ManifestStream, &m); err != nil {
		return m, err
	}
	if m.Version != manifestVersion {
		return m, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	for _, a := range m.Areas {
		if a.Area == "" || a.Watermark < 0 {
			return m, fmt.Errorf("invalid area watermark %q=%d", a.Area, a.Watermark)
		}
	}
	return m, nil
}

func writeJSON(w StreamWriter, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	return writeStream(w, name, data)
}

func writeStream(w StreamWriter, name string, data []byte) error {
	wc, err := w.Create(name)
	if err != nil {
		return err
	}
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return wc.Close()
}

func readJSON(r StreamReader, name string, v any) error {
	data, err := readStream(r, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

func readStream(r StreamReader, name string) ([]byte, error) {
	rc, err := r.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// prefixedWriter scopes a StreamWriter to streams under prefix.
type prefixedWriter struct {
	w      StreamWriter
	prefix string
}

func (p prefixedWriter) Create(name string) (io.WriteCloser, error) {
	return p.w.Create(p.prefix + strings.TrimPrefix(name, "/"))
}

// prefixedReader is the read side of prefixedWriter.
type prefixedReader struct {
	r      StreamReader
	prefix string
}

func (p prefixedReader) Streams() []string {
	var out []string
	for _, s := range p.r.Streams() {
		if rest, ok := strings.CutPrefix(s, p.prefix); ok {
			out = append(out, rest)
		}
	}
	return out
}

func (p prefixedReader) Open(name string) (io.ReadCloser, error) {
	return p.r.Open(p.prefix + strings.TrimPrefix(name, "/"))
}
