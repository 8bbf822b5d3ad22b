// Package chunkstore implements a filesystem ChunkSink: each flushed
// chunk is gzip-compressed and written under a per-run directory, with a
// temp-then-rename handoff so a reader never observes a partial file.
package chunkstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Sink writes chunks as basePath/20060102/<runID>/<name>.gz.
type Sink struct {
	dir string
}

// NewSink creates (if necessary) and returns a Sink rooted at a fresh
// per-run directory under basePath, mirroring the date/run directory
// layout the source lays files out in.
func NewSink(basePath, runID string) (*Sink, error) {
	if basePath == "" {
		return nil, fmt.Errorf("chunkstore: base path is empty")
	}
	today := time.Now().Format("20060102")
	dir := filepath.Join(basePath, today, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("chunkstore: make run directory: %w", err)
	}
	return &Sink{dir: dir}, nil
}

// WriteChunk implements redax.ChunkSink. It gzip-compresses data and
// writes it to <dir>/<name>.gz, via a .tmp file renamed into place once
// fully flushed, so a concurrent reader never sees a truncated chunk.
func (s *Sink) WriteChunk(name string, data []byte) error {
	final := filepath.Join(s.dir, name+".gz")
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("chunkstore: create %s: %w", tmp, err)
	}

	aw := newAsyncWriter(f, 64, 2*time.Second)
	gz := gzip.NewWriter(aw)
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		aw.Close()
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("chunkstore: write %s: %w", tmp, err)
	}
	if err := gz.Close(); err != nil {
		aw.Close()
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("chunkstore: close gzip for %s: %w", tmp, err)
	}
	aw.Close()
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chunkstore: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("chunkstore: rename %s: %w", tmp, err)
	}
	return nil
}

// Dir returns the sink's run directory, for diagnostics.
func (s *Sink) Dir() string { return s.dir }
