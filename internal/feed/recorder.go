package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/alanyoungcy/polybook/internal/book"
	"github.com/alanyoungcy/polybook/internal/domain"
)

// Recorder appends every book object it sees to a newline-delimited JSON
// file that the replay engine can read back. When a lookup is set, each line
// gets the market slug and a "side" label so replays can pair yes/no books.
type Recorder struct {
	path   string
	lookup book.Lookup
	logger *slog.Logger

	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	lines   int
	lastErr error
}

// NewRecorder creates (or truncates) the file at path.
func NewRecorder(path string, lookup book.Lookup, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("feed/recorder: mkdir %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("feed/recorder: create %s: %w", path, err)
	}
	return &Recorder{
		path:   path,
		lookup: lookup,
		logger: logger.With(slog.String("component", "recorder")),
		file:   f,
		w:      bufio.NewWriter(f),
	}, nil
}

// Record writes one object as a single line. Write errors are kept and
// reported by Close.
func (r *Recorder) Record(obj []byte) {
	line, err := r.annotate(obj)
	if err != nil {
		r.logger.Debug("skipping unrecordable object", slog.String("error", err.Error()))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil || r.lastErr != nil {
		return
	}
	if _, err := r.w.Write(line); err != nil {
		r.lastErr = err
		return
	}
	if err := r.w.WriteByte('\n'); err != nil {
		r.lastErr = err
		return
	}
	r.lines++
}

// Lines returns the number of lines written so far.
func (r *Recorder) Lines() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines
}

// Path returns the file being written.
func (r *Recorder) Path() string {
	return r.path
}

// Close flushes and closes the file. Safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return r.lastErr
	}
	flushErr := r.w.Flush()
	closeErr := r.file.Close()
	r.file = nil
	switch {
	case r.lastErr != nil:
		return fmt.Errorf("feed/recorder: write: %w", r.lastErr)
	case flushErr != nil:
		return fmt.Errorf("feed/recorder: flush: %w", flushErr)
	case closeErr != nil:
		return fmt.Errorf("feed/recorder: close: %w", closeErr)
	}
	r.logger.Info("recording closed", slog.String("path", r.path), slog.Int("lines", r.lines))
	return nil
}

// Upload closes the recording and copies it to blob storage under key.
func (r *Recorder) Upload(ctx context.Context, blobs domain.BlobWriter, key string) error {
	if err := r.Close(); err != nil {
		return err
	}
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("feed/recorder: reopen: %w", err)
	}
	defer f.Close()
	if err := blobs.Put(ctx, key, f, "application/x-ndjson"); err != nil {
		return fmt.Errorf("feed/recorder: upload %s: %w", key, err)
	}
	r.logger.Info("recording uploaded", slog.String("key", key))
	return nil
}

func (r *Recorder) annotate(obj []byte) ([]byte, error) {
	if r.lookup != nil {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(obj, &fields); err != nil {
			return nil, err
		}
		var assetID string
		_ = json.Unmarshal(fields["asset_id"], &assetID)
		if ref, ok := r.lookup.Lookup(assetID); ok {
			fields["market"], _ = json.Marshal(ref.Market)
			fields["side"], _ = json.Marshal(string(ref.Outcome))
			return json.Marshal(fields)
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
