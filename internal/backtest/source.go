package backtest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/platform/polymarket"
)

const maxLineBytes = 16 << 20

// Source yields message objects in arrival order. Next returns io.EOF once
// the source is exhausted.
type Source interface {
	Next() (json.RawMessage, error)
	Close() error
}

// SliceSource replays messages held in memory.
type SliceSource struct {
	msgs []json.RawMessage
	pos  int
}

// NewSliceSource wraps msgs.
func NewSliceSource(msgs []json.RawMessage) *SliceSource {
	return &SliceSource{msgs: msgs}
}

// Next implements Source.
func (s *SliceSource) Next() (json.RawMessage, error) {
	if s.pos >= len(s.msgs) {
		return nil, io.EOF
	}
	m := s.msgs[s.pos]
	s.pos++
	return m, nil
}

// Close implements Source.
func (s *SliceSource) Close() error { return nil }

// lineSource reads newline-delimited JSON and silently skips lines that are
// blank, invalid or not objects.
type lineSource struct {
	rc      io.Closer
	scanner *bufio.Scanner
}

func newLineSource(rc io.ReadCloser) *lineSource {
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &lineSource{rc: rc, scanner: sc}
}

func (s *lineSource) Next() (json.RawMessage, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 || line[0] != '{' || !json.Valid(line) {
			continue
		}
		return json.RawMessage(bytes.Clone(line)), nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("backtest: read lines: %w", err)
	}
	return nil, io.EOF
}

func (s *lineSource) Close() error { return s.rc.Close() }

// Open returns a source for a local .jsonl or .json file.
func Open(name string) (Source, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("backtest: open %s: %w", name, err)
	}
	src, err := fromReader(name, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return src, nil
}

// OpenBlob returns a source for a .jsonl or .json object in blob storage. A
// key ending in "/" selects the most recent replayable object under it.
func OpenBlob(ctx context.Context, blobs domain.BlobReader, key string) (Source, error) {
	if strings.HasSuffix(key, "/") {
		latest, err := LatestBlob(ctx, blobs, key)
		if err != nil {
			return nil, err
		}
		key = latest
	}
	if _, err := format(key); err != nil {
		return nil, err
	}
	rc, err := blobs.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("backtest: get %s: %w", key, err)
	}
	src, err := fromReader(key, rc)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return src, nil
}

// LatestBlob returns the newest .jsonl or .json key under prefix. Equal
// modification times fall back to the larger key, which for timestamped
// recording names is the later one.
func LatestBlob(ctx context.Context, blobs domain.BlobReader, prefix string) (string, error) {
	objects, err := blobs.List(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("backtest: list %s: %w", prefix, err)
	}
	var best domain.ObjectInfo
	for _, obj := range objects {
		if _, err := format(obj.Key); err != nil {
			continue
		}
		if best.Key == "" || obj.Modified.After(best.Modified) ||
			(obj.Modified.Equal(best.Modified) && obj.Key > best.Key) {
			best = obj
		}
	}
	if best.Key == "" {
		return "", fmt.Errorf("backtest: no recording under %s: %w", prefix, domain.ErrNotFound)
	}
	return best.Key, nil
}

func fromReader(name string, rc io.ReadCloser) (Source, error) {
	kind, err := format(name)
	if err != nil {
		return nil, err
	}
	if kind == ".jsonl" {
		return newLineSource(rc), nil
	}

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("backtest: read %s: %w", name, err)
	}
	rc.Close()
	// an array of objects or a single object
	msgs, ok := polymarket.SplitFrame(data)
	if !ok {
		return nil, fmt.Errorf("backtest: invalid JSON in %s", name)
	}
	return NewSliceSource(msgs), nil
}

func format(name string) (string, error) {
	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".jsonl", ".json":
		return ext, nil
	default:
		return "", fmt.Errorf("backtest: %s: %w: use .jsonl or .json", name, domain.ErrUnsupportedInput)
	}
}

// ReadAll drains src and closes it.
func ReadAll(src Source) ([]json.RawMessage, error) {
	defer src.Close()
	var out []json.RawMessage
	for {
		m, err := src.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
}
