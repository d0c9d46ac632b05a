package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// Archiver uploads finished replay runs next to their recordings so a run
// can be inspected without database access.
type Archiver struct {
	writer domain.BlobWriter
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter) *Archiver {
	return &Archiver{writer: writer}
}

// ReplayPrefix is the key prefix of a run's archive.
//
//	replays/2026-01/<run id>/
func ReplayPrefix(run domain.ReplayRun) string {
	return fmt.Sprintf("replays/%s/%s/", run.FinishedAt.UTC().Format("2006-01"), run.ID)
}

// ArchiveReplay writes run.json and fills.jsonl under ReplayPrefix and
// returns the prefix.
func (a *Archiver) ArchiveReplay(ctx context.Context, run domain.ReplayRun, fills []domain.SimFill) (string, error) {
	prefix := ReplayPrefix(run)

	summary, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: archive replay marshal: %w", err)
	}
	if err := a.writer.Put(ctx, prefix+"run.json", bytes.NewReader(summary), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive replay upload: %w", err)
	}

	ledger, err := marshalJSONL(fills)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive replay marshal: %w", err)
	}
	if err := a.writer.Put(ctx, prefix+"fills.jsonl", bytes.NewReader(ledger), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive replay upload: %w", err)
	}
	return prefix, nil
}

// marshalJSONL encodes one compact JSON value per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
