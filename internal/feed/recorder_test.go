package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polybook/internal/domain"
)

type staticLookup map[string]domain.InstrumentRef

func (s staticLookup) Lookup(id string) (domain.InstrumentRef, bool) {
	r, ok := s[id]
	return r, ok
}

type memBlobs struct {
	key  string
	data []byte
}

func (m *memBlobs) Put(_ context.Context, path string, r io.Reader, _ string) error {
	b, err := io.ReadAll(r)
	m.key, m.data = path, b
	return err
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, r io.Reader, _ int64) error {
	return m.Put(ctx, path, r, "")
}

func TestRecorderWritesAnnotatedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec", "book.jsonl")
	r, err := NewRecorder(path, staticLookup{"Y": {Market: "rain", Outcome: domain.OutcomeYes}}, nil)
	require.NoError(t, err)

	r.Record([]byte(`{"event_type":"book",
		"asset_id":"Y","market":"0xcond","bids":[]}`))
	r.Record([]byte(`{"event_type":"book","asset_id":"other"}`))
	r.Record([]byte(`{broken`))
	assert.Equal(t, 2, r.Lines())
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "rain", first["market"])
	assert.Equal(t, "yes", first["side"])
	assert.Equal(t, `{"event_type":"book","asset_id":"other"}`, lines[1])
}

func TestRecorderUpload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.jsonl")
	r, err := NewRecorder(path, nil, nil)
	require.NoError(t, err)
	r.Record([]byte(`{"event_type":"book","asset_id":"A"}`))

	blobs := &memBlobs{}
	require.NoError(t, r.Upload(context.Background(), blobs, "recordings/m/1.jsonl"))
	assert.Equal(t, "recordings/m/1.jsonl", blobs.key)
	assert.True(t, bytes.HasPrefix(blobs.data, []byte(`{"event_type":"book"`)))
}
