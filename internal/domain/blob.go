package domain

import (
	"context"
	"io"
	"time"
)

// ObjectInfo is one listed object.
type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
}

// BlobWriter uploads recordings, trade histories and replay archives.
type BlobWriter interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, key string, data io.Reader, partSize int64) error
}

// BlobReader opens recordings for replay.
type BlobReader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
