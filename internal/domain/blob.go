package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Archiver copies rows older than a cutoff to cold storage before they are
// deleted by retention.
type Archiver interface {
	Archive(ctx context.Context, kind EventKind, before time.Time) (int64, error)
}
