package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned when the requested object key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage defines the object operations needed to persist and read
// evaluation artifacts. Implementations must be safe for concurrent use.
type ObjectStorage interface {
	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// PutObject stores sizeBytes bytes read from reader under objectKey.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
}

// ObjectStat contains object metadata.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
