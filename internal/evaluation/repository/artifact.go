package repository

import (
	"bytes"
	"context"
	"errors"
	"io"

	"codalab/internal/common/storage"
	appErr "codalab/pkg/errors"
)

// ArtifactRepository stores and reads submission artifacts by key.
type ArtifactRepository interface {
	Save(ctx context.Context, key string, content []byte, contentType string) error

	// Open returns a reader for key. Caller must close it.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	ReadAll(ctx context.Context, key string) ([]byte, error)
}

// ObjectArtifactRepository keeps artifacts in one object storage bucket.
type ObjectArtifactRepository struct {
	storage storage.ObjectStorage
	bucket  string
}

func NewArtifactRepository(objectStorage storage.ObjectStorage, bucket string) *ObjectArtifactRepository {
	return &ObjectArtifactRepository{storage: objectStorage, bucket: bucket}
}

func (r *ObjectArtifactRepository) Save(ctx context.Context, key string, content []byte, contentType string) error {
	if key == "" {
		return appErr.ValidationError("key", "required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := r.storage.PutObject(ctx, r.bucket, key, bytes.NewReader(content), int64(len(content)), contentType); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "save artifact %s failed", key)
	}
	return nil
}

func (r *ObjectArtifactRepository) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if key == "" {
		return nil, appErr.ValidationError("key", "required")
	}
	reader, err := r.storage.GetObject(ctx, r.bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, appErr.Wrapf(err, appErr.NotFound, "artifact %s not found", key)
		}
		return nil, appErr.Wrapf(err, appErr.StorageError, "open artifact %s failed", key)
	}
	return reader, nil
}

func (r *ObjectArtifactRepository) ReadAll(ctx context.Context, key string) ([]byte, error) {
	reader, err := r.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "read artifact %s failed", key)
	}
	return data, nil
}

var _ ArtifactRepository = (*ObjectArtifactRepository)(nil)
