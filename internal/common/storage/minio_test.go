package storage

import (
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestTranslateErrorMapsMissingKey(t *testing.T) {
	err := translateError("get object", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound})
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}

	err = translateError("get object", minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden})
	if errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("access denied must not map to not found")
	}
}
