package ports

import (
	"context"
	"io"
)

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	// ObjectKey is the key later Get/Delete calls use. For localfs it is
	// the requested key; for gdrive it is the Drive file id.
	ObjectKey string
	Size      int64
}

// StorageProvider is the destination of reference-mode job outputs
// (localfs, gdrive).
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	DeleteObject(ctx context.Context, objectKey string) error

	// Locate returns the reference handed back to the job's caller for a
	// stored object: a filesystem path or a URL.
	Locate(objectKey string) string
}
