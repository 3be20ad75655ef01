package ports

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrObjectNotFound   = errors.New("storage object not found")
	ErrInvalidObjectKey = errors.New("invalid object key")
)

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
	// OwnerID is stored with the object where the provider supports metadata.
	OwnerID string
}

type PutObjectOutput struct {
	// ObjectKey is what later calls must use. For gdrive it is the file id.
	ObjectKey string
	Size      int64
}

// ObjectInfo describes a stored source video.
type ObjectInfo struct {
	ObjectKey   string
	Size        int64
	ContentType string
	// OwnerID is empty when the provider cannot tell.
	OwnerID string
}

type SignedURLOutput struct {
	URL       string
	ExpiresAt time.Time
}

// StorageProvider holds the source videos handed to the rendering service.
// Implementations: localfs, gdrive, s3.
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	// Stat returns ErrObjectNotFound when the key does not exist.
	Stat(ctx context.Context, objectKey string) (ObjectInfo, error)
	// GetSignedURL returns a URL the rendering service can fetch without credentials.
	GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (SignedURLOutput, error)
}
