package simplemedia

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// BlobStore defines the interface for storage backends
type BlobStore interface {
	// Upload writes the object under params.ObjectKey and reports where it landed
	Upload(ctx context.Context, reader io.Reader, params UploadParams) (*ObjectLocation, error)

	// Download opens the object for reading. Absent objects return ErrObjectNotFound.
	Download(ctx context.Context, objectKey string) (io.ReadCloser, error)

	// Delete removes the object. Absent objects return ErrObjectNotFound.
	Delete(ctx context.Context, objectKey string) error

	// Exists reports whether the object is present
	Exists(ctx context.Context, objectKey string) (bool, error)

	// GetObjectMeta retrieves metadata for an object
	GetObjectMeta(ctx context.Context, objectKey string) (*ObjectMeta, error)
}

// Repository defines the interface for file record persistence.
//
// Insert fails with ErrChecksumConflict while another non-deleted record holds
// the same checksum. Update writes every mutable field only when the stored
// version equals expectedVersion and then increments rec.Version; otherwise it
// returns ErrVersionConflict, or ErrNotFound if the record does not exist.
type Repository interface {
	Insert(ctx context.Context, rec *FileRecord) error
	Update(ctx context.Context, rec *FileRecord, expectedVersion int64) error
	FindByID(ctx context.Context, id uuid.UUID) (*FileRecord, error)
	// FindByChecksum returns the non-deleted record holding checksum
	FindByChecksum(ctx context.Context, checksum string) (*FileRecord, error)
	Query(ctx context.Context, filter FileFilter) ([]*FileRecord, error)
	Count(ctx context.Context, filter FileFilter) (int64, error)
}

// Transformer optimizes media bytes. Transform must return promptly once ctx
// is done.
type Transformer interface {
	Supports(mimeType string) bool
	Transform(ctx context.Context, src []byte, mimeType string, params TransformParams) (*TransformResult, error)
}

// URLFetcher downloads remote media with size and time limits. Exceeding a
// limit yields a *DownloadError wrapping ErrDownloadTooLarge or
// ErrDownloadTimeout.
type URLFetcher interface {
	Download(ctx context.Context, rawURL string, maxBytes int64, maxDuration time.Duration) (*Download, error)
}

// EventSink receives every applied state transition
type EventSink interface {
	Transitioned(ctx context.Context, t Transition) error
}

// jobHolder reports whether the optimization queue owns a file.
type jobHolder interface {
	Holds(fileID uuid.UUID) bool
}
