package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

type object struct {
	data      []byte
	mimeType  string
	checksum  string
	updatedAt time.Time
}

// Backend is an in-memory implementation of the simplemedia.BlobStore interface
type Backend struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]object
}

// New creates a new in-memory storage backend
func New() *Backend {
	return &Backend{
		bucket:  "memory",
		objects: make(map[string]object),
	}
}

// Upload stores the content of reader under params.ObjectKey
func (b *Backend) Upload(ctx context.Context, reader io.Reader, params simplemedia.UploadParams) (*simplemedia.ObjectLocation, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mimeType := params.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[params.ObjectKey] = object{data: data, mimeType: mimeType, checksum: params.Checksum, updatedAt: time.Now().UTC()}
	return &simplemedia.ObjectLocation{Key: params.ObjectKey, Bucket: b.bucket}, nil
}

// Download returns a reader over a copy of the stored bytes
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[objectKey]
	if !exists {
		return nil, simplemedia.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Delete deletes content
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.objects[objectKey]; !exists {
		return simplemedia.ErrObjectNotFound
	}
	delete(b.objects, objectKey)
	return nil
}

// Exists reports whether objectKey is stored
func (b *Backend) Exists(ctx context.Context, objectKey string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exists := b.objects[objectKey]
	return exists, nil
}

// GetObjectMeta retrieves metadata for an object in memory
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*simplemedia.ObjectMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[objectKey]
	if !exists {
		return nil, simplemedia.ErrObjectNotFound
	}
	return &simplemedia.ObjectMeta{
		Key:         objectKey,
		Size:        int64(len(obj.data)),
		ContentType: obj.mimeType,
		UpdatedAt:   obj.updatedAt,
		Checksum:    obj.checksum,
		Metadata:    map[string]string{"mime_type": obj.mimeType},
	}, nil
}

// Keys lists stored object keys in sorted order
func (b *Backend) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
