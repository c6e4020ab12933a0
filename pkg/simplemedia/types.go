package simplemedia

import (
	"time"

	"github.com/google/uuid"
)

// FileStatus is the lifecycle state of the stored bytes of a file.
type FileStatus string

const (
	FileStatusUploading FileStatus = "uploading"
	FileStatusReady     FileStatus = "ready"
	FileStatusDeleting  FileStatus = "deleting"
	FileStatusDeleted   FileStatus = "deleted"
	FileStatusFailed    FileStatus = "failed"
	FileStatusMissing   FileStatus = "missing"
)

// OptimizationStatus is the state of the derived, optimized rendition.
type OptimizationStatus string

const (
	OptimizationStatusPending    OptimizationStatus = "pending"
	OptimizationStatusProcessing OptimizationStatus = "processing"
	OptimizationStatusDone       OptimizationStatus = "done"
	OptimizationStatusFailed     OptimizationStatus = "failed"
	OptimizationStatusSkipped    OptimizationStatus = "skipped"
)

// Scope identifies the owner and intended use of a file. Empty fields are
// unscoped.
type Scope struct {
	AppID   string `json:"app_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Purpose string `json:"purpose,omitempty"`
}

// IsZero reports whether no scope field is set.
func (s Scope) IsZero() bool {
	return s.AppID == "" && s.UserID == "" && s.Purpose == ""
}

// TransformParams controls how an image is optimized.
type TransformParams struct {
	Variant   string `json:"variant,omitempty"`
	MaxWidth  int    `json:"max_width,omitempty"`
	MaxHeight int    `json:"max_height,omitempty"`
	Quality   int    `json:"quality,omitempty"`
	// Format is the output encoding ("jpeg" or "png"). Empty keeps the
	// source format where an encoder exists.
	Format string `json:"format,omitempty"`
}

// FileRecord is the persisted record of one ingested file.
//
// OriginalSize is fixed at ingestion; Size follows the optimized rendition once
// optimization reaches done. StorageKey always points at the original bytes and
// is never rewritten; OptimizedKey points at the current derived rendition.
type FileRecord struct {
	ID                 uuid.UUID              `json:"id"`
	AppID              string                 `json:"app_id,omitempty"`
	UserID             string                 `json:"user_id,omitempty"`
	Purpose            string                 `json:"purpose,omitempty"`
	FileName           string                 `json:"filename"`
	MimeType           string                 `json:"mime_type"`
	Size               int64                  `json:"size"`
	OriginalSize       int64                  `json:"original_size"`
	Checksum           string                 `json:"checksum"`
	StorageKey         string                 `json:"storage_key,omitempty"`
	StorageBucket      string                 `json:"storage_bucket,omitempty"`
	OptimizedKey       string                 `json:"optimized_key,omitempty"`
	Status             FileStatus             `json:"status"`
	OptimizationStatus OptimizationStatus     `json:"optimization_status"`
	OptimizationParams *TransformParams       `json:"optimization_params,omitempty"`
	LastError          string                 `json:"last_error,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	Exif               map[string]interface{} `json:"exif,omitempty"`
	UploadedAt         *time.Time             `json:"uploaded_at,omitempty"`
	StatusChangedAt    time.Time              `json:"status_changed_at"`
	DeletedAt          *time.Time             `json:"deleted_at,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	Version            int64                  `json:"version"`
}

// Scope returns the owner scope of the record.
func (r *FileRecord) Scope() Scope {
	return Scope{AppID: r.AppID, UserID: r.UserID, Purpose: r.Purpose}
}

// Clone returns a copy that shares no mutable state with r.
func (r *FileRecord) Clone() *FileRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Metadata = cloneMap(r.Metadata)
	c.Exif = cloneMap(r.Exif)
	if r.OptimizationParams != nil {
		p := *r.OptimizationParams
		c.OptimizationParams = &p
	}
	if r.UploadedAt != nil {
		t := *r.UploadedAt
		c.UploadedAt = &t
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Sort keys accepted by FileFilter.SortBy.
const (
	SortByCreatedAt       = "created_at"
	SortByUpdatedAt       = "updated_at"
	SortByStatusChangedAt = "status_changed_at"
	SortBySize            = "size"
	SortByFileName        = "filename"
)

// FileFilter selects records for listing, scanning and bulk deletion.
// Zero-valued fields do not constrain the result.
type FileFilter struct {
	AppID                *string
	UserID               *string
	Purpose              *string
	Statuses             []FileStatus
	OptimizationStatuses []OptimizationStatus
	CreatedAfter         *time.Time
	CreatedBefore        *time.Time
	StatusChangedBefore  *time.Time
	// IncludeDeleted returns deleted records when Statuses is empty.
	IncludeDeleted bool
	SortBy         string
	SortOrder      string
	Limit          int
	Offset         int
}

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
	ETag        string
	Checksum    string // empty when the backend does not record digests
	Metadata    map[string]string
}

// ObjectLocation is where a blob store placed an uploaded object.
type ObjectLocation struct {
	Key    string
	Bucket string
}

// UploadParams describes an object to upload.
type UploadParams struct {
	ObjectKey string
	MimeType  string
	Size      int64
	Checksum  string // hex SHA-256 of the bytes, stored as object metadata where supported
}

// TransformResult is the output of a Transformer.
type TransformResult struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

// Download is the body and inferred attributes of a fetched URL.
type Download struct {
	Data     []byte
	MimeType string
	FileName string
}

// Transition is an observed state change of one record on one axis.
type Transition struct {
	FileID uuid.UUID `json:"file_id"`
	// Axis is "status" or "optimization".
	Axis   string    `json:"axis"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Transition axes.
const (
	AxisStatus       = "status"
	AxisOptimization = "optimization"
)
