package simplemedia

import (
	"strings"

	"github.com/google/uuid"
)

// Request/Response DTOs for service operations

// IngestRequest contains parameters for ingesting uploaded bytes
type IngestRequest struct {
	Data     []byte
	FileName string
	// MimeType is sniffed from Data when empty.
	MimeType string
	Scope    Scope
	Metadata map[string]interface{}
	Exif     map[string]interface{}
	// Transform overrides the service default optimization parameters.
	Transform *TransformParams
}

// IngestURLRequest contains parameters for ingesting a remote URL
type IngestURLRequest struct {
	URL      string
	Scope    Scope
	Metadata map[string]interface{}
	// FileName overrides the name taken from the URL path.
	FileName  string
	Transform *TransformParams
}

// IngestResult is the record resolved by an ingestion.
type IngestResult struct {
	File *FileRecord `json:"file"`
	// Deduplicated is true when the bytes matched an existing record.
	Deduplicated bool `json:"deduplicated"`
	// EnqueueError explains why an accepted upload was not queued for
	// optimization. The upload itself succeeded.
	EnqueueError string `json:"enqueue_error,omitempty"`
}

// ListResult is one page of records.
type ListResult struct {
	Files  []*FileRecord `json:"files"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// MaxBulkDeleteLimit caps a single bulk deletion.
const MaxBulkDeleteLimit = 1000

// BulkDeleteRequest selects records to delete. At least one scope field is
// required.
type BulkDeleteRequest struct {
	Scope  Scope
	Limit  int
	DryRun bool
}

// Validate checks the request.
func (r BulkDeleteRequest) Validate() error {
	verr := &ValidationError{}
	if r.Scope.IsZero() {
		verr.Add("scope", "at least one of app_id, user_id or purpose is required")
	}
	if r.Limit < 0 {
		verr.Add("limit", "must not be negative")
	}
	return verr.OrNil()
}

// BulkDeleteItem is the outcome for one candidate.
type BulkDeleteItem struct {
	FileID         uuid.UUID  `json:"file_id"`
	PreviousStatus FileStatus `json:"previous_status"`
	Status         FileStatus `json:"status"`
	Error          string     `json:"error,omitempty"`
}

// BulkDeleteResult reports a bulk deletion. In a dry run Items only lists
// candidates and nothing was changed.
type BulkDeleteResult struct {
	DryRun  bool             `json:"dry_run"`
	Items   []BulkDeleteItem `json:"items"`
	Deleted int              `json:"deleted"`
	Failed  int              `json:"failed"`
}

// HealthSnapshot reports queue pressure and per-status record counts.
type HealthSnapshot struct {
	Queue              QueueSnapshot                `json:"queue"`
	StatusCounts       map[FileStatus]int64         `json:"status_counts"`
	OptimizationCounts map[OptimizationStatus]int64 `json:"optimization_counts"`
}

func (r IngestRequest) validate() error {
	verr := &ValidationError{}
	if len(r.Data) == 0 {
		verr.Add("data", "must not be empty")
	}
	if strings.ContainsAny(r.FileName, "\x00") {
		verr.Add("filename", "must not contain NUL")
	}
	return verr.OrNil()
}
