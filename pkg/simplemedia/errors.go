package simplemedia

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Error types
var (
	// ErrNotFound indicates a file record was not found
	ErrNotFound = errors.New("file not found")

	// ErrObjectNotFound indicates a stored object was not found
	ErrObjectNotFound = errors.New("object not found")

	// ErrInvalidTransition indicates a state change outside the allowed graph
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrChecksumConflict indicates another live record already claims the checksum
	ErrChecksumConflict = errors.New("checksum already claimed")

	// ErrVersionConflict indicates a conditioned write lost against a concurrent writer
	ErrVersionConflict = errors.New("record modified concurrently")

	// ErrConflict indicates the operation is incompatible with the current record state
	ErrConflict = errors.New("conflict")

	// ErrDuplicateJob indicates an optimization job for the file is already queued or running
	ErrDuplicateJob = errors.New("optimization job already queued or running")

	// ErrQueueTimeout indicates a job could not start within the queue wait timeout
	ErrQueueTimeout = errors.New("optimization queue wait timed out")

	// ErrQueueClosed indicates the optimization queue no longer accepts jobs
	ErrQueueClosed = errors.New("optimization queue is shut down")

	// ErrJobTimeout indicates a running job exceeded its execution limit
	ErrJobTimeout = errors.New("optimization job timed out")

	// ErrUnsupportedMedia indicates the transformer cannot handle the mime type
	ErrUnsupportedMedia = errors.New("unsupported media type")

	// ErrDownloadTooLarge indicates a fetched body exceeded the size limit
	ErrDownloadTooLarge = errors.New("download exceeds size limit")

	// ErrDownloadTimeout indicates a fetch exceeded its time limit
	ErrDownloadTimeout = errors.New("download timed out")

	// ErrNotConfigured indicates an optional collaborator was not supplied
	ErrNotConfigured = errors.New("not configured")
)

// ErrorKind is the caller-facing classification of a failure.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindDuplicateJob ErrorKind = "duplicate_job"
	KindQueueTimeout ErrorKind = "queue_timeout"
	KindProcessing   ErrorKind = "processing"
	KindStorage      ErrorKind = "storage"
	KindDownload     ErrorKind = "download"
	KindInternal     ErrorKind = "internal"
)

// KindOf classifies err. Wrapped errors are inspected from the outside in, so
// a StorageError wrapping ErrObjectNotFound is a storage failure, not a
// missing record.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		validationErr *ValidationError
		downloadErr   *DownloadError
		processingErr *ProcessingError
		storageErr    *StorageError
	)
	switch {
	case errors.As(err, &validationErr), errors.Is(err, ErrUnsupportedMedia):
		return KindValidation
	case errors.As(err, &downloadErr):
		return KindDownload
	case errors.Is(err, ErrDuplicateJob):
		return KindDuplicateJob
	case errors.Is(err, ErrQueueTimeout):
		return KindQueueTimeout
	case errors.As(err, &processingErr):
		return KindProcessing
	case errors.As(err, &storageErr):
		return KindStorage
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict),
		errors.Is(err, ErrChecksumConflict),
		errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrInvalidTransition):
		return KindConflict
	default:
		return KindInternal
	}
}

// FieldError is a single rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports malformed input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a rejected field.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns e when at least one field was rejected.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// FileError represents an error related to operations on one file record
type FileError struct {
	FileID uuid.UUID
	Op     string
	Err    error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("file operation %s failed for file %s: %v", e.Op, e.FileID, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to storage operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ProcessingError represents a failure while transforming media
type ProcessingError struct {
	Op  string
	Err error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing %s failed: %v", e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// DownloadError represents a failure fetching a remote URL
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download of %s failed with status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("download of %s failed: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// TransitionError reports a rejected state change. It wraps
// ErrInvalidTransition.
type TransitionError struct {
	Axis string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s transition %s -> %s not allowed", e.Axis, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
