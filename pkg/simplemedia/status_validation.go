package simplemedia

import (
	"fmt"
	"time"
)

// statusTransitions is the complete lifecycle graph of stored bytes. Deleted is
// terminal.
var statusTransitions = map[FileStatus]map[FileStatus]bool{
	FileStatusUploading: {FileStatusReady: true, FileStatusFailed: true},
	FileStatusReady:     {FileStatusDeleting: true, FileStatusMissing: true},
	FileStatusDeleting:  {FileStatusDeleted: true, FileStatusFailed: true},
	FileStatusMissing:   {FileStatusReady: true, FileStatusDeleted: true},
	FileStatusFailed:    {FileStatusDeleted: true},
	FileStatusDeleted:   {},
}

// optimizationTransitions is the optimization graph. The edges back to pending
// exist only for explicit re-optimization.
var optimizationTransitions = map[OptimizationStatus]map[OptimizationStatus]bool{
	OptimizationStatusPending: {
		OptimizationStatusProcessing: true,
		OptimizationStatusFailed:     true,
		OptimizationStatusSkipped:    true,
	},
	OptimizationStatusProcessing: {OptimizationStatusDone: true, OptimizationStatusFailed: true},
	OptimizationStatusDone:       {OptimizationStatusPending: true},
	OptimizationStatusFailed:     {OptimizationStatusPending: true},
	OptimizationStatusSkipped:    {OptimizationStatusPending: true},
}

// Valid reports whether s is a known status.
func (s FileStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// Valid reports whether s is a known optimization status.
func (s OptimizationStatus) Valid() bool {
	_, ok := optimizationTransitions[s]
	return ok
}

// Terminal reports whether no further optimization is in flight.
func (s OptimizationStatus) Terminal() bool {
	switch s {
	case OptimizationStatusDone, OptimizationStatusFailed, OptimizationStatusSkipped:
		return true
	default:
		return false
	}
}

// TransitionStatus validates current -> next against the lifecycle graph and
// returns next. A rejected change returns a *TransitionError.
func TransitionStatus(current, next FileStatus) (FileStatus, error) {
	if !statusTransitions[current][next] {
		return current, &TransitionError{Axis: AxisStatus, From: string(current), To: string(next)}
	}
	return next, nil
}

// TransitionOptimization validates current -> next against the optimization
// graph and returns next.
func TransitionOptimization(current, next OptimizationStatus) (OptimizationStatus, error) {
	if !optimizationTransitions[current][next] {
		return current, &TransitionError{Axis: AxisOptimization, From: string(current), To: string(next)}
	}
	return next, nil
}

// setStatus applies a validated status change. On error r is unchanged.
func (r *FileRecord) setStatus(next FileStatus, now time.Time) error {
	status, err := TransitionStatus(r.Status, next)
	if err != nil {
		return err
	}
	r.Status = status
	r.StatusChangedAt = now
	if status == FileStatusDeleted {
		r.DeletedAt = &now
	}
	return nil
}

// setOptimizationStatus applies a validated optimization change. On error r is
// unchanged.
func (r *FileRecord) setOptimizationStatus(next OptimizationStatus) error {
	status, err := TransitionOptimization(r.OptimizationStatus, next)
	if err != nil {
		return err
	}
	r.OptimizationStatus = status
	return nil
}

// canOpen checks if the stored bytes of a file can be read.
func canOpen(status FileStatus) (bool, error) {
	switch status {
	case FileStatusReady:
		return true, nil
	case FileStatusUploading:
		return false, fmt.Errorf("%w: upload still in progress (status: %s)", ErrConflict, status)
	case FileStatusMissing:
		return false, fmt.Errorf("%w: stored object is missing (status: %s)", ErrConflict, status)
	case FileStatusDeleting, FileStatusDeleted:
		return false, fmt.Errorf("%w: file is being deleted (status: %s)", ErrConflict, status)
	case FileStatusFailed:
		return false, fmt.Errorf("%w: upload failed (status: %s)", ErrConflict, status)
	default:
		return false, fmt.Errorf("%w: unknown status %s", ErrInvalidTransition, status)
	}
}

// canReoptimize checks if a file may be queued for another optimization pass.
func canReoptimize(status FileStatus) (bool, error) {
	switch status {
	case FileStatusReady:
		return true, nil
	case FileStatusUploading, FileStatusFailed, FileStatusMissing, FileStatusDeleting, FileStatusDeleted:
		return false, fmt.Errorf("%w: file is not ready (status: %s)", ErrConflict, status)
	default:
		return false, fmt.Errorf("%w: unknown status %s", ErrInvalidTransition, status)
	}
}

// bulkDeletable reports whether bulk deletion picks up records in status.
func bulkDeletable(status FileStatus) bool {
	switch status {
	case FileStatusReady, FileStatusFailed, FileStatusMissing:
		return true
	default:
		return false
	}
}
