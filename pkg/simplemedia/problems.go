package simplemedia

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProblemCode identifies an inconsistency between a record and the world.
type ProblemCode string

const (
	// ProblemStorageObjectMissing: the record claims stored bytes the blob store does not have.
	ProblemStorageObjectMissing ProblemCode = "STORAGE_OBJECT_MISSING"
	// ProblemOptimizationStuck: optimization is processing but no worker owns it.
	ProblemOptimizationStuck ProblemCode = "OPTIMIZATION_STUCK"
	// ProblemOptimizationFailed: the last optimization attempt failed.
	ProblemOptimizationFailed ProblemCode = "OPTIMIZATION_FAILED"
	// ProblemDeleteIncomplete: deletion started but never finished.
	ProblemDeleteIncomplete ProblemCode = "DELETE_INCOMPLETE"
	// ProblemUploadIncomplete: an ingest claimed the checksum but never made the record ready.
	ProblemUploadIncomplete ProblemCode = "UPLOAD_INCOMPLETE"
	// ProblemChecksumMismatch: the stored object's recorded digest differs from the record's.
	ProblemChecksumMismatch ProblemCode = "CHECKSUM_MISMATCH"
)

// Problem is one finding on a record.
type Problem struct {
	Code    ProblemCode `json:"code"`
	Message string      `json:"message"`
}

// ProblemReport lists the findings for one record.
type ProblemReport struct {
	FileID                     uuid.UUID          `json:"file_id"`
	ObservedStatus             FileStatus         `json:"observed_status"`
	ObservedOptimizationStatus OptimizationStatus `json:"observed_optimization_status"`
	StatusChangedAt            time.Time          `json:"status_changed_at"`
	Problems                   []Problem          `json:"problems"`
}

// reconcileFunc applies an observed status change through the coordinator.
type reconcileFunc func(ctx context.Context, id uuid.UUID, to FileStatus, reason string) (*FileRecord, error)

// ProblemDetector scans live records in batches for inconsistencies. A record
// found without its stored object is moved to missing; a missing record whose
// object reappeared is moved back to ready.
type ProblemDetector struct {
	repo       Repository
	store      BlobStore
	queue      jobHolder
	reconcile  reconcileFunc
	stuckAfter time.Duration
	batchSize  int
	now        func() time.Time
	logger     *slog.Logger

	mu        sync.Mutex
	inProcess bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func newProblemDetector(repo Repository, store BlobStore, queue jobHolder, reconcile reconcileFunc, stuckAfter time.Duration, now func() time.Time, logger *slog.Logger) *ProblemDetector {
	return &ProblemDetector{
		repo:       repo,
		store:      store,
		queue:      queue,
		reconcile:  reconcile,
		stuckAfter: stuckAfter,
		batchSize:  100,
		now:        now,
		logger:     logger.With(slog.String("component", "problem_scan")),
	}
}

var scannedStatuses = []FileStatus{
	FileStatusUploading,
	FileStatusReady,
	FileStatusDeleting,
	FileStatusFailed,
	FileStatusMissing,
}

// Scan examines live records, most recently changed first, until limit
// problem reports are collected or records run out.
func (d *ProblemDetector) Scan(ctx context.Context, limit int) ([]ProblemReport, error) {
	if limit <= 0 {
		return nil, newValidationError("limit", "must be positive")
	}
	// Records transitioned by this scan get a newer StatusChangedAt and drop
	// out of the window, so the offset only advances past untouched rows.
	cutoff := d.now()
	reports := make([]ProblemReport, 0)
	offset := 0
	for len(reports) < limit {
		batch, err := d.repo.Query(ctx, FileFilter{
			Statuses:            scannedStatuses,
			StatusChangedBefore: &cutoff,
			SortBy:              SortByStatusChangedAt,
			SortOrder:           "desc",
			Limit:               d.batchSize,
			Offset:              offset,
		})
		if err != nil {
			return nil, fmt.Errorf("query scan batch: %w", err)
		}
		moved := 0
		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			report, changed := d.inspect(ctx, rec)
			if changed {
				moved++
			}
			if report != nil && len(reports) < limit {
				reports = append(reports, *report)
			}
		}
		if len(batch) < d.batchSize {
			break
		}
		offset += len(batch) - moved
	}

	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].StatusChangedAt.After(reports[j].StatusChangedAt)
	})
	for _, r := range reports {
		for _, p := range r.Problems {
			problemsTotal.WithLabelValues(string(p.Code)).Inc()
		}
	}
	return reports, nil
}

// inspect checks one record. changed reports whether its status was moved.
func (d *ProblemDetector) inspect(ctx context.Context, rec *FileRecord) (*ProblemReport, bool) {
	report := &ProblemReport{
		FileID:                     rec.ID,
		ObservedStatus:             rec.Status,
		ObservedOptimizationStatus: rec.OptimizationStatus,
		StatusChangedAt:            rec.StatusChangedAt,
	}
	changed := false
	now := d.now()

	switch rec.Status {
	case FileStatusUploading:
		if now.Sub(rec.StatusChangedAt) <= d.stuckAfter {
			break
		}
		report.Problems = append(report.Problems, Problem{
			Code:    ProblemUploadIncomplete,
			Message: fmt.Sprintf("uploading since %s", rec.StatusChangedAt.Format(time.RFC3339)),
		})
		if updated, err := d.reconcile(ctx, rec.ID, FileStatusFailed, reasonUploadIncomplete); err == nil {
			report.ObservedStatus = updated.Status
			report.ObservedOptimizationStatus = updated.OptimizationStatus
			report.StatusChangedAt = updated.StatusChangedAt
			changed = true
		} else {
			d.logger.Warn("mark upload failed",
				slog.String("file_id", rec.ID.String()),
				slog.String("error", err.Error()))
		}
	case FileStatusReady, FileStatusMissing:
		exists, checksum, err := d.inspectObject(ctx, rec)
		if err != nil {
			d.logger.Warn("existence check failed",
				slog.String("file_id", rec.ID.String()),
				slog.String("error", err.Error()))
			break
		}
		switch {
		case !exists && rec.Status == FileStatusReady:
			report.Problems = append(report.Problems, Problem{
				Code:    ProblemStorageObjectMissing,
				Message: fmt.Sprintf("object %s not found in storage", rec.StorageKey),
			})
			if updated, err := d.reconcile(ctx, rec.ID, FileStatusMissing, reasonObjectMissing); err == nil {
				report.ObservedStatus = updated.Status
				report.StatusChangedAt = updated.StatusChangedAt
				changed = true
			} else {
				d.logger.Warn("mark missing failed",
					slog.String("file_id", rec.ID.String()),
					slog.String("error", err.Error()))
			}
		case !exists:
			report.Problems = append(report.Problems, Problem{
				Code:    ProblemStorageObjectMissing,
				Message: fmt.Sprintf("object %s still not found in storage", rec.StorageKey),
			})
		case rec.Status == FileStatusReady:
			if checksum != "" && checksum != rec.Checksum {
				report.Problems = append(report.Problems, Problem{
					Code:    ProblemChecksumMismatch,
					Message: fmt.Sprintf("object %s has sha256 %s, record has %s", rec.StorageKey, checksum, rec.Checksum),
				})
			}
		default:
			if updated, err := d.reconcile(ctx, rec.ID, FileStatusReady, "object found in storage"); err == nil {
				report.ObservedStatus = updated.Status
				report.StatusChangedAt = updated.StatusChangedAt
				changed = true
			}
		}
	case FileStatusDeleting:
		if now.Sub(rec.StatusChangedAt) > d.stuckAfter {
			report.Problems = append(report.Problems, Problem{
				Code:    ProblemDeleteIncomplete,
				Message: fmt.Sprintf("deleting since %s", rec.StatusChangedAt.Format(time.RFC3339)),
			})
		}
	}

	switch rec.OptimizationStatus {
	case OptimizationStatusProcessing:
		if now.Sub(rec.UpdatedAt) > d.stuckAfter && !d.queue.Holds(rec.ID) {
			report.Problems = append(report.Problems, Problem{
				Code:    ProblemOptimizationStuck,
				Message: fmt.Sprintf("processing since %s with no active job", rec.UpdatedAt.Format(time.RFC3339)),
			})
		}
	case OptimizationStatusFailed:
		report.Problems = append(report.Problems, Problem{
			Code:    ProblemOptimizationFailed,
			Message: rec.LastError,
		})
	}

	if len(report.Problems) == 0 {
		return nil, changed
	}
	return report, changed
}

// inspectObject looks up a record's original object. Ready records are read
// through the object metadata so a recorded digest can be compared; missing
// records only need to know whether the object came back.
func (d *ProblemDetector) inspectObject(ctx context.Context, rec *FileRecord) (exists bool, checksum string, err error) {
	if rec.StorageKey == "" {
		return false, "", nil
	}
	if rec.Status == FileStatusMissing {
		exists, err = d.store.Exists(ctx, rec.StorageKey)
		if errors.Is(err, ErrObjectNotFound) {
			return false, "", nil
		}
		return exists, "", err
	}
	meta, err := d.store.GetObjectMeta(ctx, rec.StorageKey)
	if errors.Is(err, ErrObjectNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, meta.Checksum, nil
}

// RunOnce scans unless a scan is already running, in which case it reports
// skipped.
func (d *ProblemDetector) RunOnce(ctx context.Context, limit int) (reports []ProblemReport, skipped bool, err error) {
	d.mu.Lock()
	if d.inProcess {
		d.mu.Unlock()
		return nil, true, nil
	}
	d.inProcess = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.inProcess = false
		d.mu.Unlock()
	}()

	start := time.Now()
	reports, err = d.Scan(ctx, limit)
	if err != nil {
		return nil, false, err
	}
	d.logger.Info("problem scan finished",
		slog.Int("reports", len(reports)),
		slog.Duration("duration", time.Since(start)))
	return reports, false, nil
}

// Start runs RunOnce every interval until Stop or ctx ends.
func (d *ProblemDetector) Start(ctx context.Context, interval time.Duration, limit int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil || interval <= 0 {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(runCtx, interval, limit, d.done)
	d.logger.Info("problem scan started", slog.String("interval", interval.String()))
}

// Stop ends the periodic scan and waits for it to exit.
func (d *ProblemDetector) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.logger.Info("problem scan stopped")
}

func (d *ProblemDetector) run(ctx context.Context, interval time.Duration, limit int, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := d.RunOnce(ctx, limit); err != nil && ctx.Err() == nil {
				d.logger.Error("problem scan failed", slog.String("error", err.Error()))
			}
		}
	}
}
