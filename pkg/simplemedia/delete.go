package simplemedia

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Delete removes a file's stored objects and marks the record deleted. A
// record left in deleting by an earlier attempt resumes where it stopped.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	rec, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.deleteRecord(ctx, rec)
	return err
}

func (s *Service) deleteRecord(ctx context.Context, rec *FileRecord) (*FileRecord, error) {
	switch rec.Status {
	case FileStatusReady:
		next, err := s.update(ctx, rec.ID, "delete", func(r *FileRecord) error {
			return r.setStatus(FileStatusDeleting, s.now())
		})
		if err != nil {
			return nil, err
		}
		return s.finishDelete(ctx, next)
	case FileStatusDeleting:
		return s.finishDelete(ctx, rec)
	case FileStatusFailed, FileStatusMissing:
		return s.purge(ctx, rec)
	default:
		_, err := TransitionStatus(rec.Status, FileStatusDeleting)
		return nil, &FileError{FileID: rec.ID, Op: "delete", Err: err}
	}
}

// finishDelete removes the objects of a deleting record. A storage failure
// moves the record to failed.
func (s *Service) finishDelete(ctx context.Context, rec *FileRecord) (*FileRecord, error) {
	if derr := s.removeObjects(ctx, rec); derr != nil {
		if _, ferr := s.update(context.WithoutCancel(ctx), rec.ID, "delete", func(r *FileRecord) error {
			if err := r.setStatus(FileStatusFailed, s.now()); err != nil {
				return err
			}
			r.LastError = derr.Error()
			return nil
		}); ferr != nil {
			s.logger.Error("mark delete failed", slog.String("file_id", rec.ID.String()), slog.String("error", ferr.Error()))
		}
		return nil, derr
	}
	return s.update(ctx, rec.ID, "delete", func(r *FileRecord) error {
		return r.setStatus(FileStatusDeleted, s.now())
	})
}

// purge deletes a failed or missing record. Any object a failed record still
// references is removed first; its absence is fine.
func (s *Service) purge(ctx context.Context, rec *FileRecord) (*FileRecord, error) {
	if rec.Status == FileStatusFailed {
		if err := s.removeObjects(ctx, rec); err != nil {
			return nil, err
		}
	}
	return s.update(ctx, rec.ID, "delete", func(r *FileRecord) error {
		return r.setStatus(FileStatusDeleted, s.now())
	})
}

func (s *Service) removeObjects(ctx context.Context, rec *FileRecord) error {
	for _, key := range []string{rec.OptimizedKey, rec.StorageKey} {
		if key == "" {
			continue
		}
		err := s.retry.do(ctx, func() error {
			return s.store.Delete(ctx, key)
		})
		if err != nil && !errors.Is(err, ErrObjectNotFound) {
			return s.storageError("delete", key, err)
		}
	}
	return nil
}

// BulkDelete deletes up to Limit ready, failed or missing records in scope,
// oldest first. A dry run only reports the candidates.
func (s *Service) BulkDelete(ctx context.Context, req BulkDeleteRequest) (*BulkDeleteResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit == 0 || limit > MaxBulkDeleteLimit {
		limit = MaxBulkDeleteLimit
	}

	filter := FileFilter{
		Statuses:  []FileStatus{FileStatusReady, FileStatusFailed, FileStatusMissing},
		SortBy:    SortByCreatedAt,
		SortOrder: "asc",
		Limit:     limit,
	}
	if req.Scope.AppID != "" {
		filter.AppID = &req.Scope.AppID
	}
	if req.Scope.UserID != "" {
		filter.UserID = &req.Scope.UserID
	}
	if req.Scope.Purpose != "" {
		filter.Purpose = &req.Scope.Purpose
	}
	candidates, err := s.repo.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query bulk delete candidates: %w", err)
	}

	result := &BulkDeleteResult{DryRun: req.DryRun, Items: make([]BulkDeleteItem, 0, len(candidates))}
	for _, rec := range candidates {
		if !bulkDeletable(rec.Status) {
			continue
		}
		item := BulkDeleteItem{FileID: rec.ID, PreviousStatus: rec.Status, Status: rec.Status}
		if req.DryRun {
			result.Items = append(result.Items, item)
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		deleted, err := s.deleteRecord(ctx, rec)
		if err != nil {
			item.Error = err.Error()
			if latest, gerr := s.repo.FindByID(ctx, rec.ID); gerr == nil {
				item.Status = latest.Status
			}
			result.Failed++
		} else {
			item.Status = deleted.Status
			result.Deleted++
		}
		result.Items = append(result.Items, item)
	}
	s.logger.Info("bulk delete",
		slog.Bool("dry_run", req.DryRun),
		slog.Int("candidates", len(result.Items)),
		slog.Int("deleted", result.Deleted),
		slog.Int("failed", result.Failed))
	return result, nil
}
