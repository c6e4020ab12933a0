package simplemedia

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
)

var errFileNotReady = errors.New("file is not ready")

// Reoptimize queues another optimization pass over a ready file. params nil
// applies the service defaults. A record stuck in processing with no job
// behind it is failed first and then re-queued.
func (s *Service) Reoptimize(ctx context.Context, id uuid.UUID, params *TransformParams) (*FileRecord, error) {
	resolved, err := ResolveTransformParams(params, s.defaults)
	if err != nil {
		return nil, err
	}
	rec, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok, err := canReoptimize(rec.Status); !ok {
		return nil, &FileError{FileID: id, Op: "reoptimize", Err: err}
	}
	if s.transformer == nil || !s.transformer.Supports(rec.MimeType) {
		return nil, &FileError{FileID: id, Op: "reoptimize", Err: fmt.Errorf("%w: %s", ErrUnsupportedMedia, rec.MimeType)}
	}
	if s.queue.Holds(id) {
		return nil, &FileError{FileID: id, Op: "reoptimize", Err: ErrDuplicateJob}
	}

	rec, err = s.update(ctx, id, "reoptimize", func(r *FileRecord) error {
		if ok, err := canReoptimize(r.Status); !ok {
			return err
		}
		switch r.OptimizationStatus {
		case OptimizationStatusPending:
			return nil
		case OptimizationStatusProcessing:
			if err := r.setOptimizationStatus(OptimizationStatusFailed); err != nil {
				return err
			}
		}
		r.LastError = ""
		return r.setOptimizationStatus(OptimizationStatusPending)
	})
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, id, resolved); err != nil {
		return nil, &FileError{FileID: id, Op: "reoptimize", Err: err}
	}
	return rec, nil
}

// RecoverPending queues ready records whose optimization is pending but owned
// by no job, for example after a restart. It returns how many were queued.
func (s *Service) RecoverPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	recs, err := s.repo.Query(ctx, FileFilter{
		Statuses:             []FileStatus{FileStatusReady},
		OptimizationStatuses: []OptimizationStatus{OptimizationStatusPending},
		SortBy:               SortByCreatedAt,
		SortOrder:            "asc",
		Limit:                limit,
	})
	if err != nil {
		return 0, fmt.Errorf("query pending: %w", err)
	}
	queued := 0
	for _, rec := range recs {
		if s.queue.Holds(rec.ID) {
			continue
		}
		params := s.defaults
		if rec.OptimizationParams != nil {
			params = *rec.OptimizationParams
		}
		if err := s.enqueue(ctx, rec.ID, params); err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return queued, err
			}
			continue
		}
		queued++
	}
	if queued > 0 {
		s.logger.Info("recovered pending optimizations", slog.Int("queued", queued))
	}
	return queued, nil
}

// runOptimization is the queue's job handler.
func (s *Service) runOptimization(ctx context.Context, job Job) error {
	// Persistence after the transform must land even when ctx has expired, so
	// the record never stays processing.
	wctx := context.WithoutCancel(ctx)

	rec, err := s.update(ctx, job.FileID, "optimize.start", func(r *FileRecord) error {
		if r.Status != FileStatusReady {
			return errFileNotReady
		}
		return r.setOptimizationStatus(OptimizationStatusProcessing)
	})
	if err != nil {
		if errors.Is(err, errFileNotReady) {
			s.failOptimization(wctx, job.FileID, errFileNotReady.Error())
		}
		return err
	}

	result, key, err := s.optimize(ctx, rec, job)
	if err != nil {
		cause := err.Error()
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			err = &ProcessingError{Op: "optimize", Err: ErrJobTimeout}
			cause = fmt.Sprintf("timeout: job exceeded %s", s.queueCfg.JobTimeout)
		case errors.Is(ctx.Err(), context.Canceled):
			cause = "cancelled: shutdown"
		}
		s.failOptimization(wctx, job.FileID, cause)
		return err
	}

	previousKey := rec.OptimizedKey
	params := job.Params
	done, err := s.update(wctx, job.FileID, "optimize.done", func(r *FileRecord) error {
		if r.Status != FileStatusReady {
			return errFileNotReady
		}
		if err := r.setOptimizationStatus(OptimizationStatusDone); err != nil {
			return err
		}
		r.Size = int64(len(result.Data))
		if result.MimeType != "" {
			r.MimeType = result.MimeType
		}
		r.OptimizedKey = key
		r.OptimizationParams = &params
		r.LastError = ""
		return nil
	})
	if err != nil {
		s.deleteObjectQuietly(wctx, key)
		s.failOptimization(wctx, job.FileID, "persist result: "+err.Error())
		return err
	}
	if previousKey != "" && previousKey != key {
		s.deleteObjectQuietly(wctx, previousKey)
	}
	s.logger.Info("optimization done",
		slog.String("file_id", done.ID.String()),
		slog.Int64("original_size", done.OriginalSize),
		slog.Int64("size", done.Size),
		slog.String("variant", params.Variant))
	return nil
}

// optimize downloads the original, transforms it and uploads the result under
// a fresh derived key.
func (s *Service) optimize(ctx context.Context, rec *FileRecord, job Job) (*TransformResult, string, error) {
	var src []byte
	err := s.retry.do(ctx, func() error {
		body, err := s.store.Download(ctx, rec.StorageKey)
		if err != nil {
			return err
		}
		defer body.Close()
		src, err = io.ReadAll(body)
		return err
	})
	if err != nil {
		return nil, "", s.storageError("download", rec.StorageKey, err)
	}

	result, err := s.transformer.Transform(ctx, src, rec.MimeType, job.Params)
	if err != nil {
		var perr *ProcessingError
		if !errors.As(err, &perr) {
			err = &ProcessingError{Op: "transform", Err: err}
		}
		return nil, "", err
	}
	if err := ctx.Err(); err != nil {
		return nil, "", &ProcessingError{Op: "transform", Err: err}
	}

	mimeType := result.MimeType
	if mimeType == "" {
		mimeType = rec.MimeType
	}
	key := s.keys.GenerateKey(rec.ID, job.ID, &objectkey.KeyMetadata{
		FileName: objectkey.ReplaceExtension(rec.FileName, mimeType),
		MimeType: mimeType,
		AppID:    rec.AppID,
		UserID:   rec.UserID,
		Variant:  job.Params.Variant,
	})
	if _, err := s.upload(ctx, key, mimeType, result.Data); err != nil {
		return nil, "", s.storageError("upload", key, err)
	}
	return result, key, nil
}

// failOptimization records cause on a record whose optimization is still
// pending or processing. Records already terminal are left alone.
func (s *Service) failOptimization(ctx context.Context, id uuid.UUID, cause string) {
	_, err := s.update(ctx, id, "optimize.fail", func(r *FileRecord) error {
		if r.OptimizationStatus.Terminal() {
			return errSkipWrite
		}
		if err := r.setOptimizationStatus(OptimizationStatusFailed); err != nil {
			return err
		}
		r.LastError = cause
		return nil
	})
	if err != nil {
		s.logger.Error("record optimization failure",
			slog.String("file_id", id.String()),
			slog.String("cause", cause),
			slog.String("error", err.Error()))
	}
}

// jobDropped is the queue's drop handler for accepted jobs that never ran.
func (s *Service) jobDropped(job Job, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cause := "queue timeout"
	if errors.Is(err, ErrQueueClosed) {
		cause = "abandoned on shutdown"
	}
	s.failOptimization(ctx, job.FileID, cause)
}

func (s *Service) deleteObjectQuietly(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, ErrObjectNotFound) {
		s.logger.Warn("delete object failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}
