package simplemedia

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
)

// Ingest stores uploaded bytes once per checksum and queues the new record
// for optimization. Identical bytes resolve to the existing live record
// without a second upload.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	params, err := ResolveTransformParams(req.Transform, s.defaults)
	if err != nil {
		return nil, err
	}
	if req.MimeType == "" {
		req.MimeType = http.DetectContentType(req.Data)
	}

	res, err := s.ingest(ctx, req, params)
	switch {
	case err != nil:
		ingestTotal.WithLabelValues("error").Inc()
	case res.Deduplicated:
		ingestTotal.WithLabelValues("deduplicated").Inc()
	default:
		ingestTotal.WithLabelValues("stored").Inc()
	}
	return res, err
}

// IngestFromURL downloads url within the configured limits and ingests the
// body. Nothing is persisted when the download fails.
func (s *Service) IngestFromURL(ctx context.Context, req IngestURLRequest) (*IngestResult, error) {
	if s.fetcher == nil {
		return nil, fmt.Errorf("url ingestion: %w", ErrNotConfigured)
	}
	if req.URL == "" {
		return nil, newValidationError("url", "is required")
	}
	dl, err := s.fetcher.Download(ctx, req.URL, s.fetchLimits.MaxBytes, s.fetchLimits.MaxDuration)
	if err != nil {
		var derr *DownloadError
		if !errors.As(err, &derr) {
			err = &DownloadError{URL: req.URL, Err: err}
		}
		ingestTotal.WithLabelValues("download_error").Inc()
		return nil, err
	}

	name := req.FileName
	if name == "" {
		name = dl.FileName
	}
	return s.Ingest(ctx, IngestRequest{
		Data:      dl.Data,
		FileName:  name,
		MimeType:  dl.MimeType,
		Scope:     req.Scope,
		Metadata:  req.Metadata,
		Transform: req.Transform,
	})
}

func (s *Service) ingest(ctx context.Context, req IngestRequest, params TransformParams) (*IngestResult, error) {
	checksum := ChecksumBytes(req.Data)

	// A failed claim that never stored bytes is purged and the claim retried
	// once.
	for attempt := 0; attempt < 2; attempt++ {
		outcome, err := s.dedup.FindOrClaim(ctx, s.newRecord(req, checksum))
		if err != nil {
			return nil, err
		}
		if outcome.Claimed != nil {
			return s.storeClaimed(ctx, outcome.Claimed, req.Data, params)
		}

		existing := outcome.Existing
		switch existing.Status {
		case FileStatusMissing:
			return s.restore(ctx, existing, req.Data)
		case FileStatusDeleting:
			return nil, &FileError{FileID: existing.ID, Op: "ingest", Err: fmt.Errorf("%w: identical file is being deleted", ErrConflict)}
		case FileStatusFailed:
			if attempt == 0 && existing.StorageKey == "" {
				if err := s.purgeFailedClaim(ctx, existing.ID); err != nil {
					return nil, err
				}
				continue
			}
			return nil, &FileError{FileID: existing.ID, Op: "ingest", Err: fmt.Errorf("%w: identical file is in failed state", ErrConflict)}
		case FileStatusUploading:
			// A claim left uploading by an interrupted ingest is failed and
			// purged like any other failed claim.
			if attempt == 0 && s.staleClaim(existing) &&
				s.abandonClaim(ctx, existing.ID, s.originalKey(existing), reasonUploadIncomplete) {
				if err := s.purgeFailedClaim(ctx, existing.ID); err != nil {
					return nil, err
				}
				continue
			}
			existing = s.awaitSettled(ctx, existing)
		}
		s.logger.DebugContext(ctx, "deduplicated ingest",
			slog.String("file_id", existing.ID.String()),
			slog.String("checksum", checksum))
		return &IngestResult{File: existing, Deduplicated: true}, nil
	}
	return nil, fmt.Errorf("%w: could not claim checksum %s", ErrConflict, checksum)
}

func (s *Service) newRecord(req IngestRequest, checksum string) *FileRecord {
	now := s.now()
	return &FileRecord{
		ID:                 uuid.New(),
		AppID:              req.Scope.AppID,
		UserID:             req.Scope.UserID,
		Purpose:            req.Scope.Purpose,
		FileName:           req.FileName,
		MimeType:           req.MimeType,
		Size:               int64(len(req.Data)),
		OriginalSize:       int64(len(req.Data)),
		Checksum:           checksum,
		Status:             FileStatusUploading,
		OptimizationStatus: OptimizationStatusPending,
		Metadata:           cloneMap(req.Metadata),
		Exif:               cloneMap(req.Exif),
		StatusChangedAt:    now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// storeClaimed uploads the bytes of a freshly claimed record and makes it ready.
func (s *Service) storeClaimed(ctx context.Context, rec *FileRecord, data []byte, params TransformParams) (*IngestResult, error) {
	key := s.originalKey(rec)
	loc, err := s.upload(ctx, key, rec.MimeType, data)
	if err != nil {
		serr := s.storageError("upload", key, err)
		if _, ferr := s.update(context.WithoutCancel(ctx), rec.ID, "ingest.upload", func(r *FileRecord) error {
			if err := r.setStatus(FileStatusFailed, s.now()); err != nil {
				return err
			}
			r.LastError = serr.Error()
			return r.setOptimizationStatus(OptimizationStatusSkipped)
		}); ferr != nil {
			s.logger.Error("mark upload failed", slog.String("file_id", rec.ID.String()), slog.String("error", ferr.Error()))
		}
		return nil, serr
	}

	// The object is stored; finishing the record must not depend on the
	// caller staying around.
	optimize := s.transformer != nil && s.transformer.Supports(rec.MimeType)
	ready, err := s.update(context.WithoutCancel(ctx), rec.ID, "ingest.upload", func(r *FileRecord) error {
		if err := r.setStatus(FileStatusReady, s.now()); err != nil {
			return err
		}
		uploadedAt := s.now()
		r.StorageKey = loc.Key
		r.StorageBucket = loc.Bucket
		r.UploadedAt = &uploadedAt
		if !optimize {
			return r.setOptimizationStatus(OptimizationStatusSkipped)
		}
		return nil
	})
	if err != nil {
		s.abandonClaim(ctx, rec.ID, key, reasonUploadIncomplete+": "+err.Error())
		return nil, err
	}

	res := &IngestResult{File: ready}
	if !optimize {
		return res, nil
	}
	if err := s.enqueue(ctx, ready.ID, params); err != nil {
		res.EnqueueError = err.Error()
		if latest, gerr := s.repo.FindByID(ctx, ready.ID); gerr == nil {
			res.File = latest
		}
	}
	return res, nil
}

func (s *Service) originalKey(rec *FileRecord) string {
	return s.keys.GenerateKey(rec.ID, rec.ID, &objectkey.KeyMetadata{
		FileName:   rec.FileName,
		MimeType:   rec.MimeType,
		AppID:      rec.AppID,
		UserID:     rec.UserID,
		IsOriginal: true,
	})
}

// restore re-uploads bytes for a record whose object went missing.
func (s *Service) restore(ctx context.Context, rec *FileRecord, data []byte) (*IngestResult, error) {
	key := rec.StorageKey
	if key == "" {
		return nil, &FileError{FileID: rec.ID, Op: "restore", Err: fmt.Errorf("%w: record has no storage key", ErrConflict)}
	}
	if _, err := s.upload(ctx, key, rec.MimeType, data); err != nil {
		return nil, s.storageError("upload", key, err)
	}
	restored, err := s.reconcileStatus(ctx, rec.ID, FileStatusReady, "restored by re-ingest")
	if err != nil {
		return nil, err
	}
	return &IngestResult{File: restored, Deduplicated: true}, nil
}

// abandonClaim fails a claim whose bytes were stored but whose record could
// not be made ready, and removes the orphaned object. The record keeps no
// storage key, so identical bytes can claim the checksum again.
// It reports false when the record already left uploading or the write
// failed; the object is then left alone.
func (s *Service) abandonClaim(ctx context.Context, id uuid.UUID, key, cause string) bool {
	ctx = context.WithoutCancel(ctx)
	applied := false
	if _, err := s.update(ctx, id, "ingest.abandon", func(r *FileRecord) error {
		applied = false
		if r.Status != FileStatusUploading {
			return errSkipWrite
		}
		if err := r.setStatus(FileStatusFailed, s.now()); err != nil {
			return err
		}
		r.LastError = cause
		applied = true
		return r.setOptimizationStatus(OptimizationStatusSkipped)
	}); err != nil {
		s.logger.Error("abandon upload claim",
			slog.String("file_id", id.String()),
			slog.String("error", err.Error()))
		return false
	}
	if applied {
		s.deleteObjectQuietly(ctx, key)
	}
	return applied
}

func (s *Service) purgeFailedClaim(ctx context.Context, id uuid.UUID) error {
	_, err := s.update(ctx, id, "ingest.purge", func(r *FileRecord) error {
		if r.Status == FileStatusDeleted {
			return errSkipWrite
		}
		return r.setStatus(FileStatusDeleted, s.now())
	})
	return err
}

// staleClaim reports whether rec has been uploading for longer than any
// ingestion can take.
func (s *Service) staleClaim(rec *FileRecord) bool {
	return rec.Status == FileStatusUploading && s.now().Sub(rec.StatusChangedAt) > s.queueCfg.JobTimeout
}

// awaitSettled waits briefly for a concurrent ingestion of the same bytes to
// finish and returns the latest view of the record.
func (s *Service) awaitSettled(ctx context.Context, rec *FileRecord) *FileRecord {
	for i := 0; i < 50 && rec.Status == FileStatusUploading; i++ {
		select {
		case <-ctx.Done():
			return rec
		case <-time.After(20 * time.Millisecond):
		}
		latest, err := s.repo.FindByID(ctx, rec.ID)
		if err != nil {
			return rec
		}
		rec = latest
	}
	return rec
}

func (s *Service) upload(ctx context.Context, key, mimeType string, data []byte) (*ObjectLocation, error) {
	var loc *ObjectLocation
	checksum := ChecksumBytes(data)
	err := s.retry.do(ctx, func() error {
		var uerr error
		loc, uerr = s.store.Upload(ctx, bytes.NewReader(data), UploadParams{
			ObjectKey: key,
			MimeType:  mimeType,
			Size:      int64(len(data)),
			Checksum:  checksum,
		})
		return uerr
	})
	return loc, err
}

// enqueue submits an optimization job. A job that cannot be queued leaves the
// record's optimization failed, except when another job already owns it.
func (s *Service) enqueue(ctx context.Context, id uuid.UUID, params TransformParams) error {
	err := s.queue.Submit(ctx, Job{FileID: id, Params: params})
	if err == nil || errors.Is(err, ErrDuplicateJob) {
		return err
	}
	cause := "enqueue: " + err.Error()
	if errors.Is(err, ErrQueueTimeout) {
		cause = "queue timeout"
	}
	s.failOptimization(context.WithoutCancel(ctx), id, cause)
	return err
}
