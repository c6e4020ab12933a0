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

// FetchLimits bounds URL ingestion.
type FetchLimits struct {
	MaxBytes    int64
	MaxDuration time.Duration
}

// Service coordinates ingestion, optimization, deletion and problem scanning.
// All record mutations go through conditioned writes, so concurrent callers
// on one record never lose an update.
type Service struct {
	repo        Repository
	store       BlobStore
	backendName string
	transformer Transformer
	fetcher     URLFetcher
	events      EventSink
	logger      *slog.Logger
	keys        objectkey.Generator

	queueCfg    QueueConfig
	queue       *OptimizationQueue
	dedup       *Deduplicator
	detector    *ProblemDetector
	cache       *recordCache
	defaults    TransformParams
	fetchLimits FetchLimits
	retry       RetryPolicy

	cacheSize int
	cacheTTL  time.Duration

	conflictRetries int
	now             func() time.Time
}

// Option is a functional option for configuring the service
type Option func(*Service)

// WithRepository sets the record repository
func WithRepository(repo Repository) Option {
	return func(s *Service) {
		s.repo = repo
	}
}

// WithBlobStore sets the storage backend and the name used in errors and logs
func WithBlobStore(name string, store BlobStore) Option {
	return func(s *Service) {
		s.backendName = name
		s.store = store
	}
}

// WithTransformer sets the media optimizer. Without one every file is
// marked skipped.
func WithTransformer(t Transformer) Option {
	return func(s *Service) {
		s.transformer = t
	}
}

// WithURLFetcher enables IngestFromURL
func WithURLFetcher(f URLFetcher) Option {
	return func(s *Service) {
		s.fetcher = f
	}
}

// WithEventSink sets where transitions are reported
func WithEventSink(sink EventSink) Option {
	return func(s *Service) {
		s.events = sink
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithQueueConfig sets the optimization queue limits
func WithQueueConfig(cfg QueueConfig) Option {
	return func(s *Service) {
		s.queueCfg = cfg
	}
}

// WithKeyGenerator sets the storage key layout
func WithKeyGenerator(g objectkey.Generator) Option {
	return func(s *Service) {
		s.keys = g
	}
}

// WithDefaultTransform sets the optimization parameters used when a request
// names none
func WithDefaultTransform(p TransformParams) Option {
	return func(s *Service) {
		s.defaults = p
	}
}

// WithFetchLimits bounds URL ingestion
func WithFetchLimits(l FetchLimits) Option {
	return func(s *Service) {
		s.fetchLimits = l
	}
}

// WithRetryPolicy bounds retries of storage operations
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) {
		s.retry = p
	}
}

// WithRecordCache caches GetByID results. size 0 disables the cache.
func WithRecordCache(size int, ttl time.Duration) Option {
	return func(s *Service) {
		s.cacheSize = size
		s.cacheTTL = ttl
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a service and starts its optimization workers. Call Shutdown
// to stop them.
func New(options ...Option) (*Service, error) {
	s := &Service{
		queueCfg:        DefaultQueueConfig(),
		defaults:        DefaultTransformParams(),
		fetchLimits:     FetchLimits{MaxBytes: 20 << 20, MaxDuration: 30 * time.Second},
		retry:           DefaultRetryPolicy(),
		conflictRetries: 3,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(s)
	}

	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	if s.store == nil {
		return nil, errors.New("blob store is required")
	}
	if s.backendName == "" {
		s.backendName = "default"
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "simplemedia"))
	if s.events == nil {
		s.events = NewNoopEventSink()
	}
	if s.keys == nil {
		s.keys = objectkey.NewGitLikeGenerator()
	}

	s.cache = newRecordCache(s.cacheSize, s.cacheTTL)
	s.dedup = NewDeduplicator(s.repo)
	s.queue = NewOptimizationQueue(s.queueCfg, s.runOptimization, s.jobDropped, s.logger)
	s.queueCfg = s.queue.Config()
	s.detector = newProblemDetector(s.repo, s.store, s.queue, s.reconcileStatus, s.queueCfg.JobTimeout, s.now, s.logger)
	return s, nil
}

// GetByID returns a live record. Deleted records are not found.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*FileRecord, error) {
	if rec, ok := s.cache.get(id); ok {
		return rec, nil
	}
	rec, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, &FileError{FileID: id, Op: "get", Err: err}
	}
	if rec.Status == FileStatusDeleted {
		return nil, &FileError{FileID: id, Op: "get", Err: ErrNotFound}
	}
	s.cache.set(rec)
	return rec, nil
}

// Open streams the current bytes of a ready file: the optimized rendition once
// optimization is done, the original otherwise.
func (s *Service) Open(ctx context.Context, id uuid.UUID) (io.ReadCloser, *FileRecord, error) {
	rec, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if ok, err := canOpen(rec.Status); !ok {
		return nil, nil, &FileError{FileID: id, Op: "open", Err: err}
	}
	key := rec.StorageKey
	if rec.OptimizationStatus == OptimizationStatusDone && rec.OptimizedKey != "" {
		key = rec.OptimizedKey
	}
	var body io.ReadCloser
	err = s.retry.do(ctx, func() error {
		var derr error
		body, derr = s.store.Download(ctx, key)
		return derr
	})
	if err != nil {
		return nil, nil, s.storageError("download", key, err)
	}
	return body, rec, nil
}

// List returns one page of records matching filter together with the total
// match count.
func (s *Service) List(ctx context.Context, filter FileFilter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	files, err := s.repo.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	total, err := s.repo.Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count files: %w", err)
	}
	return &ListResult{Files: files, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// ScanProblems runs one problem scan and returns at most limit reports.
func (s *Service) ScanProblems(ctx context.Context, limit int) ([]ProblemReport, error) {
	return s.detector.Scan(ctx, limit)
}

// StartProblemScan runs a problem scan every interval in the background until
// Shutdown. A tick that finds the previous scan still running is skipped.
func (s *Service) StartProblemScan(ctx context.Context, interval time.Duration, limit int) {
	s.detector.Start(ctx, interval, limit)
}

// HealthSnapshot reports queue pressure and record counts by status.
func (s *Service) HealthSnapshot(ctx context.Context) (*HealthSnapshot, error) {
	snap := &HealthSnapshot{
		Queue:              s.queue.Snapshot(),
		StatusCounts:       make(map[FileStatus]int64),
		OptimizationCounts: make(map[OptimizationStatus]int64),
	}
	for status := range statusTransitions {
		n, err := s.repo.Count(ctx, FileFilter{Statuses: []FileStatus{status}})
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", status, err)
		}
		snap.StatusCounts[status] = n
	}
	for status := range optimizationTransitions {
		n, err := s.repo.Count(ctx, FileFilter{OptimizationStatuses: []OptimizationStatus{status}})
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", status, err)
		}
		snap.OptimizationCounts[status] = n
	}
	return snap, nil
}

// QueueSnapshot reports the optimization queue without touching storage.
func (s *Service) QueueSnapshot() QueueSnapshot {
	return s.queue.Snapshot()
}

// Shutdown stops the problem scanner and the optimization queue. Running jobs
// finish; queued jobs are abandoned and their records marked failed.
func (s *Service) Shutdown(ctx context.Context) (DrainReport, error) {
	s.detector.Stop()
	report, err := s.queue.Shutdown(ctx)
	s.logger.Info("service stopped",
		slog.Int("abandoned", report.Abandoned),
		slog.Int("completed", report.Completed))
	return report, err
}

// errSkipWrite tells update the record needs no change.
var errSkipWrite = errors.New("skip write")

// update applies fn to a fresh copy of the record and writes it back
// conditioned on the version read. Lost races are retried with a re-read; fn
// may therefore run more than once and must only touch rec.
func (s *Service) update(ctx context.Context, id uuid.UUID, op string, fn func(rec *FileRecord) error) (*FileRecord, error) {
	var lastErr error
	for attempt := 0; attempt < s.conflictRetries; attempt++ {
		current, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return nil, &FileError{FileID: id, Op: op, Err: err}
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, errSkipWrite) {
				return current, nil
			}
			return nil, &FileError{FileID: id, Op: op, Err: err}
		}
		next.UpdatedAt = s.now()

		err = s.repo.Update(ctx, next, current.Version)
		if err == nil {
			s.cache.invalidate(id)
			s.emitTransitions(ctx, current, next, op)
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, &FileError{FileID: id, Op: op, Err: err}
		}
		lastErr = err
	}
	return nil, &FileError{FileID: id, Op: op, Err: fmt.Errorf("%w: %v", ErrConflict, lastErr)}
}

func (s *Service) emitTransitions(ctx context.Context, before, after *FileRecord, reason string) {
	if after.LastError != "" && after.LastError != before.LastError {
		reason = reason + ": " + after.LastError
	}
	if before.Status != after.Status {
		s.emit(ctx, Transition{
			FileID: after.ID, Axis: AxisStatus,
			From: string(before.Status), To: string(after.Status),
			Reason: reason, At: after.UpdatedAt,
		})
	}
	if before.OptimizationStatus != after.OptimizationStatus {
		s.emit(ctx, Transition{
			FileID: after.ID, Axis: AxisOptimization,
			From: string(before.OptimizationStatus), To: string(after.OptimizationStatus),
			Reason: reason, At: after.UpdatedAt,
		})
	}
}

func (s *Service) emit(ctx context.Context, t Transition) {
	if err := s.events.Transitioned(ctx, t); err != nil {
		s.logger.Warn("event sink failed",
			slog.String("file_id", t.FileID.String()),
			slog.String("error", err.Error()))
	}
}

const (
	reasonObjectMissing    = "object missing in storage"
	reasonUploadIncomplete = "upload incomplete"
)

// reconcileStatus applies a status change observed by the problem scanner.
func (s *Service) reconcileStatus(ctx context.Context, id uuid.UUID, to FileStatus, reason string) (*FileRecord, error) {
	return s.update(ctx, id, "scan", func(rec *FileRecord) error {
		if rec.Status == to {
			return errSkipWrite
		}
		if err := rec.setStatus(to, s.now()); err != nil {
			return err
		}
		switch {
		case to == FileStatusMissing, to == FileStatusFailed:
			rec.LastError = reason
		case rec.LastError == reasonObjectMissing:
			rec.LastError = ""
		}
		if to == FileStatusFailed && rec.OptimizationStatus == OptimizationStatusPending {
			return rec.setOptimizationStatus(OptimizationStatusSkipped)
		}
		return nil
	})
}

func (s *Service) storageError(op, key string, err error) error {
	return &StorageError{Backend: s.backendName, Key: key, Op: op, Err: err}
}
