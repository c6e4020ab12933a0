package simplemedia

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// QueueConfig bounds the optimization queue.
type QueueConfig struct {
	// MaxConcurrency is the number of workers.
	MaxConcurrency int
	// MaxPending is the backlog capacity. A Submit that finds the backlog
	// full blocks until space frees up or WaitTimeout passes.
	MaxPending int
	// WaitTimeout is the longest a job may wait, from Submit until a worker
	// picks it up.
	WaitTimeout time.Duration
	// JobTimeout bounds the execution of one job.
	JobTimeout time.Duration
}

// DefaultQueueConfig returns the queue limits used when none are configured.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxConcurrency: 2,
		MaxPending:     64,
		WaitTimeout:    30 * time.Second,
		JobTimeout:     60 * time.Second,
	}
}

func (c QueueConfig) withDefaults() QueueConfig {
	d := DefaultQueueConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = d.WaitTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	return c
}

// Job is one optimization request.
type Job struct {
	ID         uuid.UUID
	FileID     uuid.UUID
	Params     TransformParams
	EnqueuedAt time.Time
}

// JobHandler executes a job. ctx carries the job timeout.
type JobHandler func(ctx context.Context, job Job) error

// DropHandler is told about accepted jobs that never ran. err is
// ErrQueueTimeout or ErrQueueClosed.
type DropHandler func(job Job, err error)

// QueueSnapshot is a point-in-time view of the queue.
type QueueSnapshot struct {
	QueueSize     int `json:"queue_size"`
	ActiveWorkers int `json:"active_workers"`
	MaxPending    int `json:"max_pending"`
	Workers       int `json:"workers"`
}

// DrainReport summarizes a queue shutdown.
type DrainReport struct {
	Abandoned int `json:"abandoned"`
	Completed int `json:"completed"`
}

type jobState int

const (
	jobWaiting jobState = iota
	jobRunning
	jobExpired
	jobAbandoned
)

// queuedJob is owned by exactly one of the submitter, a worker, the wait
// timer or the drain. Whoever moves it out of jobWaiting owns the outcome.
type queuedJob struct {
	job     Job
	mu      sync.Mutex
	state   jobState
	sent    bool
	expired chan struct{}
	timer   *time.Timer
}

// claim moves a waiting job to running.
func (qj *queuedJob) claim() bool {
	qj.mu.Lock()
	defer qj.mu.Unlock()
	if qj.state != jobWaiting {
		return false
	}
	qj.state = jobRunning
	return true
}

// drop moves a waiting job to a terminal state. notify reports whether the
// submitter was already told the job was accepted.
func (qj *queuedJob) drop(to jobState) (ok, notify bool) {
	qj.mu.Lock()
	defer qj.mu.Unlock()
	if qj.state != jobWaiting {
		return false, false
	}
	qj.state = to
	return true, qj.sent
}

// accept records that Submit reported success. It fails when the job was
// dropped first.
func (qj *queuedJob) accept() (bool, jobState) {
	qj.mu.Lock()
	defer qj.mu.Unlock()
	if qj.state == jobExpired || qj.state == jobAbandoned {
		return false, qj.state
	}
	qj.sent = true
	return true, qj.state
}

// OptimizationQueue runs jobs on a fixed pool of workers fed by a bounded FIFO
// backlog. At most one job per file is queued or running at a time.
type OptimizationQueue struct {
	cfg     QueueConfig
	handler JobHandler
	onDrop  DropHandler
	logger  *slog.Logger

	jobs chan *queuedJob
	quit chan struct{}

	mu       sync.Mutex
	inflight map[uuid.UUID]*queuedJob
	closed   bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	active    atomic.Int64
	completed atomic.Int64
	abandoned atomic.Int64
}

// NewOptimizationQueue starts cfg.MaxConcurrency workers running handler.
// onDrop may be nil.
func NewOptimizationQueue(cfg QueueConfig, handler JobHandler, onDrop DropHandler, logger *slog.Logger) *OptimizationQueue {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	q := &OptimizationQueue{
		cfg:       cfg,
		handler:   handler,
		onDrop:    onDrop,
		logger:    logger.With(slog.String("component", "optimization_queue")),
		jobs:      make(chan *queuedJob, cfg.MaxPending),
		quit:      make(chan struct{}),
		inflight:  make(map[uuid.UUID]*queuedJob),
		runCtx:    runCtx,
		runCancel: cancel,
	}
	for i := 0; i < cfg.MaxConcurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Config returns the effective limits.
func (q *OptimizationQueue) Config() QueueConfig {
	return q.cfg
}

// Submit places job in the backlog. It returns ErrDuplicateJob when the file
// already has a queued or running job, ErrQueueClosed after Shutdown, and
// ErrQueueTimeout when the backlog stays full for WaitTimeout. A nil return
// means the job will either run or be reported to the drop handler.
func (q *OptimizationQueue) Submit(ctx context.Context, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if _, ok := q.inflight[job.FileID]; ok {
		q.mu.Unlock()
		return ErrDuplicateJob
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.EnqueuedAt = time.Now()
	qj := &queuedJob{job: job, expired: make(chan struct{})}
	q.inflight[job.FileID] = qj
	qj.timer = time.AfterFunc(q.cfg.WaitTimeout, func() { q.expire(qj) })
	q.mu.Unlock()
	q.observe()

	select {
	case q.jobs <- qj:
		select {
		case <-q.quit:
			q.dropJob(qj, jobAbandoned)
		default:
		}
		if ok, state := qj.accept(); !ok {
			if state == jobExpired {
				return ErrQueueTimeout
			}
			return ErrQueueClosed
		}
		return nil
	case <-qj.expired:
		return ErrQueueTimeout
	case <-q.quit:
		q.dropJob(qj, jobAbandoned)
		return ErrQueueClosed
	case <-ctx.Done():
		q.dropJob(qj, jobAbandoned)
		return ctx.Err()
	}
}

// Holds reports whether a job for fileID is queued or running.
func (q *OptimizationQueue) Holds(fileID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inflight[fileID]
	return ok
}

// Snapshot reports the current backlog and worker usage.
func (q *OptimizationQueue) Snapshot() QueueSnapshot {
	q.mu.Lock()
	inflight := len(q.inflight)
	q.mu.Unlock()
	active := int(q.active.Load())
	pending := inflight - active
	if pending < 0 {
		pending = 0
	}
	return QueueSnapshot{
		QueueSize:     pending,
		ActiveWorkers: active,
		MaxPending:    q.cfg.MaxPending,
		Workers:       q.cfg.MaxConcurrency,
	}
}

// Shutdown stops accepting jobs, waits for running jobs and abandons the rest.
// When ctx ends first, running jobs are cancelled and awaited before the
// backlog is drained.
func (q *OptimizationQueue) Shutdown(ctx context.Context) (DrainReport, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return q.report(), nil
	}
	q.closed = true
	close(q.quit)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		q.logger.Warn("shutdown deadline reached, cancelling running jobs")
		q.runCancel()
		<-done
		err = ctx.Err()
	}
	q.runCancel()

	for {
		select {
		case qj := <-q.jobs:
			q.dropJob(qj, jobAbandoned)
		default:
			report := q.report()
			q.logger.Info("optimization queue drained",
				slog.Int("abandoned", report.Abandoned),
				slog.Int("completed", report.Completed))
			return report, err
		}
	}
}

func (q *OptimizationQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.quit:
			return
		case qj := <-q.jobs:
			select {
			case <-q.quit:
				q.dropJob(qj, jobAbandoned)
				return
			default:
			}
			if !qj.claim() {
				continue
			}
			q.run(qj)
		}
	}
}

func (q *OptimizationQueue) run(qj *queuedJob) {
	qj.timer.Stop()
	q.active.Add(1)
	q.observe()
	start := time.Now()

	ctx, cancel := context.WithTimeout(q.runCtx, q.cfg.JobTimeout)
	err := q.safeHandle(ctx, qj.job)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	jobDuration.Observe(time.Since(start).Seconds())
	q.completed.Add(1)
	q.active.Add(-1)
	q.release(qj)

	outcome := outcomeDone
	switch {
	case timedOut:
		outcome = outcomeTimeout
	case err != nil:
		outcome = outcomeFailed
	}
	jobsTotal.WithLabelValues(outcome).Inc()
	if err != nil {
		q.logger.Warn("optimization job failed",
			slog.String("job_id", qj.job.ID.String()),
			slog.String("file_id", qj.job.FileID.String()),
			slog.String("outcome", outcome),
			slog.String("error", err.Error()))
	}
}

func (q *OptimizationQueue) safeHandle(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("optimization job panicked: %v", r)
		}
	}()
	return q.handler(ctx, job)
}

// expire fires when a job has waited WaitTimeout without being picked up.
func (q *OptimizationQueue) expire(qj *queuedJob) {
	ok, notify := qj.drop(jobExpired)
	if !ok {
		return
	}
	close(qj.expired)
	q.release(qj)
	jobsTotal.WithLabelValues(outcomeExpired).Inc()
	if notify && q.onDrop != nil {
		q.onDrop(qj.job, ErrQueueTimeout)
	}
}

// dropJob abandons a waiting job. It reports whether this call did so.
// Only jobs whose Submit already returned nil count as abandoned.
func (q *OptimizationQueue) dropJob(qj *queuedJob, to jobState) bool {
	ok, notify := qj.drop(to)
	if !ok {
		return false
	}
	qj.timer.Stop()
	q.release(qj)
	if !notify {
		return true
	}
	q.abandoned.Add(1)
	jobsTotal.WithLabelValues(outcomeAbandoned).Inc()
	if q.onDrop != nil {
		q.onDrop(qj.job, ErrQueueClosed)
	}
	return true
}

// report counts accepted jobs that never ran and jobs that did.
func (q *OptimizationQueue) report() DrainReport {
	return DrainReport{Abandoned: int(q.abandoned.Load()), Completed: int(q.completed.Load())}
}

func (q *OptimizationQueue) release(qj *queuedJob) {
	q.mu.Lock()
	if q.inflight[qj.job.FileID] == qj {
		delete(q.inflight, qj.job.FileID)
	}
	q.mu.Unlock()
	q.observe()
}

func (q *OptimizationQueue) observe() {
	s := q.Snapshot()
	queuePending.Set(float64(s.QueueSize))
	queueActiveWorkers.Set(float64(s.ActiveWorkers))
}
