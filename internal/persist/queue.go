package persist

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/fnexec/internal/metrics"
	"go.uber.org/zap"
)

// Config sizes the queue.
type Config struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

// Queue runs jobs on a fixed set of workers fed by a bounded channel.
type Queue struct {
	writer  *Writer
	cfg     Config
	metrics *metrics.Collector
	logger  *zap.Logger

	jobs   chan *Job
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	// ctx is cancelled when Close gives up waiting, aborting in-flight writes.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue starts cfg.Workers workers writing through w.
func NewQueue(w *Writer, cfg Config, m *metrics.Collector, logger *zap.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		writer:  w,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		jobs:    make(chan *Job, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	logger.Info("persist queue started",
		zap.Int("workers", cfg.Workers), zap.Int("queue_size", cfg.QueueSize))
	return q
}

// Submit enqueues job without blocking.
func (q *Queue) Submit(job *Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- job:
		q.metrics.SetQueueDepth(len(q.jobs))
		return nil
	default:
		q.metrics.RecordPersistJob(job.Kind, "rejected")
		q.logger.Warn("persist queue full, dropping job",
			zap.String("kind", job.Kind),
			zap.String("function", job.FunctionName),
			zap.String("fingerprint", job.Fingerprint))
		return ErrQueueFull
	}
}

// Close stops intake and waits for queued jobs to finish. When ctx ends
// first, in-flight writes are cancelled and ctx.Err() is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		q.logger.Info("persist queue drained")
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		q.logger.Warn("persist queue drain interrupted", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// Pending reports how many jobs are waiting.
func (q *Queue) Pending() int {
	return len(q.jobs)
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.metrics.SetQueueDepth(len(q.jobs))
		q.run(job)
	}
}

func (q *Queue) run(job *Job) {
	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	failed := q.writer.Write(ctx, job)
	status := "ok"
	if failed > 0 {
		status = "failed"
	}
	q.metrics.RecordPersistJob(job.Kind, status)
	q.logger.Debug("persist job done",
		zap.String("kind", job.Kind),
		zap.String("fingerprint", job.Fingerprint),
		zap.Int("failed_steps", failed),
		zap.Duration("duration", time.Since(start)))
}
