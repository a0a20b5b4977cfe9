// Package worker provides the background sync machinery: a bounded worker
// pool and the auto-sync scheduler that feeds it.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/provider-sync/internal/logging"
)

// Job is a unit of background work
type Job interface {
	// Execute runs the job. The context carries the pool's lifetime and a
	// per-job timeout.
	Execute(ctx context.Context) error

	// Description identifies the job in logs
	Description() string
}

// Pool manages a fixed set of workers draining a bounded job queue.
// Submission is non-blocking: a full queue drops the job with an error so
// callers see backpressure instead of silently stacking work.
type Pool struct {
	workerCount int
	jobTimeout  time.Duration
	jobs        chan Job
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	// guards jobs against send-after-close during shutdown
	mu     sync.RWMutex
	closed bool
}

// NewPool creates a worker pool. Jobs run with jobTimeout as their deadline.
func NewPool(workerCount, queueSize int, jobTimeout time.Duration) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		workerCount: workerCount,
		jobTimeout:  jobTimeout,
		jobs:        make(chan Job, queueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the worker goroutines
func (p *Pool) Start() {
	logging.GetGlobalLogger().WithField("workers", p.workerCount).Info("starting worker pool")

	for i := 1; i <= p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.process(id, job)
		}
	}
}

func (p *Pool) process(workerID int, job Job) {
	logger := logging.GetGlobalLogger().WithFields(map[string]interface{}{
		"worker": workerID,
		"job":    job.Description(),
	})

	ctx, cancel := context.WithTimeout(p.ctx, p.jobTimeout)
	defer cancel()
	ctx = logging.WithLogger(ctx, logger)

	start := time.Now()
	if err := job.Execute(ctx); err != nil {
		logger.WithError(err).WithField("duration", time.Since(start).String()).
			Error("job failed")
		return
	}

	logger.WithField("duration", time.Since(start).String()).Debug("job completed")
}

// Submit queues a job. Returns an error when the pool is shut down or the
// queue is full; the job is dropped in both cases.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return fmt.Errorf("worker pool is shut down, dropping %s", job.Description())
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return fmt.Errorf("job queue full, dropping %s", job.Description())
	}
}

// Shutdown stops accepting jobs, waits for in-flight jobs up to the timeout,
// then cancels whatever is still running.
func (p *Pool) Shutdown(timeout time.Duration) {
	logger := logging.GetGlobalLogger()
	logger.Info("worker pool shutting down")

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("worker pool drained")
	case <-time.After(timeout):
		logger.Warn("worker pool shutdown timeout reached, cancelling in-flight jobs")
	}

	p.cancel()
}
