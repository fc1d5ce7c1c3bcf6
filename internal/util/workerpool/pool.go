package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is one unit of work run by a worker
type Job struct {
	ID string
	Fn func(context.Context) error
	// Context is passed to Fn; a nil Context becomes context.Background()
	Context context.Context
}

// WorkerPool runs jobs on a fixed number of goroutines
type WorkerPool struct {
	name          string
	maxWorkers    int
	queueSize     int
	jobs          chan Job
	logger        *zap.Logger
	wg            sync.WaitGroup
	stopOnce      sync.Once
	stopChan      chan struct{}
	// submitMu orders every accepted enqueue before the close of stopChan
	submitMu      sync.RWMutex
	stopped       bool
	activeWorkers int32
	submitted     uint64
	completed     uint64
	failed        uint64
	rejected      uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// NewWorkerPool creates a pool and starts its workers
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.MaxWorkers * 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		jobs:       make(chan Job, cfg.QueueSize),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", pool.maxWorkers),
		zap.Int("queue_size", pool.queueSize))

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			// Drain what was accepted before Stop so callers waiting on jobs are released.
			for {
				select {
				case job := <-p.jobs:
					p.run(id, job)
				default:
					return
				}
			}
		case job := <-p.jobs:
			p.run(id, job)
		}
	}
}

func (p *WorkerPool) run(workerID int, job Job) {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)

	start := time.Now()
	err := p.safeRun(job)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Error("Job failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
		return
	}

	atomic.AddUint64(&p.completed, 1)
	p.logger.Debug("Job completed",
		zap.String("pool", p.name),
		zap.Int("worker_id", workerID),
		zap.String("job_id", job.ID),
		zap.Duration("duration", duration))
}

func (p *WorkerPool) safeRun(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	ctx := job.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return job.Fn(ctx)
}

// Submit queues a job, blocking until there is room, the context is done or
// the pool is stopped. A job it accepts always runs, even if Stop follows.
func (p *WorkerPool) Submit(ctx context.Context, job Job) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if p.stopped {
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	}

	// Workers keep consuming until stopChan closes, so a full queue drains.
	select {
	case <-ctx.Done():
		atomic.AddUint64(&p.rejected, 1)
		return ctx.Err()
	case p.jobs <- job:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	}
}

// Stop stops accepting jobs and waits for queued and running jobs to finish
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))
		p.submitMu.Lock()
		p.stopped = true
		close(p.stopChan)
		p.submitMu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns current pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:          p.name,
		MaxWorkers:    p.maxWorkers,
		ActiveWorkers: int(atomic.LoadInt32(&p.activeWorkers)),
		QueuedJobs:    len(p.jobs),
		Submitted:     atomic.LoadUint64(&p.submitted),
		Completed:     atomic.LoadUint64(&p.completed),
		Failed:        atomic.LoadUint64(&p.failed),
		Rejected:      atomic.LoadUint64(&p.rejected),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name          string `json:"name"`
	MaxWorkers    int    `json:"max_workers"`
	ActiveWorkers int    `json:"active_workers"`
	QueuedJobs    int    `json:"queued_jobs"`
	Submitted     uint64 `json:"submitted"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	Rejected      uint64 `json:"rejected"`
}
