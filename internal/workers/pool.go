package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"telesync/internal/observability"
)

// PoolConfig holds configuration for the dispatch worker pool.
type PoolConfig struct {
	// NumWorkers is the number of concurrent workers to run.
	NumWorkers int

	// QueueSize is the size of the task queue buffer. Submit blocks when
	// the queue is full.
	QueueSize int

	// DrainTimeout bounds how long Drain waits for in-flight tasks.
	DrainTimeout time.Duration

	// OnResult is called after each task finishes (optional).
	OnResult ResultCallback
}

// DefaultPoolConfig returns sensible defaults for a dispatch pool.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		NumWorkers:   5,
		QueueSize:    200,
		DrainTimeout: 30 * time.Second,
	}
}

type pool struct {
	config    PoolConfig
	processor TaskProcessor
	logger    *observability.Logger

	taskChan chan Task
	wg       sync.WaitGroup

	mu       sync.Mutex
	started  bool
	draining bool
	stopped  bool
	cancelFn context.CancelFunc
}

// NewPool creates a worker pool draining tasks into the given processor.
func NewPool(config PoolConfig, processor TaskProcessor, logger *observability.Logger) WorkerPool {
	defaults := DefaultPoolConfig()
	if config.NumWorkers <= 0 {
		config.NumWorkers = defaults.NumWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaults.DrainTimeout
	}

	return &pool{
		config:    config,
		processor: processor,
		logger:    logger,
		taskChan:  make(chan Task, config.QueueSize),
	}
}

// Start launches the worker goroutines.
func (p *pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	if p.stopped {
		return fmt.Errorf("worker pool already stopped")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancelFn = cancel
	p.started = true

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(workerCtx, i)
	}

	p.logger.Info(ctx, fmt.Sprintf("Started %d workers for %s processor",
		p.config.NumWorkers, p.processor.Name()))

	return nil
}

// Submit queues a task for processing.
func (p *pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("worker pool not started")
	}
	if p.draining || p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("worker pool is shutting down")
	}
	p.mu.Unlock()

	select {
	case p.taskChan <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain stops accepting new tasks and waits for queued ones to finish.
func (p *pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("worker pool not started")
	}
	if p.draining {
		p.mu.Unlock()
		return fmt.Errorf("worker pool already draining")
	}
	p.draining = true
	p.mu.Unlock()

	p.logger.Info(ctx, fmt.Sprintf("Draining %s pool, %d tasks queued",
		p.processor.Name(), len(p.taskChan)))

	close(p.taskChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	drainCtx, cancel := context.WithTimeout(ctx, p.config.DrainTimeout)
	defer cancel()

	select {
	case <-done:
		return nil
	case <-drainCtx.Done():
		p.logger.Warn(ctx, fmt.Sprintf("Drain timeout exceeded for %s pool, forcing shutdown",
			p.processor.Name()))
		p.Stop()
		return fmt.Errorf("drain timeout exceeded")
	}
}

// Stop cancels all workers immediately.
func (p *pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.stopped = true

	if p.cancelFn != nil {
		p.cancelFn()
	}

	if !p.draining {
		close(p.taskChan)
	}
}

func (p *pool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()

	workerCtx := observability.WithFields(ctx,
		observability.Field{Key: "worker_id", Value: workerID},
		observability.Field{Key: "processor", Value: p.processor.Name()},
	)

	for {
		select {
		case <-ctx.Done():
			return

		case task, ok := <-p.taskChan:
			if !ok {
				return
			}

			taskCtx := observability.WithFields(workerCtx,
				observability.Field{Key: "task_id", Value: task.ID},
				observability.Field{Key: "task_kind", Value: task.Kind},
				observability.Field{Key: "integration_id", Value: task.IntegrationID},
			)

			err := p.processor.Process(taskCtx, task)
			if err != nil {
				p.logger.Error(taskCtx, fmt.Sprintf("Worker %d failed to process task", workerID), err)
			}

			if p.config.OnResult != nil {
				p.config.OnResult(TaskResult{Task: task, Error: err})
			}
		}
	}
}
