package workers

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Task kinds handled by the dispatch pool.
const (
	TaskKindDeliveryLog   = "delivery.log"
	TaskKindEventCreated  = "event.created"
	TaskKindStatusRefresh = "status.refresh"
)

// Task is one unit of deferred work queued off the ingestion hot path.
type Task struct {
	ID            uuid.UUID
	Kind          string
	IntegrationID uuid.UUID
	EventID       uuid.UUID
	Provider      string
	Payload       map[string]interface{}
	EnqueuedAt    time.Time
}

// TaskResult reports the outcome of one processed task.
type TaskResult struct {
	Task  Task
	Error error
}

// ResultCallback observes task outcomes, typically for failure accounting.
type ResultCallback func(result TaskResult)

// TaskProcessor handles tasks pulled from the pool. Implementations must be
// idempotent: a task may be re-submitted after a crash.
type TaskProcessor interface {
	// Process handles a single task. An error marks the task failed; the
	// pool does not retry on its own.
	Process(ctx context.Context, task Task) error

	// Name identifies the processor in logs.
	Name() string
}

// WorkerPool manages a bounded set of goroutines draining the task queue.
type WorkerPool interface {
	// Start launches the workers. Returns an error if already started.
	Start(ctx context.Context) error

	// Submit queues a task, blocking while the queue is full.
	Submit(ctx context.Context, task Task) error

	// Drain stops intake and waits for queued tasks to finish, bounded by
	// the configured drain timeout.
	Drain(ctx context.Context) error

	// Stop cancels all workers immediately.
	Stop()
}
