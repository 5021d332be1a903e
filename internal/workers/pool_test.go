package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"telesync/internal/observability"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProcessor struct {
	mu        sync.Mutex
	processed []Task
	delay     time.Duration
	failKind  string
}

func (c *countingProcessor) Process(_ context.Context, task Task) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failKind != "" && task.Kind == c.failKind {
		return errors.New("processor rejected task")
	}
	c.processed = append(c.processed, task)
	return nil
}

func (c *countingProcessor) Name() string { return "counting" }

func (c *countingProcessor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.processed)
}

func newTask(kind string) Task {
	return Task{
		ID:            uuid.New(),
		Kind:          kind,
		IntegrationID: uuid.New(),
		EnqueuedAt:    time.Now().UTC(),
	}
}

func TestPool_ProcessesAllSubmittedTasks(t *testing.T) {
	proc := &countingProcessor{}
	p := NewPool(PoolConfig{NumWorkers: 4, QueueSize: 16}, proc, observability.NewLogger())
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(ctx, newTask(TaskKindDeliveryLog)))
	}
	require.NoError(t, p.Drain(ctx))

	assert.Equal(t, 50, proc.count())
}

func TestPool_SubmitBeforeStartFails(t *testing.T) {
	p := NewPool(PoolConfig{}, &countingProcessor{}, observability.NewLogger())
	err := p.Submit(context.Background(), newTask(TaskKindEventCreated))
	require.Error(t, err)
}

func TestPool_SubmitAfterDrainFails(t *testing.T) {
	proc := &countingProcessor{}
	p := NewPool(PoolConfig{NumWorkers: 1}, proc, observability.NewLogger())
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Drain(ctx))

	err := p.Submit(ctx, newTask(TaskKindEventCreated))
	require.Error(t, err)
}

func TestPool_DoubleStartFails(t *testing.T) {
	p := NewPool(PoolConfig{NumWorkers: 1}, &countingProcessor{}, observability.NewLogger())
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()
	require.Error(t, p.Start(ctx))
}

func TestPool_OnResultSeesFailures(t *testing.T) {
	proc := &countingProcessor{failKind: TaskKindStatusRefresh}
	var failures int64
	cfg := PoolConfig{
		NumWorkers: 2,
		OnResult: func(result TaskResult) {
			if result.Error != nil {
				atomic.AddInt64(&failures, 1)
			}
		},
	}
	p := NewPool(cfg, proc, observability.NewLogger())
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(ctx, newTask(TaskKindStatusRefresh)))
		require.NoError(t, p.Submit(ctx, newTask(TaskKindDeliveryLog)))
	}
	require.NoError(t, p.Drain(ctx))

	assert.Equal(t, int64(5), atomic.LoadInt64(&failures))
	assert.Equal(t, 5, proc.count())
}

func TestPool_DrainTimeoutForcesStop(t *testing.T) {
	proc := &countingProcessor{delay: 500 * time.Millisecond}
	p := NewPool(PoolConfig{NumWorkers: 1, QueueSize: 10, DrainTimeout: 50 * time.Millisecond}, proc, observability.NewLogger())
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(ctx, newTask(TaskKindDeliveryLog)))
	}

	err := p.Drain(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain timeout")
}
