package server

import (
	"context"
	"testing"
	"time"

	"telesync/internal/bootstrap"
	"telesync/internal/config"
	"telesync/internal/jobs/scheduler"
	"telesync/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// watchedJob signals when the scheduler context it runs under is cancelled.
type watchedJob struct {
	stopped chan struct{}
}

func (j *watchedJob) Name() string            { return "watched" }
func (j *watchedJob) Schedule() time.Duration { return time.Hour }

func (j *watchedJob) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		close(j.stopped)
	}()
	return nil
}

func TestShutdown_StopsSchedulerBeforeDrain(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := observability.NewLogger()

	sched := scheduler.New(logger)
	job := &watchedJob{stopped: make(chan struct{})}
	sched.Register(job)

	deps := &bootstrap.Dependencies{Logger: logger, Scheduler: sched}
	srv := New(&config.Config{Server: config.ServerConfig{Port: 0}}, deps, logger)

	ctx := context.Background()
	require.NoError(t, srv.Start(ctx))

	require.NoError(t, srv.shutdown(ctx))

	select {
	case <-job.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler kept running after shutdown")
	}
}
