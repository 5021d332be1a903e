package poller

import (
	"context"
	"time"
)

// Job adapts the reconciler to the background scheduler.
type Job struct {
	reconciler *Reconciler
	interval   time.Duration
}

// NewJob wraps a reconciler as a scheduled job running every interval.
func NewJob(reconciler *Reconciler, interval time.Duration) *Job {
	return &Job{reconciler: reconciler, interval: interval}
}

func (j *Job) Name() string {
	return "poll-reconciler"
}

func (j *Job) Schedule() time.Duration {
	return j.interval
}

func (j *Job) Run(ctx context.Context) error {
	return j.reconciler.RunSweep(ctx)
}
