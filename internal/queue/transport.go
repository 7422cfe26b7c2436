package queue

import (
	"context"
	"time"
)

// Job states
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateFailed    = "failed"
	StateCompleted = "completed"
)

// Transport stores jobs and moves them between states. Every move is atomic.
type Transport interface {
	// Push stores a new job as waiting, or delayed when Options.Delay is set.
	Push(ctx context.Context, job *Job) error
	// Claim moves the next waiting job to active under a lease. It returns nil when nothing waits.
	Claim(ctx context.Context, lease time.Duration) (*Job, error)
	// Extend renews the lease of an active job.
	Extend(ctx context.Context, job *Job, lease time.Duration) error
	Complete(ctx context.Context, job *Job) error
	// Retry stores the job state and delays it until at.
	Retry(ctx context.Context, job *Job, at time.Time) error
	Fail(ctx context.Context, job *Job) error
	// Maintain promotes due delayed jobs and returns expired leases to waiting.
	// It returns the number of stalled jobs recovered.
	Maintain(ctx context.Context, now time.Time) (int, error)
	// Failed lists the most recently failed jobs.
	Failed(ctx context.Context, limit int) ([]*Job, error)
	Counts(ctx context.Context) (map[string]int64, error)
	// Clean drops failed and kept completed jobs whose retention ended before now.
	Clean(ctx context.Context, now time.Time) (int, error)
}
