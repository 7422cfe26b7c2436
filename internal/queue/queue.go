package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"backer-import/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Queue enqueues jobs onto a named transport
type Queue struct {
	name      string
	transport Transport
	defaults  JobOptions
	logger    *zap.Logger
}

// New creates a queue. defaults apply to jobs added without options.
func New(name string, transport Transport, defaults JobOptions) *Queue {
	return &Queue{
		name:      name,
		transport: transport,
		defaults:  defaults,
		logger:    util.GetLogger(),
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Add enqueues a job and returns once it is stored. The job runs asynchronously.
func (q *Queue) Add(ctx context.Context, jobName string, payload interface{}, opts *JobOptions) (*Job, error) {
	ctx, span := util.StartSpan(ctx, "Queue.Add")
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	options := q.defaults
	if opts != nil {
		options = *opts
	}
	if options.Attempts <= 0 {
		options.Attempts = 1
	}

	job := &Job{
		ID:        uuid.New().String(),
		Name:      jobName,
		Payload:   data,
		Options:   options,
		CreatedAt: time.Now().UTC(),
	}

	if err := q.transport.Push(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", jobName, err)
	}

	q.logger.Debug("Job enqueued",
		zap.String("queue", q.name),
		zap.String("job_id", job.ID),
		zap.String("job_name", jobName),
	)
	return job, nil
}

// Failed returns up to limit of the most recently failed jobs
func (q *Queue) Failed(ctx context.Context, limit int) ([]*Job, error) {
	return q.transport.Failed(ctx, limit)
}

// Counts returns the number of jobs per state
func (q *Queue) Counts(ctx context.Context) (map[string]int64, error) {
	return q.transport.Counts(ctx)
}
