package queue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"backer-import/internal/util"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Handler processes one job. A returned error (or panic) fails the attempt.
type Handler func(ctx context.Context, job *Job) error

// WorkerOptions bounds how fast and how many jobs run at once
type WorkerOptions struct {
	Concurrency int
	// At most RateLimit job starts per RatePeriod.
	RateLimit  int64
	RatePeriod time.Duration
	// A claimed job's lease; it is renewed while the handler runs.
	LockDuration        time.Duration
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	// Random extra delay added to retry backoff.
	Jitter time.Duration
}

func (o *WorkerOptions) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 10
	}
	if o.RatePeriod <= 0 {
		o.RatePeriod = time.Second
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = time.Second
	}
}

// Worker claims jobs from a queue and runs them with bounded concurrency and a
// start rate limit. Failed attempts are retried with backoff until attempts run out.
type Worker struct {
	queue   *Queue
	handler Handler
	opts    WorkerOptions

	sem     *semaphore.Weighted
	limiter *limiter.Limiter

	randMu sync.Mutex
	rand   *rand.Rand

	wg     sync.WaitGroup
	logger *zap.Logger
	now    func() time.Time
}

// NewWorker creates a worker running handler for every job of q
func NewWorker(q *Queue, handler Handler, opts WorkerOptions) *Worker {
	opts.setDefaults()

	rate := limiter.Rate{Period: opts.RatePeriod, Limit: opts.RateLimit}

	return &Worker{
		queue:   q,
		handler: handler,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
		limiter: limiter.New(memory.NewStore(), rate),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec
		logger:  util.GetLogger(),
		now:     time.Now,
	}
}

// Run processes jobs until ctx is cancelled, then waits for in-flight jobs to finish
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Starting queue worker",
		zap.String("queue", w.queue.name),
		zap.Int("concurrency", w.opts.Concurrency),
		zap.Int64("rate_limit", w.opts.RateLimit),
		zap.Duration("rate_period", w.opts.RatePeriod),
	)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.maintain(ctx)
	}()
	defer w.wg.Wait()

	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			w.logger.Info("Stopping queue worker", zap.String("queue", w.queue.name))
			return nil
		}

		job, err := w.next(ctx)
		if job == nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				continue
			}
			if err != nil {
				w.logger.Warn("Failed to claim job", zap.String("queue", w.queue.name), zap.Error(err))
			}
			sleep(ctx, w.opts.PollInterval)
			continue
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.process(context.WithoutCancel(ctx), job)
		}()
	}
}

// next claims a job if the rate limit allows another start
func (w *Worker) next(ctx context.Context) (*Job, error) {
	lctx, err := w.limiter.Peek(ctx, w.queue.name)
	if err != nil {
		return nil, fmt.Errorf("failed to check rate limit: %w", err)
	}
	if lctx.Reached || lctx.Remaining <= 0 {
		wait := time.Until(time.Unix(lctx.Reset, 0))
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		sleep(ctx, wait)
		return nil, nil
	}

	job, err := w.queue.transport.Claim(ctx, w.opts.LockDuration)
	if err != nil || job == nil {
		return nil, err
	}

	if _, err := w.limiter.Get(ctx, w.queue.name); err != nil {
		w.logger.Warn("Failed to record job start", zap.Error(err))
	}
	return job, nil
}

func (w *Worker) process(ctx context.Context, job *Job) {
	ctx, span := util.StartSpan(ctx, "Worker.process")
	defer span.End()

	started := w.now().UTC()
	job.ProcessedAt = &started

	logger := w.logger.With(
		zap.String("queue", w.queue.name),
		zap.String("job_id", job.ID),
		zap.String("job_name", job.Name),
		zap.Int("attempt", job.Attempt()),
	)

	stopHeartbeat := w.heartbeat(ctx, job, logger)
	err := w.safeHandle(ctx, job)
	stopHeartbeat()

	finished := w.now().UTC()
	job.FinishedAt = &finished

	if err == nil {
		if cerr := w.queue.transport.Complete(ctx, job); cerr != nil {
			logger.Error("Failed to complete job", zap.Error(cerr))
		}
		util.QueueJobsTotal.WithLabelValues(w.queue.name, "completed").Inc()
		logger.Debug("Job completed", zap.Duration("duration", finished.Sub(started)))
		return
	}

	job.AttemptsMade++
	job.LastError = truncateError(err, maxErrorBytes)

	if job.AttemptsMade < job.Options.Attempts && !IsUnrecoverable(err) {
		delay := job.Options.BackoffDelay(job.AttemptsMade) + w.jitter()
		if rerr := w.queue.transport.Retry(ctx, job, finished.Add(delay)); rerr != nil {
			logger.Error("Failed to schedule job retry", zap.Error(rerr))
		}
		util.QueueJobsTotal.WithLabelValues(w.queue.name, "retried").Inc()
		logger.Warn("Job failed, retrying", zap.Duration("backoff", delay), zap.Error(err))
		return
	}

	if ferr := w.queue.transport.Fail(ctx, job); ferr != nil {
		logger.Error("Failed to move job to failed set", zap.Error(ferr))
	}
	util.QueueJobsTotal.WithLabelValues(w.queue.name, "failed").Inc()
	logger.Error("Job failed, attempts exhausted", zap.Error(err))
}

func (w *Worker) safeHandle(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

// heartbeat renews the job lease until the returned func is called
func (w *Worker) heartbeat(ctx context.Context, job *Job, logger *zap.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(w.opts.LockDuration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := w.queue.transport.Extend(ctx, job, w.opts.LockDuration); err != nil {
					logger.Warn("Failed to extend job lease", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (w *Worker) maintain(ctx context.Context) {
	ticker := time.NewTicker(w.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		w.maintainOnce(ctx)
	}
}

func (w *Worker) maintainOnce(ctx context.Context) {
	now := w.now()
	transport := w.queue.transport

	stalled, err := transport.Maintain(ctx, now)
	if err != nil {
		w.logger.Warn("Queue maintenance failed", zap.String("queue", w.queue.name), zap.Error(err))
	}
	if stalled > 0 {
		util.QueueJobsTotal.WithLabelValues(w.queue.name, "stalled").Add(float64(stalled))
		w.logger.Warn("Recovered stalled jobs", zap.String("queue", w.queue.name), zap.Int("count", stalled))
	}

	if removed, err := transport.Clean(ctx, now); err != nil {
		w.logger.Warn("Failed to clean expired jobs", zap.String("queue", w.queue.name), zap.Error(err))
	} else if removed > 0 {
		w.logger.Info("Removed expired jobs", zap.String("queue", w.queue.name), zap.Int("count", removed))
	}

	counts, err := transport.Counts(ctx)
	if err != nil {
		return
	}
	for state, n := range counts {
		util.QueueDepth.WithLabelValues(w.queue.name, state).Set(float64(n))
	}
}

func (w *Worker) jitter() time.Duration {
	w.randMu.Lock()
	defer w.randMu.Unlock()
	return jitter(w.rand, w.opts.Jitter)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
