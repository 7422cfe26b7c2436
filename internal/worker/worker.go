package worker

import (
	"context"
	"fmt"
	"sync"

	"backer-import/internal/models"
	"backer-import/internal/queue"
	"backer-import/internal/service"
	"backer-import/internal/util"

	"go.uber.org/zap"
)

// ChunkProcessor runs one delivery of a chunk job
type ChunkProcessor interface {
	Process(ctx context.Context, job models.ChunkJob, attempt int, final bool) (*service.ChunkResult, error)
}

// UploadEvaluator finalizes an upload once all of its chunks settled
type UploadEvaluator interface {
	Evaluate(ctx context.Context, uploadID int64) (*service.CompletionResult, error)
}

// ChunkWorker consumes process-chunk jobs from the csv-processing queue
type ChunkWorker struct {
	worker    *queue.Worker
	processor ChunkProcessor
	evaluator UploadEvaluator
	logger    *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewChunkWorker creates a new chunk worker
func NewChunkWorker(
	q *queue.Queue,
	processor ChunkProcessor,
	evaluator UploadEvaluator,
	opts queue.WorkerOptions,
) *ChunkWorker {
	w := &ChunkWorker{
		processor: processor,
		evaluator: evaluator,
		logger:    util.GetLogger(),
		stop:      make(chan struct{}),
	}
	w.worker = queue.NewWorker(q, w.handle, opts)
	return w
}

// Start runs the worker until ctx is cancelled or Stop is called.
// It returns after in-flight jobs have finished.
func (w *ChunkWorker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.logger.Info("Starting chunk worker...")
	return w.worker.Run(ctx)
}

// Stop stops the worker
func (w *ChunkWorker) Stop() {
	w.logger.Info("Stopping chunk worker...")

	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *ChunkWorker) handle(ctx context.Context, job *queue.Job) error {
	if job.Name != service.JobProcessChunk {
		return queue.Unrecoverable(fmt.Errorf("unknown job name %q", job.Name))
	}

	var payload models.ChunkJob
	if err := job.Decode(&payload); err != nil {
		return queue.Unrecoverable(fmt.Errorf("failed to decode chunk job: %w", err))
	}

	_, err := w.processor.Process(ctx, payload, job.Attempt(), job.IsFinalAttempt())

	// Every settlement may be the last one of its upload.
	if _, eerr := w.evaluator.Evaluate(ctx, payload.UploadID); eerr != nil {
		w.logger.Error("Failed to evaluate upload completion",
			zap.Int64("upload_id", payload.UploadID),
			zap.Error(eerr),
		)
	}

	return err
}
