package service

import (
	"context"
	"fmt"
	"time"

	"backer-import/internal/models"
	"backer-import/internal/store"
	"backer-import/internal/util"

	"go.uber.org/zap"
)

// CompletionResult reports the outcome of one evaluation
type CompletionResult struct {
	Done            bool
	Finalized       bool
	Status          models.UploadStatus
	CompletedChunks int
	FailedChunks    int
}

// CompletionEvaluator derives an upload's terminal status from its chunks
type CompletionEvaluator struct {
	store     *store.Store
	publisher EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewCompletionEvaluator creates a new completion evaluator
func NewCompletionEvaluator(s *store.Store, publisher EventPublisher) *CompletionEvaluator {
	return &CompletionEvaluator{
		store:     s,
		publisher: publisher,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// Evaluate finalizes the upload once every chunk has settled. It is a no-op while
// chunks are outstanding, and repeated calls after finalization change nothing.
func (e *CompletionEvaluator) Evaluate(ctx context.Context, uploadID int64) (*CompletionResult, error) {
	ctx, span := util.StartSpan(ctx, "CompletionEvaluator.Evaluate")
	defer span.End()

	upload, err := e.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load upload %d: %w", uploadID, err)
	}
	if upload.ProcessedChunks < upload.TotalChunks {
		return &CompletionResult{Status: upload.Status}, nil
	}

	counts, err := e.store.ChunkStatusCounts(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	result := &CompletionResult{
		Done:            true,
		Status:          models.StatusCompleted,
		CompletedChunks: counts[models.StatusCompleted],
		FailedChunks:    counts[models.StatusFailed],
	}
	if result.FailedChunks > 0 {
		result.Status = models.StatusFailed
	}

	if upload.Status.IsTerminal() {
		result.Status = upload.Status
		return result, nil
	}

	finalized, err := e.store.FinalizeUpload(ctx, uploadID, result.Status, e.now())
	if err != nil {
		return nil, err
	}
	if !finalized {
		// Another worker got there first.
		current, err := e.store.GetUpload(ctx, uploadID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload upload %d: %w", uploadID, err)
		}
		result.Status = current.Status
		return result, nil
	}
	result.Finalized = true

	util.UploadsFinalizedTotal.WithLabelValues(string(result.Status)).Inc()
	e.logger.Info("Upload finalized",
		zap.Int64("upload_id", uploadID),
		zap.String("status", string(result.Status)),
		zap.Int("completed_chunks", result.CompletedChunks),
		zap.Int("failed_chunks", result.FailedChunks),
	)

	if e.publisher != nil {
		eventType := models.EventTypeUploadCompleted
		if result.Status == models.StatusFailed {
			eventType = models.EventTypeUploadFailed
		}
		err := e.publisher.PublishUploadFinalized(ctx, &models.UploadFinalizedEvent{
			BaseEvent:       models.BaseEvent{EventType: eventType},
			UploadID:        uploadID,
			ProjectID:       upload.ProjectID,
			Status:          result.Status,
			CompletedChunks: result.CompletedChunks,
			FailedChunks:    result.FailedChunks,
		})
		if err != nil {
			e.logger.Error("Failed to publish upload event", zap.Int64("upload_id", uploadID), zap.Error(err))
		}
	}

	return result, nil
}
