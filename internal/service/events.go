package service

import (
	"context"

	"backer-import/internal/models"
)

// Queue and job names used for chunk processing
const (
	QueueCSVProcessing = "csv-processing"
	JobProcessChunk    = "process-chunk"
)

// EventPublisher publishes upload lifecycle events
type EventPublisher interface {
	PublishChunkSettled(ctx context.Context, event *models.ChunkSettledEvent) error
	PublishUploadFinalized(ctx context.Context, event *models.UploadFinalizedEvent) error
}
