package broker

import (
	"context"
	"fmt"
	"time"

	"backer-import/internal/models"

	"github.com/google/uuid"
)

// EventPublisher publishes upload lifecycle events. Events of one upload share a key.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishChunkSettled publishes CHUNK_COMPLETED or CHUNK_FAILED
func (ep *EventPublisher) PublishChunkSettled(ctx context.Context, event *models.ChunkSettledEvent) error {
	stamp(&event.BaseEvent)
	return ep.producer.PublishEvent(ctx, uploadKey(event.UploadID), event)
}

// PublishUploadFinalized publishes UPLOAD_COMPLETED or UPLOAD_FAILED
func (ep *EventPublisher) PublishUploadFinalized(ctx context.Context, event *models.UploadFinalizedEvent) error {
	stamp(&event.BaseEvent)
	return ep.producer.PublishEvent(ctx, uploadKey(event.UploadID), event)
}

// NopPublisher drops every event. Used when Kafka is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishChunkSettled(context.Context, *models.ChunkSettledEvent) error {
	return nil
}

func (NopPublisher) PublishUploadFinalized(context.Context, *models.UploadFinalizedEvent) error {
	return nil
}

func stamp(e *models.BaseEvent) {
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

func uploadKey(uploadID int64) string {
	return fmt.Sprintf("upload-%d", uploadID)
}
