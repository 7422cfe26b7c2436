package models

import "time"

// Event types
const (
	EventTypeChunkCompleted  = "CHUNK_COMPLETED"
	EventTypeChunkFailed     = "CHUNK_FAILED"
	EventTypeUploadCompleted = "UPLOAD_COMPLETED"
	EventTypeUploadFailed    = "UPLOAD_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// ChunkSettledEvent is published after every chunk attempt settles
type ChunkSettledEvent struct {
	BaseEvent
	ChunkID       int64  `json:"chunk_id"`
	UploadID      int64  `json:"upload_id"`
	ProjectID     int64  `json:"project_id"`
	ProcessedRows int    `json:"processed_rows"`
	RejectedRows  int    `json:"rejected_rows"`
	Attempt       int    `json:"attempt"`
	Error         string `json:"error,omitempty"`
}

// UploadFinalizedEvent is published once when an upload reaches a terminal status
type UploadFinalizedEvent struct {
	BaseEvent
	UploadID        int64        `json:"upload_id"`
	ProjectID       int64        `json:"project_id"`
	Status          UploadStatus `json:"status"`
	CompletedChunks int          `json:"completed_chunks"`
	FailedChunks    int          `json:"failed_chunks"`
}
