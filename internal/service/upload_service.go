package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"backer-import/internal/importer"
	"backer-import/internal/models"
	"backer-import/internal/queue"
	"backer-import/internal/store"
	"backer-import/internal/util"

	"go.uber.org/zap"
)

const idempotencyPending = "pending"

var (
	// ErrProjectNotFound is returned when an upload targets an unknown project
	ErrProjectNotFound = errors.New("project not found")
	// ErrUploadNotFound is returned when polling an unknown upload
	ErrUploadNotFound = errors.New("upload not found")
	// ErrSubmissionInProgress is returned while another request holds the same idempotency key
	ErrSubmissionInProgress = errors.New("submission with this idempotency key is in progress")
)

// ValidationFailure is returned when a submitted CSV fails structural validation
type ValidationFailure struct {
	Message string
	Errors  []*importer.StructuralError
}

func (f *ValidationFailure) Error() string {
	if len(f.Errors) == 0 {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", f.Message, f.Errors[0].Error())
}

// Enqueuer adds jobs to the chunk processing queue
type Enqueuer interface {
	Add(ctx context.Context, jobName string, payload interface{}, opts *queue.JobOptions) (*queue.Job, error)
}

// IdempotencyStore remembers submission results by client-supplied key
type IdempotencyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetIdempotencyKey(ctx context.Context, key string) (string, bool, error)
	DeleteIdempotencyKey(ctx context.Context, key string) error
}

// SubmitResult is the response to an accepted upload
type SubmitResult struct {
	Success   bool            `json:"success"`
	UploadID  int64           `json:"uploadId"`
	TotalRows int             `json:"totalRows"`
	Platform  models.Platform `json:"platform"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

// UploadView is an upload with its rounded progress percentage
type UploadView struct {
	models.Upload
	Progress int `json:"progress"`
}

// UploadService accepts CSV uploads and reports their progress
type UploadService struct {
	store          *store.Store
	queue          Enqueuer
	idempotency    IdempotencyStore
	evaluator      *CompletionEvaluator
	aliases        *importer.AliasTable
	idempotencyTTL time.Duration
	logger         *zap.Logger
}

// NewUploadService creates a new upload service. idempotency may be nil, in which
// case Idempotency-Key headers are ignored.
func NewUploadService(
	s *store.Store,
	q Enqueuer,
	idempotency IdempotencyStore,
	evaluator *CompletionEvaluator,
	aliases *importer.AliasTable,
	idempotencyTTL time.Duration,
) *UploadService {
	if aliases == nil {
		aliases = importer.DefaultAliases()
	}
	return &UploadService{
		store:          s,
		queue:          q,
		idempotency:    idempotency,
		evaluator:      evaluator,
		aliases:        aliases,
		idempotencyTTL: idempotencyTTL,
		logger:         util.GetLogger(),
	}
}

// Submit validates the CSV, persists it as one chunk and enqueues the chunk for processing.
// Row-level work happens asynchronously.
func (s *UploadService) Submit(ctx context.Context, projectID int64, raw, idempotencyKey string) (*SubmitResult, error) {
	ctx, span := util.StartSpan(ctx, "UploadService.Submit")
	defer span.End()

	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	key := ""
	if idempotencyKey != "" && s.idempotency != nil {
		key = fmt.Sprintf("upload:%d:%s", projectID, idempotencyKey)
		existing, err := s.claimKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.logger.Info("Duplicate upload request detected",
				zap.String("idempotency_key", idempotencyKey),
				zap.Int64("upload_id", existing.UploadID))
			return existing, nil
		}
	}

	result, err := s.submit(ctx, projectID, raw)
	if err != nil {
		if key != "" {
			if derr := s.idempotency.DeleteIdempotencyKey(ctx, key); derr != nil {
				s.logger.Warn("Failed to release idempotency key", zap.String("key", key), zap.Error(derr))
			}
		}
		return nil, err
	}

	if key != "" {
		data, err := json.Marshal(result)
		if err == nil {
			err = s.idempotency.SetIdempotencyKey(ctx, key, string(data), s.idempotencyTTL)
		}
		if err != nil {
			s.logger.Warn("Failed to store idempotency result", zap.String("key", key), zap.Error(err))
		}
	}

	return result, nil
}

func (s *UploadService) submit(ctx context.Context, projectID int64, raw string) (*SubmitResult, error) {
	grid := importer.ParseCSV(raw)
	verdict := s.aliases.ValidateChunk(grid)
	if !verdict.Valid {
		util.UploadsRejectedTotal.WithLabelValues(rejectReason(verdict.Errors)).Inc()
		return nil, &ValidationFailure{Message: "CSV validation failed", Errors: verdict.Errors}
	}

	upload := &models.Upload{ProjectID: projectID}
	chunk := &models.Chunk{Data: &models.ChunkData{Headers: grid[0], Rows: grid[1:]}}
	if err := s.store.CreateUpload(ctx, upload, []*models.Chunk{chunk}); err != nil {
		return nil, fmt.Errorf("failed to create upload: %w", err)
	}

	logger := s.logger.With(zap.Int64("upload_id", upload.ID), zap.Int64("project_id", projectID))

	_, err := s.queue.Add(ctx, JobProcessChunk, models.ChunkJob{
		ChunkID:   chunk.ID,
		UploadID:  upload.ID,
		ProjectID: projectID,
	}, nil)
	if err != nil {
		s.abandon(ctx, logger, upload.ID, chunk.ID, err)
		return nil, fmt.Errorf("failed to enqueue chunk: %w", err)
	}

	if err := s.store.UpdateProjectPlatform(ctx, projectID, verdict.Platform); err != nil {
		logger.Warn("Failed to record project platform", zap.Error(err))
	}

	util.UploadsSubmittedTotal.WithLabelValues(string(verdict.Platform)).Inc()
	logger.Info("Upload accepted",
		zap.Int("total_rows", len(grid)-1),
		zap.String("platform", string(verdict.Platform)),
	)

	return &SubmitResult{
		Success:   true,
		UploadID:  upload.ID,
		TotalRows: len(grid) - 1,
		Platform:  verdict.Platform,
	}, nil
}

// claimKey returns the stored result when the key was already used
func (s *UploadService) claimKey(ctx context.Context, key string) (*SubmitResult, error) {
	claimed, err := s.idempotency.ClaimIdempotencyKey(ctx, key, idempotencyPending, s.idempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if claimed {
		return nil, nil
	}

	value, ok, err := s.idempotency.GetIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if !ok || value == idempotencyPending {
		return nil, ErrSubmissionInProgress
	}

	var result SubmitResult
	if err := json.Unmarshal([]byte(value), &result); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency result: %w", err)
	}
	result.Duplicate = true
	return &result, nil
}

// abandon settles a chunk that never reached the queue so its upload can finalize
func (s *UploadService) abandon(ctx context.Context, logger *zap.Logger, uploadID, chunkID int64, cause error) {
	at := time.Now().UTC()
	if _, err := s.store.FailChunk(ctx, chunkID, uploadID, models.ChunkErrors{
		Error:     fmt.Sprintf("failed to enqueue chunk: %v", cause),
		Timestamp: &at,
	}, true); err != nil {
		logger.Error("Failed to mark unqueued chunk as failed", zap.Error(err))
		return
	}
	if s.evaluator != nil {
		if _, err := s.evaluator.Evaluate(ctx, uploadID); err != nil {
			logger.Error("Failed to evaluate upload", zap.Error(err))
		}
	}
}

// Status returns an upload with its progress
func (s *UploadService) Status(ctx context.Context, uploadID int64) (*UploadView, error) {
	ctx, span := util.StartSpan(ctx, "UploadService.Status")
	defer span.End()

	upload, err := s.store.GetUpload(ctx, uploadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUploadNotFound
		}
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	return &UploadView{Upload: *upload, Progress: upload.Progress()}, nil
}

// Chunks lists the chunks of an upload with their status and error payloads
func (s *UploadService) Chunks(ctx context.Context, uploadID int64) ([]models.Chunk, error) {
	ctx, span := util.StartSpan(ctx, "UploadService.Chunks")
	defer span.End()

	if _, err := s.store.GetUpload(ctx, uploadID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUploadNotFound
		}
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	return s.store.ListChunks(ctx, uploadID)
}

func rejectReason(errs []*importer.StructuralError) string {
	if len(errs) == 0 {
		return "unknown"
	}
	switch errs[0].Field {
	case "headers":
		return "missing_columns"
	case "general":
		if errs[0].Line > 0 {
			return "short_row"
		}
		return "empty"
	default:
		return errs[0].Field
	}
}
