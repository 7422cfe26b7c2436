package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"backer-import/internal/importer"
	"backer-import/internal/models"
	"backer-import/internal/queue"
	"backer-import/internal/store"
	"backer-import/internal/util"

	"go.uber.org/zap"
)

// ChunkResult summarizes one processing attempt of a chunk
type ChunkResult struct {
	Processed        int
	Rejected         int
	Skipped          bool
	ValidationErrors []string
}

// ChunkProcessor runs the parse, validate and persist pipeline for one chunk
type ChunkProcessor struct {
	store     *store.Store
	ingestor  *Ingestor
	aliases   *importer.AliasTable
	validator *importer.RowValidator
	publisher EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewChunkProcessor creates a new chunk processor
func NewChunkProcessor(s *store.Store, aliases *importer.AliasTable, publisher EventPublisher) *ChunkProcessor {
	if aliases == nil {
		aliases = importer.DefaultAliases()
	}
	return &ChunkProcessor{
		store:     s,
		ingestor:  NewIngestor(s),
		aliases:   aliases,
		validator: importer.NewRowValidator(),
		publisher: publisher,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// Process handles one delivery of a chunk job. A chunk that is already COMPLETED, or
// whose upload is finalized, is skipped. On failure the chunk is marked FAILED and the
// error is returned; it counts toward the upload only when final is set or the error
// cannot succeed on retry.
func (p *ChunkProcessor) Process(ctx context.Context, job models.ChunkJob, attempt int, final bool) (*ChunkResult, error) {
	ctx, span := util.StartSpan(ctx, "ChunkProcessor.Process")
	defer span.End()

	logger := p.logger.With(
		zap.Int64("chunk_id", job.ChunkID),
		zap.Int64("upload_id", job.UploadID),
		zap.Int("attempt", attempt),
	)

	started, err := p.store.StartChunk(ctx, job.ChunkID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, queue.Unrecoverable(fmt.Errorf("chunk %d not found: %w", job.ChunkID, err))
		}
		return nil, fmt.Errorf("failed to start chunk: %w", err)
	}
	if !started {
		logger.Info("Chunk already settled, skipping")
		return &ChunkResult{Skipped: true}, nil
	}

	start := time.Now()
	result, err := p.safeRun(ctx, job)
	util.ChunkProcessingLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		if isPermanent(err) {
			err = queue.Unrecoverable(err)
		}
		return nil, p.fail(ctx, logger, job, attempt, final || queue.IsUnrecoverable(err), err)
	}

	var chunkErrors *models.ChunkErrors
	if len(result.ValidationErrors) > 0 {
		chunkErrors = &models.ChunkErrors{ValidationErrors: result.ValidationErrors}
	}
	if _, err := p.store.CompleteChunk(ctx, job.ChunkID, job.UploadID, chunkErrors); err != nil {
		return nil, fmt.Errorf("failed to complete chunk: %w", err)
	}

	util.ChunksProcessedTotal.WithLabelValues(string(models.StatusCompleted)).Inc()
	util.RowsPersistedTotal.Add(float64(result.Processed))
	util.RowsRejectedTotal.Add(float64(result.Rejected))

	logger.Info("Chunk processed",
		zap.Int("processed_rows", result.Processed),
		zap.Int("rejected_rows", result.Rejected),
	)

	p.publish(ctx, logger, &models.ChunkSettledEvent{
		BaseEvent:     models.BaseEvent{EventType: models.EventTypeChunkCompleted},
		ChunkID:       job.ChunkID,
		UploadID:      job.UploadID,
		ProjectID:     job.ProjectID,
		ProcessedRows: result.Processed,
		RejectedRows:  result.Rejected,
		Attempt:       attempt,
	})

	return result, nil
}

func (p *ChunkProcessor) safeRun(ctx context.Context, job models.ChunkJob) (result *ChunkResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chunk processing panicked: %v", r)
		}
	}()
	return p.run(ctx, job)
}

func (p *ChunkProcessor) run(ctx context.Context, job models.ChunkJob) (*ChunkResult, error) {
	chunk, err := p.store.GetChunk(ctx, job.ChunkID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunk: %w", err)
	}
	if chunk.Data == nil || len(chunk.Data.Headers) == 0 {
		return nil, &importer.StructuralError{Field: "general", Message: "Chunk has no header row"}
	}

	project, err := p.store.GetProject(ctx, job.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load project %d: %w", job.ProjectID, err)
	}

	headers := chunk.Data.Headers
	platform := p.aliases.DetectPlatform(headers)
	cols := p.aliases.MapColumns(headers)
	if missing := cols.Missing(importer.RequiredFields); len(missing) > 0 {
		return nil, &importer.StructuralError{
			Field:   "headers",
			Message: "Missing required columns: " + strings.Join(missing, ", "),
			Missing: missing,
		}
	}

	rows := importer.TransformRows(chunk.Data.Rows, cols)
	valid, rejected, err := p.validator.Filter(rows)
	if err != nil {
		return nil, err
	}

	for _, rerr := range rejected {
		p.logger.Debug("Row rejected", zap.Int64("chunk_id", job.ChunkID), zap.String("reason", rerr.Error()))
	}

	persisted, err := p.ingestor.Ingest(ctx, IngestBatch{
		ProjectID: project.ID,
		Shop:      project.Shop,
		Platform:  platform,
		Rows:      valid,
	})
	if err != nil {
		return nil, err
	}

	return &ChunkResult{
		Processed:        persisted,
		Rejected:         len(rejected),
		ValidationErrors: importer.Messages(rejected),
	}, nil
}

func (p *ChunkProcessor) fail(ctx context.Context, logger *zap.Logger, job models.ChunkJob, attempt int, settle bool, cause error) error {
	at := p.now().UTC()
	_, err := p.store.FailChunk(ctx, job.ChunkID, job.UploadID, models.ChunkErrors{
		Error:     cause.Error(),
		Timestamp: &at,
	}, settle)
	if err != nil {
		logger.Error("Failed to mark chunk as failed", zap.Error(err))
	}

	util.ChunksProcessedTotal.WithLabelValues(string(models.StatusFailed)).Inc()
	logger.Error("Chunk processing failed", zap.Bool("settled", settle), zap.Error(cause))

	p.publish(ctx, logger, &models.ChunkSettledEvent{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeChunkFailed},
		ChunkID:   job.ChunkID,
		UploadID:  job.UploadID,
		ProjectID: job.ProjectID,
		Attempt:   attempt,
		Error:     cause.Error(),
	})

	return cause
}

func (p *ChunkProcessor) publish(ctx context.Context, logger *zap.Logger, event *models.ChunkSettledEvent) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishChunkSettled(ctx, event); err != nil {
		logger.Error("Failed to publish chunk event", zap.String("event_type", event.EventType), zap.Error(err))
	}
}

// isPermanent reports errors that a retry of the same chunk data cannot fix
func isPermanent(err error) bool {
	var structural *importer.StructuralError
	var allInvalid *importer.AllRowsInvalidError
	return errors.As(err, &structural) || errors.As(err, &allInvalid) || errors.Is(err, store.ErrNotFound)
}
