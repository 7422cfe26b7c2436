package store

import (
	"context"
	"fmt"
	"time"

	"backer-import/internal/models"
)

// CreateUpload inserts an upload and its chunks in one transaction
func (s *Store) CreateUpload(ctx context.Context, upload *models.Upload, chunks []*models.Chunk) error {
	now := s.timestamp()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upload.Status = models.StatusPending
	upload.TotalChunks = len(chunks)
	upload.ProcessedChunks = 0
	upload.CreatedAt = now
	upload.UpdatedAt = now

	err = tx.GetContext(ctx, &upload.ID, tx.Rebind(`
		INSERT INTO uploads (project_id, status, total_chunks, processed_chunks, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		RETURNING id`),
		upload.ProjectID, string(upload.Status), upload.TotalChunks, now, now)
	if err != nil {
		return fmt.Errorf("failed to create upload: %w", mapError(err))
	}

	for _, chunk := range chunks {
		if chunk.Data == nil {
			return fmt.Errorf("chunk has no data")
		}
		data, err := chunk.Data.Value()
		if err != nil {
			return fmt.Errorf("failed to encode chunk data: %w", err)
		}

		chunk.UploadID = upload.ID
		chunk.Status = models.StatusPending
		chunk.CreatedAt = now
		chunk.UpdatedAt = now

		err = tx.GetContext(ctx, &chunk.ID, tx.Rebind(`
			INSERT INTO chunks (upload_id, status, data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			RETURNING id`),
			chunk.UploadID, string(chunk.Status), data, now, now)
		if err != nil {
			return fmt.Errorf("failed to create chunk: %w", mapError(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upload: %w", err)
	}
	return nil
}

// GetUpload retrieves an upload by ID
func (s *Store) GetUpload(ctx context.Context, id int64) (*models.Upload, error) {
	var upload models.Upload
	err := s.db.GetContext(ctx, &upload, s.db.Rebind("SELECT * FROM uploads WHERE id = ?"), id)
	if err != nil {
		return nil, fmt.Errorf("upload %d: %w", id, mapError(err))
	}
	return &upload, nil
}

// GetChunk retrieves a chunk including its data payload
func (s *Store) GetChunk(ctx context.Context, id int64) (*models.Chunk, error) {
	var chunk models.Chunk
	err := s.db.GetContext(ctx, &chunk, s.db.Rebind("SELECT * FROM chunks WHERE id = ?"), id)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", id, mapError(err))
	}
	return &chunk, nil
}

// ListChunks returns the chunks of an upload without their data payload
func (s *Store) ListChunks(ctx context.Context, uploadID int64) ([]models.Chunk, error) {
	chunks := []models.Chunk{}
	err := s.db.SelectContext(ctx, &chunks, s.db.Rebind(`
		SELECT id, upload_id, status, errors, processed_at, settled_at, created_at, updated_at
		FROM chunks WHERE upload_id = ? ORDER BY id`), uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return chunks, nil
}

// StartChunk moves a chunk to PROCESSING. It returns false without changes when the
// chunk is already COMPLETED, has failed for good, or its upload has been finalized.
func (s *Store) StartChunk(ctx context.Context, chunkID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE chunks SET status = ?, updated_at = ?
		WHERE id = ? AND status <> ? AND settled_at IS NULL
		AND NOT EXISTS (
			SELECT 1 FROM uploads u
			WHERE u.id = chunks.upload_id AND u.status IN (?, ?)
		)`),
		string(models.StatusProcessing), s.timestamp(), chunkID, string(models.StatusCompleted),
		string(models.StatusCompleted), string(models.StatusFailed))
	if err != nil {
		return false, fmt.Errorf("failed to start chunk: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetChunk(ctx, chunkID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// CompleteChunk marks a PROCESSING chunk COMPLETED and counts it on its upload.
// It returns false when the chunk was not in PROCESSING.
func (s *Store) CompleteChunk(ctx context.Context, chunkID, uploadID int64, errs *models.ChunkErrors) (bool, error) {
	payload, err := chunkErrorsArg(errs)
	if err != nil {
		return false, err
	}

	now := s.timestamp()
	return s.settleChunk(ctx, chunkID, uploadID, true, `
		UPDATE chunks SET status = ?, errors = ?, processed_at = ?, settled_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND settled_at IS NULL`,
		string(models.StatusCompleted), payload, now, now, now, chunkID, string(models.StatusProcessing))
}

// FailChunk marks a chunk FAILED with its error payload. When settle is true the
// failure is final and the chunk is counted on its upload. A settled chunk never
// changes again, so it is counted at most once.
func (s *Store) FailChunk(ctx context.Context, chunkID, uploadID int64, errs models.ChunkErrors, settle bool) (bool, error) {
	payload, err := chunkErrorsArg(&errs)
	if err != nil {
		return false, err
	}

	now := s.timestamp()
	var settledAt interface{}
	if settle {
		settledAt = now
	}
	return s.settleChunk(ctx, chunkID, uploadID, settle, `
		UPDATE chunks SET status = ?, errors = ?, processed_at = ?, settled_at = ?, updated_at = ?
		WHERE id = ? AND status <> ? AND settled_at IS NULL`,
		string(models.StatusFailed), payload, now, settledAt, now, chunkID, string(models.StatusCompleted))
}

func (s *Store) settleChunk(ctx context.Context, chunkID, uploadID int64, count bool, query string, args ...interface{}) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to update chunk %d: %w", chunkID, mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if count {
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE uploads SET processed_chunks = processed_chunks + 1, updated_at = ?
			WHERE id = ? AND processed_chunks < total_chunks`),
			s.timestamp(), uploadID)
		if err != nil {
			return false, fmt.Errorf("failed to count chunk on upload %d: %w", uploadID, mapError(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit chunk %d: %w", chunkID, err)
	}
	return true, nil
}

// ChunkStatusCounts returns the number of chunks of an upload per status
func (s *Store) ChunkStatusCounts(ctx context.Context, uploadID int64) (map[models.UploadStatus]int, error) {
	var rows []struct {
		Status models.UploadStatus `db:"status"`
		Count  int                 `db:"count"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT status, COUNT(*) AS count FROM chunks WHERE upload_id = ? GROUP BY status`), uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}

	counts := make(map[models.UploadStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// FinalizeUpload stamps a terminal status on a fully processed upload. It returns
// false when the upload was already terminal or still has unsettled chunks.
func (s *Store) FinalizeUpload(ctx context.Context, uploadID int64, status models.UploadStatus, at time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("cannot finalize upload with status %s", status)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE uploads SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?) AND processed_chunks = total_chunks`),
		string(status), at.UTC(), s.timestamp(), uploadID,
		string(models.StatusCompleted), string(models.StatusFailed))
	if err != nil {
		return false, fmt.Errorf("failed to finalize upload: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func chunkErrorsArg(errs *models.ChunkErrors) (interface{}, error) {
	if errs == nil {
		return nil, nil
	}
	v, err := errs.Value()
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk errors: %w", err)
	}
	return v, nil
}
