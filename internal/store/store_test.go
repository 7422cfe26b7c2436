package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"backer-import/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createProject(t *testing.T, s *Store) *models.Project {
	t.Helper()
	project := &models.Project{Shop: "shop.example", Name: "Board Game"}
	require.NoError(t, s.CreateProject(context.Background(), project))
	return project
}

func createUpload(t *testing.T, s *Store, projectID int64, chunks int) (*models.Upload, []*models.Chunk) {
	t.Helper()
	upload := &models.Upload{ProjectID: projectID}
	var cs []*models.Chunk
	for i := 0; i < chunks; i++ {
		cs = append(cs, &models.Chunk{Data: &models.ChunkData{
			Headers: []string{"Reward ID"},
			Rows:    [][]string{{"1"}},
		}})
	}
	require.NoError(t, s.CreateUpload(context.Background(), upload, cs))
	return upload, cs
}

func TestForeignKeysEnabled(t *testing.T) {
	s := NewTestStore(t)

	var enabled int
	require.NoError(t, s.GetDB().Get(&enabled, "PRAGMA foreign_keys"))
	assert.Equal(t, 1, enabled)
}

func TestProjects(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	project := createProject(t, s)
	assert.NotZero(t, project.ID)

	got, err := s.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "shop.example", got.Shop)
	assert.Nil(t, got.Platform)

	require.NoError(t, s.UpdateProjectPlatform(ctx, project.ID, models.PlatformIndiegogo))
	got, err = s.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Platform)
	assert.Equal(t, models.PlatformIndiegogo, *got.Platform)

	_, err = s.GetProject(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateProjectPlatform(ctx, 999, models.PlatformKickstarter), ErrNotFound)
}

func TestCreateUpload(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	project := createProject(t, s)

	upload, chunks := createUpload(t, s, project.ID, 2)

	got, err := s.GetUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 2, got.TotalChunks)
	assert.Equal(t, 0, got.ProcessedChunks)
	assert.Nil(t, got.CompletedAt)

	chunk, err := s.GetChunk(ctx, chunks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, upload.ID, chunk.UploadID)
	require.NotNil(t, chunk.Data)
	assert.Equal(t, []string{"Reward ID"}, chunk.Data.Headers)
	assert.Nil(t, chunk.Errors)

	list, err := s.ListChunks(ctx, upload.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Nil(t, list[0].Data)

	_, err = s.GetUpload(ctx, 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateUploadUnknownProject(t *testing.T) {
	s := NewTestStore(t)

	err := s.CreateUpload(context.Background(), &models.Upload{ProjectID: 42}, []*models.Chunk{
		{Data: &models.ChunkData{}},
	})

	assert.ErrorIs(t, err, ErrForeignKeyViolation)
}

func TestChunkLifecycle(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	project := createProject(t, s)
	upload, chunks := createUpload(t, s, project.ID, 1)
	chunkID := chunks[0].ID

	started, err := s.StartChunk(ctx, chunkID)
	require.NoError(t, err)
	assert.True(t, started)

	done, err := s.CompleteChunk(ctx, chunkID, upload.ID, &models.ChunkErrors{ValidationErrors: []string{"row 3: bad"}})
	require.NoError(t, err)
	assert.True(t, done)

	// A replayed completion does not count twice
	done, err = s.CompleteChunk(ctx, chunkID, upload.ID, nil)
	require.NoError(t, err)
	assert.False(t, done)

	// A completed chunk is never restarted
	started, err = s.StartChunk(ctx, chunkID)
	require.NoError(t, err)
	assert.False(t, started)

	chunk, err := s.GetChunk(ctx, chunkID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, chunk.Status)
	assert.NotNil(t, chunk.ProcessedAt)
	require.NotNil(t, chunk.Errors)
	assert.Equal(t, []string{"row 3: bad"}, chunk.Errors.ValidationErrors)

	got, err := s.GetUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProcessedChunks)

	_, err = s.StartChunk(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailChunkSettlement(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	project := createProject(t, s)
	upload, chunks := createUpload(t, s, project.ID, 1)
	chunkID := chunks[0].ID
	now := time.Now().UTC()

	_, err := s.StartChunk(ctx, chunkID)
	require.NoError(t, err)

	// Retryable failure is recorded but not counted
	failed, err := s.FailChunk(ctx, chunkID, upload.ID, models.ChunkErrors{Error: "boom", Timestamp: &now}, false)
	require.NoError(t, err)
	assert.True(t, failed)

	got, err := s.GetUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ProcessedChunks)

	chunk, err := s.GetChunk(ctx, chunkID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, chunk.Status)
	require.NotNil(t, chunk.Errors)
	assert.Equal(t, "boom", chunk.Errors.Error)
	assert.NotNil(t, chunk.Errors.Timestamp)

	// A retry may restart a failed chunk
	started, err := s.StartChunk(ctx, chunkID)
	require.NoError(t, err)
	assert.True(t, started)

	_, err = s.FailChunk(ctx, chunkID, upload.ID, models.ChunkErrors{Error: "boom again", Timestamp: &now}, true)
	require.NoError(t, err)

	got, err = s.GetUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProcessedChunks)

	// A settled chunk is never rewritten or counted again
	failed, err = s.FailChunk(ctx, chunkID, upload.ID, models.ChunkErrors{Error: "late", Timestamp: &now}, true)
	require.NoError(t, err)
	assert.False(t, failed)
	got, err = s.GetUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProcessedChunks)

	chunk, err = s.GetChunk(ctx, chunkID)
	require.NoError(t, err)
	require.NotNil(t, chunk.Errors)
	assert.Equal(t, "boom again", chunk.Errors.Error)
	assert.NotNil(t, chunk.SettledAt)

	counts, err := s.ChunkStatusCounts(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, map[models.UploadStatus]int{models.StatusFailed: 1}, counts)
}

func TestRedeliveredChunkAfterFinalFailure(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	project := createProject(t, s)
	upload, chunks := createUpload(t, s, project.ID, 2)
	first := chunks[0].ID
	now := time.Now().UTC()

	started, err := s.StartChunk(ctx, first)
	require.NoError(t, err)
	require.True(t, started)

	settled, err := s.FailChunk(ctx, first, upload.ID, models.ChunkErrors{Error: "boom", Timestamp: &now}, true)
	require.NoError(t, err)
	require.True(t, settled)

	// A second delivery of the same job finds the chunk already settled
	started, err = s.StartChunk(ctx, first)
	require.NoError(t, err)
	assert.False(t, started)

	completed, err := s.CompleteChunk(ctx, first, upload.ID, nil)
	require.NoError(t, err)
	assert.False(t, completed)

	got, err := s.GetUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProcessedChunks)

	chunk, err := s.GetChunk(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, chunk.Status)

	// The second chunk is still pending, so the upload cannot finish
	finalized, err := s.FinalizeUpload(ctx, upload.ID, models.StatusCompleted, now)
	require.NoError(t, err)
	assert.False(t, finalized)

	counts, err := s.ChunkStatusCounts(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, map[models.UploadStatus]int{models.StatusFailed: 1, models.StatusPending: 1}, counts)
}

func TestFinalizeUpload(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	project := createProject(t, s)
	upload, chunks := createUpload(t, s, project.ID, 1)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Not every chunk has settled yet
	ok, err := s.FinalizeUpload(ctx, upload.ID, models.StatusCompleted, at)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.StartChunk(ctx, chunks[0].ID)
	require.NoError(t, err)
	_, err = s.CompleteChunk(ctx, chunks[0].ID, upload.ID, nil)
	require.NoError(t, err)

	ok, err = s.FinalizeUpload(ctx, upload.ID, models.StatusCompleted, at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.FinalizeUpload(ctx, upload.ID, models.StatusFailed, at.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetUpload(ctx, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, at.Equal(*got.CompletedAt))

	_, err = s.FinalizeUpload(ctx, upload.ID, models.StatusPending, at)
	assert.Error(t, err)
}

func TestStartChunkAfterFinalize(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	project := createProject(t, s)
	upload, chunks := createUpload(t, s, project.ID, 1)

	_, err := s.FailChunk(ctx, chunks[0].ID, upload.ID, models.ChunkErrors{Error: "x"}, true)
	require.NoError(t, err)
	ok, err := s.FinalizeUpload(ctx, upload.ID, models.StatusFailed, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	started, err := s.StartChunk(ctx, chunks[0].ID)
	require.NoError(t, err)
	assert.False(t, started)
}

func TestUpserts(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	project := createProject(t, s)

	var firstBacker, firstProduct, firstPledge, firstSurvey int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		firstBacker, err = tx.UpsertBacker(ctx, project.Shop, "jane@x.com", "Jane")
		require.NoError(t, err)
		firstProduct, err = tx.UpsertProduct(ctx, project.ID, "Widget")
		require.NoError(t, err)
		firstPledge, err = tx.UpsertPledge(ctx, project.ID, "1", "TierA")
		require.NoError(t, err)
		firstSurvey, err = tx.UpsertSurvey(ctx, &models.Survey{
			ProjectID: project.ID, BackerID: firstBacker, PledgeID: firstPledge,
			Platform: models.PlatformKickstarter, Price: 25, Country: "US", Status: models.SurveyStatusCollected,
		})
		require.NoError(t, err)
		return tx.ReplaceInventory(ctx, firstSurvey, []models.Inventory{
			{ProductID: firstProduct, Qty: 2},
			{ProductID: firstProduct, Qty: 5},
		})
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *Tx) error {
		backerID, err := tx.UpsertBacker(ctx, project.Shop, "jane@x.com", "Jane Doe")
		require.NoError(t, err)
		assert.Equal(t, firstBacker, backerID)

		productID, err := tx.UpsertProduct(ctx, project.ID, "Widget")
		require.NoError(t, err)
		assert.Equal(t, firstProduct, productID)

		pledgeID, err := tx.UpsertPledge(ctx, project.ID, "1", "Tier A Deluxe")
		require.NoError(t, err)
		assert.Equal(t, firstPledge, pledgeID)

		surveyID, err := tx.UpsertSurvey(ctx, &models.Survey{
			ProjectID: project.ID, BackerID: backerID, PledgeID: pledgeID,
			Platform: models.PlatformKickstarter, Price: 40, Country: "CA", Status: models.SurveyStatusErrored,
		})
		require.NoError(t, err)
		assert.Equal(t, firstSurvey, surveyID)
		return nil
	})
	require.NoError(t, err)

	backer, err := s.GetBacker(ctx, project.Shop, "jane@x.com")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", backer.Name)

	pledges, err := s.ListPledges(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, pledges, 1)
	assert.Equal(t, "Tier A Deluxe", pledges[0].Name)

	surveys, err := s.ListSurveys(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, surveys, 1)
	assert.Equal(t, 40.0, surveys[0].Price)
	assert.Equal(t, "CA", surveys[0].Country)
	assert.Equal(t, models.SurveyStatusErrored, surveys[0].Status)

	items, err := s.ListInventory(ctx, firstSurvey)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Qty)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	project := createProject(t, s)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.UpsertBacker(ctx, project.Shop, "jane@x.com", "Jane")
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetBacker(ctx, project.Shop, "jane@x.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTxMapsPostgresErrors(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	s := NewWithDB(sqlx.NewDb(mockDB, "sqlmock"), DriverPostgres)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO surveys").
		WillReturnError(&pq.Error{Code: "23503", Message: "insert or update on table \"surveys\" violates foreign key constraint"})
	mock.ExpectRollback()

	err = s.WithTx(context.Background(), func(tx *Tx) error {
		_, err := tx.UpsertSurvey(context.Background(), &models.Survey{ProjectID: 1, BackerID: 2, PledgeID: 3})
		return err
	})

	assert.ErrorIs(t, err, ErrForeignKeyViolation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))
	assert.ErrorIs(t, mapError(&pq.Error{Code: "23505"}), ErrConflict)
	assert.ErrorIs(t, mapError(errors.New("constraint failed: UNIQUE constraint failed: backers.shop, backers.email")), ErrConflict)
	assert.ErrorIs(t, mapError(errors.New("FOREIGN KEY constraint failed")), ErrForeignKeyViolation)

	other := errors.New("connection reset")
	assert.Equal(t, other, mapError(other))
}
