package service

import (
	"context"
	"testing"

	"backer-import/internal/models"
	"backer-import/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateIsIdempotent(t *testing.T) {
	s := store.NewTestStore(t)
	ctx := context.Background()
	project := createProject(t, s)
	publisher := &recordingPublisher{}
	evaluator := NewCompletionEvaluator(s, publisher)

	job := createUpload(t, s, project.ID, exampleHeader+"\n1,TierA,paid,25,US,Jane Doe,jane@x.com")
	_, err := NewChunkProcessor(s, nil, nil).Process(ctx, job, 1, false)
	require.NoError(t, err)

	first, err := evaluator.Evaluate(ctx, job.UploadID)
	require.NoError(t, err)
	assert.True(t, first.Done)
	assert.True(t, first.Finalized)
	assert.Equal(t, models.StatusCompleted, first.Status)
	assert.Equal(t, 1, first.CompletedChunks)
	assert.Equal(t, 0, first.FailedChunks)

	upload, err := s.GetUpload(ctx, job.UploadID)
	require.NoError(t, err)
	require.NotNil(t, upload.CompletedAt)
	completedAt := *upload.CompletedAt

	second, err := evaluator.Evaluate(ctx, job.UploadID)
	require.NoError(t, err)
	assert.True(t, second.Done)
	assert.False(t, second.Finalized)
	assert.Equal(t, models.StatusCompleted, second.Status)

	upload, err = s.GetUpload(ctx, job.UploadID)
	require.NoError(t, err)
	assert.True(t, completedAt.Equal(*upload.CompletedAt))

	require.Len(t, publisher.uploads, 1)
	assert.Equal(t, models.EventTypeUploadCompleted, publisher.uploads[0].EventType)
}

func TestEvaluateFailedChunkFailsUpload(t *testing.T) {
	s := store.NewTestStore(t)
	ctx := context.Background()
	project := createProject(t, s)
	publisher := &recordingPublisher{}

	job := createUpload(t, s, project.ID, exampleHeader+"\n1,TierA,paid,25,US,Jane Doe,bad-email")
	_, err := NewChunkProcessor(s, nil, nil).Process(ctx, job, 1, false)
	require.Error(t, err)

	result, err := NewCompletionEvaluator(s, publisher).Evaluate(ctx, job.UploadID)
	require.NoError(t, err)
	assert.True(t, result.Finalized)
	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, 1, result.FailedChunks)

	upload, err := s.GetUpload(ctx, job.UploadID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, upload.Status)

	require.Len(t, publisher.uploads, 1)
	assert.Equal(t, models.EventTypeUploadFailed, publisher.uploads[0].EventType)
}

func TestEvaluateWaitsForOutstandingChunks(t *testing.T) {
	s := store.NewTestStore(t)
	ctx := context.Background()
	project := createProject(t, s)

	job := createUpload(t, s, project.ID, exampleHeader+"\n1,TierA,paid,25,US,Jane Doe,jane@x.com")

	result, err := NewCompletionEvaluator(s, nil).Evaluate(ctx, job.UploadID)
	require.NoError(t, err)
	assert.False(t, result.Done)
	assert.Equal(t, models.StatusPending, result.Status)

	upload, err := s.GetUpload(ctx, job.UploadID)
	require.NoError(t, err)
	assert.Nil(t, upload.CompletedAt)
}

func TestEvaluateUnknownUpload(t *testing.T) {
	s := store.NewTestStore(t)

	_, err := NewCompletionEvaluator(s, nil).Evaluate(context.Background(), 7)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
