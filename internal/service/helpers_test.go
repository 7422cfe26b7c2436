package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"backer-import/internal/models"
	"backer-import/internal/queue"
	"backer-import/internal/store"

	"github.com/stretchr/testify/require"
)

const exampleHeader = "Reward ID,Reward Title,Pledged Status,Backing Minimum,Shipping Country,Backer Name,Email"

type recordingPublisher struct {
	mu      sync.Mutex
	chunks  []*models.ChunkSettledEvent
	uploads []*models.UploadFinalizedEvent
}

func (p *recordingPublisher) PublishChunkSettled(_ context.Context, event *models.ChunkSettledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, event)
	return nil
}

func (p *recordingPublisher) PublishUploadFinalized(_ context.Context, event *models.UploadFinalizedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploads = append(p.uploads, event)
	return nil
}

type fakeQueue struct {
	jobs []models.ChunkJob
	err  error
}

func (q *fakeQueue) Add(_ context.Context, jobName string, payload interface{}, _ *queue.JobOptions) (*queue.Job, error) {
	if q.err != nil {
		return nil, q.err
	}
	job, ok := payload.(models.ChunkJob)
	if !ok {
		return nil, errors.New("unexpected payload")
	}
	q.jobs = append(q.jobs, job)
	return &queue.Job{ID: "job", Name: jobName}, nil
}

type memoryIdempotency struct {
	values map[string]string
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{values: make(map[string]string)}
}

func (m *memoryIdempotency) ClaimIdempotencyKey(_ context.Context, key string, value interface{}, _ time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	return true, nil
}

func (m *memoryIdempotency) SetIdempotencyKey(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.values[key] = value.(string)
	return nil
}

func (m *memoryIdempotency) GetIdempotencyKey(_ context.Context, key string) (string, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memoryIdempotency) DeleteIdempotencyKey(_ context.Context, key string) error {
	delete(m.values, key)
	return nil
}

func createProject(t *testing.T, s *store.Store) *models.Project {
	t.Helper()
	project := &models.Project{Shop: "shop.example", Name: "Board Game"}
	require.NoError(t, s.CreateProject(context.Background(), project))
	return project
}

// createUpload stores csv as a single-chunk upload and returns the job for it
func createUpload(t *testing.T, s *store.Store, projectID int64, csv string) models.ChunkJob {
	t.Helper()
	lines := strings.Split(csv, "\n")
	data := &models.ChunkData{Headers: strings.Split(lines[0], ",")}
	for _, line := range lines[1:] {
		data.Rows = append(data.Rows, strings.Split(line, ","))
	}

	upload := &models.Upload{ProjectID: projectID}
	chunk := &models.Chunk{Data: data}
	require.NoError(t, s.CreateUpload(context.Background(), upload, []*models.Chunk{chunk}))
	return models.ChunkJob{ChunkID: chunk.ID, UploadID: upload.ID, ProjectID: projectID}
}
