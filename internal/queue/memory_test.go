package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(id string, priority int) *Job {
	opts := DefaultJobOptions()
	opts.Priority = priority
	return &Job{ID: id, Name: "test", Payload: []byte(`{}`), Options: opts}
}

func TestMemoryTransportPriorityOrder(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport()

	require.NoError(t, tr.Push(ctx, newJob("low-1", 5)))
	require.NoError(t, tr.Push(ctx, newJob("high", 1)))
	require.NoError(t, tr.Push(ctx, newJob("low-2", 5)))
	assert.Error(t, tr.Push(ctx, newJob("high", 1)))

	var order []string
	for {
		job, err := tr.Claim(ctx, time.Minute)
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}

	assert.Equal(t, []string{"high", "low-1", "low-2"}, order)

	counts, err := tr.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[StateActive])
	assert.Equal(t, int64(0), counts[StateWaiting])
}

func TestMemoryTransportDelayedAndStalled(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport()
	now := time.Now()

	delayed := newJob("delayed", 0)
	delayed.Options.Delay = time.Hour
	require.NoError(t, tr.Push(ctx, delayed))
	require.NoError(t, tr.Push(ctx, newJob("stalls", 0)))

	job, err := tr.Claim(ctx, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "stalls", job.ID)

	// Lease expired, delayed job not yet due
	stalled, err := tr.Maintain(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, stalled)

	job, err = tr.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "stalls", job.ID)

	_, err = tr.Maintain(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)

	job, err = tr.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "delayed", job.ID)
}

func TestMemoryTransportSettle(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport()

	keep := newJob("keep", 0)
	keep.Options.RemoveOnComplete = false
	keep.Options.Retention = time.Hour
	require.NoError(t, tr.Push(ctx, keep))
	require.NoError(t, tr.Push(ctx, newJob("drop", 0)))
	require.NoError(t, tr.Push(ctx, newJob("bad", 0)))

	for i := 0; i < 3; i++ {
		job, err := tr.Claim(ctx, time.Minute)
		require.NoError(t, err)
		switch job.ID {
		case "bad":
			job.AttemptsMade = 3
			job.LastError = "boom"
			require.NoError(t, tr.Fail(ctx, job))
		default:
			require.NoError(t, tr.Complete(ctx, job))
		}
	}

	counts, err := tr.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StateCompleted])
	assert.Equal(t, int64(1), counts[StateFailed])
	assert.Equal(t, int64(0), counts[StateActive])

	failed, err := tr.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].LastError)
	assert.Equal(t, 3, failed[0].AttemptsMade)

	removed, err := tr.Clean(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	removed, err = tr.Clean(ctx, time.Now().Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	failed, err = tr.Failed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestMemoryTransportSettleAfterStall(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport()
	now := time.Now()

	require.NoError(t, tr.Push(ctx, newJob("slow", 0)))

	job, err := tr.Claim(ctx, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Lease expires while the first run is still going
	stalled, err := tr.Maintain(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, stalled)

	job.AttemptsMade = 3
	require.NoError(t, tr.Fail(ctx, job))

	next, err := tr.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next)

	counts, err := tr.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts[StateWaiting])
	assert.Equal(t, int64(1), counts[StateFailed])

	removed, err := tr.Clean(ctx, now.Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NotPanics(t, func() {
		_, err = tr.Maintain(ctx, now.Add(9*24*time.Hour))
	})
	require.NoError(t, err)
}

func TestMemoryTransportEnqueueSkipsRemovedJobs(t *testing.T) {
	tr := NewMemoryTransport()

	tr.mu.Lock()
	tr.delayed["gone"] = time.Now()
	tr.mu.Unlock()

	assert.NotPanics(t, func() {
		_, err := tr.Maintain(context.Background(), time.Now().Add(time.Second))
		assert.NoError(t, err)
	})

	counts, err := tr.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts[StateWaiting])
}

func TestQueueAdd(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport()
	q := New("test", tr, DefaultJobOptions())

	job, err := q.Add(ctx, "greet", map[string]string{"hello": "world"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, 3, job.Options.Attempts)

	claimed, err := tr.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	var payload map[string]string
	require.NoError(t, claimed.Decode(&payload))
	assert.Equal(t, "world", payload["hello"])

	job, err = q.Add(ctx, "once", nil, &JobOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, job.Options.Attempts)

	_, err = q.Add(ctx, "bad", make(chan int), nil)
	assert.Error(t, err)
}
