package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type waitEntry struct {
	priority int
	seq      int64
}

// MemoryTransport keeps jobs in process memory. Jobs do not survive a restart.
type MemoryTransport struct {
	mu        sync.Mutex
	now       func() time.Time
	seq       int64
	jobs      map[string]*Job
	waiting   map[string]waitEntry
	active    map[string]time.Time
	delayed   map[string]time.Time
	failed    map[string]time.Time
	completed map[string]time.Time
}

// NewMemoryTransport creates an empty in-memory transport
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		now:       time.Now,
		jobs:      make(map[string]*Job),
		waiting:   make(map[string]waitEntry),
		active:    make(map[string]time.Time),
		delayed:   make(map[string]time.Time),
		failed:    make(map[string]time.Time),
		completed: make(map[string]time.Time),
	}
}

func (m *MemoryTransport) Push(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	m.jobs[job.ID] = job.clone()
	if job.Options.Delay > 0 {
		m.delayed[job.ID] = m.now().Add(job.Options.Delay)
	} else {
		m.enqueue(job.ID)
	}
	return nil
}

func (m *MemoryTransport) Claim(_ context.Context, lease time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		next  string
		found bool
		best  waitEntry
	)
	for id, e := range m.waiting {
		if !found || e.priority < best.priority || (e.priority == best.priority && e.seq < best.seq) {
			next, best, found = id, e, true
		}
	}
	if !found {
		return nil, nil
	}

	delete(m.waiting, next)
	m.active[next] = m.now().Add(lease)
	return m.jobs[next].clone(), nil
}

func (m *MemoryTransport) Extend(_ context.Context, job *Job, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[job.ID]; !ok {
		return fmt.Errorf("job %s is not active", job.ID)
	}
	m.active[job.ID] = m.now().Add(lease)
	return nil
}

func (m *MemoryTransport) Complete(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unqueue(job.ID)
	if job.Options.RemoveOnComplete {
		delete(m.jobs, job.ID)
		return nil
	}
	m.jobs[job.ID] = job.clone()
	m.completed[job.ID] = m.now().Add(job.Options.Retention)
	return nil
}

func (m *MemoryTransport) Retry(_ context.Context, job *Job, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unqueue(job.ID)
	m.jobs[job.ID] = job.clone()
	m.delayed[job.ID] = at
	return nil
}

func (m *MemoryTransport) Fail(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unqueue(job.ID)
	m.jobs[job.ID] = job.clone()
	m.failed[job.ID] = m.now().Add(job.Options.Retention)
	return nil
}

func (m *MemoryTransport) Maintain(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, at := range m.delayed {
		if !at.After(now) {
			delete(m.delayed, id)
			m.enqueue(id)
		}
	}

	stalled := 0
	for id, deadline := range m.active {
		if deadline.Before(now) {
			delete(m.active, id)
			m.enqueue(id)
			stalled++
		}
	}
	return stalled, nil
}

func (m *MemoryTransport) Failed(_ context.Context, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.failed))
	for id := range m.failed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.failed[ids[i]].After(m.failed[ids[j]])
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, m.jobs[id].clone())
	}
	return jobs, nil
}

func (m *MemoryTransport) Counts(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]int64{
		StateWaiting:   int64(len(m.waiting)),
		StateActive:    int64(len(m.active)),
		StateDelayed:   int64(len(m.delayed)),
		StateFailed:    int64(len(m.failed)),
		StateCompleted: int64(len(m.completed)),
	}, nil
}

func (m *MemoryTransport) Clean(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, set := range []map[string]time.Time{m.failed, m.completed} {
		for id, expires := range set {
			if expires.Before(now) {
				delete(set, id)
				delete(m.jobs, id)
				removed++
			}
		}
	}
	return removed, nil
}

func (m *MemoryTransport) enqueue(id string) {
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	m.seq++
	m.waiting[id] = waitEntry{priority: job.Options.Priority, seq: m.seq}
}

// unqueue drops every pending copy of a settling job, including one that stall
// recovery put back while the job was still running.
func (m *MemoryTransport) unqueue(id string) {
	delete(m.active, id)
	delete(m.waiting, id)
	delete(m.delayed, id)
}
