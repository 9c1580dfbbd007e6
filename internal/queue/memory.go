package queue

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

type memoryJob struct {
	Job
	state       string
	startedAt   time.Time
	completedAt time.Time
	lastError   string
}

// MemoryStore is an in-process Store with the same claim and retry semantics
// as the Postgres broker. It backs tests and single-node development runs.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*memoryJob
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*memoryJob),
		now:  time.Now,
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if job.StartAfter.IsZero() {
		job.StartAfter = job.CreatedAt
	}
	s.jobs[job.ID] = &memoryJob{Job: job, state: "created"}
	return nil
}

func (s *MemoryStore) Fetch(_ context.Context, pattern string, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*memoryJob
	for _, j := range s.jobs {
		if j.state != "created" || j.StartAfter.After(now) {
			continue
		}
		if ok, _ := path.Match(pattern, j.Queue); !ok {
			continue
		}
		due = append(due, j)
	}
	sort.Slice(due, func(a, b int) bool {
		return due[a].CreatedAt.Before(due[b].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]Job, 0, len(due))
	for _, j := range due {
		j.state = "active"
		j.startedAt = now
		claimed = append(claimed, j.Job)
	}
	return claimed, nil
}

func (s *MemoryStore) Complete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.state != "active" {
		return ErrJobNotFound
	}
	j.state = "completed"
	j.completedAt = s.now()
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, id string, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.state != "active" {
		return false, ErrJobNotFound
	}
	return s.failLocked(j, reason), nil
}

func (s *MemoryStore) failLocked(j *memoryJob, reason string) bool {
	j.RetryCount++
	j.lastError = reason
	if j.RetryCount >= j.RetryLimit {
		j.state = "failed"
		j.completedAt = s.now()
		return true
	}
	j.state = "created"
	j.StartAfter = s.now().Add(j.RetryDelay)
	return false
}

func (s *MemoryStore) ReapExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	reaped := 0
	for _, j := range s.jobs {
		if j.state == "active" && j.startedAt.Add(j.ExpireIn).Before(now) {
			s.failLocked(j, "claim expired")
			reaped++
		}
	}
	return reaped, nil
}

func (s *MemoryStore) Purge(_ context.Context, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-retention)
	purged := 0
	for id, j := range s.jobs {
		if (j.state == "completed" || j.state == "failed") && j.completedAt.Before(cutoff) {
			delete(s.jobs, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats Stats
	for _, j := range s.jobs {
		switch j.state {
		case "created":
			stats.Created++
		case "active":
			stats.Active++
		case "completed":
			stats.Completed++
		case "failed":
			stats.Failed++
		}
	}
	return stats, nil
}

func (s *MemoryStore) List(_ context.Context, state string, limit int) ([]JobSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []JobSummary
	for _, j := range s.jobs {
		if state != "" && j.state != state {
			continue
		}
		out = append(out, JobSummary{
			ID:         j.ID,
			Queue:      j.Queue,
			State:      j.state,
			RetryCount: j.RetryCount,
			RetryLimit: j.RetryLimit,
			StartAfter: j.StartAfter,
			CreatedAt:  j.CreatedAt,
			LastError:  j.lastError,
		})
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() {}
