package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and local development. It mirrors
// PGStore's claim ordering and retry semantics without a database.
type MemStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*Job

	defaultMaxAttempts int
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[int64]*Job), defaultMaxAttempts: 3}
}

func (s *MemStore) Enqueue(_ context.Context, name string, payload any, opts EnqueueOptions) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for %s: %w", name, err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = s.defaultMaxAttempts
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := time.Now()
	job := &Job{
		ID:          s.nextID,
		Name:        name,
		Payload:     raw,
		Status:      JobStatusQueued,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		RunAt:       now.Add(opts.Delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[job.ID] = job
	return copyJob(job), nil
}

func (s *MemStore) ClaimNext(_ context.Context, podID string, names []string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Job
	now := time.Now()
	for _, j := range s.jobs {
		if j.Status != JobStatusQueued || j.RunAt.After(now) || !slices.Contains(names, j.Name) {
			continue
		}
		if best == nil || j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.CreatedAt.Before(best.CreatedAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, ErrNoJobsAvailable
	}

	best.Status = JobStatusInProgress
	best.PodID = &podID
	best.Attempts++
	hb := now
	best.HeartbeatAt = &hb
	best.UpdatedAt = now
	return copyJob(best), nil
}

func (s *MemStore) Heartbeat(_ context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok && j.Status == JobStatusInProgress {
		now := time.Now()
		j.HeartbeatAt = &now
	}
	return nil
}

func (s *MemStore) Complete(_ context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %d not found", jobID)
	}
	if j.Status == JobStatusInProgress {
		now := time.Now()
		j.Status = JobStatusCompleted
		j.FinishedAt = &now
	}
	return nil
}

func (s *MemStore) Fail(_ context.Context, jobID int64, jobErr error, backoffBase time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("job %d not found", jobID)
	}
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	j.LastError = &msg

	if j.Attempts >= j.MaxAttempts {
		now := time.Now()
		j.Status = JobStatusDead
		j.FinishedAt = &now
		return false, nil
	}
	attempts := j.Attempts
	if attempts < 1 {
		attempts = 1
	}
	j.Status = JobStatusQueued
	j.PodID = nil
	j.HeartbeatAt = nil
	j.RunAt = time.Now().Add(backoffBase << (attempts - 1))
	return true, nil
}

func (s *MemStore) RequeueOrphans(_ context.Context, threshold time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-threshold)
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusInProgress && j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff) {
			j.Status = JobStatusQueued
			j.PodID = nil
			j.HeartbeatAt = nil
			j.RunAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *MemStore) RequeueForPod(_ context.Context, podID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusInProgress && j.PodID != nil && *j.PodID == podID {
			j.Status = JobStatusQueued
			j.PodID = nil
			j.HeartbeatAt = nil
			j.RunAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *MemStore) Stats(_ context.Context) (QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats QueueStats
	for _, j := range s.jobs {
		switch j.Status {
		case JobStatusQueued:
			stats.Queued++
		case JobStatusInProgress:
			stats.InProgress++
		case JobStatusCompleted:
			stats.Completed++
		case JobStatusDead:
			stats.Dead++
		}
	}
	return stats, nil
}

func (s *MemStore) TrimFinished(_ context.Context, keepCompleted, keepDead int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	removed += s.trimLocked(JobStatusCompleted, keepCompleted)
	removed += s.trimLocked(JobStatusDead, keepDead)
	return removed, nil
}

func (s *MemStore) trimLocked(status JobStatus, keep int) int64 {
	var finished []*Job
	for _, j := range s.jobs {
		if j.Status == status {
			finished = append(finished, j)
		}
	}
	slices.SortFunc(finished, func(a, b *Job) int {
		// Newest first.
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	var removed int64
	for i := keep; i < len(finished); i++ {
		delete(s.jobs, finished[i].ID)
		removed++
	}
	return removed
}

// Get returns a snapshot of one job, for tests.
func (s *MemStore) Get(jobID int64) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return copyJob(j), true
}

// JobsByName returns snapshots of all jobs with the given name, for tests.
func (s *MemStore) JobsByName(name string) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		if j.Name == name {
			out = append(out, j)
		}
	}
	slices.SortFunc(out, func(a, b *Job) int { return int(a.ID - b.ID) })
	return out
}

func copyJob(j *Job) *Job {
	cp := *j
	cp.Payload = slices.Clone(j.Payload)
	return &cp
}
