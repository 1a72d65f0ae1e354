package memstore

import (
	"context"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/jobs"
)

func (s *Store) Enqueue(_ context.Context, j jobs.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobKeys[j.IdempotencyKey]; ok {
		return false, nil
	}
	now := s.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.Status == "" {
		j.Status = jobs.StatusPending
	}
	s.jobs[j.ID] = j
	s.jobKeys[j.IdempotencyKey] = j.ID
	s.jobOrder = append(s.jobOrder, j.ID)
	return true, nil
}

func (s *Store) Claim(_ context.Context, workerID string, lease time.Duration, jobType jobs.Type) (jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if jobType != "" && j.Type != jobType {
			continue
		}
		if !j.Claimable(now) {
			continue
		}
		j.Status = jobs.StatusProcessing
		j.LockedBy = workerID
		j.LockedUntil = now.Add(lease)
		j.UpdatedAt = now
		s.jobs[id] = j
		return j, nil
	}
	return jobs.Job{}, jobs.ErrNoJob
}

func (s *Store) owned(id, workerID string) (jobs.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	if j.Status != jobs.StatusProcessing || j.LockedBy != workerID {
		return jobs.Job{}, jobs.ErrLeaseLost
	}
	return j, nil
}

func (s *Store) Complete(_ context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(id, workerID)
	if err != nil {
		return err
	}
	j.Status = jobs.StatusCompleted
	j.LockedBy = ""
	j.LockedUntil = time.Time{}
	j.UpdatedAt = s.now()
	s.jobs[id] = j
	return nil
}

func (s *Store) Fail(_ context.Context, id, workerID, cause string, retryable bool) (jobs.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(id, workerID)
	if err != nil {
		return "", err
	}
	j.Attempts++
	j.Status = jobs.NextStatus(j.Attempts, j.MaxAttempts, retryable)
	j.LastError = cause
	j.LockedBy = ""
	j.LockedUntil = time.Time{}
	j.UpdatedAt = s.now()
	if j.Status == jobs.StatusPending {
		j.RunAfter = j.UpdatedAt.Add(jobs.Backoff(j.Attempts))
	}
	s.jobs[id] = j
	return j.Status, nil
}

func (s *Store) Get(_ context.Context, id string) (jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return j, nil
}

func (s *Store) GetByKey(_ context.Context, key string) (jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.jobKeys[key]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return s.jobs[id], nil
}

// Jobs returns every job in enqueue order.
func (s *Store) Jobs() []jobs.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]jobs.Job, 0, len(s.jobOrder))
	for _, id := range s.jobOrder {
		out = append(out, s.jobs[id])
	}
	return out
}
