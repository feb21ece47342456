package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/wa-bulk-sender/internal/model"
)

type memoryEntry struct {
	mu  sync.Mutex
	job model.Job
}

// MemoryJobStore keeps jobs in process memory. Each job carries its own
// mutex, so writers on one job never block writers on another.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*memoryEntry

	// msgMu is taken after any entry lock, never before.
	msgMu    sync.RWMutex
	messages map[string]model.RecipientRef

	now func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:     make(map[string]*memoryEntry),
		messages: make(map[string]model.RecipientRef),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) Create(ctx context.Context, in model.NewJob) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := s.now()
	job := model.Job{
		ID:         uuid.NewString(),
		Status:     model.JobQueued,
		Total:      len(in.Recipients),
		Body:       in.Body,
		CreatedAt:  now,
		UpdatedAt:  now,
		Recipients: make([]model.Recipient, len(in.Recipients)),
	}
	for i, r := range in.Recipients {
		r = r.Clone()
		if r.Status == "" {
			r.Status = model.RecipientPending
		}
		r.UpdatedAt = now
		job.Recipients[i] = r
	}

	s.mu.Lock()
	s.jobs[job.ID] = &memoryEntry{job: job}
	s.mu.Unlock()

	return job.ID, nil
}

func (s *MemoryJobStore) entry(jobID string) (*memoryEntry, error) {
	s.mu.RLock()
	e, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return e, nil
}

func (s *MemoryJobStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	e, err := s.entry(jobID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	job := e.job.Clone()
	e.mu.Unlock()
	return &job, nil
}

func (s *MemoryJobStore) UpdateRecipient(ctx context.Context, jobID string, index int, patch model.RecipientPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := s.entry(jobID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if index < 0 || index >= len(e.job.Recipients) {
		return fmt.Errorf("%w: job %s index %d", ErrRecipientIndex, jobID, index)
	}

	now := s.now()
	r := &e.job.Recipients[index]
	if !patch.Apply(r, now) {
		return fmt.Errorf("%w: recipient %d is %s", ErrTransitionRejected, index, r.Status)
	}
	e.job.UpdatedAt = now

	if patch.ProviderMessageID != nil && *patch.ProviderMessageID != "" {
		s.msgMu.Lock()
		s.messages[*patch.ProviderMessageID] = model.RecipientRef{JobID: jobID, Index: index}
		s.msgMu.Unlock()
	}
	return nil
}

func (s *MemoryJobStore) SetStatus(ctx context.Context, jobID string, status model.JobStatus, reason string) error {
	e, err := s.entry(jobID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status == status {
		return nil
	}
	if !e.job.Status.CanAdvance(status) {
		return fmt.Errorf("%w: job %s %s -> %s", ErrTransitionRejected, jobID, e.job.Status, status)
	}
	e.job.Status = status
	if reason != "" {
		e.job.Error = reason
	}
	e.job.UpdatedAt = s.now()
	return nil
}

func (s *MemoryJobStore) FindByMessageID(ctx context.Context, providerMessageID string) (model.RecipientRef, error) {
	s.msgMu.RLock()
	ref, ok := s.messages[providerMessageID]
	s.msgMu.RUnlock()
	if !ok {
		return model.RecipientRef{}, fmt.Errorf("%w: %s", ErrMessageNotFound, providerMessageID)
	}
	return ref, nil
}

func (s *MemoryJobStore) snapshot() []model.Job {
	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	jobs := make([]model.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		jobs = append(jobs, e.job.Clone())
		e.mu.Unlock()
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

func (s *MemoryJobStore) List(ctx context.Context, limit, offset int) ([]model.JobSummary, error) {
	limit, offset = normalizePage(limit, offset)

	jobs := s.snapshot()
	if offset >= len(jobs) {
		return []model.JobSummary{}, nil
	}
	jobs = jobs[offset:min(offset+limit, len(jobs))]

	out := make([]model.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Summary())
	}
	return out, nil
}

func (s *MemoryJobStore) ListActive(ctx context.Context) ([]string, error) {
	var ids []string
	for _, j := range s.snapshot() {
		if !j.Status.Finished() {
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

func (s *MemoryJobStore) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, e := range s.jobs {
		e.mu.Lock()
		drop := e.job.Status.Finished() && e.job.UpdatedAt.Before(cutoff)
		if drop {
			s.msgMu.Lock()
			for _, r := range e.job.Recipients {
				if r.ProviderMessageID != "" {
					delete(s.messages, r.ProviderMessageID)
				}
			}
			s.msgMu.Unlock()
		}
		e.mu.Unlock()
		if drop {
			delete(s.jobs, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryJobStore) Close() error { return nil }
