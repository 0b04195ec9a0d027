package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dunamismax/florique/internal/domain"
)

type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]domain.Job
	users       map[string]domain.User
	backgrounds []string
	feedback    []domain.Feedback
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]domain.Job),
		users: make(map[string]domain.User),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return errors.Wrapf(ErrJobExists, "create job %s", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, jobID string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.processingJobLocked(jobID)
	if err != nil {
		return err
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	s.jobs[jobID] = job
	return nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, jobID, outputPayload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.processingJobLocked(jobID)
	if err != nil {
		return err
	}
	now := s.now()
	job.Status = domain.JobStatusCompleted
	job.Progress = domain.MaxProgress
	job.OutputPayload = outputPayload
	job.CompletedAt = &now
	s.jobs[jobID] = job
	return nil
}

func (s *MemoryStore) FailJob(_ context.Context, jobID, errorDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.processingJobLocked(jobID)
	if err != nil {
		return err
	}
	now := s.now()
	job.Status = domain.JobStatusFailed
	job.ErrorDetail = errorDetail
	job.CompletedAt = &now
	s.jobs[jobID] = job
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	return job, ok, nil
}

func (s *MemoryStore) processingJobLocked(jobID string) (domain.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, errors.Wrapf(ErrJobNotFound, "job %s", jobID)
	}
	if job.Status.Terminal() {
		return domain.Job{}, errors.Wrapf(ErrJobTerminal, "job %s status=%s", jobID, job.Status)
	}
	return job, nil
}

func (s *MemoryStore) TryDebitCredit(_ context.Context, owner string, amount int) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidDebit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[owner]
	if !ok || user.Credit < amount {
		return false, nil
	}
	user.Credit -= amount
	s.users[owner] = user
	return true, nil
}

func (s *MemoryStore) AddCredits(_ context.Context, owner string, amount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[owner]
	if !ok || user.Credit+amount < 0 {
		return false, nil
	}
	user.Credit += amount
	s.users[owner] = user
	return true, nil
}

func (s *MemoryStore) GetCredits(_ context.Context, owner string) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[owner]
	return user.Credit, ok, nil
}

// RegisterUser inserts a new user or fills in fields the existing record is
// missing. It never changes an existing balance.
func (s *MemoryStore) RegisterUser(_ context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[user.UserID]
	if !ok {
		if user.CreatedAt == nil {
			now := s.now()
			user.CreatedAt = &now
		}
		s.users[user.UserID] = user
		return nil
	}

	if existing.CreatedAt == nil {
		now := s.now()
		existing.CreatedAt = &now
	}
	existing.DeviceType = coalesce(existing.DeviceType, user.DeviceType)
	existing.IPAddress = coalesce(existing.IPAddress, user.IPAddress)
	existing.Location = coalesce(existing.Location, user.Location)
	s.users[user.UserID] = existing
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (domain.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	return user, ok, nil
}

func (s *MemoryStore) ListBackgrounds(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]string(nil), s.backgrounds...)
	sort.Strings(out)
	return out, nil
}

// SetBackgrounds replaces the style catalogue.
func (s *MemoryStore) SetBackgrounds(backgrounds ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backgrounds = append([]string(nil), backgrounds...)
}

func (s *MemoryStore) SubmitFeedback(_ context.Context, feedback domain.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if feedback.CreatedAt.IsZero() {
		feedback.CreatedAt = s.now()
	}
	s.feedback = append(s.feedback, feedback)
	return nil
}

// Feedback returns submitted feedback in arrival order.
func (s *MemoryStore) Feedback() []domain.Feedback {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Feedback(nil), s.feedback...)
}

func coalesce(current, candidate string) string {
	if strings.TrimSpace(current) != "" {
		return current
	}
	return candidate
}
