package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dunamismax/florique/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedJob(t *testing.T, s *MemoryStore, id string) {
	t.Helper()
	require.NoError(t, s.CreateJob(context.Background(), domain.Job{
		ID:             id,
		Owner:          "user-1",
		Status:         domain.JobStatusProcessing,
		InputPayload:   "input",
		StyleParameter: "studio",
		CreatedAt:      time.Now().UTC(),
	}))
}

func TestMemoryStoreRejectsDuplicateJob(t *testing.T) {
	s := NewMemoryStore()
	seedJob(t, s, "job-1")

	err := s.CreateJob(context.Background(), domain.Job{ID: "job-1"})
	assert.True(t, errors.Is(err, ErrJobExists))
}

func TestMemoryStoreProgressIsMonotone(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedJob(t, s, "job-1")

	require.NoError(t, s.UpdateProgress(ctx, "job-1", 40))
	require.NoError(t, s.UpdateProgress(ctx, "job-1", 20))

	job, ok, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 40, job.Progress)
}

func TestMemoryStoreTerminalStateIsFinal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedJob(t, s, "job-1")

	require.NoError(t, s.CompleteJob(ctx, "job-1", "output"))

	assert.True(t, errors.Is(s.FailJob(ctx, "job-1", "late"), ErrJobTerminal))
	assert.True(t, errors.Is(s.UpdateProgress(ctx, "job-1", 10), ErrJobTerminal))
	assert.True(t, errors.Is(s.CompleteJob(ctx, "missing", "x"), ErrJobNotFound))

	job, _, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "output", job.OutputPayload)
	assert.Empty(t, job.ErrorDetail)
	require.NotNil(t, job.CompletedAt)
}

func TestMemoryStoreFailJobKeepsProgress(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedJob(t, s, "job-1")
	require.NoError(t, s.UpdateProgress(ctx, "job-1", 30))
	require.NoError(t, s.FailJob(ctx, "job-1", "worker exploded"))

	job, _, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, 30, job.Progress)
	assert.Equal(t, "worker exploded", job.ErrorDetail)
	assert.Empty(t, job.OutputPayload)
}

func TestMemoryStoreConcurrentDebitNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.RegisterUser(ctx, domain.User{UserID: "user-1"}))
	_, err := s.AddCredits(ctx, "user-1", 5)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryDebitCredit(ctx, "user-1", 1)
			if err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	credit, ok, err := s.GetCredits(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(5), granted.Load())
	assert.Equal(t, 0, credit)
}

func TestMemoryStoreDebitValidation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.TryDebitCredit(ctx, "ghost", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.TryDebitCredit(ctx, "ghost", 0)
	assert.True(t, errors.Is(err, ErrInvalidDebit))
}

func TestMemoryStoreAddCreditsNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.RegisterUser(ctx, domain.User{UserID: "user-1"}))

	ok, err := s.AddCredits(ctx, "user-1", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AddCredits(ctx, "user-1", -3)
	require.NoError(t, err)
	assert.False(t, ok)

	credit, _, _ := s.GetCredits(ctx, "user-1")
	assert.Equal(t, 2, credit)
}

func TestMemoryStoreRegisterUserFillsMissingFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.RegisterUser(ctx, domain.User{UserID: "user-1", DeviceType: "android"}))
	_, err := s.AddCredits(ctx, "user-1", 3)
	require.NoError(t, err)
	require.NoError(t, s.RegisterUser(ctx, domain.User{UserID: "user-1", DeviceType: "ios", Location: "NL"}))

	user, ok, err := s.GetUser(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "android", user.DeviceType)
	assert.Equal(t, "NL", user.Location)
	assert.Equal(t, 3, user.Credit)
	assert.NotNil(t, user.CreatedAt)
}

func TestMemoryStoreSubmitFeedbackStampsTime(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.SubmitFeedback(context.Background(), domain.Feedback{UserID: "user-1", Email: "a@b.c", Text: "nice"}))

	got := s.Feedback()
	require.Len(t, got, 1)
	assert.Equal(t, "nice", got[0].Text)
	assert.False(t, got[0].CreatedAt.IsZero())
}
