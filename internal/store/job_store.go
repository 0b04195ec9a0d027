package store

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dunamismax/florique/internal/domain"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobExists    = errors.New("job already exists")
	ErrJobTerminal  = errors.New("job is no longer processing")
	ErrUserNotFound = errors.New("user not found")
	ErrInvalidDebit = errors.New("debit amount must be positive")
)

// JobStore persists job records. Terminal transitions only apply to jobs that
// are still processing, and progress never moves backwards.
type JobStore interface {
	CreateJob(ctx context.Context, job domain.Job) error
	UpdateProgress(ctx context.Context, jobID string, progress int) error
	CompleteJob(ctx context.Context, jobID, outputPayload string) error
	FailJob(ctx context.Context, jobID, errorDetail string) error
	GetJob(ctx context.Context, jobID string) (domain.Job, bool, error)
}

// CreditStore owns per-user balances. TryDebitCredit is atomic with respect to
// the balance read and never drives a balance below zero.
type CreditStore interface {
	TryDebitCredit(ctx context.Context, owner string, amount int) (bool, error)
	AddCredits(ctx context.Context, owner string, amount int) (bool, error)
	GetCredits(ctx context.Context, owner string) (int, bool, error)
}

type UserStore interface {
	CreditStore
	RegisterUser(ctx context.Context, user domain.User) error
	GetUser(ctx context.Context, userID string) (domain.User, bool, error)
}

type BackgroundStore interface {
	ListBackgrounds(ctx context.Context) ([]string, error)
}

type FeedbackStore interface {
	SubmitFeedback(ctx context.Context, feedback domain.Feedback) error
}

type Store interface {
	JobStore
	UserStore
	BackgroundStore
	FeedbackStore
}

// PayloadLoader is implemented by stores whose rows may hold a reference in
// place of the output payload.
type PayloadLoader interface {
	LoadOutputPayload(ctx context.Context, job domain.Job) (string, error)
}
