// Package credit implements admission control: an atomic check-and-deduct
// against the per-user balance held by the store.
package credit

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dunamismax/florique/internal/domain"
	"go.uber.org/zap"
)

// Ledger is the store capability the gate drives. Implementations must make
// the debit atomic with respect to the balance read.
type Ledger interface {
	TryDebitCredit(ctx context.Context, owner string, amount int) (bool, error)
	AddCredits(ctx context.Context, owner string, amount int) (bool, error)
}

type Gate struct {
	ledger Ledger
	logger *zap.SugaredLogger
}

func NewGate(ledger Ledger, logger *zap.SugaredLogger) *Gate {
	return &Gate{ledger: ledger, logger: logger.Named("credit")}
}

// TryDebit returns false without error when the balance is insufficient. An
// error means the ledger could not answer; the balance is then unchanged.
func (g *Gate) TryDebit(ctx context.Context, owner string, amount int) (bool, error) {
	if strings.TrimSpace(owner) == "" {
		return false, errors.Mark(errors.New("owner is required"), domain.ErrValidation)
	}
	if amount <= 0 {
		return false, errors.Mark(errors.Newf("debit amount must be positive, got %d", amount), domain.ErrValidation)
	}

	ok, err := g.ledger.TryDebitCredit(ctx, owner, amount)
	if err != nil {
		return false, errors.Mark(errors.Wrapf(err, "debit %d credit(s) from %s", amount, owner), domain.ErrPersistence)
	}
	if !ok {
		g.logger.Infow("credit debit refused", "user_id", owner, "amount", amount)
	}
	return ok, nil
}

// Refund returns previously debited credit. It is used when a job could not
// be persisted after its admission was paid for.
func (g *Gate) Refund(ctx context.Context, owner string, amount int) error {
	if amount <= 0 {
		return nil
	}
	ok, err := g.ledger.AddCredits(ctx, owner, amount)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "refund %d credit(s) to %s", amount, owner), domain.ErrPersistence)
	}
	if !ok {
		return errors.Mark(errors.Newf("refund target %s not found", owner), domain.ErrNotFound)
	}
	return nil
}
