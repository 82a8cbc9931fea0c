// Package ledger exposes atomic credit movements keyed by job id.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"adreel-backend/internal/logger"
	"adreel-backend/internal/models"
)

var ErrInsufficientBalance = errors.New("insufficient credit balance")

// Store persists ledger rows. AppendDebit and AppendRefund must be atomic
// with respect to concurrent movements for the same user/job.
type Store interface {
	Balance(ctx context.Context, userID uuid.UUID) (int, error)
	// AppendDebit writes entry (negative amount) only if the balance covers it.
	AppendDebit(ctx context.Context, entry models.LedgerEntry) error
	AppendCredit(ctx context.Context, entry models.LedgerEntry) error
	// AppendRefund credits back the job's net debit, if any, and returns the amount credited.
	AppendRefund(ctx context.Context, jobID uuid.UUID, entryID uuid.UUID, reason string, at time.Time) (int, error)
	JobEntries(ctx context.Context, jobID uuid.UUID) ([]models.LedgerEntry, error)
}

type Ledger struct {
	store Store
	log   *logger.Logger
	now   func() time.Time
}

func New(store Store, log *logger.Logger) *Ledger {
	return &Ledger{
		store: store,
		log:   log.With("component", "CreditLedger"),
		now:   time.Now,
	}
}

func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	return l.store.Balance(ctx, userID)
}

// Debit charges amount to userID for jobID. It returns ErrInsufficientBalance
// without writing anything when the balance is too low.
func (l *Ledger) Debit(ctx context.Context, userID uuid.UUID, amount int, jobID uuid.UUID, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	err := l.store.AppendDebit(ctx, models.LedgerEntry{
		ID:        uuid.New(),
		UserID:    userID,
		JobID:     jobID,
		Amount:    -amount,
		Reason:    reason,
		CreatedAt: l.now(),
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return err
		}
		return fmt.Errorf("failed to debit credits: %w", err)
	}
	l.log.Info("credits debited", "user_id", userID, "job_id", jobID, "amount", amount, "reason", reason)
	return nil
}

func (l *Ledger) Credit(ctx context.Context, userID uuid.UUID, amount int, jobID uuid.UUID, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	err := l.store.AppendCredit(ctx, models.LedgerEntry{
		ID:        uuid.New(),
		UserID:    userID,
		JobID:     jobID,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: l.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to credit: %w", err)
	}
	l.log.Info("credits returned", "user_id", userID, "job_id", jobID, "amount", amount, "reason", reason)
	return nil
}

// Refund returns whatever jobID still owes its user. Calling it again after a
// refund is a no-op, so every failure path may call it.
func (l *Ledger) Refund(ctx context.Context, jobID uuid.UUID, reason string) (int, error) {
	amount, err := l.store.AppendRefund(ctx, jobID, uuid.New(), reason, l.now())
	if err != nil {
		return 0, fmt.Errorf("failed to refund job %s: %w", jobID, err)
	}
	if amount > 0 {
		l.log.Info("job refunded", "job_id", jobID, "amount", amount, "reason", reason)
	}
	return amount, nil
}

func (l *Ledger) Entries(ctx context.Context, jobID uuid.UUID) ([]models.LedgerEntry, error) {
	return l.store.JobEntries(ctx, jobID)
}

// Net sums entries; a negative result means credits are still held by the job.
func Net(entries []models.LedgerEntry) int {
	total := 0
	for _, e := range entries {
		total += e.Amount
	}
	return total
}
