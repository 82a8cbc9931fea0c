package supabase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"adreel-backend/internal/ledger"
	"adreel-backend/internal/models"
)

// Every movement for a user runs under a transaction-scoped advisory lock on
// that user, so a balance check and the insert that depends on it are atomic.
func lockUser(ctx context.Context, tx *sql.Tx, userID uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID.String())
	if err != nil {
		return fmt.Errorf("failed to lock ledger: %w", err)
	}
	return nil
}

func (d *DatabaseClient) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	var balance int
	err := d.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM credit_ledger
		WHERE user_id = $1
	`, userID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

func (d *DatabaseClient) AppendDebit(ctx context.Context, entry models.LedgerEntry) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockUser(ctx, tx, entry.UserID); err != nil {
			return err
		}
		var balance int
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE user_id = $1
		`, entry.UserID).Scan(&balance)
		if err != nil {
			return err
		}
		if balance+entry.Amount < 0 {
			return ledger.ErrInsufficientBalance
		}
		return insertEntry(ctx, tx, entry)
	})
}

func (d *DatabaseClient) AppendCredit(ctx context.Context, entry models.LedgerEntry) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockUser(ctx, tx, entry.UserID); err != nil {
			return err
		}
		return insertEntry(ctx, tx, entry)
	})
}

// AppendRefund credits back the job's outstanding net debit. A job with no
// debit, or one already refunded, nets to zero and writes nothing.
func (d *DatabaseClient) AppendRefund(ctx context.Context, jobID, entryID uuid.UUID, reason string, at time.Time) (int, error) {
	var userID uuid.UUID
	err := d.db.QueryRowContext(ctx, `
		SELECT user_id FROM credit_ledger WHERE job_id = $1 LIMIT 1
	`, jobID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find job ledger: %w", err)
	}

	refunded := 0
	err = d.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}
		var net int
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE job_id = $1
		`, jobID).Scan(&net)
		if err != nil {
			return err
		}
		if net >= 0 {
			return nil
		}
		refunded = -net
		return insertEntry(ctx, tx, models.LedgerEntry{
			ID:        entryID,
			UserID:    userID,
			JobID:     jobID,
			Amount:    refunded,
			Reason:    reason,
			CreatedAt: at,
		})
	})
	if err != nil {
		return 0, err
	}
	return refunded, nil
}

func (d *DatabaseClient) JobEntries(ctx context.Context, jobID uuid.UUID) ([]models.LedgerEntry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, user_id, job_id, amount, reason, created_at
		FROM credit_ledger
		WHERE job_id = $1
		ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		var job uuid.NullUUID
		if err := rows.Scan(&e.ID, &e.UserID, &job, &e.Amount, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.JobID = job.UUID
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertEntry(ctx context.Context, tx *sql.Tx, e models.LedgerEntry) error {
	job := uuid.NullUUID{UUID: e.JobID, Valid: e.JobID != uuid.Nil}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, user_id, job_id, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.UserID, job, e.Amount, e.Reason, e.CreatedAt)
	return err
}

func (d *DatabaseClient) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
