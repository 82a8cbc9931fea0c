package models

import (
	"time"

	"github.com/google/uuid"
)

// LedgerEntry is an append-only credit movement. Debits carry a negative amount.
type LedgerEntry struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	JobID     uuid.UUID `json:"job_id"`
	Amount    int       `json:"amount"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
