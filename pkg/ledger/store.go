package ledger

import (
	"context"
	"time"
)

// Store is the durable journal interface. Posting is atomic with the
// ledger.post audit event: no visible journal lacks its audit row.
type Store interface {
	// Post validates and persists a journal plus its audit event. The
	// returned journal carries the assigned PostedAt.
	Post(ctx context.Context, j Journal) (*Journal, error)

	// Get retrieves a posted journal by id.
	Get(ctx context.Context, journalID string) (Journal, error)

	// InRange returns journals with PostedAt in [from, to), ordered by
	// (posted_at, journal_id). The ordering is part of the proof contract.
	InRange(ctx context.Context, from, to time.Time) ([]Journal, error)

	// Balance returns per-currency net (debits − credits) for an account.
	Balance(ctx context.Context, accountID string) (map[string]int64, error)
}

// Metrics receives the posted-journal counter. The observability package
// provides the OTel implementation.
type Metrics interface {
	LedgerPost(ctx context.Context)
}
