package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/meridianhq/trustcore/pkg/audit"
)

// Statements live in consts so tests can check their column lists against
// the bootstrapped schema.
const (
	insertJournalSQL = `
		INSERT INTO ledger_journal (journal_id, posted_at, context, fx)
		VALUES ($1, $2, $3, $4)`
	insertLineSQL = `
		INSERT INTO ledger_line (journal_id, line_no, account_id, side, amount, currency, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	selectJournalSQL = `SELECT journal_id, posted_at, context, fx FROM ledger_journal WHERE journal_id = $1`
	selectLinesSQL   = `
		SELECT account_id, side, amount, currency, meta
		FROM ledger_line WHERE journal_id = $1 ORDER BY line_no ASC`
	balanceSQL = `
		SELECT currency,
		       COALESCE(SUM(CASE WHEN side = 'debit' THEN amount ELSE -amount END), 0)
		FROM ledger_line WHERE account_id = $1 GROUP BY currency`
)

// PostgresStore persists journals in ledger_journal/ledger_line and appends
// the ledger.post audit event in the same transaction.
type PostgresStore struct {
	db      *sql.DB
	chain   *audit.PostgresChain
	metrics Metrics
}

// NewPostgresStore creates a store over the given database and audit chain.
func NewPostgresStore(db *sql.DB, chain *audit.PostgresChain) *PostgresStore {
	return &PostgresStore{db: db, chain: chain}
}

// SetMetrics installs the post counter. Nil disables it.
func (s *PostgresStore) SetMetrics(m Metrics) { s.metrics = m }

// Post implements Store.
func (s *PostgresStore) Post(ctx context.Context, j Journal) (*Journal, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	j.PostedAt = time.Now().UTC().Truncate(time.Microsecond)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger post: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var contextJSON, fxJSON []byte
	if j.Context != nil {
		if contextJSON, err = json.Marshal(j.Context); err != nil {
			return nil, fmt.Errorf("ledger post: marshal context: %w", err)
		}
	}
	if j.FX != nil {
		if fxJSON, err = json.Marshal(j.FX); err != nil {
			return nil, fmt.Errorf("ledger post: marshal fx: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, insertJournalSQL,
		j.JournalID, j.PostedAt, nullBytes(contextJSON), nullBytes(fxJSON),
	); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJournal, j.JournalID)
		}
		return nil, fmt.Errorf("ledger post: insert journal: %w", err)
	}

	for i, e := range j.Entries {
		var metaJSON []byte
		if e.Meta != nil {
			if metaJSON, err = json.Marshal(e.Meta); err != nil {
				return nil, fmt.Errorf("ledger post: marshal entry meta: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, insertLineSQL,
			j.JournalID, i, e.AccountID, e.Side, e.AmountCents, e.Currency, nullBytes(metaJSON),
		); err != nil {
			return nil, fmt.Errorf("ledger post: insert line %d: %w", i, err)
		}
	}

	// Same transaction: a journal is never visible without its audit event.
	if _, err := s.chain.AppendTx(ctx, tx, audit.ShardLedger, "ledger.post", j.CanonicalForm()); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger post: commit: %w", err)
	}
	if s.metrics != nil {
		s.metrics.LedgerPost(ctx)
	}
	return &j, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, journalID string) (Journal, error) {
	var j Journal
	var contextJSON, fxJSON []byte
	err := s.db.QueryRowContext(ctx, selectJournalSQL, journalID).
		Scan(&j.JournalID, &j.PostedAt, &contextJSON, &fxJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Journal{}, fmt.Errorf("%w: %s", ErrJournalNotFound, journalID)
		}
		return Journal{}, fmt.Errorf("ledger get: %w", err)
	}
	j.PostedAt = j.PostedAt.UTC()
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &j.Context); err != nil {
			return Journal{}, fmt.Errorf("ledger get: corrupt context: %w", err)
		}
	}
	if len(fxJSON) > 0 {
		if err := json.Unmarshal(fxJSON, &j.FX); err != nil {
			return Journal{}, fmt.Errorf("ledger get: corrupt fx: %w", err)
		}
	}

	entries, err := s.linesFor(ctx, journalID)
	if err != nil {
		return Journal{}, err
	}
	j.Entries = entries
	return j, nil
}

func (s *PostgresStore) linesFor(ctx context.Context, journalID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectLinesSQL, journalID)
	if err != nil {
		return nil, fmt.Errorf("ledger lines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var metaJSON []byte
		if err := rows.Scan(&e.AccountID, &e.Side, &e.AmountCents, &e.Currency, &metaJSON); err != nil {
			return nil, fmt.Errorf("ledger lines scan: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Meta); err != nil {
				return nil, fmt.Errorf("ledger lines: corrupt meta: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger lines rows: %w", err)
	}
	return entries, nil
}

// InRange implements Store.
func (s *PostgresStore) InRange(ctx context.Context, from, to time.Time) ([]Journal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT journal_id FROM ledger_journal
		WHERE posted_at >= $1 AND posted_at < $2
		ORDER BY posted_at ASC, journal_id ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("ledger range: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger range scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger range rows: %w", err)
	}

	journals := make([]Journal, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		journals = append(journals, j)
	}
	return journals, nil
}

// Balance implements Store.
func (s *PostgresStore) Balance(ctx context.Context, accountID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, balanceSQL, accountID)
	if err != nil {
		return nil, fmt.Errorf("ledger balance: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var currency string
		var net int64
		if err := rows.Scan(&currency, &net); err != nil {
			return nil, fmt.Errorf("ledger balance scan: %w", err)
		}
		out[currency] = net
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger balance rows: %w", err)
	}
	return out, nil
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
