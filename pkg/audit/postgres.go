package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/trustcore/pkg/canonicalize"
	"github.com/meridianhq/trustcore/pkg/crypto"
)

// PostgresChain persists the chain in audit_event with a per-shard head row in
// audit_chain_head. The head row's FOR UPDATE lock is the writer token: it
// serializes appends per shard and survives multi-process deployment, which an
// application mutex would not.
type PostgresChain struct {
	db       *sql.DB
	signer   crypto.Signer
	verifier crypto.Verifier
	metrics  Metrics
}

// NewPostgresChain creates a chain over the given database.
func NewPostgresChain(db *sql.DB, signer crypto.Signer, verifier crypto.Verifier) *PostgresChain {
	return &PostgresChain{db: db, signer: signer, verifier: verifier}
}

// SetMetrics installs the append counter. Nil disables it.
func (c *PostgresChain) SetMetrics(m Metrics) { c.metrics = m }

// Append implements Chain in its own transaction.
func (c *PostgresChain) Append(ctx context.Context, shard, eventType string, payload interface{}) (*Event, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("audit append: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	event, err := c.AppendTx(ctx, tx, shard, eventType, payload)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("audit append: commit: %w", err)
	}
	return event, nil
}

// AppendTx appends inside a caller-owned transaction. The ledger uses this so
// journal lines and their ledger.post event commit or roll back together.
func (c *PostgresChain) AppendTx(ctx context.Context, tx *sql.Tx, shard, eventType string, payload interface{}) (*Event, error) {
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("audit append: canonicalize payload: %w", err)
	}

	// Ensure the head row exists, then take the tail lock.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_chain_head (shard, seq, hash) VALUES ($1, 0, '')
		ON CONFLICT (shard) DO NOTHING`, shard); err != nil {
		return nil, fmt.Errorf("audit append: seed head: %w", err)
	}

	var headSeq int64
	var headHash string
	err = tx.QueryRowContext(ctx,
		`SELECT seq, hash FROM audit_chain_head WHERE shard = $1 FOR UPDATE`, shard,
	).Scan(&headSeq, &headHash)
	if err != nil {
		return nil, fmt.Errorf("audit append: lock head: %w", err)
	}

	// Truncate to what timestamptz can round-trip, otherwise re-verification
	// of the stored row would recompute a different hash.
	ts := time.Now().UTC().Truncate(time.Microsecond)

	hash, err := ComputeHash(eventType, canonical, headHash, ts)
	if err != nil {
		return nil, err
	}
	raw, err := HashBytes(hash)
	if err != nil {
		return nil, err
	}
	sig, err := c.signer.Sign(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("audit append: %w", err)
	}

	event := &Event{
		ID:           uuid.New().String(),
		Shard:        shard,
		Seq:          headSeq + 1,
		Type:         eventType,
		Payload:      canonical,
		TS:           ts,
		PrevHash:     headHash,
		Hash:         hash,
		SignatureB64: sig.SignatureB64,
		SignerKID:    sig.KID,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_event (id, shard, seq, type, payload, ts, prev_hash, hash, signature, signer_kid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.Shard, event.Seq, event.Type, []byte(event.Payload),
		event.TS, nullable(event.PrevHash), event.Hash, event.SignatureB64, event.SignerKID,
	); err != nil {
		return nil, fmt.Errorf("audit append: insert event: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE audit_chain_head SET seq = $1, hash = $2 WHERE shard = $3`,
		event.Seq, event.Hash, shard,
	); err != nil {
		return nil, fmt.Errorf("audit append: advance head: %w", err)
	}

	if c.metrics != nil {
		c.metrics.AuditAppend(ctx, shard)
	}
	return event, nil
}

// Events implements Chain.
func (c *PostgresChain) Events(ctx context.Context, shard string, fromSeq, toSeq int64) ([]Event, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	query := `
		SELECT id, shard, seq, type, payload, ts, prev_hash, hash, signature, signer_kid
		FROM audit_event WHERE shard = $1 AND seq >= $2`
	args := []interface{}{shard, fromSeq}
	if toSeq > 0 {
		query += ` AND seq <= $3`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq ASC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var payload []byte
		var prev sql.NullString
		if err := rows.Scan(&e.ID, &e.Shard, &e.Seq, &e.Type, &payload, &e.TS,
			&prev, &e.Hash, &e.SignatureB64, &e.SignerKID); err != nil {
			return nil, fmt.Errorf("audit events scan: %w", err)
		}
		e.Payload = payload
		e.PrevHash = prev.String
		e.TS = e.TS.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit events rows: %w", err)
	}
	return events, nil
}

// VerifyRange implements Chain.
func (c *PostgresChain) VerifyRange(ctx context.Context, shard string, fromSeq, toSeq int64) error {
	if fromSeq < 1 {
		fromSeq = 1
	}
	events, err := c.Events(ctx, shard, fromSeq, toSeq)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	prevHash := ""
	if fromSeq > 1 {
		err := c.db.QueryRowContext(ctx,
			`SELECT hash FROM audit_event WHERE shard = $1 AND seq = $2`,
			shard, fromSeq-1,
		).Scan(&prevHash)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("audit verify: load predecessor: %w", err)
		}
	}

	return verifyEvents(ctx, c.verifier, events, prevHash)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
