package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meridianhq/trustcore/pkg/audit"
)

// Snapshot is a portable sqlite copy of audit shards, produced by the
// export command and consumed by offline verifiers. A snapshot plus the
// signer registry is everything a third party needs to replay the chain.
type Snapshot struct {
	db *sql.DB
}

// OpenSnapshot opens or creates a snapshot file.
func OpenSnapshot(ctx context.Context, path string) (*Snapshot, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_event (
			id         TEXT PRIMARY KEY,
			shard      TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			type       TEXT NOT NULL,
			payload    TEXT NOT NULL,
			ts         TEXT NOT NULL,
			prev_hash  TEXT,
			hash       TEXT NOT NULL,
			signature  TEXT NOT NULL,
			signer_kid TEXT NOT NULL,
			UNIQUE (shard, seq)
		)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("snapshot schema: %w", err)
	}
	return &Snapshot{db: db}, nil
}

// Close releases the snapshot file.
func (s *Snapshot) Close() error { return s.db.Close() }

// Write appends events to the snapshot. Re-exporting the same range is a
// no-op per event.
func (s *Snapshot) Write(ctx context.Context, events []audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("snapshot write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_event (id, shard, seq, type, payload, ts, prev_hash, hash, signature, signer_kid)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (shard, seq) DO NOTHING`,
			e.ID, e.Shard, e.Seq, e.Type, string(e.Payload),
			e.TS.UTC().Format(time.RFC3339Nano), e.PrevHash, e.Hash, e.SignatureB64, e.SignerKID,
		)
		if err != nil {
			return fmt.Errorf("snapshot write %s/%d: %w", e.Shard, e.Seq, err)
		}
	}
	return tx.Commit()
}

// Events returns a shard's events in sequence order. toSeq 0 means head.
func (s *Snapshot) Events(ctx context.Context, shard string, fromSeq, toSeq int64) ([]audit.Event, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	q := `SELECT id, shard, seq, type, payload, ts, prev_hash, hash, signature, signer_kid
		FROM audit_event WHERE shard = $1 AND seq >= $2`
	args := []any{shard, fromSeq}
	if toSeq > 0 {
		q += ` AND seq <= $3`
		args = append(args, toSeq)
	}
	q += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("snapshot events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var e audit.Event
		var payload, ts string
		if err := rows.Scan(&e.ID, &e.Shard, &e.Seq, &e.Type, &payload, &ts,
			&e.PrevHash, &e.Hash, &e.SignatureB64, &e.SignerKID); err != nil {
			return nil, fmt.Errorf("snapshot scan: %w", err)
		}
		e.Payload = []byte(payload)
		e.TS, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("snapshot ts: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Shards lists the shards present in the snapshot.
func (s *Snapshot) Shards(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT shard FROM audit_event ORDER BY shard`)
	if err != nil {
		return nil, fmt.Errorf("snapshot shards: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var shard string
		if err := rows.Scan(&shard); err != nil {
			return nil, err
		}
		out = append(out, shard)
	}
	return out, rows.Err()
}
