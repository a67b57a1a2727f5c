package proof

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// ErrProofNotFound is returned by lookups of unknown proof ids.
var ErrProofNotFound = errors.New("proof not found")

// PostgresStore persists proofs in ledger_proof.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed proof store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, p Proof) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_proof (proof_id, from_ts, to_ts, hash, signer_kid, signature, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ProofID, p.Range.FromTS, p.Range.ToTS, p.Hash, p.SignerKID, p.SignatureB64, p.TS,
	)
	if err != nil {
		return fmt.Errorf("proof save: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, proofID string) (Proof, error) {
	var p Proof
	err := s.db.QueryRowContext(ctx, `
		SELECT proof_id, from_ts, to_ts, hash, signer_kid, signature, ts
		FROM ledger_proof WHERE proof_id = $1`, proofID,
	).Scan(&p.ProofID, &p.Range.FromTS, &p.Range.ToTS, &p.Hash, &p.SignerKID, &p.SignatureB64, &p.TS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Proof{}, fmt.Errorf("%w: %s", ErrProofNotFound, proofID)
		}
		return Proof{}, fmt.Errorf("proof get: %w", err)
	}
	p.Range.FromTS = p.Range.FromTS.UTC()
	p.Range.ToTS = p.Range.ToTS.UTC()
	p.TS = p.TS.UTC()
	return p, nil
}

// MemoryStore is a transient Store for tests and lite mode.
type MemoryStore struct {
	mu     sync.RWMutex
	proofs map[string]Proof
}

// NewMemoryStore creates an empty in-memory proof store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proofs: make(map[string]Proof)}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, p Proof) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proofs[p.ProofID] = p
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, proofID string) (Proof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proofs[proofID]
	if !ok {
		return Proof{}, fmt.Errorf("%w: %s", ErrProofNotFound, proofID)
	}
	return p, nil
}
