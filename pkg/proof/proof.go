// Package proof generates signed, offline-verifiable proofs over ledger
// ranges. A proof binds the canonical serialization of every journal in a
// half-open time range to a single SHA-256 digest and a registry-resolvable
// signature; regenerating over identical inputs is bit-stable.
package proof

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/trustcore/pkg/canonicalize"
	"github.com/meridianhq/trustcore/pkg/crypto"
	"github.com/meridianhq/trustcore/pkg/ledger"
)

// Range is the half-open interval [FromTS, ToTS).
type Range struct {
	FromTS time.Time `json:"from_ts"`
	ToTS   time.Time `json:"to_ts"`
}

// Proof is the persisted and returned proof object.
type Proof struct {
	ProofID      string    `json:"proof_id"`
	Range        Range     `json:"range"`
	Hash         string    `json:"hash"`
	SignerKID    string    `json:"signer_kid"`
	SignatureB64 string    `json:"signature"`
	TS           time.Time `json:"ts"`
}

// Store persists proof metadata.
type Store interface {
	Save(ctx context.Context, p Proof) error
	Get(ctx context.Context, proofID string) (Proof, error)
}

// Service generates and verifies proofs.
type Service struct {
	journals ledger.Store
	signer   crypto.Signer
	store    Store
}

// NewService wires a proof service over the ledger.
func NewService(journals ledger.Store, signer crypto.Signer, store Store) *Service {
	return &Service{journals: journals, signer: signer, store: store}
}

// DigestJournals computes the range digest: journals ordered by
// (posted_at, journal_id), each canonicalized, concatenated, SHA-256 hashed.
// Exposed so third-party verifiers can recompute from raw journals.
func DigestJournals(journals []ledger.Journal) (string, error) {
	var buf bytes.Buffer
	for _, j := range journals {
		canonical, err := canonicalize.JCS(j.CanonicalForm())
		if err != nil {
			return "", fmt.Errorf("proof: canonicalize %s: %w", j.JournalID, err)
		}
		buf.Write(canonical)
	}
	return canonicalize.HashBytes(buf.Bytes()), nil
}

// Generate builds, signs, and persists a proof over the range.
func (s *Service) Generate(ctx context.Context, r Range) (*Proof, error) {
	if !r.ToTS.After(r.FromTS) {
		return nil, fmt.Errorf("proof: to_ts must be after from_ts")
	}

	journals, err := s.journals.InRange(ctx, r.FromTS, r.ToTS)
	if err != nil {
		return nil, err
	}
	digest, err := DigestJournals(journals)
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(digest)
	if err != nil {
		return nil, fmt.Errorf("proof: bad digest: %w", err)
	}
	sig, err := s.signer.Sign(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("proof: %w", err)
	}

	p := Proof{
		ProofID:      uuid.New().String(),
		Range:        r,
		Hash:         digest,
		SignerKID:    sig.KID,
		SignatureB64: sig.SignatureB64,
		TS:           time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := s.store.Save(ctx, p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Get returns a persisted proof.
func (s *Service) Get(ctx context.Context, proofID string) (Proof, error) {
	return s.store.Get(ctx, proofID)
}

// Verify recomputes the digest from journals and checks the proof signature
// against the verifier (signer registry). This is the offline verification
// path: it needs only the journals, the proof, and the registry.
func Verify(ctx context.Context, verifier crypto.Verifier, journals []ledger.Journal, p Proof) error {
	digest, err := DigestJournals(journals)
	if err != nil {
		return err
	}
	if digest != p.Hash {
		return fmt.Errorf("%w: recomputed digest does not match proof", crypto.ErrSignatureInvalid)
	}
	raw, err := hex.DecodeString(p.Hash)
	if err != nil {
		return fmt.Errorf("proof: bad hash encoding: %w", err)
	}
	return verifier.Verify(ctx, raw, p.SignatureB64, p.SignerKID)
}
