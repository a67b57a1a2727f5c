// Package audit implements the signed append-only audit chain. Every
// state-changing action in trustcore becomes an event hash-linked to its
// predecessor and signed by the configured signer. Shards (ledger, policy,
// upgrade) carry independent chains with independent tails.
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meridianhq/trustcore/pkg/canonicalize"
	"github.com/meridianhq/trustcore/pkg/crypto"
)

// Shard names used by the core. Each has its own chain head.
const (
	ShardLedger  = "ledger"
	ShardPolicy  = "policy"
	ShardUpgrade = "upgrade"
)

// ErrChainBroken is wrapped by BrokenChainError when verification fails.
var ErrChainBroken = errors.New("audit chain broken")

// BrokenChainError reports the first offending event of a failed verification.
type BrokenChainError struct {
	EventID string
	Reason  string
}

func (e *BrokenChainError) Error() string {
	return fmt.Sprintf("audit chain broken at %s: %s", e.EventID, e.Reason)
}

func (e *BrokenChainError) Unwrap() error { return ErrChainBroken }

// Event is one link of a shard's chain. Append-only once persisted.
type Event struct {
	ID           string          `json:"id"`
	Shard        string          `json:"shard"`
	Seq          int64           `json:"seq"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	TS           time.Time       `json:"ts"`
	PrevHash     string          `json:"prev_hash,omitempty"`
	Hash         string          `json:"hash"`
	SignatureB64 string          `json:"signature"`
	SignerKID    string          `json:"signer_kid"`
}

// hashEnvelope is the exact structure hashed for each event. The payload is
// already canonical JSON when it lands here; the envelope itself goes through
// canonicalization again so field order never matters.
type hashEnvelope struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	PrevHash string          `json:"prev_hash,omitempty"`
	TS       string          `json:"ts"`
}

// ComputeHash returns the SHA-256 hex digest over the canonical form of
// {type, payload, prev_hash, ts}. prevHash is empty for the genesis event.
func ComputeHash(eventType string, payload json.RawMessage, prevHash string, ts time.Time) (string, error) {
	canonical, err := canonicalize.JCS(hashEnvelope{
		Type:     eventType,
		Payload:  payload,
		PrevHash: prevHash,
		TS:       ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize envelope: %w", err)
	}
	return canonicalize.HashBytes(canonical), nil
}

// HashBytes decodes an event's hex hash to the raw digest handed to the signer.
func HashBytes(hashHex string) ([]byte, error) {
	raw, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, fmt.Errorf("audit: bad hash encoding: %w", err)
	}
	return raw, nil
}

// Chain is the audit chain contract the rest of the core appends through.
type Chain interface {
	// Append canonicalizes payload, links it to the shard tail, signs the
	// hash, and persists the event. Atomic: a failed step leaves the chain
	// untouched.
	Append(ctx context.Context, shard, eventType string, payload interface{}) (*Event, error)

	// VerifyRange replays events by sequence (inclusive; toSeq 0 = head) and
	// returns a BrokenChainError at the first mismatch.
	VerifyRange(ctx context.Context, shard string, fromSeq, toSeq int64) error

	// Events returns the events of a shard in sequence order.
	Events(ctx context.Context, shard string, fromSeq, toSeq int64) ([]Event, error)
}

// Metrics receives the per-shard append counter. The observability package
// provides the OTel implementation.
type Metrics interface {
	AuditAppend(ctx context.Context, shard string)
}

// VerifyEvents replays a slice of exported events against a verifier. This
// is the offline path: it works on snapshots with no database behind them.
// prevHash anchors the first event; empty means the slice starts at genesis.
func VerifyEvents(ctx context.Context, verifier crypto.Verifier, events []Event, prevHash string) error {
	return verifyEvents(ctx, verifier, events, prevHash)
}

// verifyEvents re-derives each event hash, checks linkage, and checks the
// signature against the registry. Shared by both chain implementations.
func verifyEvents(ctx context.Context, verifier crypto.Verifier, events []Event, prevHash string) error {
	for i := range events {
		e := &events[i]
		expected, err := ComputeHash(e.Type, e.Payload, e.PrevHash, e.TS)
		if err != nil {
			return err
		}
		if e.Hash != expected {
			return &BrokenChainError{EventID: e.ID, Reason: "recomputed hash mismatch"}
		}
		if e.PrevHash != prevHash {
			return &BrokenChainError{EventID: e.ID, Reason: "prev_hash does not match predecessor"}
		}
		raw, err := HashBytes(e.Hash)
		if err != nil {
			return &BrokenChainError{EventID: e.ID, Reason: "unparseable hash"}
		}
		if err := verifier.Verify(ctx, raw, e.SignatureB64, e.SignerKID); err != nil {
			return &BrokenChainError{EventID: e.ID, Reason: fmt.Sprintf("signature: %v", err)}
		}
		prevHash = e.Hash
	}
	return nil
}
