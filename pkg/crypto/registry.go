package crypto

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// SignerInfo is a signer registry record. Rotation is modeled as adding a new
// record under a new KID; old records stay for verification of historical
// signatures.
type SignerInfo struct {
	KID          string    `json:"kid"`
	Algorithm    string    `json:"algorithm"`
	PublicKeyB64 string    `json:"public_key_b64"`
	DeployedAt   time.Time `json:"deployed_at"`
	Description  string    `json:"description,omitempty"`
}

// Registry resolves KIDs to public keys and verifies detached signatures.
// Keys are cached in memory indefinitely; Reload refreshes from the backing
// store after a registry change.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]SignerInfo
	db   *sql.DB // nil for in-memory only (tests, lite mode)
}

// NewRegistry creates an in-memory signer registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]SignerInfo)}
}

// NewPostgresRegistry creates a registry backed by the signer_registry table.
func NewPostgresRegistry(db *sql.DB) *Registry {
	return &Registry{keys: make(map[string]SignerInfo), db: db}
}

// Register adds or refreshes a signer record. Public key and algorithm are
// immutable per KID; only the deployment timestamp is refreshed on re-register.
func (r *Registry) Register(ctx context.Context, info SignerInfo) error {
	if info.KID == "" || info.PublicKeyB64 == "" {
		return fmt.Errorf("register: kid and public key are required")
	}
	if info.Algorithm != AlgEd25519 && info.Algorithm != AlgRSAPKCS1SHA256 {
		return fmt.Errorf("register: unsupported algorithm %q", info.Algorithm)
	}
	if info.DeployedAt.IsZero() {
		info.DeployedAt = time.Now().UTC()
	}

	r.mu.Lock()
	if existing, ok := r.keys[info.KID]; ok {
		if existing.PublicKeyB64 != info.PublicKeyB64 || existing.Algorithm != info.Algorithm {
			r.mu.Unlock()
			return fmt.Errorf("register: kid %s already bound to a different key", info.KID)
		}
	}
	r.keys[info.KID] = info
	r.mu.Unlock()

	if r.db == nil {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO signer_registry (kid, algorithm, public_key, deployed_at, description)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (kid) DO UPDATE SET deployed_at = EXCLUDED.deployed_at`,
		info.KID, info.Algorithm, info.PublicKeyB64, info.DeployedAt, info.Description,
	)
	if err != nil {
		return fmt.Errorf("register: persist failed: %w", err)
	}
	return nil
}

// Get returns the record for a KID.
func (r *Registry) Get(kid string) (SignerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.keys[kid]
	if !ok {
		return SignerInfo{}, fmt.Errorf("%w: %s", ErrSignerUnknown, kid)
	}
	return info, nil
}

// List returns all registered signers sorted by the backing map iteration;
// callers needing stable order sort themselves.
func (r *Registry) List() []SignerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SignerInfo, 0, len(r.keys))
	for _, info := range r.keys {
		out = append(out, info)
	}
	return out
}

// Reload replaces the cache with the persisted registry contents.
func (r *Registry) Reload(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT kid, algorithm, public_key, deployed_at, description FROM signer_registry`)
	if err != nil {
		return fmt.Errorf("registry reload: %w", err)
	}
	defer func() { _ = rows.Close() }()

	fresh := make(map[string]SignerInfo)
	for rows.Next() {
		var info SignerInfo
		var desc sql.NullString
		if err := rows.Scan(&info.KID, &info.Algorithm, &info.PublicKeyB64, &info.DeployedAt, &desc); err != nil {
			return fmt.Errorf("registry reload scan: %w", err)
		}
		info.Description = desc.String
		fresh[info.KID] = info
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("registry reload rows: %w", err)
	}

	r.mu.Lock()
	r.keys = fresh
	r.mu.Unlock()
	return nil
}

// Verify checks signatureB64 over payload against the key registered for kid.
// The algorithm comes from the registry record, not from the caller.
func (r *Registry) Verify(ctx context.Context, payload []byte, signatureB64, kid string) error {
	info, err := r.Get(kid)
	if err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding: %v", ErrSignatureInvalid, err)
	}
	pubBytes, err := base64.StdEncoding.DecodeString(info.PublicKeyB64)
	if err != nil {
		return fmt.Errorf("registry: corrupt public key for %s: %w", kid, err)
	}

	switch info.Algorithm {
	case AlgEd25519:
		if len(pubBytes) != ed25519.PublicKeySize {
			return fmt.Errorf("registry: bad ed25519 key size for %s", kid)
		}
		if !ed25519.Verify(ed25519.PublicKey(pubBytes), payload, sig) {
			return fmt.Errorf("%w: kid %s", ErrSignatureInvalid, kid)
		}
		return nil
	case AlgRSAPKCS1SHA256:
		parsed, err := x509.ParsePKIXPublicKey(pubBytes)
		if err != nil {
			return fmt.Errorf("registry: bad rsa key for %s: %w", kid, err)
		}
		rsaPub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("registry: key for %s is not RSA", kid)
		}
		digest := sha256.Sum256(payload)
		if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig); err != nil {
			return fmt.Errorf("%w: kid %s", ErrSignatureInvalid, kid)
		}
		return nil
	default:
		return fmt.Errorf("registry: unsupported algorithm %q for %s", info.Algorithm, kid)
	}
}
