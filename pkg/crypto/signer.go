// Package crypto implements the signing service: detached signatures from a
// remote KMS/HSM with a local Ed25519 fallback, plus a signer registry that
// verification paths resolve KIDs against.
package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Signature algorithms carried in the signer registry. Verification dispatches
// on the registered algorithm, never on a hardcoded one.
const (
	AlgEd25519        = "ed25519"
	AlgRSAPKCS1SHA256 = "rsa-pkcs1v15-sha256"
)

var (
	// ErrSignerUnknown is returned when a KID is not present in the registry.
	ErrSignerUnknown = errors.New("signer unknown")
	// ErrSignatureInvalid is returned when a signature fails verification.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrSigningFailure is returned when the signing backend is unavailable
	// or refused the request.
	ErrSigningFailure = errors.New("signing failure")
)

// Signature is a detached signature plus the KID that produced it.
type Signature struct {
	SignatureB64 string `json:"signature_b64"`
	KID          string `json:"signer_kid"`
}

// Signer produces detached signatures over raw payload bytes. Callers are
// responsible for canonicalizing structured payloads first (pkg/canonicalize).
type Signer interface {
	Sign(ctx context.Context, payload []byte) (Signature, error)
	KID() string
}

// Verifier checks a detached signature against a declared KID.
type Verifier interface {
	Verify(ctx context.Context, payload []byte, signatureB64, kid string) error
}

// LocalSigner is the dev fallback: an Ed25519 key derived from a configured
// seed. Its KID is derived from the public key so restarts with the same seed
// keep a stable identity.
type LocalSigner struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	kid     string
}

// NewLocalSigner derives a signer from a 32-byte seed. A nil seed generates a
// fresh ephemeral key.
func NewLocalSigner(seed []byte) (*LocalSigner, error) {
	var priv ed25519.PrivateKey
	if seed == nil {
		var err error
		_, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("key generation failed: %w", err)
		}
	} else {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		priv = ed25519.NewKeyFromSeed(seed)
	}

	pub := priv.Public().(ed25519.PublicKey)
	return &LocalSigner{
		privKey: priv,
		pubKey:  pub,
		kid:     LocalKID(pub),
	}, nil
}

// LocalKID derives the fallback KID from a public key:
// "local-ed25519:<short-hash-of-public>".
func LocalKID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "local-ed25519:" + hex.EncodeToString(sum[:])[:12]
}

// Sign signs payload with the local key.
func (s *LocalSigner) Sign(ctx context.Context, payload []byte) (Signature, error) {
	sig := ed25519.Sign(s.privKey, payload)
	return Signature{
		SignatureB64: base64.StdEncoding.EncodeToString(sig),
		KID:          s.kid,
	}, nil
}

// KID returns the signer's key identifier.
func (s *LocalSigner) KID() string {
	return s.kid
}

// PublicKey returns the raw Ed25519 public key.
func (s *LocalSigner) PublicKey() ed25519.PublicKey {
	return s.pubKey
}

// Info returns the registry record for this signer, for startup registration.
func (s *LocalSigner) Info() SignerInfo {
	return SignerInfo{
		KID:          s.kid,
		Algorithm:    AlgEd25519,
		PublicKeyB64: base64.StdEncoding.EncodeToString(s.pubKey),
		DeployedAt:   time.Now().UTC(),
		Description:  "local ephemeral fallback signer",
	}
}
