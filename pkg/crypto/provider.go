package crypto

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
)

// Options selects the signing backend at startup.
type Options struct {
	// KMSEndpoint is the signing-proxy base URL. Preferred when set.
	KMSEndpoint string
	// RequireKMS forbids the local fallback and makes an unreachable proxy
	// fatal at startup.
	RequireKMS bool
	// TLS is the optional mTLS material for the proxy connection.
	TLS *KMSTLS
	// LocalSeedHex is the hex-encoded 32-byte seed for the fallback signer.
	// Empty means a fresh ephemeral key.
	LocalSeedHex string
}

// NewSigner builds the process signer per the configured backend and registers
// local keys into the registry so verification paths can resolve them.
func NewSigner(ctx context.Context, opts Options, registry *Registry, logger *slog.Logger) (Signer, error) {
	if opts.KMSEndpoint != "" {
		client, err := NewKMSClient(opts.KMSEndpoint, opts.TLS)
		if err != nil {
			return nil, err
		}
		if opts.RequireKMS {
			if err := client.Ping(ctx); err != nil {
				return nil, fmt.Errorf("kms unreachable with REQUIRE_KMS set: %w", err)
			}
		}
		logger.Info("signing backend: kms proxy", "endpoint", opts.KMSEndpoint)
		return client, nil
	}

	if opts.RequireKMS {
		return nil, fmt.Errorf("REQUIRE_KMS is set but no KMS endpoint configured")
	}

	var seed []byte
	if opts.LocalSeedHex != "" {
		var err error
		seed, err = hex.DecodeString(opts.LocalSeedHex)
		if err != nil {
			return nil, fmt.Errorf("bad local signer seed: %w", err)
		}
	}
	local, err := NewLocalSigner(seed)
	if err != nil {
		return nil, err
	}
	if err := registry.Register(ctx, local.Info()); err != nil {
		return nil, fmt.Errorf("register local signer: %w", err)
	}
	logger.Warn("signing backend: local ed25519 fallback", "kid", local.KID())
	return local, nil
}

// ChainVerifier resolves signatures against the registry first and falls back
// to the remote proxy for KIDs that only the KMS knows.
type ChainVerifier struct {
	Registry *Registry
	KMS      *KMSClient
}

// Verify implements Verifier.
func (v *ChainVerifier) Verify(ctx context.Context, payload []byte, signatureB64, kid string) error {
	err := v.Registry.Verify(ctx, payload, signatureB64, kid)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSignerUnknown) && v.KMS != nil {
		return v.KMS.Verify(ctx, payload, signatureB64, kid)
	}
	return err
}
