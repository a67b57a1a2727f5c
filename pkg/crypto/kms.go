package crypto

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// KMSTLS holds optional mutual-TLS material for the signing proxy. When cert
// and key are present the client authenticates with them; when only CA is
// present it pins the server chain.
type KMSTLS struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// KMSClient speaks to the remote signing proxy:
//
//	POST /sign   {payload_b64}                      → {signature_b64, signer_id}
//	POST /verify {payload_b64, signature_b64, signer_id} → {verified}
//
// Transient failures (network errors, 5xx) are retried once with a 100 ms
// backoff that doubles. Non-5xx refusals are terminal.
type KMSClient struct {
	endpoint       string
	httpc          *http.Client
	kid            string // last signer_id seen, used as KID()
	maxAttempts    int
	initialBackoff time.Duration
}

// NewKMSClient builds a client for the given endpoint.
func NewKMSClient(endpoint string, tlsCfg *KMSTLS) (*KMSClient, error) {
	transport := &http.Transport{}
	if tlsCfg != nil {
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("kms: load client keypair: %w", err)
			}
			cfg.Certificates = []tls.Certificate{cert}
		}
		if tlsCfg.CAFile != "" {
			caPEM, err := os.ReadFile(tlsCfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("kms: read CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caPEM) {
				return nil, fmt.Errorf("kms: no certificates in CA file")
			}
			cfg.RootCAs = pool
		}
		transport.TLSClientConfig = cfg
	}

	return &KMSClient{
		endpoint:       endpoint,
		httpc:          &http.Client{Transport: transport, Timeout: 10 * time.Second},
		maxAttempts:    2,
		initialBackoff: 100 * time.Millisecond,
	}, nil
}

type kmsSignRequest struct {
	PayloadB64 string `json:"payload_b64"`
}

type kmsSignResponse struct {
	SignatureB64 string `json:"signature_b64"`
	SignerID     string `json:"signer_id"`
}

type kmsVerifyRequest struct {
	PayloadB64   string `json:"payload_b64"`
	SignatureB64 string `json:"signature_b64"`
	SignerID     string `json:"signer_id"`
}

type kmsVerifyResponse struct {
	Verified bool `json:"verified"`
}

// Sign requests a detached signature from the proxy.
func (c *KMSClient) Sign(ctx context.Context, payload []byte) (Signature, error) {
	req := kmsSignRequest{PayloadB64: base64.StdEncoding.EncodeToString(payload)}
	var resp kmsSignResponse
	if err := c.post(ctx, "/sign", req, &resp); err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}
	if resp.SignatureB64 == "" || resp.SignerID == "" {
		return Signature{}, fmt.Errorf("%w: proxy returned empty signature", ErrSigningFailure)
	}
	c.kid = resp.SignerID
	return Signature{SignatureB64: resp.SignatureB64, KID: resp.SignerID}, nil
}

// Verify asks the proxy to check a signature. Used for remote-only keys that
// are not mirrored into the local registry.
func (c *KMSClient) Verify(ctx context.Context, payload []byte, signatureB64, kid string) error {
	req := kmsVerifyRequest{
		PayloadB64:   base64.StdEncoding.EncodeToString(payload),
		SignatureB64: signatureB64,
		SignerID:     kid,
	}
	var resp kmsVerifyResponse
	if err := c.post(ctx, "/verify", req, &resp); err != nil {
		return fmt.Errorf("kms verify: %w", err)
	}
	if !resp.Verified {
		return fmt.Errorf("%w: kid %s", ErrSignatureInvalid, kid)
	}
	return nil
}

// KID returns the signer id reported by the proxy on the last Sign.
func (c *KMSClient) KID() string {
	return c.kid
}

// Ping performs a trial signature. Startup uses this to fail fast when
// REQUIRE_KMS is set and the proxy is unreachable.
func (c *KMSClient) Ping(ctx context.Context) error {
	_, err := c.Sign(ctx, []byte("trustcore-startup-probe"))
	return err
}

func (c *KMSClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			// Network error or connection reset: retryable.
			lastErr = err
			continue
		}

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("proxy returned %d: %s", resp.StatusCode, string(data))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			// 4xx is a refusal, not a transient fault.
			return fmt.Errorf("proxy refused with %d: %s", resp.StatusCode, string(data))
		}

		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return lastErr
}
