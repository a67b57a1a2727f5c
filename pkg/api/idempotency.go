package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/meridianhq/trustcore/pkg/canonicalize"
)

// ErrIdempotencyConflict is returned when a key is reused with a different
// request body.
var ErrIdempotencyConflict = errors.New("idempotency key reused with different request")

// RequestHash derives the stored request fingerprint:
// SHA-256(method | path | canonical(body)). An empty body hashes as empty.
func RequestHash(method, path string, body []byte) (string, error) {
	canonical := body
	if len(bytes.TrimSpace(body)) > 0 {
		var err error
		canonical, err = canonicalize.JCSBytes(body)
		if err != nil {
			return "", fmt.Errorf("idempotency: canonicalize body: %w", err)
		}
	}
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IdempotencyLease is the outcome of acquiring a key. Either Replay is set
// and the stored response must be emitted verbatim, or the caller runs the
// handler and finishes with Commit or Abort.
type IdempotencyLease interface {
	// Replay returns the stored response when the key was already completed.
	Replay() (status int, body []byte, ok bool)
	// Commit stores the response and releases the row.
	Commit(ctx context.Context, status int, body []byte) error
	// Abort discards the placeholder so a retry re-executes.
	Abort() error
}

// IdempotencyStore serializes requests per (key, method, path). A concurrent
// second request blocks in Acquire until the first commits or aborts.
type IdempotencyStore interface {
	Acquire(ctx context.Context, key, method, path, requestHash string) (IdempotencyLease, error)
}

// PostgresIdempotency implements the row-lock protocol: the placeholder row
// is inserted inside a transaction that stays open across the handler, so
// the unique key and the row lock do the serialization.
type PostgresIdempotency struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresIdempotency creates a durable idempotency store. ttl <= 0
// defaults to 24h.
func NewPostgresIdempotency(db *sql.DB, ttl time.Duration) *PostgresIdempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &PostgresIdempotency{db: db, ttl: ttl}
}

type pgLease struct {
	tx     *sql.Tx
	key    string
	method string
	path   string

	replayStatus int
	replayBody   []byte
	replayed     bool
}

func (l *pgLease) Replay() (int, []byte, bool) {
	return l.replayStatus, l.replayBody, l.replayed
}

func (l *pgLease) Commit(ctx context.Context, status int, body []byte) error {
	_, err := l.tx.ExecContext(ctx, `
		UPDATE idempotency SET response_code = $1, response_body = $2, completed_at = now()
		WHERE key = $3 AND method = $4 AND path = $5`,
		status, body, l.key, l.method, l.path)
	if err != nil {
		_ = l.tx.Rollback()
		return fmt.Errorf("idempotency commit: %w", err)
	}
	return l.tx.Commit()
}

func (l *pgLease) Abort() error { return l.tx.Rollback() }

// Acquire implements IdempotencyStore.
func (s *PostgresIdempotency) Acquire(ctx context.Context, key, method, path, requestHash string) (IdempotencyLease, error) {
	// One retry: a concurrent first request may commit between our SELECT
	// and INSERT; the second attempt then replays.
	for attempt := 0; attempt < 2; attempt++ {
		lease, retry, err := s.acquireOnce(ctx, key, method, path, requestHash)
		if retry {
			continue
		}
		return lease, err
	}
	return nil, fmt.Errorf("idempotency: could not acquire %s", key)
}

func (s *PostgresIdempotency) acquireOnce(ctx context.Context, key, method, path, requestHash string) (IdempotencyLease, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency begin: %w", err)
	}

	var storedHash string
	var code sql.NullInt64
	var body []byte
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT request_hash, response_code, response_body, created_at
		FROM idempotency WHERE key = $1 AND method = $2 AND path = $3 FOR UPDATE`,
		key, method, path,
	).Scan(&storedHash, &code, &body, &createdAt)

	switch {
	case err == nil:
		if time.Since(createdAt) > s.ttl {
			// Expired rows are treated as absent.
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM idempotency WHERE key = $1 AND method = $2 AND path = $3`,
				key, method, path); err != nil {
				_ = tx.Rollback()
				return nil, false, fmt.Errorf("idempotency expire: %w", err)
			}
			return s.insertPlaceholder(ctx, tx, key, method, path, requestHash)
		}
		if storedHash != requestHash {
			_ = tx.Rollback()
			return nil, false, ErrIdempotencyConflict
		}
		if !code.Valid {
			// Placeholder without a response can only be a crashed writer's
			// leftover; it holds no lock, so take it over.
			return &pgLease{tx: tx, key: key, method: method, path: path}, false, nil
		}
		_ = tx.Rollback()
		return &pgLease{replayed: true, replayStatus: int(code.Int64), replayBody: body}, false, nil

	case errors.Is(err, sql.ErrNoRows):
		return s.insertPlaceholder(ctx, tx, key, method, path, requestHash)

	default:
		_ = tx.Rollback()
		return nil, false, fmt.Errorf("idempotency select: %w", err)
	}
}

func (s *PostgresIdempotency) insertPlaceholder(ctx context.Context, tx *sql.Tx, key, method, path, requestHash string) (IdempotencyLease, bool, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency (key, method, path, request_hash, created_at)
		VALUES ($1, $2, $3, $4, now())`,
		key, method, path, requestHash)
	if err != nil {
		_ = tx.Rollback()
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			// Lost the race; retry to replay the winner's response.
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("idempotency insert: %w", err)
	}
	return &pgLease{tx: tx, key: key, method: method, path: path}, false, nil
}

// MemoryIdempotency is the in-process store for tests and lite mode. An
// in-flight key blocks later acquirers on a channel the way the row lock
// does in Postgres.
type MemoryIdempotency struct {
	mu      sync.Mutex
	records map[string]*memRecord
	ttl     time.Duration
	now     func() time.Time
}

type memRecord struct {
	requestHash string
	status      int
	body        []byte
	createdAt   time.Time
	done        chan struct{}
	completed   bool
}

// NewMemoryIdempotency creates an empty in-memory store.
func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryIdempotency{
		records: make(map[string]*memRecord),
		ttl:     ttl,
		now:     time.Now,
	}
}

type memLease struct {
	store *MemoryIdempotency
	id    string
	rec   *memRecord

	replayStatus int
	replayBody   []byte
	replayed     bool
}

func (l *memLease) Replay() (int, []byte, bool) {
	return l.replayStatus, l.replayBody, l.replayed
}

func (l *memLease) Commit(_ context.Context, status int, body []byte) error {
	l.store.mu.Lock()
	l.rec.status = status
	l.rec.body = body
	l.rec.completed = true
	l.store.mu.Unlock()
	close(l.rec.done)
	return nil
}

func (l *memLease) Abort() error {
	l.store.mu.Lock()
	delete(l.store.records, l.id)
	l.store.mu.Unlock()
	close(l.rec.done)
	return nil
}

// Acquire implements IdempotencyStore.
func (s *MemoryIdempotency) Acquire(ctx context.Context, key, method, path, requestHash string) (IdempotencyLease, error) {
	id := method + "|" + path + "|" + key
	for {
		s.mu.Lock()
		rec, ok := s.records[id]
		if ok && s.now().Sub(rec.createdAt) > s.ttl && rec.completed {
			delete(s.records, id)
			ok = false
		}
		if !ok {
			rec = &memRecord{
				requestHash: requestHash,
				createdAt:   s.now(),
				done:        make(chan struct{}),
			}
			s.records[id] = rec
			s.mu.Unlock()
			return &memLease{store: s, id: id, rec: rec}, nil
		}
		if rec.requestHash != requestHash {
			s.mu.Unlock()
			return nil, ErrIdempotencyConflict
		}
		if rec.completed {
			s.mu.Unlock()
			return &memLease{replayed: true, replayStatus: rec.status, replayBody: rec.body}, nil
		}
		// In flight; wait for the first writer like a row lock would.
		done := rec.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header         { return b.header }
func (b *bufferedResponse) WriteHeader(code int)        { b.status = code }
func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

// maxFingerprintBody caps how much of a request body the middleware buffers
// to fingerprint it. Distinct from the response memoization limit, which is
// configured per server.
const maxFingerprintBody int64 = 1 << 20

// IdempotencyMiddleware wraps mutating requests carrying an Idempotency-Key.
// The first execution's response is captured and memoized; replays emit it
// verbatim. Responses over responseLimit return 413 and the placeholder is
// discarded so the operation stays retryable.
func IdempotencyMiddleware(store IdempotencyStore, responseLimit int64, logger *slog.Logger) func(http.Handler) http.Handler {
	if responseLimit <= 0 {
		responseLimit = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" || store == nil || !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxFingerprintBody+1))
			if err != nil {
				WriteError(w, http.StatusBadRequest, CodeValidation, "unreadable request body")
				return
			}
			if int64(len(body)) > maxFingerprintBody {
				WriteError(w, http.StatusRequestEntityTooLarge, CodeTooLarge, "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			hash, err := RequestHash(r.Method, r.URL.Path, body)
			if err != nil {
				WriteError(w, http.StatusBadRequest, CodeValidation, "request body is not valid JSON")
				return
			}

			lease, err := store.Acquire(r.Context(), key, r.Method, r.URL.Path, hash)
			if err != nil {
				if errors.Is(err, ErrIdempotencyConflict) {
					WriteError(w, http.StatusConflict, CodeIdempotencyConflict,
						"idempotency key was used with a different request")
					return
				}
				logger.Error("idempotency acquire failed", "error", err)
				WriteError(w, http.StatusInternalServerError, CodeInternal, "an unexpected error occurred")
				return
			}

			if status, stored, ok := lease.Replay(); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(status)
				_, _ = w.Write(stored)
				return
			}

			buf := newBufferedResponse()
			next.ServeHTTP(buf, r)

			switch {
			case int64(buf.body.Len()) > responseLimit:
				if err := lease.Abort(); err != nil {
					logger.Error("idempotency abort failed", "error", err)
				}
				WriteError(w, http.StatusRequestEntityTooLarge, CodeTooLarge,
					"response exceeds the idempotency body limit")
				return
			case buf.status >= 500:
				// Server faults stay retryable.
				if err := lease.Abort(); err != nil {
					logger.Error("idempotency abort failed", "error", err)
				}
			default:
				if err := lease.Commit(r.Context(), buf.status, buf.body.Bytes()); err != nil {
					logger.Error("idempotency commit failed", "error", err)
				}
			}

			for k, vals := range buf.header {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(buf.status)
			_, _ = w.Write(buf.body.Bytes())
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
