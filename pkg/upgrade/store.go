package upgrade

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
)

// TxHook runs inside the store's write transaction, so the caller's audit
// append commits or rolls back with the mutation. tx is nil for memory
// stores; a hook error aborts the write.
type TxHook func(ctx context.Context, tx *sql.Tx) error

// Store persists upgrades and approvals. Every mutation takes a hook that,
// when non-nil, runs in the same transaction.
type Store interface {
	Create(ctx context.Context, u Upgrade, post TxHook) error
	Get(ctx context.Context, id string) (Upgrade, error)
	ListByState(ctx context.Context, state State) ([]Upgrade, error)
	// AddApproval inserts an approval; (upgrade_id, approver_id) is unique.
	AddApproval(ctx context.Context, a Approval, post TxHook) error
	Approvals(ctx context.Context, upgradeID string) ([]Approval, error)
	// SetState moves an upgrade between states with an optimistic from-state
	// check; extra carries the fields the transition writes.
	SetState(ctx context.Context, id string, from, to State, extra StateExtra, post TxHook) error
}

// StateExtra is the optional columns a state transition writes.
type StateExtra struct {
	KernelSignature string
	KernelKID       string
	RatifyDeadline  *time.Time
	RejectReason    string
}

// PostgresStore persists upgrades in the upgrade and upgrade_approval tables.
// The manifest is stored as its canonical JSON alongside the extracted
// columns the workflow queries on.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed upgrade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, u Upgrade, post TxHook) error {
	manifest, err := json.Marshal(u.Manifest)
	if err != nil {
		return fmt.Errorf("upgrade create: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upgrade create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO upgrade (id, manifest, manifest_hash, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.Manifest.UpgradeID, manifest, u.ManifestHash, string(u.State), u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upgrade create: %w", err)
	}
	if post != nil {
		if err := post(ctx, tx); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upgrade create: %w", err)
	}
	return nil
}

const upgradeColumns = `id, manifest, manifest_hash, state,
	COALESCE(kernel_signature, ''), COALESCE(kernel_kid, ''),
	ratify_deadline, COALESCE(reject_reason, ''), created_at, updated_at`

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (Upgrade, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+upgradeColumns+` FROM upgrade WHERE id = $1`, id)
	u, err := scanUpgrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Upgrade{}, fmt.Errorf("%w: %s", ErrUpgradeNotFound, id)
		}
		return Upgrade{}, fmt.Errorf("upgrade get: %w", err)
	}
	return u, nil
}

// ListByState implements Store.
func (s *PostgresStore) ListByState(ctx context.Context, state State) ([]Upgrade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+upgradeColumns+` FROM upgrade WHERE state = $1 ORDER BY created_at`,
		string(state))
	if err != nil {
		return nil, fmt.Errorf("upgrade list: %w", err)
	}
	defer rows.Close()

	var out []Upgrade
	for rows.Next() {
		u, err := scanUpgrade(rows)
		if err != nil {
			return nil, fmt.Errorf("upgrade scan: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpgrade(r rowScanner) (Upgrade, error) {
	var u Upgrade
	var id, state string
	var manifest []byte
	var deadline sql.NullTime
	err := r.Scan(&id, &manifest, &u.ManifestHash, &state,
		&u.KernelSignature, &u.KernelKID, &deadline, &u.RejectReason,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return Upgrade{}, err
	}
	if err := json.Unmarshal(manifest, &u.Manifest); err != nil {
		return Upgrade{}, fmt.Errorf("manifest decode: %w", err)
	}
	u.State = State(state)
	if deadline.Valid {
		t := deadline.Time.UTC()
		u.RatifyDeadline = &t
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}

// AddApproval implements Store.
func (s *PostgresStore) AddApproval(ctx context.Context, a Approval, post TxHook) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("approval insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO upgrade_approval (upgrade_id, approver_id, signature, notes, ts)
		VALUES ($1, $2, $3, $4, $5)`,
		a.UpgradeID, a.ApproverID, a.SignatureB64, a.Notes, a.TS,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("%w: %s", ErrDuplicateApproval, a.ApproverID)
		}
		return fmt.Errorf("approval insert: %w", err)
	}
	if post != nil {
		if err := post(ctx, tx); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("approval insert: %w", err)
	}
	return nil
}

// Approvals implements Store.
func (s *PostgresStore) Approvals(ctx context.Context, upgradeID string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT upgrade_id, approver_id, signature, COALESCE(notes, ''), ts
		FROM upgrade_approval WHERE upgrade_id = $1 ORDER BY ts`, upgradeID)
	if err != nil {
		return nil, fmt.Errorf("approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var a Approval
		if err := rows.Scan(&a.UpgradeID, &a.ApproverID, &a.SignatureB64, &a.Notes, &a.TS); err != nil {
			return nil, fmt.Errorf("approval scan: %w", err)
		}
		a.TS = a.TS.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetState implements Store.
func (s *PostgresStore) SetState(ctx context.Context, id string, from, to State, extra StateExtra, post TxHook) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upgrade state: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE upgrade SET state = $1,
			kernel_signature = NULLIF($2, ''),
			kernel_kid = NULLIF($3, ''),
			ratify_deadline = COALESCE($4, ratify_deadline),
			reject_reason = NULLIF($5, ''),
			updated_at = now()
		WHERE id = $6 AND state = $7`,
		string(to), extra.KernelSignature, extra.KernelKID,
		extra.RatifyDeadline, extra.RejectReason, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("upgrade state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upgrade state: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: not in %s", ErrWrongState, from)
	}
	if post != nil {
		if err := post(ctx, tx); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upgrade state: %w", err)
	}
	return nil
}

// MemoryStore is a transient Store for tests and lite mode.
type MemoryStore struct {
	mu        sync.RWMutex
	upgrades  map[string]Upgrade
	approvals map[string][]Approval
}

// NewMemoryStore creates an empty in-memory upgrade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		upgrades:  make(map[string]Upgrade),
		approvals: make(map[string][]Approval),
	}
}

// Create implements Store. The hook runs before the map write, so a hook
// failure leaves no trace the way a rollback would.
func (s *MemoryStore) Create(ctx context.Context, u Upgrade, post TxHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if post != nil {
		if err := post(ctx, nil); err != nil {
			return err
		}
	}
	s.upgrades[u.Manifest.UpgradeID] = u
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (Upgrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.upgrades[id]
	if !ok {
		return Upgrade{}, fmt.Errorf("%w: %s", ErrUpgradeNotFound, id)
	}
	return u, nil
}

// ListByState implements Store.
func (s *MemoryStore) ListByState(ctx context.Context, state State) ([]Upgrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Upgrade
	for _, u := range s.upgrades {
		if u.State == state {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AddApproval implements Store.
func (s *MemoryStore) AddApproval(ctx context.Context, a Approval, post TxHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.approvals[a.UpgradeID] {
		if existing.ApproverID == a.ApproverID {
			return fmt.Errorf("%w: %s", ErrDuplicateApproval, a.ApproverID)
		}
	}
	if post != nil {
		if err := post(ctx, nil); err != nil {
			return err
		}
	}
	s.approvals[a.UpgradeID] = append(s.approvals[a.UpgradeID], a)
	return nil
}

// Approvals implements Store.
func (s *MemoryStore) Approvals(ctx context.Context, upgradeID string) ([]Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Approval(nil), s.approvals[upgradeID]...), nil
}

// SetState implements Store.
func (s *MemoryStore) SetState(ctx context.Context, id string, from, to State, extra StateExtra, post TxHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.upgrades[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUpgradeNotFound, id)
	}
	if u.State != from {
		return fmt.Errorf("%w: not in %s", ErrWrongState, from)
	}
	if post != nil {
		if err := post(ctx, nil); err != nil {
			return err
		}
	}
	u.State = to
	if extra.KernelSignature != "" {
		u.KernelSignature = extra.KernelSignature
		u.KernelKID = extra.KernelKID
	}
	if extra.RatifyDeadline != nil {
		u.RatifyDeadline = extra.RatifyDeadline
	}
	if extra.RejectReason != "" {
		u.RejectReason = extra.RejectReason
	}
	u.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	s.upgrades[id] = u
	return nil
}
