package governance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// TxHook runs inside the store's write transaction, so the caller's audit
// append commits or rolls back with the mutation. tx is nil for memory
// stores; a hook error aborts the write.
type TxHook func(ctx context.Context, tx *sql.Tx) error

// CreateHook is the Create variant of TxHook. It receives the stored policy
// with its assigned version.
type CreateHook func(ctx context.Context, tx *sql.Tx, created Policy) error

// Store persists policy versions and their state history.
type Store interface {
	// Create inserts a new policy version, assigning the next version number
	// for the name. post, when non-nil, runs in the same transaction.
	Create(ctx context.Context, p Policy, post CreateHook) (Policy, error)
	Get(ctx context.Context, id string) (Policy, error)
	List(ctx context.Context) ([]Policy, error)
	ListByState(ctx context.Context, state State) ([]Policy, error)
	// Transition moves a policy from one state to another. The from-state is
	// checked in the same statement, so a concurrent transition loses cleanly
	// with ErrInvalidTransition. post, when non-nil, runs in the same
	// transaction.
	Transition(ctx context.Context, id string, from, to State, actor, upgradeID string, post TxHook) error
	History(ctx context.Context, policyID string) ([]HistoryEntry, error)
}

// PostgresStore persists policies in the policy and policy_history tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const policyColumns = `id, name, version, severity, rule, effect, canary_percent, state, created_by, created_at, updated_at`

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, p Policy, post CreateHook) (Policy, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Policy{}, fmt.Errorf("policy create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM policy WHERE name = $1`, p.Name,
	).Scan(&maxVersion)
	if err != nil {
		return Policy{}, fmt.Errorf("policy version: %w", err)
	}
	p.Version = maxVersion + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy (id, name, version, severity, rule, effect, canary_percent, state, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.Name, p.Version, string(p.Severity), p.Rule,
		string(p.Metadata.Effect), p.Metadata.CanaryPercent, string(p.State),
		p.CreatedBy, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return Policy{}, fmt.Errorf("policy create: concurrent version for %s, retry", p.Name)
		}
		return Policy{}, fmt.Errorf("policy create: %w", err)
	}
	if post != nil {
		if err := post(ctx, tx, p); err != nil {
			return Policy{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Policy{}, fmt.Errorf("policy create: %w", err)
	}
	return p, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (Policy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policy WHERE id = $1`, id)
	p, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Policy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
		}
		return Policy{}, fmt.Errorf("policy get: %w", err)
	}
	return p, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]Policy, error) {
	return s.query(ctx,
		`SELECT `+policyColumns+` FROM policy ORDER BY name, version DESC`)
}

// ListByState implements Store.
func (s *PostgresStore) ListByState(ctx context.Context, state State) ([]Policy, error) {
	return s.query(ctx,
		`SELECT `+policyColumns+` FROM policy WHERE state = $1 ORDER BY name, version DESC`,
		string(state))
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("policy list: %w", err)
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("policy scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(r rowScanner) (Policy, error) {
	var p Policy
	var severity, effect, state string
	err := r.Scan(&p.ID, &p.Name, &p.Version, &severity, &p.Rule,
		&effect, &p.Metadata.CanaryPercent, &state,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Policy{}, err
	}
	p.Severity = Severity(severity)
	p.Metadata.Effect = Effect(effect)
	p.State = State(state)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// Transition implements Store.
func (s *PostgresStore) Transition(ctx context.Context, id string, from, to State, actor, upgradeID string, post TxHook) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("policy transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE policy SET state = $1, updated_at = now()
		WHERE id = $2 AND state = $3`,
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("policy transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("policy transition: %w", err)
	}
	if n == 0 {
		// Either the policy is gone or another transition got there first.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM policy WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("policy transition: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
		}
		return fmt.Errorf("%w: policy no longer in %s", ErrInvalidTransition, from)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_history (id, policy_id, from_state, to_state, actor, upgrade_id, ts)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), now())`,
		uuid.New().String(), id, string(from), string(to), actor, upgradeID)
	if err != nil {
		return fmt.Errorf("policy history: %w", err)
	}
	if post != nil {
		if err := post(ctx, tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// History implements Store.
func (s *PostgresStore) History(ctx context.Context, policyID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, policy_id, from_state, to_state, actor, COALESCE(upgrade_id, ''), ts
		FROM policy_history WHERE policy_id = $1 ORDER BY ts`, policyID)
	if err != nil {
		return nil, fmt.Errorf("policy history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var from, to string
		if err := rows.Scan(&h.ID, &h.PolicyID, &from, &to, &h.Actor, &h.UpgradeID, &h.TS); err != nil {
			return nil, fmt.Errorf("policy history scan: %w", err)
		}
		h.FromState, h.ToState = State(from), State(to)
		h.TS = h.TS.UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

// MemoryStore is a transient Store for tests and lite mode.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]Policy
	history  map[string][]HistoryEntry
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]Policy),
		history:  make(map[string][]HistoryEntry),
		now:      time.Now,
	}
}

// Create implements Store. The hook runs before the map write, so a hook
// failure leaves no trace the way a rollback would.
func (s *MemoryStore) Create(ctx context.Context, p Policy, post CreateHook) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maxVersion := 0
	for _, existing := range s.policies {
		if existing.Name == p.Name && existing.Version > maxVersion {
			maxVersion = existing.Version
		}
	}
	p.Version = maxVersion + 1
	if post != nil {
		if err := post(ctx, nil, p); err != nil {
			return Policy{}, err
		}
	}
	s.policies[p.ID] = p
	return p, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	return p, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context) ([]Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

// ListByState implements Store.
func (s *MemoryStore) ListByState(ctx context.Context, state State) ([]Policy, error) {
	all, _ := s.List(ctx)
	var out []Policy
	for _, p := range all {
		if p.State == state {
			out = append(out, p)
		}
	}
	return out, nil
}

// Transition implements Store.
func (s *MemoryStore) Transition(ctx context.Context, id string, from, to State, actor, upgradeID string, post TxHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	if p.State != from {
		return fmt.Errorf("%w: policy no longer in %s", ErrInvalidTransition, from)
	}
	if post != nil {
		if err := post(ctx, nil); err != nil {
			return err
		}
	}
	p.State = to
	p.UpdatedAt = s.now().UTC().Truncate(time.Microsecond)
	s.policies[id] = p
	s.history[id] = append(s.history[id], HistoryEntry{
		ID:        uuid.New().String(),
		PolicyID:  id,
		FromState: from,
		ToState:   to,
		Actor:     actor,
		UpgradeID: upgradeID,
		TS:        p.UpdatedAt,
	})
	return nil
}

// History implements Store.
func (s *MemoryStore) History(ctx context.Context, policyID string) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]HistoryEntry(nil), s.history[policyID]...), nil
}

// CachedStore wraps a Store with a short TTL cache over the by-state lists
// that sit on the enforcement hot path. Writes through this store invalidate
// the cache immediately.
type CachedStore struct {
	Store
	ttl time.Duration

	mu      sync.Mutex
	entries map[State]cachedList
	now     func() time.Time
}

type cachedList struct {
	policies []Policy
	at       time.Time
}

// NewCachedStore wraps inner with a by-state cache. ttl <= 0 defaults to 5s.
func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &CachedStore{
		Store:   inner,
		ttl:     ttl,
		entries: make(map[State]cachedList),
		now:     time.Now,
	}
}

// ListByState serves from cache inside the TTL.
func (s *CachedStore) ListByState(ctx context.Context, state State) ([]Policy, error) {
	s.mu.Lock()
	entry, ok := s.entries[state]
	if ok && s.now().Sub(entry.at) < s.ttl {
		out := append([]Policy(nil), entry.policies...)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	fresh, err := s.Store.ListByState(ctx, state)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.entries[state] = cachedList{policies: fresh, at: s.now()}
	s.mu.Unlock()
	return append([]Policy(nil), fresh...), nil
}

// Create invalidates the cache after writing through.
func (s *CachedStore) Create(ctx context.Context, p Policy, post CreateHook) (Policy, error) {
	created, err := s.Store.Create(ctx, p, post)
	if err == nil {
		s.invalidate()
	}
	return created, err
}

// Transition invalidates the cache after writing through.
func (s *CachedStore) Transition(ctx context.Context, id string, from, to State, actor, upgradeID string, post TxHook) error {
	err := s.Store.Transition(ctx, id, from, to, actor, upgradeID, post)
	if err == nil {
		s.invalidate()
	}
	return err
}

func (s *CachedStore) invalidate() {
	s.mu.Lock()
	s.entries = make(map[State]cachedList)
	s.mu.Unlock()
}
