package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meridianhq/trustcore/pkg/audit"
)

// MemoryStore is a transient Store for tests and lite mode. Posting still
// writes the ledger.post audit event so the invariants hold end to end.
type MemoryStore struct {
	mu       sync.RWMutex
	journals map[string]Journal
	chain    audit.Chain
	metrics  Metrics
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore(chain audit.Chain) *MemoryStore {
	return &MemoryStore{journals: make(map[string]Journal), chain: chain}
}

// SetMetrics installs the post counter. Nil disables it.
func (s *MemoryStore) SetMetrics(m Metrics) { s.metrics = m }

// Post implements Store.
func (s *MemoryStore) Post(ctx context.Context, j Journal) (*Journal, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	j.PostedAt = time.Now().UTC().Truncate(time.Microsecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.journals[j.JournalID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJournal, j.JournalID)
	}
	if _, err := s.chain.Append(ctx, audit.ShardLedger, "ledger.post", j.CanonicalForm()); err != nil {
		return nil, err
	}
	s.journals[j.JournalID] = j
	if s.metrics != nil {
		s.metrics.LedgerPost(ctx)
	}
	return &j, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, journalID string) (Journal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.journals[journalID]
	if !ok {
		return Journal{}, fmt.Errorf("%w: %s", ErrJournalNotFound, journalID)
	}
	return j, nil
}

// InRange implements Store.
func (s *MemoryStore) InRange(ctx context.Context, from, to time.Time) ([]Journal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Journal
	for _, j := range s.journals {
		if !j.PostedAt.Before(from) && j.PostedAt.Before(to) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].PostedAt.Equal(out[b].PostedAt) {
			return out[a].PostedAt.Before(out[b].PostedAt)
		}
		return out[a].JournalID < out[b].JournalID
	})
	return out, nil
}

// Balance implements Store.
func (s *MemoryStore) Balance(ctx context.Context, accountID string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := make(map[string]Money)
	for _, j := range s.journals {
		for _, e := range j.Entries {
			if e.AccountID != accountID {
				continue
			}
			sum, ok := sums[e.Currency]
			if !ok {
				sum = NewMoney(0, e.Currency)
			}
			var err error
			if e.Side == SideDebit {
				sum, err = sum.Add(e.Money())
			} else {
				sum, err = sum.Sub(e.Money())
			}
			if err != nil {
				return nil, err
			}
			sums[e.Currency] = sum
		}
	}
	out := make(map[string]int64, len(sums))
	for currency, m := range sums {
		out[currency] = m.AmountMinor
	}
	return out, nil
}
