package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/trustcore/pkg/audit"
	"github.com/meridianhq/trustcore/pkg/crypto"
)

func balancedJournal(id string) Journal {
	return Journal{
		JournalID: id,
		Entries: []Entry{
			{AccountID: "cash", Side: SideDebit, AmountCents: 19999, Currency: "USD"},
			{AccountID: "revenue", Side: SideCredit, AmountCents: 19999, Currency: "USD"},
		},
	}
}

func TestValidate_Balanced(t *testing.T) {
	assert.NoError(t, balancedJournal("jrn-1").Validate())
}

func TestValidate_SingleDebitManyCredits(t *testing.T) {
	j := Journal{
		JournalID: "jrn-split",
		Entries: []Entry{
			{AccountID: "cash", Side: SideDebit, AmountCents: 10000, Currency: "USD"},
			{AccountID: "revenue", Side: SideCredit, AmountCents: 7000, Currency: "USD"},
			{AccountID: "tax", Side: SideCredit, AmountCents: 3000, Currency: "USD"},
		},
	}
	assert.NoError(t, j.Validate())
}

func TestValidate_Imbalance(t *testing.T) {
	j := balancedJournal("jrn-bad")
	j.Entries[1].AmountCents = 20000
	assert.ErrorIs(t, j.Validate(), ErrLedgerImbalance)
}

func TestValidate_TwoCurrenciesNoFX(t *testing.T) {
	j := Journal{
		JournalID: "jrn-fx-missing",
		Entries: []Entry{
			{AccountID: "cash", Side: SideDebit, AmountCents: 100, Currency: "USD"},
			{AccountID: "revenue", Side: SideCredit, AmountCents: 92, Currency: "EUR"},
		},
	}
	assert.ErrorIs(t, j.Validate(), ErrLedgerImbalance)
}

func TestValidate_FXTranslation(t *testing.T) {
	// 92 EUR at 25/23 (≈1.0869…) equals exactly 100 USD.
	j := Journal{
		JournalID: "jrn-fx",
		Entries: []Entry{
			{AccountID: "cash", Side: SideDebit, AmountCents: 100, Currency: "USD"},
			{AccountID: "revenue", Side: SideCredit, AmountCents: 92, Currency: "EUR"},
		},
		FX: &FX{
			BaseCurrency: "USD",
			Rates:        map[string]string{"EUR": "25/23"},
			AsOf:         time.Now().UTC(),
		},
	}
	assert.NoError(t, j.Validate())

	j.FX.Rates["EUR"] = "1.10"
	assert.ErrorIs(t, j.Validate(), ErrLedgerImbalance)
}

func TestValidate_RejectsBadEntries(t *testing.T) {
	cases := map[string]Journal{
		"zero amount": {JournalID: "j", Entries: []Entry{
			{AccountID: "a", Side: SideDebit, AmountCents: 0, Currency: "USD"}}},
		"negative amount": {JournalID: "j", Entries: []Entry{
			{AccountID: "a", Side: SideDebit, AmountCents: -5, Currency: "USD"}}},
		"bad side": {JournalID: "j", Entries: []Entry{
			{AccountID: "a", Side: "withdraw", AmountCents: 5, Currency: "USD"}}},
		"no entries": {JournalID: "j"},
		"no account": {JournalID: "j", Entries: []Entry{
			{Side: SideDebit, AmountCents: 5, Currency: "USD"}}},
	}
	for name, j := range cases {
		assert.Error(t, j.Validate(), name)
	}
}

func TestCompensate_InvertsAndBalances(t *testing.T) {
	original := balancedJournal("jrn-1")
	comp := Compensate(original, "jrn-1-rev")

	require.NoError(t, comp.Validate())
	assert.Equal(t, SideCredit, comp.Entries[0].Side)
	assert.Equal(t, SideDebit, comp.Entries[1].Side)
	assert.Equal(t, "jrn-1", comp.Context["reverses"])
}

func newMemoryStore(t *testing.T) (*MemoryStore, *audit.MemoryChain) {
	t.Helper()
	signer, err := crypto.NewLocalSigner(nil)
	require.NoError(t, err)
	registry := crypto.NewRegistry()
	require.NoError(t, registry.Register(context.Background(), signer.Info()))
	chain := audit.NewMemoryChain(signer, registry)
	return NewMemoryStore(chain), chain
}

func TestMemoryStore_PostWritesAudit(t *testing.T) {
	ctx := context.Background()
	store, chain := newMemoryStore(t)

	posted, err := store.Post(ctx, balancedJournal("jrn-1"))
	require.NoError(t, err)
	assert.False(t, posted.PostedAt.IsZero())

	events, err := chain.Events(ctx, audit.ShardLedger, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ledger.post", events[0].Type)
	assert.NoError(t, chain.VerifyRange(ctx, audit.ShardLedger, 0, 0))
}

func TestMemoryStore_DuplicateRejected(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemoryStore(t)

	_, err := store.Post(ctx, balancedJournal("jrn-1"))
	require.NoError(t, err)
	_, err = store.Post(ctx, balancedJournal("jrn-1"))
	assert.ErrorIs(t, err, ErrDuplicateJournal)
}

func TestMemoryStore_RangeOrdering(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemoryStore(t)

	for _, id := range []string{"jrn-b", "jrn-a", "jrn-c"} {
		_, err := store.Post(ctx, balancedJournal(id))
		require.NoError(t, err)
	}

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Hour)
	journals, err := store.InRange(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, journals, 3)

	// Ordered by (posted_at, journal_id); posts above are sequential so the
	// posting order wins.
	assert.Equal(t, "jrn-b", journals[0].JournalID)
}

func TestMoney_Arithmetic(t *testing.T) {
	a := NewMoney(1500, "USD")
	b := NewMoney(500, "USD")

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), sum.AmountMinor)

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), diff.AmountMinor)

	zero, err := a.Sub(a)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
	assert.False(t, zero.IsPositive())
	assert.True(t, a.IsPositive())

	_, err = a.Add(NewMoney(100, "EUR"))
	assert.Error(t, err)
	_, err = a.Sub(NewMoney(100, "EUR"))
	assert.Error(t, err)
}

type countingLedgerMetrics struct{ posts int }

func (m *countingLedgerMetrics) LedgerPost(context.Context) { m.posts++ }

func TestMemoryStore_PostCountsMetric(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemoryStore(t)
	metrics := &countingLedgerMetrics{}
	store.SetMetrics(metrics)

	_, err := store.Post(ctx, balancedJournal("jrn-1"))
	require.NoError(t, err)
	_, err = store.Post(ctx, balancedJournal("jrn-1"))
	require.ErrorIs(t, err, ErrDuplicateJournal)

	assert.Equal(t, 1, metrics.posts)
}

func TestMemoryStore_Balance(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemoryStore(t)

	_, err := store.Post(ctx, balancedJournal("jrn-1"))
	require.NoError(t, err)

	bal, err := store.Balance(ctx, "cash")
	require.NoError(t, err)
	assert.Equal(t, int64(19999), bal["USD"])

	bal, err = store.Balance(ctx, "revenue")
	require.NoError(t, err)
	assert.Equal(t, int64(-19999), bal["USD"])
}
