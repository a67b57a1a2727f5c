package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Entry sides.
const (
	SideDebit  = "debit"
	SideCredit = "credit"
)

var (
	// ErrLedgerImbalance is returned when debits and credits do not match
	// within a currency bucket (or in base currency on the FX path).
	ErrLedgerImbalance = errors.New("ledger imbalance")
	// ErrDuplicateJournal is returned when a journal id was already posted.
	ErrDuplicateJournal = errors.New("journal already posted")
	// ErrJournalNotFound is returned by lookups of unknown journal ids.
	ErrJournalNotFound = errors.New("journal not found")
)

// Entry is one line of a journal.
type Entry struct {
	AccountID   string         `json:"account_id"`
	Side        string         `json:"side"`
	AmountCents int64          `json:"amount_cents"`
	Currency    string         `json:"currency"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Money returns the entry amount as a Money value.
func (e Entry) Money() Money { return NewMoney(e.AmountCents, e.Currency) }

// FX carries the journal-scoped translation into the base accounting
// currency. Rates are decimal strings evaluated exactly (big.Rat); the
// balance assertion on the FX path happens before any rounding.
type FX struct {
	BaseCurrency string            `json:"base_currency"`
	Rates        map[string]string `json:"rates"` // currency → units of base per unit
	AsOf         time.Time         `json:"as_of"`
}

// Journal is a balanced set of entries posted atomically.
type Journal struct {
	JournalID string         `json:"journal_id"`
	Entries   []Entry        `json:"entries"`
	Context   map[string]any `json:"context,omitempty"`
	FX        *FX            `json:"fx,omitempty"`
	PostedAt  time.Time      `json:"posted_at,omitempty"`
}

// Validate checks entry preconditions and the balance invariant:
// Σ debits == Σ credits per currency bucket, or in base currency when the
// journal carries FX rates.
func (j Journal) Validate() error {
	if j.JournalID == "" {
		return fmt.Errorf("journal_id is required")
	}
	if len(j.Entries) == 0 {
		return fmt.Errorf("journal %s has no entries", j.JournalID)
	}
	for i, e := range j.Entries {
		if e.AccountID == "" {
			return fmt.Errorf("entry %d: account_id is required", i)
		}
		if e.Side != SideDebit && e.Side != SideCredit {
			return fmt.Errorf("entry %d: side must be debit or credit, got %q", i, e.Side)
		}
		if !e.Money().IsPositive() {
			return fmt.Errorf("entry %d: amount must be positive, got %d", i, e.AmountCents)
		}
		if e.Currency == "" {
			return fmt.Errorf("entry %d: currency is required", i)
		}
	}
	return j.checkBalance()
}

func (j Journal) checkBalance() error {
	if j.FX != nil {
		return j.checkBalanceFX()
	}

	type bucket struct{ debits, credits Money }
	buckets := make(map[string]bucket)
	for _, e := range j.Entries {
		b, ok := buckets[e.Currency]
		if !ok {
			b = bucket{debits: NewMoney(0, e.Currency), credits: NewMoney(0, e.Currency)}
		}
		var err error
		if e.Side == SideDebit {
			b.debits, err = b.debits.Add(e.Money())
		} else {
			b.credits, err = b.credits.Add(e.Money())
		}
		if err != nil {
			return err
		}
		buckets[e.Currency] = b
	}
	for currency, b := range buckets {
		net, err := b.debits.Sub(b.credits)
		if err != nil {
			return err
		}
		if !net.IsZero() {
			return fmt.Errorf("%w: %s debits=%d credits=%d",
				ErrLedgerImbalance, currency, b.debits.AmountMinor, b.credits.AmountMinor)
		}
	}
	return nil
}

func (j Journal) checkBalanceFX() error {
	debits := new(big.Rat)
	credits := new(big.Rat)
	for _, e := range j.Entries {
		rate, err := j.FX.rateFor(e.Currency)
		if err != nil {
			return err
		}
		amount := new(big.Rat).SetInt64(e.AmountCents)
		amount.Mul(amount, rate)
		if e.Side == SideDebit {
			debits.Add(debits, amount)
		} else {
			credits.Add(credits, amount)
		}
	}
	if debits.Cmp(credits) != 0 {
		return fmt.Errorf("%w: in %s debits=%s credits=%s",
			ErrLedgerImbalance, j.FX.BaseCurrency, debits.FloatString(6), credits.FloatString(6))
	}
	return nil
}

func (fx *FX) rateFor(currency string) (*big.Rat, error) {
	if currency == fx.BaseCurrency {
		return big.NewRat(1, 1), nil
	}
	raw, ok := fx.Rates[currency]
	if !ok {
		return nil, fmt.Errorf("%w: no fx rate for %s", ErrLedgerImbalance, currency)
	}
	rate, ok := new(big.Rat).SetString(raw)
	if !ok || rate.Sign() <= 0 {
		return nil, fmt.Errorf("invalid fx rate %q for %s", raw, currency)
	}
	return rate, nil
}

// Compensate builds the correcting journal for j: every entry inverted, with
// metadata referencing the original. Corrections never touch existing rows.
func Compensate(original Journal, newID string) Journal {
	entries := make([]Entry, len(original.Entries))
	for i, e := range original.Entries {
		side := SideDebit
		if e.Side == SideDebit {
			side = SideCredit
		}
		entries[i] = Entry{
			AccountID:   e.AccountID,
			Side:        side,
			AmountCents: e.AmountCents,
			Currency:    e.Currency,
			Meta:        e.Meta,
		}
	}
	return Journal{
		JournalID: newID,
		Entries:   entries,
		FX:        original.FX,
		Context: map[string]any{
			"reverses": original.JournalID,
		},
	}
}

// canonicalForm is the exact shape hashed for audits and proofs. PostedAt is
// rendered RFC 3339 with nanoseconds so the digest is reproducible from the
// stored row.
type canonicalForm struct {
	JournalID string         `json:"journal_id"`
	Entries   []Entry        `json:"entries"`
	Context   map[string]any `json:"context,omitempty"`
	FX        *FX            `json:"fx,omitempty"`
	PostedAt  string         `json:"posted_at"`
}

// CanonicalForm returns the canonicalization input for the journal.
func (j Journal) CanonicalForm() canonicalForm {
	return canonicalForm{
		JournalID: j.JournalID,
		Entries:   j.Entries,
		Context:   j.Context,
		FX:        j.FX,
		PostedAt:  j.PostedAt.UTC().Format(time.RFC3339Nano),
	}
}
