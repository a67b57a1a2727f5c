// Package ledger implements the double-entry journal: balanced atomic
// posting, range queries for proofs, and compensating corrections. All
// amounts are integer minor units; floating point never touches a balance.
package ledger

import (
	"fmt"
)

// Money is a monetary value in a specific currency, in minor units.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"` // ISO 4217 code
}

// NewMoney creates a Money value.
func NewMoney(amount int64, currency string) Money {
	return Money{AmountMinor: amount, Currency: currency}
}

// Add adds two amounts. Returns an error on currency mismatch.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency}, nil
}

// Sub subtracts other from m. Returns an error on currency mismatch.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency}, nil
}

// IsZero reports whether the amount is 0.
func (m Money) IsZero() bool { return m.AmountMinor == 0 }

// IsPositive reports whether the amount is > 0.
func (m Money) IsPositive() bool { return m.AmountMinor > 0 }
