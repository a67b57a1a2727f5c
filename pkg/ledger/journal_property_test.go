package ledger

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: a journal built by mirroring arbitrary positive amounts validates,
// and perturbing any single amount breaks it.
func TestJournal_BalanceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	amounts := gen.SliceOfN(4, gen.Int64Range(1, 1_000_000))

	properties.Property("mirrored entries always balance", prop.ForAll(
		func(values []int64) bool {
			j := Journal{JournalID: "jrn-prop"}
			for _, v := range values {
				j.Entries = append(j.Entries,
					Entry{AccountID: "a", Side: SideDebit, AmountCents: v, Currency: "USD"},
					Entry{AccountID: "b", Side: SideCredit, AmountCents: v, Currency: "USD"},
				)
			}
			return j.Validate() == nil
		},
		amounts,
	))

	properties.Property("perturbing one amount breaks the balance", prop.ForAll(
		func(values []int64, delta int64) bool {
			j := Journal{JournalID: "jrn-prop"}
			for _, v := range values {
				j.Entries = append(j.Entries,
					Entry{AccountID: "a", Side: SideDebit, AmountCents: v, Currency: "USD"},
					Entry{AccountID: "b", Side: SideCredit, AmountCents: v, Currency: "USD"},
				)
			}
			j.Entries[0].AmountCents += delta
			return j.Validate() != nil
		},
		amounts,
		gen.Int64Range(1, 1000),
	))

	properties.TestingRun(t)
}
