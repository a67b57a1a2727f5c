package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: for arbitrary string->int64 maps, canonicalization is stable
// across a decode/re-encode round trip and independent of insertion order.
func TestJCS_RoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("canonical(x) == canonical(decode(canonical(x)))", prop.ForAll(
		func(m map[string]int64) bool {
			first, err := JCS(m)
			if err != nil {
				return false
			}
			var decoded interface{}
			if err := json.Unmarshal(first, &decoded); err != nil {
				return false
			}
			second, err := JCS(decoded)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		gen.MapOf(gen.AlphaString(), gen.Int64()),
	))

	properties.Property("hash is order independent", prop.ForAll(
		func(keys []string) bool {
			forward := make(map[string]interface{}, len(keys))
			backward := make(map[string]interface{}, len(keys))
			for i, k := range keys {
				forward[k] = i
			}
			for i := len(keys) - 1; i >= 0; i-- {
				backward[keys[i]] = indexOf(keys, keys[i])
			}
			h1, err1 := CanonicalHash(forward)
			h2, err2 := CanonicalHash(backward)
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func indexOf(keys []string, k string) int {
	for i, v := range keys {
		if v == k {
			return i
		}
	}
	return -1
}
