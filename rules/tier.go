package rules

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Tier maps the closed range [Min, Max] to Value
type Tier struct {
	Min   decimal.Decimal
	Max   decimal.Decimal
	Value decimal.Decimal
}

// Contains reports whether Min <= q <= Max
func (t Tier) Contains(q decimal.Decimal) bool {
	return t.Min.LessThanOrEqual(q) && q.LessThanOrEqual(t.Max)
}

func (t Tier) String() string {
	return t.Min.String() + "-" + t.Max.String()
}

// TierConfig is an ordered list of tiers. Ranges may overlap; the tier
// declared first wins.
type TierConfig []Tier

// NewTierConfig copies tiers after checking Min <= Max for each one
func NewTierConfig(tiers ...Tier) (TierConfig, error) {
	tc := make(TierConfig, len(tiers))
	for i, t := range tiers {
		if t.Min.GreaterThan(t.Max) {
			return nil, fmt.Errorf("tier %d: min %s is greater than max %s", i, t.Min, t.Max)
		}
		tc[i] = t
	}
	return tc, nil
}

// Match returns the index of the first tier containing q
func (tc TierConfig) Match(q decimal.Decimal) (int, bool) {
	for i := range tc {
		if tc[i].Contains(q) {
			return i, true
		}
	}
	return -1, false
}

// Resolve returns the value of the first tier containing q
func (tc TierConfig) Resolve(q decimal.Decimal) (decimal.Decimal, bool) {
	i, ok := tc.Match(q)
	if !ok {
		return decimal.Zero, false
	}
	return tc[i].Value, true
}
