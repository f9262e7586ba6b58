package rules

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

// TestRoundChargeProperties checks that a rounded charge has at most two
// fractional digits and moves by at most half a cent
func TestRoundChargeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	halfCent := decimal.New(5, -3)

	properties.Property("rounding stays within half a cent", prop.ForAll(
		func(units int64, exp int32) bool {
			amount := decimal.New(units, -exp)
			rounded := RoundCharge(amount)
			return rounded.Sub(amount).Abs().LessThanOrEqual(halfCent)
		},
		gen.Int64Range(-1_000_000_000, 1_000_000_000),
		gen.Int32Range(0, 8),
	))

	properties.Property("rounding keeps at most two decimals", prop.ForAll(
		func(units int64, exp int32) bool {
			rounded := RoundCharge(decimal.New(units, -exp))
			return rounded.Equal(rounded.Truncate(2))
		},
		gen.Int64Range(-1_000_000_000, 1_000_000_000),
		gen.Int32Range(0, 8),
	))

	properties.Property("rounding is symmetric around zero", prop.ForAll(
		func(units int64, exp int32) bool {
			amount := decimal.New(units, -exp)
			return RoundCharge(amount.Neg()).Equal(RoundCharge(amount).Neg())
		},
		gen.Int64Range(-1_000_000_000, 1_000_000_000),
		gen.Int32Range(0, 8),
	))

	properties.TestingRun(t)
}

// TestTierResolutionProperties checks first-match-wins against a linear scan
func TestTierResolutionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("resolved tier is the first one containing the quantity", prop.ForAll(
		func(bounds []int64, q int64) bool {
			var tiers []Tier
			for i := 0; i+1 < len(bounds); i += 2 {
				lo, hi := bounds[i], bounds[i+1]
				if lo > hi {
					lo, hi = hi, lo
				}
				tiers = append(tiers, Tier{
					Min:   decimal.NewFromInt(lo),
					Max:   decimal.NewFromInt(hi),
					Value: decimal.NewFromInt(int64(i)),
				})
			}
			tc, err := NewTierConfig(tiers...)
			if err != nil {
				return false
			}

			qd := decimal.NewFromInt(q)
			idx, ok := tc.Match(qd)
			for i, tr := range tiers {
				if tr.Min.LessThanOrEqual(qd) && qd.LessThanOrEqual(tr.Max) {
					return ok && idx == i
				}
			}
			return !ok
		},
		gen.SliceOf(gen.Int64Range(0, 100)),
		gen.Int64Range(-5, 105),
	))

	properties.TestingRun(t)
}

// TestPerUnitLinearity checks that doubling the quantity doubles the
// unrounded per-unit charge
func TestPerUnitLinearity(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("per-unit charge is linear in quantity", prop.ForAll(
		func(rateCents int64, q int64) bool {
			spec := PerUnit{Rate: decimal.New(rateCents, -2)}
			one, err1 := Calculate(spec, RecordOf(map[string]Value{"quantity": Integer(q)}))
			two, err2 := Calculate(spec, RecordOf(map[string]Value{"quantity": Integer(2 * q)}))
			if err1 != nil || err2 != nil {
				return false
			}
			return two.Amount.Equal(one.Amount.Mul(decimal.NewFromInt(2)))
		},
		gen.Int64Range(0, 100_000),
		gen.Int64Range(0, 1_000_000),
	))

	properties.TestingRun(t)
}
