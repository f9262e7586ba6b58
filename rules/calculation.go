package rules

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultQuantityField is read by per-unit and tiered calculations that do
// not name a quantity field
const DefaultQuantityField = "quantity"

// ErrCalculationOverflow is returned when a charge falls outside the range
// the billing report can store (NUMERIC(17,2))
var ErrCalculationOverflow = errors.New("calculation overflow")

// MaxCharge is the exclusive upper bound on the magnitude of a charge
var MaxCharge = decimal.New(1, 15)

// CalculationType discriminates CalculationSpec variants in rule definitions
type CalculationType string

const (
	CalculationFixed         CalculationType = "fixed"
	CalculationPerUnit       CalculationType = "per_unit"
	CalculationPercentage    CalculationType = "percentage"
	CalculationTieredLinear  CalculationType = "tiered_linear"
	CalculationCaseBasedTier CalculationType = "case_based_tier"
)

// CalculationSpec describes how a matched rule turns into a charge.
// The only implementations are the five strategy types below.
type CalculationSpec interface {
	Type() CalculationType
	calculation()
}

// Fixed charges Amount regardless of the record
type Fixed struct {
	Amount decimal.Decimal
}

// PerUnit charges Rate times the quantity field
type PerUnit struct {
	Rate          decimal.Decimal
	QuantityField string
}

// Percentage charges Rate (a fraction, 0.05 for 5%) times the base field
type Percentage struct {
	Rate      decimal.Decimal
	BaseField string
}

// TieredLinear selects a per-unit rate by bracket and applies it to the whole quantity
type TieredLinear struct {
	Tiers         TierConfig
	QuantityField string
}

// CaseBasedTier selects a flat per-case amount by bracket
type CaseBasedTier struct {
	Tiers         TierConfig
	QuantityField string
}

func (Fixed) Type() CalculationType         { return CalculationFixed }
func (PerUnit) Type() CalculationType       { return CalculationPerUnit }
func (Percentage) Type() CalculationType    { return CalculationPercentage }
func (TieredLinear) Type() CalculationType  { return CalculationTieredLinear }
func (CaseBasedTier) Type() CalculationType { return CalculationCaseBasedTier }

func (Fixed) calculation()         {}
func (PerUnit) calculation()       {}
func (Percentage) calculation()    {}
func (TieredLinear) calculation()  {}
func (CaseBasedTier) calculation() {}

// Calculation is the unrounded outcome of a calculation
type Calculation struct {
	Amount decimal.Decimal
	// Applied is false when a tiered calculation found no tier
	Applied bool
	Detail  string
}

// Calculate prices one record. Missing or non-numeric input fields produce a
// zero charge with a diagnostic in Detail; the only error is
// ErrCalculationOverflow.
func Calculate(spec CalculationSpec, r Record) (Calculation, error) {
	var c Calculation

	switch s := spec.(type) {
	case Fixed:
		c = Calculation{
			Amount:  s.Amount,
			Applied: true,
			Detail:  "fixed " + s.Amount.StringFixed(2),
		}

	case PerUnit:
		field := quantityField(s.QuantityField)
		q, diag := numericField(r, field)
		if diag != "" {
			return Calculation{Amount: decimal.Zero, Applied: true, Detail: diag}, nil
		}
		c = Calculation{
			Amount:  s.Rate.Mul(q),
			Applied: true,
			Detail:  fmt.Sprintf("%s %s at %s/unit", field, q, formatRate(s.Rate)),
		}

	case Percentage:
		base, diag := numericField(r, s.BaseField)
		if diag != "" {
			return Calculation{Amount: decimal.Zero, Applied: true, Detail: diag}, nil
		}
		c = Calculation{
			Amount:  s.Rate.Mul(base),
			Applied: true,
			Detail:  fmt.Sprintf("%s%% of %s %s", s.Rate.Shift(2), s.BaseField, base),
		}

	case TieredLinear:
		field := quantityField(s.QuantityField)
		q, t, detail, ok := resolveTier(r, field, s.Tiers)
		if !ok {
			return Calculation{Amount: decimal.Zero, Detail: detail}, nil
		}
		c = Calculation{
			Amount:  t.Value.Mul(q),
			Applied: true,
			Detail:  fmt.Sprintf("%s %s matched tier %s at %s/unit", field, q, t, formatRate(t.Value)),
		}

	case CaseBasedTier:
		field := quantityField(s.QuantityField)
		q, t, detail, ok := resolveTier(r, field, s.Tiers)
		if !ok {
			return Calculation{Amount: decimal.Zero, Detail: detail}, nil
		}
		c = Calculation{
			Amount:  t.Value,
			Applied: true,
			Detail:  fmt.Sprintf("%s %s matched tier %s at %s/case", field, q, t, formatRate(t.Value)),
		}

	default:
		return Calculation{Amount: decimal.Zero, Detail: fmt.Sprintf("unsupported calculation %T", spec)}, nil
	}

	if c.Amount.Abs().GreaterThanOrEqual(MaxCharge) {
		return Calculation{Amount: decimal.Zero, Detail: c.Detail},
			fmt.Errorf("%w: charge %s exceeds %s", ErrCalculationOverflow, c.Amount, MaxCharge)
	}
	return c, nil
}

// RoundCharge rounds to cents, half away from zero
func RoundCharge(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func resolveTier(r Record, field string, tiers TierConfig) (decimal.Decimal, Tier, string, bool) {
	q, diag := numericField(r, field)
	if diag != "" {
		return q, Tier{}, diag, false
	}
	i, ok := tiers.Match(q)
	if !ok {
		return q, Tier{}, fmt.Sprintf("%s %s matched no tier", field, q), false
	}
	return q, tiers[i], "", true
}

func numericField(r Record, field string) (decimal.Decimal, string) {
	v, ok := r.Get(field)
	if !ok {
		return decimal.Zero, fmt.Sprintf("field %q absent, charge 0", field)
	}
	n, ok := v.Number()
	if !ok {
		return decimal.Zero, fmt.Sprintf("field %q is %s, not numeric, charge 0", field, v.Kind())
	}
	return n, ""
}

func quantityField(name string) string {
	if name == "" {
		return DefaultQuantityField
	}
	return name
}

// formatRate prints at least two fractional digits without dropping precision
func formatRate(d decimal.Decimal) string {
	if d.Exponent() >= -2 {
		return d.StringFixed(2)
	}
	return d.String()
}
