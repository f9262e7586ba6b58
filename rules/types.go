package rules

import (
	"time"

	"github.com/shopspring/decimal"
)

// AdjustmentType tells the billing report how to book a rule's charge
type AdjustmentType string

const (
	AdjustmentCharge    AdjustmentType = "charge"
	AdjustmentSurcharge AdjustmentType = "surcharge"
	AdjustmentDiscount  AdjustmentType = "discount"
)

// Rule pairs a condition with a calculation. Rules are immutable once
// loaded; an edit stores a new version of the owning RuleGroup.
type Rule struct {
	ID             string
	Name           string
	Condition      Condition // nil means the rule always applies
	Calculation    CalculationSpec
	AdjustmentType AdjustmentType
}

// RuleGroup is an ordered set of rules evaluated together against a record.
// Every matching rule contributes its charge.
type RuleGroup struct {
	ID            string
	Name          string
	Version       int
	Rules         []*Rule
	DerivedFields []*DerivedField
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EvaluationResult is the outcome of one rule against one record
type EvaluationResult struct {
	RuleID         string
	RuleName       string
	AdjustmentType AdjustmentType
	Matched        bool
	Charge         *decimal.Decimal // rounded to cents; nil when the condition failed or the rule errored
	Detail         string
	Error          error
}

// Total sums the charges of matched results
func Total(results []*EvaluationResult) decimal.Decimal {
	total := decimal.Zero
	for _, res := range results {
		if res.Matched && res.Charge != nil {
			total = total.Add(*res.Charge)
		}
	}
	return total
}
