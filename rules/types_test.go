package rules

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func charge(s string) *decimal.Decimal {
	c := decimal.RequireFromString(s)
	return &c
}

func TestTotal(t *testing.T) {
	tests := []struct {
		name    string
		results []*EvaluationResult
		want    string
	}{
		{"no results", nil, "0.00"},
		{
			name: "matched charges are summed",
			results: []*EvaluationResult{
				{RuleID: "a", Matched: true, Charge: charge("25.00")},
				{RuleID: "b", Matched: true, Charge: charge("1.05")},
			},
			want: "26.05",
		},
		{
			name: "unmatched and errored results are skipped",
			results: []*EvaluationResult{
				{RuleID: "a", Matched: true, Charge: charge("10.00")},
				{RuleID: "b", Matched: false},
				{RuleID: "c", Matched: false, Error: errors.New("boom")},
			},
			want: "10.00",
		},
		{
			name: "discounts are booked as authored",
			results: []*EvaluationResult{
				{RuleID: "a", Matched: true, Charge: charge("10.00")},
				{RuleID: "b", Matched: true, Charge: charge("-2.50"), AdjustmentType: AdjustmentDiscount},
			},
			want: "7.50",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Total(tt.results).StringFixed(2); got != tt.want {
				t.Errorf("Total() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRuleAdjustmentType(t *testing.T) {
	amount := decimal.NewFromInt(1)
	calc := &CalculationDefinition{Type: string(CalculationFixed), Amount: &amount}

	tests := []struct {
		authored string
		want     AdjustmentType
		wantErr  bool
	}{
		{"", AdjustmentCharge, false},
		{"charge", AdjustmentCharge, false},
		{"surcharge", AdjustmentSurcharge, false},
		{"discount", AdjustmentDiscount, false},
		{"rebate", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.authored, func(t *testing.T) {
			rule, err := RuleDefinition{ID: "r", AdjustmentType: tt.authored, Calculation: calc}.build()
			if tt.wantErr {
				if !errors.Is(err, ErrRuleDefinition) {
					t.Fatalf("build() error = %v, want ErrRuleDefinition", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("build() failed: %v", err)
			}
			if rule.AdjustmentType != tt.want {
				t.Errorf("AdjustmentType = %s, want %s", rule.AdjustmentType, tt.want)
			}
		})
	}
}
