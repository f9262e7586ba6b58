package rules

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const warehouseGroup = `{
	"id": "warehouse",
	"name": "Warehouse fees",
	"derived_fields": [
		{"name": "cases", "expression": "record.quantity / record.case_size"}
	],
	"rules": [
		{
			"id": "pick",
			"name": "Pick fee",
			"condition": {"field": "quantity", "operator": "gt", "value": 5},
			"calculation": {"type": "per_unit", "rate": "2.50"}
		},
		{
			"id": "eu-surcharge",
			"adjustment_type": "surcharge",
			"condition": {
				"logic": "AND",
				"conditions": [
					{"field": "region", "operator": "in", "value": ["EU", "UK"]},
					{"field": "order_value", "operator": "gte", "value": 100.5}
				]
			},
			"calculation": {"type": "percentage", "rate": "0.05", "base_field": "order_value"}
		},
		{
			"id": "case-handling",
			"calculation": {
				"type": "case_based_tier",
				"quantity_field": "cases",
				"tiers": [
					{"min": 1, "max": 10, "value": "1.00"},
					{"min": 11, "max": 50, "value": "0.75"}
				]
			}
		}
	]
}`

func TestLoadRuleGroup(t *testing.T) {
	group, err := LoadRuleGroup([]byte(warehouseGroup))
	if err != nil {
		t.Fatalf("LoadRuleGroup() failed: %v", err)
	}

	if group.ID != "warehouse" || group.Name != "Warehouse fees" {
		t.Errorf("group = %s %q", group.ID, group.Name)
	}
	if len(group.DerivedFields) != 1 || group.DerivedFields[0].Name != "cases" {
		t.Fatalf("derived fields = %v", group.DerivedFields)
	}
	if len(group.Rules) != 3 {
		t.Fatalf("len(Rules) = %d, want 3", len(group.Rules))
	}

	pick := group.Rules[0]
	if pick.AdjustmentType != AdjustmentCharge {
		t.Errorf("default adjustment type = %q, want charge", pick.AdjustmentType)
	}
	leaf, ok := pick.Condition.(Leaf)
	if !ok || leaf.Operator != OpGt || leaf.Value.Kind() != KindInteger {
		t.Errorf("pick condition = %#v", pick.Condition)
	}
	if per, ok := pick.Calculation.(PerUnit); !ok || !per.Rate.Equal(d("2.5")) {
		t.Errorf("pick calculation = %#v", pick.Calculation)
	}

	surcharge := group.Rules[1]
	if surcharge.AdjustmentType != AdjustmentSurcharge {
		t.Errorf("adjustment type = %q", surcharge.AdjustmentType)
	}
	comp, ok := surcharge.Condition.(Composite)
	if !ok || comp.Logic != LogicAnd || len(comp.Children) != 2 {
		t.Fatalf("surcharge condition = %#v", surcharge.Condition)
	}
	if v := comp.Children[1].(Leaf).Value; v.Kind() != KindDecimal || v.String() != "100.5" {
		t.Errorf("decimal operand = %s %s", v.Kind(), v)
	}

	handling := group.Rules[2]
	if handling.Name != "case-handling" {
		t.Errorf("Name should default to the ID, got %q", handling.Name)
	}
	if handling.Condition != nil {
		t.Error("rule without condition should have a nil Condition")
	}
	cb, ok := handling.Calculation.(CaseBasedTier)
	if !ok || len(cb.Tiers) != 2 || cb.QuantityField != "cases" {
		t.Errorf("handling calculation = %#v", handling.Calculation)
	}
}

func TestRuleGroupDefinitionErrors(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		wantPath string
	}{
		{"malformed", `{"id": "g", "rules": [}`, "malformed JSON"},
		{"unknown field", `{"id": "g", "rules": [], "extra": 1}`, "malformed JSON"},
		{"missing group id", `{"rules": []}`, "at id"},
		{"missing rule id", `{"id": "g", "rules": [{"calculation": {"type": "fixed", "amount": "1"}}]}`, "rules[0].id"},
		{"duplicate rule id", `{"id": "g", "rules": [
			{"id": "a", "calculation": {"type": "fixed", "amount": "1"}},
			{"id": "a", "calculation": {"type": "fixed", "amount": "2"}}]}`, "rules[1].id"},
		{"missing calculation", `{"id": "g", "rules": [{"id": "a"}]}`, "rules[0].calculation"},
		{"unknown calculation", `{"id": "g", "rules": [{"id": "a", "calculation": {"type": "bogus"}}]}`, "rules[0].calculation.type"},
		{"missing calculation type", `{"id": "g", "rules": [{"id": "a", "calculation": {}}]}`, "rules[0].calculation.type"},
		{"fixed without amount", `{"id": "g", "rules": [{"id": "a", "calculation": {"type": "fixed"}}]}`, "rules[0].calculation.amount"},
		{"percentage without base", `{"id": "g", "rules": [{"id": "a", "calculation": {"type": "percentage", "rate": "0.1"}}]}`, "rules[0].calculation.base_field"},
		{"tiers missing", `{"id": "g", "rules": [{"id": "a", "calculation": {"type": "tiered_linear"}}]}`, "rules[0].calculation.tiers"},
		{"unknown adjustment", `{"id": "g", "rules": [{"id": "a", "adjustment_type": "refund", "calculation": {"type": "fixed", "amount": "1"}}]}`, "rules[0].adjustment_type"},
		{"leaf without field", `{"id": "g", "rules": [{"id": "a", "condition": {"operator": "eq", "value": 1}, "calculation": {"type": "fixed", "amount": "1"}}]}`, "rules[0].condition.field"},
		{"unknown operator", `{"id": "g", "rules": [{"id": "a", "condition": {"field": "x", "operator": "like", "value": 1}, "calculation": {"type": "fixed", "amount": "1"}}]}`, "rules[0].condition.operator"},
		{"null operand", `{"id": "g", "rules": [{"id": "a", "condition": {"field": "x", "operator": "eq"}, "calculation": {"type": "fixed", "amount": "1"}}]}`, "rules[0].condition.value"},
		{"gt on text", `{"id": "g", "rules": [{"id": "a", "condition": {"field": "x", "operator": "gt", "value": "big"}, "calculation": {"type": "fixed", "amount": "1"}}]}`, "rules[0].condition.value"},
		{"in on scalar", `{"id": "g", "rules": [{"id": "a", "condition": {"field": "x", "operator": "in", "value": "EU"}, "calculation": {"type": "fixed", "amount": "1"}}]}`, "rules[0].condition.value"},
		{"bad logic", `{"id": "g", "rules": [{"id": "a", "condition": {"logic": "XOR", "conditions": []}, "calculation": {"type": "fixed", "amount": "1"}}]}`, "rules[0].condition.logic"},
		{"mixed composite", `{"id": "g", "rules": [{"id": "a", "condition": {"logic": "AND", "field": "x"}, "calculation": {"type": "fixed", "amount": "1"}}]}`, "rules[0].condition"},
		{"nested error path", `{"id": "g", "rules": [{"id": "a", "condition": {"logic": "OR", "conditions": [
			{"field": "x", "operator": "eq", "value": 1},
			{"field": "y", "operator": "nope", "value": 1}]}, "calculation": {"type": "fixed", "amount": "1"}}]}`, "rules[0].condition.conditions[1].operator"},
		{"conditions without logic", `{"id": "g", "rules": [{"id": "a", "condition": {"conditions": [{"field": "x", "operator": "eq", "value": 1}]}, "calculation": {"type": "fixed", "amount": "1"}}]}`, "rules[0].condition.logic"},
		{"derived without name", `{"id": "g", "derived_fields": [{"expression": "1"}], "rules": []}`, "derived_fields[0].name"},
		{"duplicate derived", `{"id": "g", "derived_fields": [{"name": "a", "expression": "1"}, {"name": "a", "expression": "2"}], "rules": []}`, "derived_fields[1].name"},
		{"derived syntax", `{"id": "g", "derived_fields": [{"name": "a", "expression": "record.x +"}], "rules": []}`, "derived_fields[0].expression"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadRuleGroup([]byte(tt.json))
			if err == nil {
				t.Fatal("LoadRuleGroup() should fail")
			}
			if !errors.Is(err, ErrRuleDefinition) {
				t.Errorf("error %v should match ErrRuleDefinition", err)
			}
			var de *RuleDefinitionError
			if !errors.As(err, &de) {
				t.Fatalf("error %T is not a *RuleDefinitionError", err)
			}
			if !strings.Contains(err.Error(), tt.wantPath) {
				t.Errorf("error %q should mention %q", err, tt.wantPath)
			}
		})
	}
}

func TestRuleDefinitionErrorMessage(t *testing.T) {
	err := &RuleDefinitionError{GroupID: "g", RuleID: "r", Path: "rules[0].calculation.rate", Reason: "per_unit calculation requires a rate"}
	want := `rule group "g" rule "r" at rules[0].calculation.rate: per_unit calculation requires a rate`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestDefinitionOfRoundTrip(t *testing.T) {
	group, err := LoadRuleGroup([]byte(warehouseGroup))
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(DefinitionOf(group))
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	again, err := LoadRuleGroup(data)
	if err != nil {
		t.Fatalf("reloading %s failed: %v", data, err)
	}

	second, err := json.Marshal(DefinitionOf(again))
	if err != nil {
		t.Fatal(err)
	}
	if string(second) != string(data) {
		t.Errorf("round trip changed the definition:\n%s\n%s", data, second)
	}
}

func TestParseKeepsOperandsExact(t *testing.T) {
	def, err := ParseRuleGroupDefinition([]byte(`{"id": "g", "rules": [
		{"id": "a", "condition": {"field": "x", "operator": "eq", "value": 0.1}, "calculation": {"type": "fixed", "amount": "1"}}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := def.Rules[0].Condition.Value.(json.Number); !ok {
		t.Errorf("operand decoded as %T, want json.Number", def.Rules[0].Condition.Value)
	}

	group, err := def.Build()
	if err != nil {
		t.Fatal(err)
	}
	if got := group.Rules[0].Condition.(Leaf).Value.String(); got != "0.1" {
		t.Errorf("operand = %s, want 0.1", got)
	}
}
