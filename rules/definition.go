package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrRuleDefinition matches every *RuleDefinitionError via errors.Is
var ErrRuleDefinition = errors.New("invalid rule definition")

// RuleDefinitionError reports a structurally invalid rule group. It is only
// produced while loading definitions, never during evaluation.
type RuleDefinitionError struct {
	GroupID string
	RuleID  string
	Path    string
	Reason  string
}

func (e *RuleDefinitionError) Error() string {
	var b strings.Builder
	b.WriteString("rule group")
	if e.GroupID != "" {
		fmt.Fprintf(&b, " %q", e.GroupID)
	}
	if e.RuleID != "" {
		fmt.Fprintf(&b, " rule %q", e.RuleID)
	}
	if e.Path != "" {
		b.WriteString(" at " + e.Path)
	}
	b.WriteString(": " + e.Reason)
	return b.String()
}

func (e *RuleDefinitionError) Is(target error) bool {
	return target == ErrRuleDefinition
}

// ConditionDefinition is the authored form of a Condition: either a leaf
// (field, operator, value) or a composite (logic, conditions)
type ConditionDefinition struct {
	Field      string                `json:"field,omitempty"`
	Operator   string                `json:"operator,omitempty"`
	Value      any                   `json:"value,omitempty"`
	Logic      string                `json:"logic,omitempty"`
	Conditions []ConditionDefinition `json:"conditions,omitempty"`
}

type TierDefinition struct {
	Min   decimal.Decimal `json:"min"`
	Max   decimal.Decimal `json:"max"`
	Value decimal.Decimal `json:"value"`
}

// CalculationDefinition is the authored form of a CalculationSpec
type CalculationDefinition struct {
	Type          string           `json:"type"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Rate          *decimal.Decimal `json:"rate,omitempty"`
	Tiers         []TierDefinition `json:"tiers,omitempty"`
	QuantityField string           `json:"quantity_field,omitempty"`
	BaseField     string           `json:"base_field,omitempty"`
}

type RuleDefinition struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name,omitempty"`
	AdjustmentType string                 `json:"adjustment_type,omitempty"`
	Condition      *ConditionDefinition   `json:"condition,omitempty"`
	Calculation    *CalculationDefinition `json:"calculation"`
}

type DerivedFieldDefinition struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// RuleGroupDefinition is the stored, authored form of a RuleGroup
type RuleGroupDefinition struct {
	ID            string                   `json:"id"`
	Name          string                   `json:"name,omitempty"`
	Version       int                      `json:"version,omitempty"`
	Rules         []RuleDefinition         `json:"rules"`
	DerivedFields []DerivedFieldDefinition `json:"derived_fields,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// ParseRuleGroupDefinition decodes JSON, keeping condition operands exact
func ParseRuleGroupDefinition(data []byte) (*RuleGroupDefinition, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var def RuleGroupDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, &RuleDefinitionError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return &def, nil
}

// LoadRuleGroup parses and builds a rule group in one step
func LoadRuleGroup(data []byte) (*RuleGroup, error) {
	def, err := ParseRuleGroupDefinition(data)
	if err != nil {
		return nil, err
	}
	return def.Build()
}

// Build validates the definition and compiles it into a RuleGroup
func (d *RuleGroupDefinition) Build() (*RuleGroup, error) {
	fail := func(ruleID, path, format string, args ...any) error {
		return &RuleDefinitionError{GroupID: d.ID, RuleID: ruleID, Path: path, Reason: fmt.Sprintf(format, args...)}
	}

	if strings.TrimSpace(d.ID) == "" {
		return nil, fail("", "id", "rule group id is required")
	}

	group := &RuleGroup{
		ID:        d.ID,
		Name:      d.Name,
		Version:   d.Version,
		Rules:     make([]*Rule, 0, len(d.Rules)),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}

	seenFields := make(map[string]bool, len(d.DerivedFields))
	for i, fd := range d.DerivedFields {
		path := fmt.Sprintf("derived_fields[%d]", i)
		if strings.TrimSpace(fd.Name) == "" {
			return nil, fail("", path+".name", "derived field name is required")
		}
		if seenFields[fd.Name] {
			return nil, fail("", path+".name", "duplicate derived field %q", fd.Name)
		}
		seenFields[fd.Name] = true

		f, err := CompileDerivedField(fd.Name, fd.Expression)
		if err != nil {
			return nil, fail("", path+".expression", "%v", err)
		}
		group.DerivedFields = append(group.DerivedFields, f)
	}

	seenRules := make(map[string]bool, len(d.Rules))
	for i, rd := range d.Rules {
		if strings.TrimSpace(rd.ID) == "" {
			return nil, fail("", fmt.Sprintf("rules[%d].id", i), "rule id is required")
		}
		if seenRules[rd.ID] {
			return nil, fail(rd.ID, fmt.Sprintf("rules[%d].id", i), "duplicate rule id")
		}
		seenRules[rd.ID] = true

		rule, err := rd.build()
		if err != nil {
			var de *RuleDefinitionError
			if errors.As(err, &de) {
				de.GroupID = d.ID
				de.RuleID = rd.ID
				de.Path = fmt.Sprintf("rules[%d].%s", i, de.Path)
			}
			return nil, err
		}
		group.Rules = append(group.Rules, rule)
	}

	return group, nil
}

func (rd RuleDefinition) build() (*Rule, error) {
	adj := AdjustmentType(rd.AdjustmentType)
	switch adj {
	case "":
		adj = AdjustmentCharge
	case AdjustmentCharge, AdjustmentSurcharge, AdjustmentDiscount:
	default:
		return nil, &RuleDefinitionError{Path: "adjustment_type", Reason: fmt.Sprintf("unknown adjustment type %q", rd.AdjustmentType)}
	}

	var cond Condition
	if rd.Condition != nil {
		c, err := rd.Condition.build("condition")
		if err != nil {
			return nil, err
		}
		cond = c
	}

	if rd.Calculation == nil {
		return nil, &RuleDefinitionError{Path: "calculation", Reason: "calculation is required"}
	}
	calc, err := rd.Calculation.build()
	if err != nil {
		return nil, err
	}

	name := rd.Name
	if name == "" {
		name = rd.ID
	}
	return &Rule{
		ID:             rd.ID,
		Name:           name,
		Condition:      cond,
		Calculation:    calc,
		AdjustmentType: adj,
	}, nil
}

func (cd ConditionDefinition) build(path string) (Condition, error) {
	fail := func(sub, format string, args ...any) error {
		p := path
		if sub != "" {
			p += "." + sub
		}
		return &RuleDefinitionError{Path: p, Reason: fmt.Sprintf(format, args...)}
	}

	if cd.Logic != "" {
		if cd.Field != "" || cd.Operator != "" || cd.Value != nil {
			return nil, fail("", "composite condition must not carry field, operator or value")
		}
		logic, err := ParseLogic(cd.Logic)
		if err != nil {
			return nil, fail("logic", "%v", err)
		}
		children := make([]Condition, 0, len(cd.Conditions))
		for i, child := range cd.Conditions {
			c, err := child.build(fmt.Sprintf("%s.conditions[%d]", path, i))
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		return Composite{Logic: logic, Children: children}, nil
	}

	if len(cd.Conditions) > 0 {
		return nil, fail("logic", "conditions given without logic")
	}
	if strings.TrimSpace(cd.Field) == "" {
		return nil, fail("field", "leaf condition requires a field")
	}
	op, err := ParseOperator(cd.Operator)
	if err != nil {
		return nil, fail("operator", "%v", err)
	}
	v, err := Coerce(cd.Value)
	if err != nil {
		return nil, fail("value", "%v", err)
	}
	if err := checkOperand(op, v); err != nil {
		return nil, fail("value", "%v", err)
	}
	return Leaf{Field: cd.Field, Operator: op, Value: v}, nil
}

// checkOperand rejects operand kinds an operator can never accept
func checkOperand(op Operator, v Value) error {
	switch op {
	case OpGt, OpGte, OpLt, OpLte:
		if !v.IsNumeric() {
			return fmt.Errorf("operator %s requires a numeric value, got %s", op, v.Kind())
		}
	case OpIn, OpNotIn:
		if v.Kind() != KindList {
			return fmt.Errorf("operator %s requires a list value, got %s", op, v.Kind())
		}
	case OpContains:
		if v.Kind() == KindList {
			return fmt.Errorf("operator %s requires a scalar value", op)
		}
	}
	return nil
}

func (cd CalculationDefinition) build() (CalculationSpec, error) {
	fail := func(field, format string, args ...any) error {
		return &RuleDefinitionError{Path: "calculation." + field, Reason: fmt.Sprintf(format, args...)}
	}

	switch CalculationType(cd.Type) {
	case CalculationFixed:
		if cd.Amount == nil {
			return nil, fail("amount", "fixed calculation requires an amount")
		}
		return Fixed{Amount: *cd.Amount}, nil

	case CalculationPerUnit:
		if cd.Rate == nil {
			return nil, fail("rate", "per_unit calculation requires a rate")
		}
		return PerUnit{Rate: *cd.Rate, QuantityField: cd.QuantityField}, nil

	case CalculationPercentage:
		if cd.Rate == nil {
			return nil, fail("rate", "percentage calculation requires a rate")
		}
		if strings.TrimSpace(cd.BaseField) == "" {
			return nil, fail("base_field", "percentage calculation requires a base_field")
		}
		return Percentage{Rate: *cd.Rate, BaseField: cd.BaseField}, nil

	case CalculationTieredLinear, CalculationCaseBasedTier:
		if len(cd.Tiers) == 0 {
			return nil, fail("tiers", "%s calculation requires at least one tier", cd.Type)
		}
		tiers := make([]Tier, len(cd.Tiers))
		for i, td := range cd.Tiers {
			tiers[i] = Tier{Min: td.Min, Max: td.Max, Value: td.Value}
		}
		tc, err := NewTierConfig(tiers...)
		if err != nil {
			return nil, fail("tiers", "%v", err)
		}
		if CalculationType(cd.Type) == CalculationTieredLinear {
			return TieredLinear{Tiers: tc, QuantityField: cd.QuantityField}, nil
		}
		return CaseBasedTier{Tiers: tc, QuantityField: cd.QuantityField}, nil

	case "":
		return nil, fail("type", "calculation type is required")
	default:
		return nil, fail("type", "unsupported calculation type %q", cd.Type)
	}
}

// DefinitionOf renders a RuleGroup back into its authored form
func DefinitionOf(g *RuleGroup) *RuleGroupDefinition {
	def := &RuleGroupDefinition{
		ID:        g.ID,
		Name:      g.Name,
		Version:   g.Version,
		Rules:     make([]RuleDefinition, 0, len(g.Rules)),
		CreatedAt: g.CreatedAt,
		UpdatedAt: g.UpdatedAt,
	}
	for _, f := range g.DerivedFields {
		def.DerivedFields = append(def.DerivedFields, DerivedFieldDefinition{Name: f.Name, Expression: f.Expression})
	}
	for _, r := range g.Rules {
		rd := RuleDefinition{
			ID:             r.ID,
			Name:           r.Name,
			AdjustmentType: string(r.AdjustmentType),
			Calculation:    calculationDefinitionOf(r.Calculation),
		}
		if r.Condition != nil {
			cd := conditionDefinitionOf(r.Condition)
			rd.Condition = &cd
		}
		def.Rules = append(def.Rules, rd)
	}
	return def
}

func conditionDefinitionOf(c Condition) ConditionDefinition {
	switch n := c.(type) {
	case Leaf:
		return ConditionDefinition{Field: n.Field, Operator: n.Operator.String(), Value: n.Value.Native()}
	case Composite:
		cd := ConditionDefinition{Logic: n.Logic.String()}
		for _, child := range n.Children {
			cd.Conditions = append(cd.Conditions, conditionDefinitionOf(child))
		}
		return cd
	default:
		return ConditionDefinition{}
	}
}

func calculationDefinitionOf(spec CalculationSpec) *CalculationDefinition {
	if spec == nil {
		return nil
	}
	cd := &CalculationDefinition{Type: string(spec.Type())}
	switch s := spec.(type) {
	case Fixed:
		cd.Amount = &s.Amount
	case PerUnit:
		cd.Rate = &s.Rate
		cd.QuantityField = s.QuantityField
	case Percentage:
		cd.Rate = &s.Rate
		cd.BaseField = s.BaseField
	case TieredLinear:
		cd.Tiers = tierDefinitionsOf(s.Tiers)
		cd.QuantityField = s.QuantityField
	case CaseBasedTier:
		cd.Tiers = tierDefinitionsOf(s.Tiers)
		cd.QuantityField = s.QuantityField
	}
	return cd
}

func tierDefinitionsOf(tc TierConfig) []TierDefinition {
	out := make([]TierDefinition, len(tc))
	for i, t := range tc {
		out[i] = TierDefinition{Min: t.Min, Max: t.Max, Value: t.Value}
	}
	return out
}
