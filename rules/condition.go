package rules

import (
	"fmt"
	"strings"
)

// Operator is one of the closed set of leaf comparison operators
type Operator uint8

const (
	OpEq Operator = iota + 1
	OpNeq
	OpGt
	OpGte
	OpLt
	OpLte
	OpIn
	OpNotIn
	OpContains
)

var operatorNames = map[Operator]string{
	OpEq:       "eq",
	OpNeq:      "neq",
	OpGt:       "gt",
	OpGte:      "gte",
	OpLt:       "lt",
	OpLte:      "lte",
	OpIn:       "in",
	OpNotIn:    "not_in",
	OpContains: "contains",
}

func (op Operator) String() string {
	if name, ok := operatorNames[op]; ok {
		return name
	}
	return fmt.Sprintf("operator(%d)", uint8(op))
}

// ParseOperator maps an operator tag to an Operator
func ParseOperator(tag string) (Operator, error) {
	for op, name := range operatorNames {
		if name == tag {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operator %q", tag)
}

// Logic joins the children of a Composite
type Logic uint8

const (
	LogicAnd Logic = iota + 1
	LogicOr
)

func (l Logic) String() string {
	switch l {
	case LogicAnd:
		return "AND"
	case LogicOr:
		return "OR"
	default:
		return fmt.Sprintf("logic(%d)", uint8(l))
	}
}

// ParseLogic maps "AND"/"OR" (any case) to a Logic
func ParseLogic(tag string) (Logic, error) {
	switch strings.ToUpper(tag) {
	case "AND":
		return LogicAnd, nil
	case "OR":
		return LogicOr, nil
	default:
		return 0, fmt.Errorf("unknown logic %q", tag)
	}
}

// Condition is a boolean predicate tree over record fields.
// The only implementations are Leaf and Composite.
type Condition interface {
	condition()
}

// Leaf compares one record field against a fixed operand
type Leaf struct {
	Field    string
	Operator Operator
	Value    Value
}

// Composite joins child conditions with AND or OR, in declared order
type Composite struct {
	Logic    Logic
	Children []Condition
}

func (Leaf) condition()      {}
func (Composite) condition() {}

// Where builds a Leaf, coercing the operand. It panics if the operand cannot
// be coerced; use it for conditions written in Go source.
func Where(field string, op Operator, operand any) Leaf {
	v, err := Coerce(operand)
	if err != nil {
		panic(fmt.Sprintf("rules.Where(%q): %v", field, err))
	}
	return Leaf{Field: field, Operator: op, Value: v}
}

// And joins conditions with AND
func And(children ...Condition) Composite {
	return Composite{Logic: LogicAnd, Children: children}
}

// Or joins conditions with OR
func Or(children ...Condition) Composite {
	return Composite{Logic: LogicOr, Children: children}
}

// Evaluate reports whether the record satisfies the condition.
// A nil condition always matches.
func Evaluate(c Condition, r Record) bool {
	return evaluate(c, r, nil)
}

// EvaluateWithDiagnostics is Evaluate plus the coercion diagnostics collected
// on the way: absent fields and operand kinds the operator cannot compare.
func EvaluateWithDiagnostics(c Condition, r Record) (bool, []string) {
	var diags []string
	ok := evaluate(c, r, &diags)
	return ok, diags
}

func evaluate(c Condition, r Record, diags *[]string) bool {
	switch n := c.(type) {
	case nil:
		return true

	case Leaf:
		v, ok := r.Get(n.Field)
		if !ok {
			note(diags, "field %q absent", n.Field)
			return false
		}
		matched, err := Compare(v, n.Value, n.Operator)
		if err != nil {
			note(diags, "field %q: %v", n.Field, err)
			return false
		}
		return matched

	case Composite:
		switch n.Logic {
		case LogicAnd:
			for _, child := range n.Children {
				if !evaluate(child, r, diags) {
					return false
				}
			}
			return true
		case LogicOr:
			for _, child := range n.Children {
				if evaluate(child, r, diags) {
					return true
				}
			}
			return false
		default:
			note(diags, "unknown %s", n.Logic)
			return false
		}

	default:
		note(diags, "unsupported condition %T", c)
		return false
	}
}

func note(diags *[]string, format string, args ...any) {
	if diags != nil {
		*diags = append(*diags, fmt.Sprintf(format, args...))
	}
}
