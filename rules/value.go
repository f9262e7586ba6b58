package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"slices"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrTypeMismatch is returned when a raw field cannot be coerced to a Value
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrIncomparableTypes is returned when an operator cannot be applied to the operand kinds
	ErrIncomparableTypes = errors.New("incomparable types")
)

// Kind identifies which variant a Value holds
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInteger
	KindDecimal
	KindText
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindDecimal:
		return "decimal"
	case KindText:
		return "text"
	case KindList:
		return "list"
	default:
		return "invalid"
	}
}

// ParseKind maps a schema kind name to a Kind
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(name) {
	case "integer", "int":
		return KindInteger, nil
	case "decimal", "number":
		return KindDecimal, nil
	case "text", "string":
		return KindText, nil
	case "list":
		return KindList, nil
	default:
		return KindInvalid, fmt.Errorf("unknown value kind %q", name)
	}
}

// Value is a typed order-field value. The zero Value is invalid.
type Value struct {
	kind  Kind
	i     int64
	d     decimal.Decimal
	s     string
	items []string
}

// Integer returns an integer Value
func Integer(i int64) Value {
	return Value{kind: KindInteger, i: i}
}

// Decimal returns a decimal Value
func Decimal(d decimal.Decimal) Value {
	return Value{kind: KindDecimal, d: d}
}

// Text returns a text Value
func Text(s string) Value {
	return Value{kind: KindText, s: s}
}

// List returns a list-of-text Value. The items are copied.
func List(items ...string) Value {
	cp := make([]string, len(items))
	copy(cp, items)
	return Value{kind: KindList, items: cp}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsValid() bool { return v.kind != KindInvalid }

// IsNumeric reports whether the value is an Integer or a Decimal
func (v Value) IsNumeric() bool {
	return v.kind == KindInteger || v.kind == KindDecimal
}

// Number returns the numeric value as a decimal
func (v Value) Number() (decimal.Decimal, bool) {
	switch v.kind {
	case KindInteger:
		return decimal.NewFromInt(v.i), true
	case KindDecimal:
		return v.d, true
	default:
		return decimal.Zero, false
	}
}

// Items returns a copy of the list items, or nil for non-list values
func (v Value) Items() []string {
	if v.kind != KindList {
		return nil
	}
	cp := make([]string, len(v.items))
	copy(cp, v.items)
	return cp
}

// String returns the text form of the value. Numbers use their canonical
// decimal representation, lists are joined with commas.
func (v Value) String() string {
	switch v.kind {
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindDecimal:
		return v.d.String()
	case KindText:
		return v.s
	case KindList:
		return "[" + strings.Join(v.items, ",") + "]"
	default:
		return "<invalid>"
	}
}

// Native converts the value back to a plain Go value
func (v Value) Native() any {
	switch v.kind {
	case KindInteger:
		return v.i
	case KindDecimal:
		return json.Number(v.d.String())
	case KindText:
		return v.s
	case KindList:
		return v.Items()
	default:
		return nil
	}
}

// Coerce converts a raw field value into a Value
func Coerce(raw any) (Value, error) {
	switch x := raw.(type) {
	case Value:
		if !x.IsValid() {
			return Value{}, fmt.Errorf("%w: invalid value", ErrTypeMismatch)
		}
		return x, nil
	case int:
		return Integer(int64(x)), nil
	case int8:
		return Integer(int64(x)), nil
	case int16:
		return Integer(int64(x)), nil
	case int32:
		return Integer(int64(x)), nil
	case int64:
		return Integer(x), nil
	case uint:
		return coerceUint(uint64(x)), nil
	case uint8:
		return Integer(int64(x)), nil
	case uint16:
		return Integer(int64(x)), nil
	case uint32:
		return Integer(int64(x)), nil
	case uint64:
		return coerceUint(x), nil
	case float32:
		return coerceFloat(float64(x))
	case float64:
		return coerceFloat(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Integer(i), nil
		}
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return Value{}, fmt.Errorf("%w: number %q", ErrTypeMismatch, x.String())
		}
		return Decimal(d), nil
	case decimal.Decimal:
		return Decimal(x), nil
	case *decimal.Decimal:
		if x == nil {
			return Value{}, fmt.Errorf("%w: nil decimal", ErrTypeMismatch)
		}
		return Decimal(*x), nil
	case string:
		return Text(x), nil
	case []string:
		return List(x...), nil
	case []any:
		items := make([]string, 0, len(x))
		for i, elem := range x {
			v, err := Coerce(elem)
			if err != nil {
				return Value{}, fmt.Errorf("list element %d: %w", i, err)
			}
			if v.kind == KindList {
				return Value{}, fmt.Errorf("%w: nested list at element %d", ErrTypeMismatch, i)
			}
			items = append(items, v.String())
		}
		return Value{kind: KindList, items: items}, nil
	case nil:
		return Value{}, fmt.Errorf("%w: null", ErrTypeMismatch)
	default:
		return Value{}, fmt.Errorf("%w: unsupported type %T", ErrTypeMismatch, raw)
	}
}

// CoerceTo converts a raw field value into a Value of the requested kind.
// Numeric text is accepted for numeric kinds and numbers are accepted as text.
func CoerceTo(raw any, kind Kind) (Value, error) {
	v, err := Coerce(raw)
	if err != nil {
		return Value{}, err
	}
	if v.kind == kind {
		return v, nil
	}

	switch kind {
	case KindInteger:
		n, ok := numberOf(v)
		if !ok || !n.IsInteger() || !n.BigInt().IsInt64() {
			return Value{}, fmt.Errorf("%w: %s %q is not an integer", ErrTypeMismatch, v.kind, v.String())
		}
		return Integer(n.IntPart()), nil
	case KindDecimal:
		n, ok := numberOf(v)
		if !ok {
			return Value{}, fmt.Errorf("%w: %s %q is not a number", ErrTypeMismatch, v.kind, v.String())
		}
		return Decimal(n), nil
	case KindText:
		if v.kind == KindList {
			return Value{}, fmt.Errorf("%w: list is not text", ErrTypeMismatch)
		}
		return Text(v.String()), nil
	case KindList:
		if v.kind == KindText {
			return List(v.s), nil
		}
		return Value{}, fmt.Errorf("%w: %s is not a list", ErrTypeMismatch, v.kind)
	default:
		return Value{}, fmt.Errorf("%w: unknown kind %s", ErrTypeMismatch, kind)
	}
}

func numberOf(v Value) (decimal.Decimal, bool) {
	if n, ok := v.Number(); ok {
		return n, true
	}
	if v.kind != KindText {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.TrimSpace(v.s))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func coerceUint(u uint64) Value {
	if u > math.MaxInt64 {
		return Decimal(decimal.NewFromBigInt(new(big.Int).SetUint64(u), 0))
	}
	return Integer(int64(u))
}

func coerceFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("%w: non-finite number", ErrTypeMismatch)
	}
	return Decimal(decimal.NewFromFloat(f)), nil
}

// Compare applies op to a (the record value) and b (the rule operand)
func Compare(a, b Value, op Operator) (bool, error) {
	switch op {
	case OpEq, OpNeq:
		eq, err := equal(a, b)
		if err != nil {
			return false, err
		}
		if op == OpNeq {
			return !eq, nil
		}
		return eq, nil

	case OpGt, OpGte, OpLt, OpLte:
		an, aok := a.Number()
		bn, bok := b.Number()
		if !aok || !bok {
			return false, incomparable(a, b, op)
		}
		c := an.Cmp(bn)
		switch op {
		case OpGt:
			return c > 0, nil
		case OpGte:
			return c >= 0, nil
		case OpLt:
			return c < 0, nil
		default:
			return c <= 0, nil
		}

	case OpIn, OpNotIn:
		if b.kind != KindList || a.kind == KindList || !a.IsValid() {
			return false, incomparable(a, b, op)
		}
		found := listHas(b.items, a)
		if op == OpNotIn {
			return !found, nil
		}
		return found, nil

	case OpContains:
		if b.kind == KindList || !b.IsValid() {
			return false, incomparable(a, b, op)
		}
		switch a.kind {
		case KindText:
			return strings.Contains(a.s, b.String()), nil
		case KindList:
			return slices.Contains(a.items, b.String()), nil
		default:
			return false, incomparable(a, b, op)
		}

	default:
		return false, fmt.Errorf("%w: unknown operator %d", ErrIncomparableTypes, op)
	}
}

// listHas matches text by string and numbers by value, so 15.5 is in
// ["15.50"]
func listHas(items []string, v Value) bool {
	n, numeric := v.Number()
	if !numeric {
		return slices.Contains(items, v.String())
	}
	for _, item := range items {
		if d, err := decimal.NewFromString(strings.TrimSpace(item)); err == nil && d.Equal(n) {
			return true
		}
	}
	return false
}

func equal(a, b Value) (bool, error) {
	if a.IsNumeric() && b.IsNumeric() {
		an, _ := a.Number()
		bn, _ := b.Number()
		return an.Equal(bn), nil
	}
	if a.kind != b.kind || !a.IsValid() {
		return false, incomparable(a, b, OpEq)
	}
	switch a.kind {
	case KindText:
		return a.s == b.s, nil
	case KindList:
		if len(a.items) != len(b.items) {
			return false, nil
		}
		for i := range a.items {
			if a.items[i] != b.items[i] {
				return false, nil
			}
		}
		return true, nil
	}
	return false, incomparable(a, b, OpEq)
}

func incomparable(a, b Value, op Operator) error {
	return fmt.Errorf("%w: %s %s %s", ErrIncomparableTypes, a.kind, op, b.kind)
}
