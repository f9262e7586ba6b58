package rules

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
)

// RecordVariable is the CEL variable derived-field expressions read from,
// e.g. `record.quantity / record.case_size`
const RecordVariable = "record"

// derivedCostLimit bounds the work a single derived-field expression may do
const derivedCostLimit = 1000000

var derivedEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable(RecordVariable, cel.MapType(cel.StringType, cel.DynType)),
	)
})

var stringSliceType = reflect.TypeOf([]string{})

// DerivedField is a record field computed by a CEL expression before the
// group's conditions run, such as a case count from a unit quantity
type DerivedField struct {
	Name       string
	Expression string
	program    cel.Program
}

// CompileDerivedField type-checks and compiles expression
func CompileDerivedField(name, expression string) (*DerivedField, error) {
	env, err := derivedEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := env.Program(ast, cel.CostLimit(derivedCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	return &DerivedField{Name: name, Expression: expression, program: prog}, nil
}

// Derive evaluates the expression against the record
func (f *DerivedField) Derive(r Record) (Value, error) {
	if f.program == nil {
		return Value{}, fmt.Errorf("derived field %s is not compiled", f.Name)
	}

	out, _, err := f.program.Eval(map[string]any{RecordVariable: r.celFacts()})
	if err != nil {
		return Value{}, err
	}
	return fromCEL(out)
}

func fromCEL(out ref.Val) (Value, error) {
	switch v := out.Value().(type) {
	case int64, uint64, float64, string:
		return Coerce(v)
	}

	native, err := out.ConvertToNative(stringSliceType)
	if err != nil {
		return Value{}, fmt.Errorf("%w: expression produced %s", ErrTypeMismatch, out.Type().TypeName())
	}
	return List(native.([]string)...), nil
}

// derive applies the group's derived fields in declared order, each one
// seeing the fields derived before it
func derive(fields []*DerivedField, r Record) (Record, []string) {
	var diags []string
	for _, f := range fields {
		v, err := f.Derive(r)
		if err != nil {
			diags = append(diags, fmt.Sprintf("derived field %q: %v", f.Name, err))
			continue
		}
		r = r.With(f.Name, v)
	}
	return r, diags
}
