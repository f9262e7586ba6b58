package rules

import (
	"fmt"
	"sort"
)

// Record is an immutable snapshot of one order or order line
type Record struct {
	fields map[string]Value
}

// NewRecord coerces a flat field map into a Record. Fields that cannot be
// coerced are left out and reported as diagnostics, so a condition that
// references them fails closed.
func NewRecord(raw map[string]any) (Record, []string) {
	fields := make(map[string]Value, len(raw))
	var diags []string
	for name, rv := range raw {
		v, err := Coerce(rv)
		if err != nil {
			diags = append(diags, fmt.Sprintf("field %q dropped: %v", name, err))
			continue
		}
		fields[name] = v
	}
	sort.Strings(diags)
	return Record{fields: fields}, diags
}

// RecordOf builds a Record from already typed values
func RecordOf(values map[string]Value) Record {
	fields := make(map[string]Value, len(values))
	for name, v := range values {
		if v.IsValid() {
			fields[name] = v
		}
	}
	return Record{fields: fields}
}

// Get looks up a field
func (r Record) Get(field string) (Value, bool) {
	v, ok := r.fields[field]
	return v, ok
}

func (r Record) Len() int { return len(r.fields) }

// Fields returns the field names in sorted order
func (r Record) Fields() []string {
	names := make([]string, 0, len(r.fields))
	for name := range r.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// With returns a copy of the record with field set to v
func (r Record) With(field string, v Value) Record {
	fields := make(map[string]Value, len(r.fields)+1)
	for name, existing := range r.fields {
		fields[name] = existing
	}
	fields[field] = v
	return Record{fields: fields}
}

// celFacts renders the record for CEL evaluation. Decimals become doubles.
func (r Record) celFacts() map[string]any {
	facts := make(map[string]any, len(r.fields))
	for name, v := range r.fields {
		switch v.kind {
		case KindInteger:
			facts[name] = v.i
		case KindDecimal:
			facts[name] = v.d.InexactFloat64()
		case KindText:
			facts[name] = v.s
		case KindList:
			facts[name] = v.Items()
		}
	}
	return facts
}
