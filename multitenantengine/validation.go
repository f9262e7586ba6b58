package multitenantengine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/liamcoop/billingrules/rules"
)

const (
	maxSchemaFields     = 200
	maxIdentifierLength = 100
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Schema declares the kind of each order field a tenant sends, e.g.
// {"quantity": "integer", "region": "text"}
type Schema map[string]string

// ValidateSchema checks field names and kinds
func ValidateSchema(schema Schema) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema cannot be empty, must declare at least one field")
	}
	if len(schema) > maxSchemaFields {
		return fmt.Errorf("schema declares %d fields, maximum allowed is %d", len(schema), maxSchemaFields)
	}

	// Sorted so the first error reported is stable
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := validateIdentifier(name); err != nil {
			return fmt.Errorf("invalid field name %q: %w", name, err)
		}

		kind := schema[name]
		if kind == "" {
			return fmt.Errorf("field %q has empty kind", name)
		}
		if strings.TrimSpace(kind) != kind {
			return fmt.Errorf("field %q has kind with leading/trailing whitespace: %q", name, kind)
		}
		// Kind names are case-sensitive
		if _, err := rules.ParseKind(kind); err != nil || kind != strings.ToLower(kind) {
			return fmt.Errorf("field %q has invalid kind %q (must be one of: integer, decimal, text, list)", name, kind)
		}
	}

	return nil
}

// Record coerces raw order fields into a rules.Record. Declared fields are
// converted to their kind, numeric text included; undeclared fields keep
// their inferred kind. Fields that fail coercion are dropped and reported.
func (s Schema) Record(raw map[string]any) (rules.Record, []string) {
	values := make(map[string]rules.Value, len(raw))
	var diags []string

	for name, rv := range raw {
		var (
			v   rules.Value
			err error
		)
		if kindName, declared := s[name]; declared {
			var kind rules.Kind
			kind, err = rules.ParseKind(kindName)
			if err == nil {
				v, err = rules.CoerceTo(rv, kind)
			}
		} else {
			v, err = rules.Coerce(rv)
		}
		if err != nil {
			diags = append(diags, fmt.Sprintf("field %q dropped: %v", name, err))
			continue
		}
		values[name] = v
	}

	sort.Strings(diags)
	return rules.RecordOf(values), diags
}

// validateIdentifier requires ^[a-zA-Z_][a-zA-Z0-9_]*$, 1-100 characters and
// no reserved word, so every field can be referenced from a derived field
// expression as record.<name>
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}
	if reservedWords[name] {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}

// CEL reserved words
var reservedWords = map[string]bool{
	"true":  true,
	"false": true,
	"null":  true,

	"in":        true,
	"as":        true,
	"break":     true,
	"const":     true,
	"continue":  true,
	"else":      true,
	"for":       true,
	"function":  true,
	"if":        true,
	"import":    true,
	"let":       true,
	"loop":      true,
	"package":   true,
	"namespace": true,
	"return":    true,
	"var":       true,
	"void":      true,
	"while":     true,
}
