package multitenantengine

import (
	"fmt"
	"strings"
	"testing"

	"github.com/liamcoop/billingrules/rules"
)

func TestValidateSchema_EmptySchema(t *testing.T) {
	err := ValidateSchema(Schema{})
	if err == nil {
		t.Fatal("Expected error for empty schema, got nil")
	}
	if !strings.Contains(err.Error(), "empty") {
		t.Errorf("Expected error message about empty schema, got: %v", err)
	}
}

func TestValidateSchema_TooManyFields(t *testing.T) {
	schema := Schema{}
	for i := 0; i < 201; i++ {
		schema[fmt.Sprintf("field_%d", i)] = "integer"
	}

	err := ValidateSchema(schema)
	if err == nil {
		t.Fatal("Expected error for too many fields (201), got nil")
	}
	if !strings.Contains(err.Error(), "200") {
		t.Errorf("Expected error message about max 200 fields, got: %v", err)
	}

	delete(schema, "field_0")
	if err := ValidateSchema(schema); err != nil {
		t.Errorf("200 fields should be accepted, got: %v", err)
	}
}

func TestValidateSchema_ValidKinds(t *testing.T) {
	for _, kind := range []string{"integer", "int", "decimal", "number", "text", "string", "list"} {
		if err := ValidateSchema(Schema{"quantity": kind}); err != nil {
			t.Errorf("Expected kind %s to pass validation, got error: %v", kind, err)
		}
	}
}

func TestValidateSchema_InvalidKinds(t *testing.T) {
	for _, kind := range []string{"varchar", "date", "bool", "float64", "object", "CustomType"} {
		err := ValidateSchema(Schema{"quantity": kind})
		if err == nil {
			t.Errorf("Expected error for invalid kind %s, got nil", kind)
			continue
		}
		if !strings.Contains(err.Error(), kind) {
			t.Errorf("Expected error message to mention invalid kind %s, got: %v", kind, err)
		}
	}
}

func TestValidateSchema_CaseSensitiveKinds(t *testing.T) {
	for _, kind := range []string{"Integer", "TEXT", "Decimal", "LIST"} {
		if err := ValidateSchema(Schema{"quantity": kind}); err == nil {
			t.Errorf("Expected error for incorrect case kind %s, got nil", kind)
		}
	}
}

func TestValidateSchema_KindWhitespace(t *testing.T) {
	for _, kind := range []string{" integer", "integer ", "\ttext", "text\n", ""} {
		if err := ValidateSchema(Schema{"quantity": kind}); err == nil {
			t.Errorf("Expected error for kind %q, got nil", kind)
		}
	}
}

func TestValidateSchema_Identifiers(t *testing.T) {
	tests := []struct {
		name    string
		field   string
		wantErr bool
	}{
		{"simple", "quantity", false},
		{"leading underscore", "_internal", false},
		{"digits", "line2", false},
		{"mixed case", "OrderTotal", false},
		{"max length", strings.Repeat("a", 100), false},
		{"too long", strings.Repeat("a", 101), true},
		{"leading digit", "2nd_line", true},
		{"hyphen", "case-count", true},
		{"dot", "order.total", true},
		{"space", "order total", true},
		{"reserved in", "in", true},
		{"reserved null", "null", true},
		{"reserved while", "while", true},
		{"reserved prefix ok", "index", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchema(Schema{tt.field: "text"})
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSchema(%q) error = %v, wantErr %v", tt.field, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSchema_ErrorIsStable(t *testing.T) {
	schema := Schema{"b-field": "text", "a-field": "text", "ok": "text"}
	for i := 0; i < 10; i++ {
		err := ValidateSchema(schema)
		if err == nil || !strings.Contains(err.Error(), "a-field") {
			t.Fatalf("Expected the first invalid field in name order, got: %v", err)
		}
	}
}

func TestSchemaRecord(t *testing.T) {
	schema := Schema{
		"quantity": "integer",
		"amount":   "decimal",
		"sku":      "text",
		"tags":     "list",
	}

	rec, diags := schema.Record(map[string]any{
		"quantity": "12",
		"amount":   "99.95",
		"sku":      42,
		"tags":     "fragile",
		"region":   "EU",
	})
	if len(diags) != 0 {
		t.Fatalf("Unexpected diagnostics: %v", diags)
	}

	checks := []struct {
		field string
		kind  rules.Kind
		str   string
	}{
		{"quantity", rules.KindInteger, "12"},
		{"amount", rules.KindDecimal, "99.95"},
		{"sku", rules.KindText, "42"},
		{"tags", rules.KindList, "[fragile]"},
		{"region", rules.KindText, "EU"},
	}
	for _, c := range checks {
		v, ok := rec.Get(c.field)
		if !ok {
			t.Errorf("field %s missing", c.field)
			continue
		}
		if v.Kind() != c.kind {
			t.Errorf("field %s kind = %s, want %s", c.field, v.Kind(), c.kind)
		}
		if c.kind != rules.KindList && v.String() != c.str {
			t.Errorf("field %s = %s, want %s", c.field, v.String(), c.str)
		}
	}
}

func TestSchemaRecord_DropsUncoercible(t *testing.T) {
	schema := Schema{"quantity": "integer", "amount": "decimal"}

	rec, diags := schema.Record(map[string]any{
		"quantity": "twelve",
		"amount":   "1.5",
		"note":     nil,
	})

	if _, ok := rec.Get("quantity"); ok {
		t.Error("quantity should be dropped")
	}
	if _, ok := rec.Get("note"); ok {
		t.Error("null field should be dropped")
	}
	if _, ok := rec.Get("amount"); !ok {
		t.Error("amount should be kept")
	}
	if len(diags) != 2 {
		t.Fatalf("Expected 2 diagnostics, got %v", diags)
	}
	if !strings.Contains(diags[1], "quantity") {
		t.Errorf("Expected a quantity diagnostic, got %v", diags)
	}
}
