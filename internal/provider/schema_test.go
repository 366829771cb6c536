package provider

import "testing"

func TestCoerceArgsToSchemaConvertsLooseTypes(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count":   map[string]any{"type": "integer"},
			"ratio":   map[string]any{"type": "number"},
			"enabled": map[string]any{"type": "boolean"},
			"tags":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	}
	args := map[string]any{
		"count":   "42",
		"ratio":   "3.5",
		"enabled": "true",
		"tags":    `["a","b"]`,
	}

	got := CoerceArgsToSchema(args, schema).(map[string]any)

	if got["count"] != int64(42) {
		t.Fatalf("expected count coerced to int64(42), got %#v", got["count"])
	}
	if got["ratio"] != 3.5 {
		t.Fatalf("expected ratio coerced to float64(3.5), got %#v", got["ratio"])
	}
	if got["enabled"] != true {
		t.Fatalf("expected enabled coerced to true, got %#v", got["enabled"])
	}
	tags, ok := got["tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "a" {
		t.Fatalf("expected tags coerced to parsed array, got %#v", got["tags"])
	}
}

func TestCoerceArgsToSchemaLeavesUnparsableStringsAlone(t *testing.T) {
	schema := map[string]any{"type": "integer"}
	got := CoerceArgsToSchema("not-a-number", schema)
	if got != "not-a-number" {
		t.Fatalf("expected unparsable string left unchanged, got %#v", got)
	}
}

func TestCleanSchemaForProviderGeminiStripsAndInlinesRef(t *testing.T) {
	schema := map[string]any{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"properties": map[string]any{
			"address": map[string]any{"$ref": "#/$defs/Address"},
		},
		"$defs": map[string]any{
			"Address": map[string]any{
				"type":       "object",
				"properties": map[string]any{"city": map[string]any{"type": "string"}},
			},
		},
	}

	cleaned := CleanSchemaForProvider(schema, "gemini")

	if _, ok := cleaned["$schema"]; ok {
		t.Fatalf("expected $schema stripped, got %#v", cleaned)
	}
	if _, ok := cleaned["$defs"]; ok {
		t.Fatalf("expected $defs stripped, got %#v", cleaned)
	}
	props := cleaned["properties"].(map[string]any)
	address := props["address"].(map[string]any)
	if _, ok := address["$ref"]; ok {
		t.Fatalf("expected $ref inlined, got %#v", address)
	}
	if address["type"] != "object" {
		t.Fatalf("expected $ref target inlined into address schema, got %#v", address)
	}
}

func TestCleanSchemaForProviderPassesThroughOtherProviders(t *testing.T) {
	schema := map[string]any{"$schema": "draft-07", "type": "object"}
	cleaned := CleanSchemaForProvider(schema, "claude")
	if cleaned["$schema"] == nil {
		t.Fatalf("expected non-gemini providers to pass the schema through unchanged")
	}
}
