package provider

import (
	"encoding/json"
	"strconv"
	"strings"
)

// CleanSchemaForProvider sanitises a JSON Schema for providers with
// restricted schema dialects. Gemini rejects JSON-Schema-only
// keywords and $ref indirection, so its variant resolves $ref against
// defs/definitions and strips everything it doesn't understand.
func CleanSchemaForProvider(schema map[string]any, provider string) map[string]any {
	switch provider {
	case "gemini", "google", "vertex":
		return cleanForGemini(schema, schemaDefs(schema))
	default:
		return schema
	}
}

func schemaDefs(schema map[string]any) map[string]any {
	if defs, ok := schema["$defs"].(map[string]any); ok {
		return defs
	}
	if defs, ok := schema["definitions"].(map[string]any); ok {
		return defs
	}
	return nil
}

var geminiDroppedKeys = map[string]bool{
	"$schema": true, "$id": true, "$comment": true,
	"$dynamicRef": true, "$dynamicAnchor": true, "$vocabulary": true,
	"$anchor": true, "$defs": true, "definitions": true,
}

// cleanForGemini strips unsupported keywords and inlines $ref targets
// from defs, recursively.
func cleanForGemini(schema map[string]any, defs map[string]any) map[string]any {
	if schema == nil {
		return nil
	}

	if ref, ok := schema["$ref"].(string); ok {
		if target := resolveSchemaRef(ref, defs); target != nil {
			merged := make(map[string]any, len(target)+len(schema))
			for k, v := range target {
				merged[k] = v
			}
			for k, v := range schema {
				if k != "$ref" {
					merged[k] = v
				}
			}
			return cleanForGemini(merged, defs)
		}
	}

	cleaned := make(map[string]any, len(schema))
	for k, v := range schema {
		if k == "$ref" || geminiDroppedKeys[k] {
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			cleaned[k] = cleanForGemini(nested, defs)
		case []any:
			out := make([]any, len(nested))
			for i, item := range nested {
				if m, ok := item.(map[string]any); ok {
					out[i] = cleanForGemini(m, defs)
				} else {
					out[i] = item
				}
			}
			cleaned[k] = out
		default:
			cleaned[k] = v
		}
	}
	return cleaned
}

func resolveSchemaRef(ref string, defs map[string]any) map[string]any {
	if defs == nil || len(ref) < 2 || ref[0] != '#' {
		return nil
	}
	name := ref
	if idx := strings.LastIndex(ref, "/"); idx >= 0 {
		name = ref[idx+1:]
	}
	if def, ok := defs[name].(map[string]any); ok {
		return def
	}
	return nil
}

// CoerceArgsToSchema walks a model-returned arguments object alongside
// its declared JSON Schema and coerces loosely-typed values (mostly
// strings a local model emitted where a number, bool, array, or object
// was expected) into the types the schema declares. This masks local-
// model sloppiness; well-behaved providers pass through unchanged.
func CoerceArgsToSchema(args any, schema map[string]any) any {
	schemaType, _ := schema["type"].(string)

	switch v := args.(type) {
	case string:
		switch schemaType {
		case "integer":
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return n
			}
		case "number":
			if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return n
			}
		case "boolean":
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1", "yes":
				return true
			case "false", "0", "no":
				return false
			}
		case "array":
			var parsed []any
			if err := json.Unmarshal([]byte(v), &parsed); err == nil {
				return parsed
			}
		case "object":
			var parsed map[string]any
			if err := json.Unmarshal([]byte(v), &parsed); err == nil {
				return parsed
			}
		}
		return v

	case float64:
		if schemaType == "integer" {
			return int64(v)
		}
		return v

	case map[string]any:
		properties, _ := schema["properties"].(map[string]any)
		out := make(map[string]any, len(v))
		for key, value := range v {
			var propSchema map[string]any
			if properties != nil {
				propSchema, _ = properties[key].(map[string]any)
			}
			out[key] = CoerceArgsToSchema(value, propSchema)
		}
		return out

	case []any:
		itemSchema, _ := schema["items"].(map[string]any)
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = CoerceArgsToSchema(item, itemSchema)
		}
		return out

	default:
		return args
	}
}
