// Package schema validates untrusted JSON values against a declarative shape.
//
// Values are the output of encoding/json decoding into any: objects are
// map[string]any, arrays []any, numbers float64.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

type Type string

const (
	Object  Type = "object"
	String  Type = "string"
	Number  Type = "number"
	Array   Type = "array"
	Boolean Type = "boolean"
)

// Schema describes one node. Zero-valued bounds are not checked; use the
// pointer helpers to set them.
type Schema struct {
	Type       Type
	Properties map[string]*Schema
	Required   []string
	// AdditionalProperties allows object keys not listed in Properties.
	AdditionalProperties bool
	Items                *Schema
	Enum                 []any
	MinLength            *int
	MaxLength            *int
	Minimum              *float64
	Maximum              *float64
	MinItems             *int
	MaxItems             *int
}

func Int(v int) *int           { return &v }
func Float(v float64) *float64 { return &v }

// Strings builds an Enum from string values.
func Strings(vs ...string) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

// Result lists every violation found; Valid is true when there are none.
type Result struct {
	Valid  bool
	Errors []string
}

// Validate checks data against s. It has no side effects.
func Validate(data any, s *Schema) Result {
	var errs []string
	validate("$", data, s, &errs)
	return Result{Valid: len(errs) == 0, Errors: errs}
}

func validate(path string, v any, s *Schema, errs *[]string) {
	if s == nil {
		return
	}
	fail := func(format string, args ...any) {
		*errs = append(*errs, path+": "+fmt.Sprintf(format, args...))
	}

	switch s.Type {
	case Object:
		obj, ok := v.(map[string]any)
		if !ok {
			fail("expected object, got %s", typeName(v))
			return
		}
		for _, name := range s.Required {
			if _, ok := obj[name]; !ok {
				fail("missing required property %q", name)
			}
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child, known := s.Properties[k]
			if !known {
				if !s.AdditionalProperties {
					fail("unexpected property %q", k)
				}
				continue
			}
			validate(path+"."+k, obj[k], child, errs)
		}

	case String:
		str, ok := v.(string)
		if !ok {
			fail("expected string, got %s", typeName(v))
			return
		}
		n := utf8.RuneCountInString(str)
		if s.MinLength != nil && n < *s.MinLength {
			fail("length %d below minimum %d", n, *s.MinLength)
		}
		if s.MaxLength != nil && n > *s.MaxLength {
			fail("length %d above maximum %d", n, *s.MaxLength)
		}

	case Number:
		num, ok := v.(float64)
		if !ok {
			fail("expected number, got %s", typeName(v))
			return
		}
		if s.Minimum != nil && num < *s.Minimum {
			fail("value %g below minimum %g", num, *s.Minimum)
		}
		if s.Maximum != nil && num > *s.Maximum {
			fail("value %g above maximum %g", num, *s.Maximum)
		}

	case Array:
		arr, ok := v.([]any)
		if !ok {
			fail("expected array, got %s", typeName(v))
			return
		}
		if s.MinItems != nil && len(arr) < *s.MinItems {
			fail("%d items below minimum %d", len(arr), *s.MinItems)
		}
		if s.MaxItems != nil && len(arr) > *s.MaxItems {
			fail("%d items above maximum %d", len(arr), *s.MaxItems)
		}
		for i, item := range arr {
			validate(fmt.Sprintf("%s[%d]", path, i), item, s.Items, errs)
		}

	case Boolean:
		if _, ok := v.(bool); !ok {
			fail("expected boolean, got %s", typeName(v))
			return
		}

	default:
		fail("unsupported schema type %q", s.Type)
		return
	}

	if len(s.Enum) > 0 && !inEnum(v, s.Enum) {
		fail("value %v not in %s", v, enumList(s.Enum))
	}
}

func inEnum(v any, enum []any) bool {
	for _, e := range enum {
		if e == v {
			return true
		}
	}
	return false
}

func enumList(enum []any) string {
	parts := make([]string, len(enum))
	for i, e := range enum {
		parts[i] = fmt.Sprint(e)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// ValidateJSON sanitizes text, decodes it and validates the result.
func ValidateJSON(text string, s *Schema) (any, Result, error) {
	cleaned := SanitizeJSONResponse(text)
	var data any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return nil, Result{}, fmt.Errorf("decode json: %w", err)
	}
	return data, Validate(data, s), nil
}
