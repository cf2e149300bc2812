package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/syncforge/syncforge/internal/types"
)

// ValidateField checks one value against its declared field contract.
// It is a pure function: same inputs, same error list.
func ValidateField(def *types.FieldDef, name string, value any) []string {
	switch def.Type {
	case types.FieldString:
		return validateString(def, name, value)
	case types.FieldDecimal:
		return validateDecimal(def, name, value)
	case types.FieldEmail:
		return validateEmail(name, value)
	case types.FieldDate:
		return validateDate(name, value)
	case types.FieldBoolean:
		return validateBoolean(name, value)
	case types.FieldEnum:
		return validateEnum(def, name, value)
	case types.FieldArray:
		return validateArray(name, value)
	case types.FieldObject:
		return validateObject(name, value)
	}
	return []string{fmt.Sprintf("%s: unknown field type %q", name, def.Type)}
}

func validateString(def *types.FieldDef, name string, value any) []string {
	s, ok := value.(string)
	if !ok {
		return []string{fmt.Sprintf("%s: expected string, got %T", name, value)}
	}
	var errs []string
	if def.MinLength != nil && len(s) < *def.MinLength {
		errs = append(errs, fmt.Sprintf("%s: shorter than minimum length %d", name, *def.MinLength))
	}
	if def.MaxLength != nil && len(s) > *def.MaxLength {
		errs = append(errs, fmt.Sprintf("%s: longer than maximum length %d", name, *def.MaxLength))
	}
	return errs
}

func validateDecimal(def *types.FieldDef, name string, value any) []string {
	f, ok := AsNumber(value)
	if !ok {
		return []string{fmt.Sprintf("%s: expected number, got %T", name, value)}
	}
	var errs []string
	if def.Min != nil && f < *def.Min {
		errs = append(errs, fmt.Sprintf("%s: below minimum %v", name, *def.Min))
	}
	if def.Max != nil && f > *def.Max {
		errs = append(errs, fmt.Sprintf("%s: above maximum %v", name, *def.Max))
	}
	return errs
}

func validateEmail(name string, value any) []string {
	s, ok := value.(string)
	if !ok || !strings.Contains(s, "@") {
		return []string{fmt.Sprintf("%s: not a valid email address", name)}
	}
	return nil
}

func validateDate(name string, value any) []string {
	switch v := value.(type) {
	case time.Time:
		return nil
	case string:
		if _, err := time.Parse(time.RFC3339, v); err == nil {
			return nil
		}
		// Date-only and second-precision forms without a zone are also
		// accepted as ISO-8601.
		for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02"} {
			if _, err := time.Parse(layout, v); err == nil {
				return nil
			}
		}
		return []string{fmt.Sprintf("%s: not an ISO-8601 datetime", name)}
	}
	return []string{fmt.Sprintf("%s: expected datetime, got %T", name, value)}
}

// validateBoolean is strict: numeric 0/1 does not count.
func validateBoolean(name string, value any) []string {
	if _, ok := value.(bool); !ok {
		return []string{fmt.Sprintf("%s: expected boolean, got %T", name, value)}
	}
	return nil
}

func validateEnum(def *types.FieldDef, name string, value any) []string {
	s, ok := value.(string)
	if !ok {
		return []string{fmt.Sprintf("%s: expected string, got %T", name, value)}
	}
	for _, allowed := range def.Enum {
		if s == allowed {
			return nil
		}
	}
	return []string{fmt.Sprintf("%s: %q is not one of %s", name, s, strings.Join(def.Enum, ", "))}
}

// Array and object fields are shape-checked only; nested validation is
// not recursive unless a nested schema is declared for the entity.
func validateArray(name string, value any) []string {
	switch value.(type) {
	case []any, []string, []float64, []int:
		return nil
	}
	return []string{fmt.Sprintf("%s: expected array, got %T", name, value)}
}

func validateObject(name string, value any) []string {
	if _, ok := value.(map[string]any); !ok {
		return []string{fmt.Sprintf("%s: expected object, got %T", name, value)}
	}
	return nil
}

// AsNumber widens any numeric payload value to float64. Booleans are
// not numbers.
func AsNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func sortedFieldNames(fields map[string]types.FieldDef) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
