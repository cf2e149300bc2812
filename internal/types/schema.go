package types

import "sort"

// FieldType is the declared type of a schema field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldDecimal FieldType = "decimal"
	FieldEmail   FieldType = "email"
	FieldDate    FieldType = "date"
	FieldBoolean FieldType = "boolean"
	FieldEnum    FieldType = "enum"
	FieldArray   FieldType = "array"
	FieldObject  FieldType = "object"
)

// FieldDef is the contract for a single field of an entity type.
type FieldDef struct {
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`

	// Numeric bounds, enforced for decimal fields.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// Length bounds, enforced for string fields.
	MinLength *int `json:"min_length,omitempty"`
	MaxLength *int `json:"max_length,omitempty"`

	// Enum is the allowed value set for enum fields.
	Enum []string `json:"enum,omitempty"`
}

// EntitySchema is the versioned contract for one entity type. A new
// version supersedes the old and is used for all subsequent validations.
type EntitySchema struct {
	EntityType string              `json:"entity_type"`
	Version    int                 `json:"version"`
	Fields     map[string]FieldDef `json:"fields"`

	// Required lists field names that must be present in a payload.
	// Fields marked Required in their FieldDef are also enforced.
	Required []string `json:"required,omitempty"`

	// Indexed lists fields the store should serve equality lookups on.
	Indexed []string `json:"indexed,omitempty"`

	// FullText lists fields hinted for local search. The engine stores
	// but does not act on this set.
	FullText []string `json:"full_text,omitempty"`
}

// RequiredFields returns the union of the Required list and fields whose
// definition carries the required flag, in stable order.
func (s *EntitySchema) RequiredFields() []string {
	seen := make(map[string]bool, len(s.Required))
	out := make([]string, 0, len(s.Required))
	for _, name := range s.Required {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	// Field map order is not stable; collect then sort for determinism.
	extra := make([]string, 0)
	for name, def := range s.Fields {
		if def.Required && !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
