package types

// RuleOp is a condition operator. Unknown operators evaluate to false.
type RuleOp string

const (
	OpEquals      RuleOp = "equals"
	OpNotEquals   RuleOp = "not_equals"
	OpGreaterThan RuleOp = "greater_than"
	OpLessThan    RuleOp = "less_than"
	OpNotEmpty    RuleOp = "not_empty"
	OpEmpty       RuleOp = "empty"
	OpIn          RuleOp = "in"
	OpNotIn       RuleOp = "not_in"
)

// ActionKind is what a rule does when its condition holds.
type ActionKind string

const (
	ActionReject ActionKind = "reject"
	// ActionRequireSync keeps the operation pending until the sync
	// coordinator completes a handshake; it does not fail validation.
	ActionRequireSync ActionKind = "require_sync"
	// ActionSetField mutates the payload copy under evaluation. The
	// originally submitted payload is never altered.
	ActionSetField ActionKind = "set_field"
)

// RuleContext selects where a rule applies. Only rules whose context
// includes offline are evaluated locally.
type RuleContext string

const (
	ContextOffline RuleContext = "offline"
	ContextOnline  RuleContext = "online"
	ContextBoth    RuleContext = "both"
)

// RuleCondition is a (field, operator, value) predicate over a payload.
type RuleCondition struct {
	Field string `json:"field"`
	Op    RuleOp `json:"op"`
	Value any    `json:"value,omitempty"`
}

// RuleAction is the effect of a rule whose condition holds.
type RuleAction struct {
	Kind ActionKind `json:"kind"`
	// Message is appended to validation errors for reject actions.
	Message string `json:"message,omitempty"`
	// Field/Value are the assignment for set_field actions.
	Field string `json:"field,omitempty"`
	Value any    `json:"value,omitempty"`
}

// BusinessRule is one declarative rule evaluated at enqueue time.
type BusinessRule struct {
	ID         string        `json:"id"`
	EntityType string        `json:"entity_type"`
	Condition  RuleCondition `json:"condition"`
	Action     RuleAction    `json:"action"`

	// Priority orders evaluation; lower numbers win ties. Rules with
	// equal priority evaluate in insertion order.
	Priority int  `json:"priority"`
	Enabled  bool `json:"enabled"`

	Contexts []RuleContext `json:"contexts,omitempty"`

	// DependsOn lists rule ids that must have been applied earlier in
	// the same evaluation pass for this rule to fire.
	DependsOn []string `json:"depends_on,omitempty"`
}

// AppliesOffline reports whether the rule participates in local
// (offline) evaluation. An empty context set means both.
func (r *BusinessRule) AppliesOffline() bool {
	if len(r.Contexts) == 0 {
		return true
	}
	for _, c := range r.Contexts {
		if c == ContextOffline || c == ContextBoth {
			return true
		}
	}
	return false
}
