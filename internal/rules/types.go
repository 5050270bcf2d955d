package rules

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrRuleExists   = errors.New("rule already exists")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

type Combinator string

const (
	And Combinator = "AND"
	Or  Combinator = "OR"
)

type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpInArray            Operator = "in_array"
	OpNotInArray         Operator = "not_in_array"
	OpIsEmpty            Operator = "is_empty"
	OpIsNotEmpty         Operator = "is_not_empty"
	OpMatchesRegex       Operator = "matches_regex"
	OpIsBetween          Operator = "is_between"
	OpExists             Operator = "exists"
	OpNotExists          Operator = "not_exists"
)

var operatorAliases = map[Operator]Operator{
	"in_set":          OpInArray,
	"not_in_set":      OpNotInArray,
	"matches_pattern": OpMatchesRegex,
	"between":         OpIsBetween,
}

// Canonical maps aliases onto the operator they stand for.
func (o Operator) Canonical() Operator {
	if c, ok := operatorAliases[o]; ok {
		return c
	}
	return o
}

type ValueType string

const (
	TypeAuto    ValueType = ""
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
	TypeDate    ValueType = "date"
	TypeArray   ValueType = "array"
)

type Condition struct {
	Field         string    `json:"field"`
	Operator      Operator  `json:"operator"`
	Value         Value     `json:"value"`
	ValueType     ValueType `json:"value_type,omitempty"`
	CaseSensitive bool      `json:"case_sensitive,omitempty"`
	Negate        bool      `json:"negate,omitempty"`
}

type ActionType string

const (
	ActionShow         ActionType = "show_element"
	ActionHide         ActionType = "hide_element"
	ActionSetText      ActionType = "set_text"
	ActionSetProperty  ActionType = "set_property"
	ActionTransform    ActionType = "transform_data"
	ActionSetBarcode   ActionType = "set_barcode"
	ActionSetQRCode    ActionType = "set_qr_code"
	ActionApplyStyle   ActionType = "apply_style"
	ActionModifyLayout ActionType = "modify_layout"
	ActionRemove       ActionType = "remove_element"
)

var actionAliases = map[ActionType]ActionType{
	"show":      ActionShow,
	"hide":      ActionHide,
	"transform": ActionTransform,
	"set_qr":    ActionSetQRCode,
}

func (a ActionType) Canonical() ActionType {
	if c, ok := actionAliases[a]; ok {
		return c
	}
	return a
}

type TransformType string

const (
	TransformUppercase      TransformType = "uppercase"
	TransformLowercase      TransformType = "lowercase"
	TransformCapitalize     TransformType = "capitalize"
	TransformFormatCurrency TransformType = "format_currency"
	TransformFormatDate     TransformType = "format_date"
	TransformFormatNumber   TransformType = "format_number"
	TransformTruncate       TransformType = "truncate"
	TransformPadLeft        TransformType = "pad_left"
	TransformPadRight       TransformType = "pad_right"
	TransformReplace        TransformType = "replace"
	TransformExtractRegex   TransformType = "extract_regex"
	TransformCalculate      TransformType = "calculate"
)

// Action mutates one element of the working template. Target is an element
// id; set_property takes "elementId.property.path".
type Action struct {
	Type       ActionType     `json:"type"`
	Target     string         `json:"target"`
	Value      Value          `json:"value"`
	Properties map[string]any `json:"properties,omitempty"`
	Transform  TransformType  `json:"transform,omitempty"`
}

type Rule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Active      bool        `json:"active"`
	Priority    int         `json:"priority"`
	Conditions  []Condition `json:"conditions"`
	Combinator  Combinator  `json:"combinator"`
	Actions     []Action    `json:"actions"`
	Tags        []string    `json:"tags,omitempty"`
	Version     int         `json:"version"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (r *Rule) Clone() *Rule {
	out := *r
	out.Conditions = append([]Condition(nil), r.Conditions...)
	out.Actions = make([]Action, len(r.Actions))
	for i, a := range r.Actions {
		if a.Properties != nil {
			props := make(map[string]any, len(a.Properties))
			for k, v := range a.Properties {
				props[k] = v
			}
			a.Properties = props
		}
		out.Actions[i] = a
	}
	out.Tags = append([]string(nil), r.Tags...)
	return &out
}

// Validate rejects malformed rules before they are stored. It does not
// compile regular expressions; bad patterns surface at evaluation time.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Message: "is required"}
	}
	if r.Name == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	switch r.Combinator {
	case "", And, Or:
	default:
		return &ValidationError{Field: "combinator", Message: fmt.Sprintf("unknown combinator %q", r.Combinator)}
	}
	for i, c := range r.Conditions {
		if c.Field == "" {
			return &ValidationError{Field: fmt.Sprintf("conditions[%d].field", i), Message: "is required"}
		}
		if _, ok := operators[c.Operator.Canonical()]; !ok {
			return &ValidationError{Field: fmt.Sprintf("conditions[%d].operator", i), Message: fmt.Sprintf("unknown operator %q", c.Operator)}
		}
	}
	if len(r.Actions) == 0 {
		return &ValidationError{Field: "actions", Message: "at least one action is required"}
	}
	for i, a := range r.Actions {
		if _, ok := actions[a.Type.Canonical()]; !ok {
			return &ValidationError{Field: fmt.Sprintf("actions[%d].type", i), Message: fmt.Sprintf("unknown action %q", a.Type)}
		}
		if a.Target == "" {
			return &ValidationError{Field: fmt.Sprintf("actions[%d].target", i), Message: "is required"}
		}
		if a.Type.Canonical() == ActionTransform {
			if _, ok := transforms[a.Transform]; !ok {
				return &ValidationError{Field: fmt.Sprintf("actions[%d].transform", i), Message: fmt.Sprintf("unknown transform %q", a.Transform)}
			}
		}
	}
	return nil
}

type Options struct {
	// MaxExecutionTime caps the whole pass; zero means unlimited. The rule
	// running when the budget runs out finishes, the rest are skipped.
	MaxExecutionTime time.Duration
	// StopOnFirstError abandons a rule's remaining actions after one fails.
	StopOnFirstError bool
	// HaltOnRuleError stops the pass after the first rule that reports an error.
	HaltOnRuleError bool
	// DryRun computes outcomes but returns the template unchanged.
	DryRun bool
}

type ActionOutcome struct {
	Type         ActionType `json:"type"`
	Target       string     `json:"target"`
	Success      bool       `json:"success"`
	AppliedValue any        `json:"applied_value,omitempty"`
	Error        string     `json:"error,omitempty"`
}

type Result struct {
	RuleID         string          `json:"rule_id"`
	RuleName       string          `json:"rule_name"`
	Matched        bool            `json:"matched"`
	ActionsApplied []ActionOutcome `json:"actions_applied"`
	Duration       time.Duration   `json:"duration_ns"`
	Errors         []string        `json:"errors,omitempty"`
}
