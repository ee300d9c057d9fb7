package domain

import (
	"encoding/json"
	"fmt"
)

// ElementType identifies the input widget of a form field.
type ElementType string

const (
	ElementText     ElementType = "text"
	ElementTextarea ElementType = "textarea"
	ElementNumber   ElementType = "number"
	ElementCheckbox ElementType = "checkbox"
	ElementRadio    ElementType = "radio"
	ElementDropdown ElementType = "dropdown"
	ElementSlider   ElementType = "slider"
	ElementBoolean  ElementType = "boolean"
	ElementFile     ElementType = "file"
	ElementImage    ElementType = "image"
)

// Operator is the comparison applied by a conditional-visibility rule.
type Operator string

const (
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpLessThan           Operator = "less_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpIsEmpty            Operator = "is_empty"
	OpIsNotEmpty         Operator = "is_not_empty"
)

var operators = map[Operator]struct{}{
	OpContains: {}, OpNotContains: {}, OpEquals: {}, OpNotEquals: {},
	OpGreaterThan: {}, OpLessThan: {}, OpGreaterThanOrEqual: {}, OpLessThanOrEqual: {},
	OpIsEmpty: {}, OpIsNotEmpty: {},
}

// Valid reports whether op is one of the known operators.
func (op Operator) Valid() bool {
	_, ok := operators[op]
	return ok
}

// UnmarshalJSON rejects operators outside the closed set so a definition with an
// unknown operator fails to load instead of silently evaluating to false.
func (op *Operator) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("domain: decode operator: %w", err)
	}
	candidate := Operator(s)
	if !candidate.Valid() {
		return fmt.Errorf("domain: unknown operator %q", s)
	}
	*op = candidate
	return nil
}

// ConditionalLogic shows its owner only when the answer of SourceFieldID
// satisfies Operator against Value.
type ConditionalLogic struct {
	SourceFieldID string   `json:"sourceFieldId"`
	Operator      Operator `json:"operator"`
	Value         string   `json:"value"`
}

// UnmarshalJSON accepts a number or boolean rule value and keeps its string
// form, the same coercion answers go through.
func (c *ConditionalLogic) UnmarshalJSON(b []byte) error {
	type plain ConditionalLogic
	var raw struct {
		plain
		Value Value `json:"value"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("domain: decode conditional logic: %w", err)
	}
	*c = ConditionalLogic(raw.plain)
	c.Value = raw.Value.String()
	return nil
}

// Element is a form field definition.
type Element struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Label       string            `json:"label,omitempty"`
	Type        ElementType       `json:"type"`
	Required    bool              `json:"required"`
	Min         *float64          `json:"min,omitempty"`
	Max         *float64          `json:"max,omitempty"`
	Options     []string          `json:"options,omitempty"`
	Conditional *ConditionalLogic `json:"conditionalLogic,omitempty"`
}

// PromptType groups templated content by role.
type PromptType string

const (
	PromptUser           PromptType = "prompt"
	PromptAIInstructions PromptType = "aiInstructions"
	PromptFixedResponse  PromptType = "fixedResponse"
)

// Prompt is a templated block of a phase.
type Prompt struct {
	Type        PromptType        `json:"type"`
	Text        string            `json:"text"`
	Conditional *ConditionalLogic `json:"conditionalLogic,omitempty"`
}

// Scoring is the optional pass/fail configuration of a phase.
type Scoring struct {
	Rubric   string   `json:"rubric,omitempty"`
	MinScore *float64 `json:"minScore,omitempty"`
}

// Phase is one step of a microapp.
type Phase struct {
	Title    string    `json:"title,omitempty"`
	Elements []Element `json:"elements"`
	Prompts  []Prompt  `json:"prompts"`
	Scoring  Scoring   `json:"scoring"`
}

// AIConfig is the model configuration sent with every run of a microapp.
type AIConfig struct {
	Model        string   `json:"model"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    int      `json:"maxTokens,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
}

// Microapp is the immutable definition loaded from the builder.
type Microapp struct {
	ID     string   `json:"id"`
	Title  string   `json:"title,omitempty"`
	AI     AIConfig `json:"ai"`
	Phases []Phase  `json:"phases"`
}

// Element looks an element up by id across every phase of the definition.
func (m Microapp) Element(id string) (Element, bool) {
	for _, p := range m.Phases {
		for _, e := range p.Elements {
			if e.ID == id {
				return e, true
			}
		}
	}
	return Element{}, false
}
