// Package resolve evaluates conditional visibility and prompt templates against
// the current answer set. Everything here is pure.
package resolve

import (
	"math"
	"strconv"
	"strings"

	"microapp-engine/internal/domain"
)

// Definition resolves the source element of a conditional rule.
type Definition interface {
	Element(id string) (domain.Element, bool)
}

// IsVisible reports whether content guarded by rule should be shown.
//
// A nil rule, or one whose source element does not exist, is visible. A
// comparison against an unanswered source is hidden until the user answers.
func IsVisible(rule *domain.ConditionalLogic, def Definition, answers domain.Answers) bool {
	if rule == nil {
		return true
	}
	source, ok := def.Element(rule.SourceFieldID)
	if !ok {
		return true
	}
	answer, answered := answers[source.Name]
	value := answer.Value
	if !answered {
		value = domain.Value{}
	}

	switch rule.Operator {
	case domain.OpIsEmpty:
		return value.Empty()
	case domain.OpIsNotEmpty:
		return !value.Empty()
	}

	if !value.Present() {
		return false
	}

	switch rule.Operator {
	case domain.OpContains:
		return contains(value, rule.Value)
	case domain.OpNotContains:
		return !contains(value, rule.Value)
	case domain.OpEquals:
		return strings.ToLower(value.String()) == strings.ToLower(rule.Value)
	case domain.OpNotEquals:
		return strings.ToLower(value.String()) != strings.ToLower(rule.Value)
	case domain.OpGreaterThan:
		return toNumber(value.String()) > toNumber(rule.Value)
	case domain.OpLessThan:
		return toNumber(value.String()) < toNumber(rule.Value)
	case domain.OpGreaterThanOrEqual:
		return toNumber(value.String()) >= toNumber(rule.Value)
	case domain.OpLessThanOrEqual:
		return toNumber(value.String()) <= toNumber(rule.Value)
	default:
		return false
	}
}

// VisibleElements filters elements through IsVisible, keeping order.
func VisibleElements(elements []domain.Element, def Definition, answers domain.Answers) []domain.Element {
	out := make([]domain.Element, 0, len(elements))
	for _, e := range elements {
		if IsVisible(e.Conditional, def, answers) {
			out = append(out, e)
		}
	}
	return out
}

// VisiblePrompts filters prompts through IsVisible, keeping order.
func VisiblePrompts(prompts []domain.Prompt, def Definition, answers domain.Answers) []domain.Prompt {
	out := make([]domain.Prompt, 0, len(prompts))
	for _, p := range prompts {
		if IsVisible(p.Conditional, def, answers) {
			out = append(out, p)
		}
	}
	return out
}

// contains matches list items by case-insensitive equality and scalars by
// case-insensitive substring.
func contains(v domain.Value, needle string) bool {
	needle = strings.ToLower(needle)
	if v.IsList() {
		for _, item := range v.Items() {
			if strings.ToLower(item) == needle {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(v.Scalar()), needle)
}

// toNumber yields NaN for non-numeric input, which makes every ordered
// comparison false.
func toNumber(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return f
}
