package resolve

import (
	"regexp"
	"strings"

	"microapp-engine/internal/domain"
)

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// InjectPlaceholders replaces every {name} in template with the matching
// answer. Placeholders without usable content are left as written.
func InjectPlaceholders(template string, answers domain.Answers) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		answer, ok := answers[name]
		if !ok {
			return match
		}
		if resolved, ok := resolveAnswer(answer); ok {
			return resolved
		}
		return match
	})
}

func resolveAnswer(a domain.Answer) (string, bool) {
	other := strings.TrimSpace(a.OtherValue)
	chosen := selections(a.Value)

	if len(chosen) == 0 && other != "" {
		return other, true
	}
	if a.Value.IsList() && len(chosen) > 0 {
		joined := strings.Join(chosen, ", ")
		if other != "" {
			joined += ", " + other
		}
		return joined, true
	}
	if !a.Value.IsList() && len(chosen) > 0 {
		return chosen[0], true
	}
	return "", false
}

// selections returns the non-sentinel content of v.
func selections(v domain.Value) []string {
	if v.IsList() {
		out := make([]string, 0, len(v.Items()))
		for _, item := range v.Items() {
			if item == domain.OtherSentinel || item == "" {
				continue
			}
			out = append(out, item)
		}
		return out
	}
	if s := v.Scalar(); s != "" && s != domain.OtherSentinel {
		return []string{s}
	}
	return nil
}

// Groups holds prompts split by type, each in definition order.
type Groups struct {
	Prompt         []domain.Prompt
	AIInstructions []domain.Prompt
	FixedResponse  []domain.Prompt
}

// GroupByType splits prompts by type. Prompts with an unknown type are treated
// as user prompts so nothing is dropped.
func GroupByType(prompts []domain.Prompt) Groups {
	var g Groups
	for _, p := range prompts {
		switch p.Type {
		case domain.PromptAIInstructions:
			g.AIInstructions = append(g.AIInstructions, p)
		case domain.PromptFixedResponse:
			g.FixedResponse = append(g.FixedResponse, p)
		default:
			g.Prompt = append(g.Prompt, p)
		}
	}
	return g
}

// Flatten concatenates the groups back into one slice.
func (g Groups) Flatten() []domain.Prompt {
	out := make([]domain.Prompt, 0, len(g.Prompt)+len(g.AIInstructions)+len(g.FixedResponse))
	out = append(out, g.Prompt...)
	out = append(out, g.AIInstructions...)
	return append(out, g.FixedResponse...)
}

// Combine normalizes and resolves each prompt and joins the non-empty results
// with newlines.
func Combine(prompts []domain.Prompt, answers domain.Answers) string {
	parts := make([]string, 0, len(prompts))
	for _, p := range prompts {
		text := InjectPlaceholders(NormalizeRichText(p.Text), answers)
		if strings.TrimSpace(text) == "" {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n")
}
