// Package template provides template rendering and variable substitution.
//
// This is the single fixed template syntax used by every prompt in the
// server: {{variable}} placeholders with recursive resolution, so a
// variable value may itself contain placeholders. Rendering is pure; the
// effectful placeholder forms ({{ref:...}}, {{script:...}}) are expanded
// by the reference resolver in a pre-pass before Render runs.
package template

import (
	"fmt"
	"strings"
)

// DefaultMaxPasses bounds recursive substitution. Three levels of nesting
// covers chain-context vars that expand to arg placeholders that expand to
// values.
const DefaultMaxPasses = 3

// Renderer handles variable substitution in templates.
type Renderer struct {
	maxPasses int
}

// NewRenderer creates a new template renderer with the default pass limit.
func NewRenderer() *Renderer {
	return &Renderer{maxPasses: DefaultMaxPasses}
}

// NewRendererWithPasses creates a renderer with a custom substitution pass
// limit. Values below one fall back to the default.
func NewRendererWithPasses(maxPasses int) *Renderer {
	if maxPasses < 1 {
		maxPasses = DefaultMaxPasses
	}
	return &Renderer{maxPasses: maxPasses}
}

// Render applies variable substitution to the template with recursive
// resolution.
//
// The renderer performs multiple passes (up to the configured limit) to
// handle nested variable substitution. For example, if var1="{{var2}}" and
// var2="value", the final result resolves to "value".
//
// Returns an error if any placeholders remain unresolved after all passes.
func (r *Renderer) Render(templateText string, vars map[string]string) (string, error) {
	result := templateText

	for pass := 0; pass < r.maxPasses; pass++ {
		changed := false
		for key, value := range vars {
			placeholder := "{{" + key + "}}"
			if strings.Contains(result, placeholder) {
				result = strings.ReplaceAll(result, placeholder, value)
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	if unresolved := Placeholders(result); len(unresolved) > 0 {
		return "", fmt.Errorf("unresolved template placeholders: %v", unresolved)
	}

	return result, nil
}

// RenderLenient substitutes what it can and returns the result together
// with any unresolved placeholders instead of failing. Chain steps use it
// when rendering a preview of a step whose inputs arrive later.
func (r *Renderer) RenderLenient(templateText string, vars map[string]string) (string, []string) {
	result := templateText

	for pass := 0; pass < r.maxPasses; pass++ {
		changed := false
		for key, value := range vars {
			placeholder := "{{" + key + "}}"
			if strings.Contains(result, placeholder) {
				result = strings.ReplaceAll(result, placeholder, value)
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	return result, Placeholders(result)
}

// ValidateRequiredVars checks that all required variables are provided and
// non-empty. Returns an error listing any missing variables.
func (r *Renderer) ValidateRequiredVars(requiredVars []string, vars map[string]string) error {
	var missing []string
	for _, required := range requiredVars {
		if value, exists := vars[required]; !exists || value == "" {
			missing = append(missing, required)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required variables: %v", missing)
	}

	return nil
}

// MergeVars merges multiple variable maps with later maps taking
// precedence. Used for layering prompt defaults, chain context, and
// request args.
//
// Example:
//
//	defaults := map[string]string{"style": "formal", "depth": "brief"}
//	overrides := map[string]string{"style": "casual"}
//	result := r.MergeVars(defaults, overrides)
//	// result = {"style": "casual", "depth": "brief"}
func (r *Renderer) MergeVars(varMaps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, vars := range varMaps {
		for k, v := range vars {
			result[k] = v
		}
	}
	return result
}

// Placeholders extracts the {{...}} placeholders remaining in text, in
// order of appearance. Used for unresolved-placeholder errors and for
// prompt analysis.
func Placeholders(text string) []string {
	var placeholders []string

	for i := 0; i+3 < len(text); i++ {
		if text[i:i+2] == "{{" {
			for j := i + 2; j+1 < len(text); j++ {
				if text[j:j+2] == "}}" {
					placeholders = append(placeholders, text[i:j+2])
					i = j + 1
					break
				}
			}
		}
	}

	return placeholders
}

// PlaceholderNames returns the distinct variable names referenced by text,
// in order of first appearance. The effectful forms (ref:, script:) are
// excluded; those belong to the reference resolver.
func PlaceholderNames(text string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, ph := range Placeholders(text) {
		name := strings.TrimSuffix(strings.TrimPrefix(ph, "{{"), "}}")
		name = strings.TrimSpace(name)
		if strings.HasPrefix(name, "ref:") || strings.HasPrefix(name, "script:") {
			continue
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
