// Package template expands the placeholder tokens allowed in share
// destination paths and module arguments.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

// Vars carries the run-scoped values a path template may reference.
type Vars struct {
	RunID           string
	FlowName        string
	StepID          string
	CurrentDatasite string

	// Extra holds caller-provided tokens, step outputs for instance.
	Extra map[string]string
}

var tokenPattern = regexp.MustCompile(`\{([a-z_][a-z0-9_]*)\}`)

// Expand replaces every {token} in the input. Unknown tokens are an error so
// a typo in a flow spec fails loudly instead of producing a literal path
// with braces in it.
func Expand(input string, vars Vars) (string, error) {
	known := map[string]string{
		"run_id":           vars.RunID,
		"flow_name":        vars.FlowName,
		"step_id":          vars.StepID,
		"current_datasite": vars.CurrentDatasite,
	}

	var unknown []string

	out := tokenPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := strings.Trim(match, "{}")

		if value, ok := known[name]; ok {
			return value
		}

		if value, ok := vars.Extra[name]; ok {
			return value
		}

		unknown = append(unknown, name)

		return match
	})

	if len(unknown) > 0 {
		return "", fmt.Errorf("unknown template tokens: %s", strings.Join(unknown, ", "))
	}

	return out, nil
}

// MustExpand is Expand for callers that already validated the template.
func MustExpand(input string, vars Vars) string {
	out, err := Expand(input, vars)
	if err != nil {
		panic(err)
	}

	return out
}
