// Package plan computes, for one party's identity, which steps that party
// must run versus which are owned by others.
package plan

import (
	"sort"
	"strings"

	"github.com/syftflow/syftflow/pkg/graph"
	"github.com/syftflow/syftflow/pkg/groups"
	"github.com/syftflow/syftflow/pkg/models"
)

// ExecutionPlan partitions a flow's steps for one identity. Both partitions
// are in topological order. Given identical inputs the plan is byte-identical;
// downstream UI diffing and the tests rely on that.
type ExecutionPlan struct {
	Identity string `json:"identity"`

	// Mine lists the steps this identity must run.
	Mine []string `json:"mine"`

	// OthersViewOnly lists the steps owned by other parties.
	OthersViewOnly []string `json:"others_view_only"`

	// Targets maps every step to its sorted resolved owner identities.
	// Barrier steps target the full roster.
	Targets map[string][]string `json:"targets"`
}

// IsMine reports whether the identity runs the given step.
func (p *ExecutionPlan) IsMine(stepID string) bool {
	for _, id := range p.Mine {
		if id == stepID {
			return true
		}
	}

	return false
}

// StepTargets returns the resolved owners of a step.
func (p *ExecutionPlan) StepTargets(stepID string) []string {
	return p.Targets[stepID]
}

// For builds the execution plan for one identity.
//
// A step is mine when its runs_on selector resolves to me: a literal
// identity (directly or through the placeholder mapping), a group I belong
// to, or a barrier, which targets everybody.
func For(identity string, g *graph.Graph, spec *models.FlowSpec, gm *groups.GroupMap) *ExecutionPlan {
	p := &ExecutionPlan{
		Identity: identity,
		Targets:  make(map[string][]string, len(spec.Steps)),
	}

	byID := make(map[string]*models.StepSpec, len(spec.Steps))
	for i := range spec.Steps {
		byID[spec.Steps[i].ID] = &spec.Steps[i]
	}

	for _, stepID := range g.Order {
		step := byID[stepID]
		targets := ResolveTargets(step, spec, gm)
		p.Targets[stepID] = targets

		if containsFold(targets, identity) {
			p.Mine = append(p.Mine, stepID)
		} else {
			p.OthersViewOnly = append(p.OthersViewOnly, stepID)
		}
	}

	return p
}

// ResolveTargets resolves a step's runs_on selectors to concrete identities.
func ResolveTargets(step *models.StepSpec, spec *models.FlowSpec, gm *groups.GroupMap) []string {
	if step.IsBarrier() {
		return gm.All()
	}

	var targets []string

	for _, selector := range step.RunsOn {
		targets = append(targets, resolveSelector(strings.TrimSpace(selector), spec, gm)...)
	}

	return sortedDedup(targets)
}

// resolveSelector expands one runs_on selector. Resolution order mirrors the
// placeholder semantics: a literal identity matches a participant or falls
// back to the positional placeholder mapping; a bare name is a group.
func resolveSelector(selector string, spec *models.FlowSpec, gm *groups.GroupMap) []string {
	switch {
	case selector == "":
		return nil
	case selector == "*" || strings.EqualFold(selector, "all"):
		return gm.All()
	case strings.Contains(selector, "@"):
		for _, member := range gm.All() {
			if strings.EqualFold(member, selector) {
				return []string{member}
			}
		}

		// Spec placeholder standing in for a real participant.
		if actual, ok := gm.DefaultToActual[selector]; ok {
			return []string{actual}
		}

		return nil
	case strings.HasPrefix(selector, "{") || strings.HasPrefix(selector, "datasites["):
		return expandBracketSelector(selector, spec, gm)
	default:
		return gm.Members(selector)
	}
}

func expandBracketSelector(selector string, spec *models.FlowSpec, gm *groups.GroupMap) []string {
	sel, err := groups.ParseSelector(selector)
	if err != nil {
		return nil
	}

	if sel.All {
		return gm.All()
	}

	var out []string

	for _, placeholder := range sel.Placeholders(spec.Datasites) {
		if actual, ok := gm.DefaultToActual[placeholder]; ok {
			out = append(out, actual)
		}
	}

	return out
}

func containsFold(items []string, target string) bool {
	for _, item := range items {
		if strings.EqualFold(item, target) {
			return true
		}
	}

	return false
}

func sortedDedup(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))

	for _, item := range items {
		key := strings.ToLower(item)
		if _, ok := seen[key]; ok {
			continue
		}

		seen[key] = struct{}{}
		out = append(out, item)
	}

	sort.Strings(out)

	return out
}
