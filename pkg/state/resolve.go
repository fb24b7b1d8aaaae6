package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/syftflow/syftflow/pkg/flowtype"
	"github.com/syftflow/syftflow/pkg/models"
	"github.com/syftflow/syftflow/pkg/template"
)

// waitingInput is one cross-party artifact a step needs before it can run.
type waitingInput struct {
	Name  string
	Owner string
	Path  string
	Await *models.AwaitSpec
}

// resolvedInputs is the outcome of binding resolution for one step: the
// values ready to hand to the runner plus the cross-party artifacts still
// expected to arrive.
type resolvedInputs struct {
	Values  map[string]string
	Missing []waitingInput
}

// resolveInputs turns a step's with-bindings into runner input values.
// Cross-party share references resolve to syft URLs into the owning party's
// datasite; whether those artifacts actually exist is checked separately
// against the store.
func (m *Machine) resolveInputs(step *models.StepSpec) (*resolvedInputs, error) {
	out := &resolvedInputs{Values: make(map[string]string, len(step.With))}

	for _, name := range sortedKeys(step.With) {
		binding := step.With[name]

		node, err := flowtype.ParseBinding(binding.Value)
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", name, err)
		}

		switch node.Kind {
		case flowtype.BindingFile, flowtype.BindingDirectory, flowtype.BindingSyftURL:
			out.Values[name] = node.Literal
		case flowtype.BindingInput:
			value, err := m.inputValue(node.Name)
			if err != nil {
				return nil, fmt.Errorf("binding %s: %w", name, err)
			}

			out.Values[name] = value
		case flowtype.BindingStepOutput:
			value, err := m.outputValue(node.StepID, node.Name)
			if err != nil {
				return nil, fmt.Errorf("binding %s: %w", name, err)
			}

			out.Values[name] = value
		case flowtype.BindingStepShare:
			if err := m.resolveShareRef(name, node, &binding, out); err != nil {
				return nil, fmt.Errorf("binding %s: %w", name, err)
			}
		}
	}

	return out, nil
}

func (m *Machine) inputValue(name string) (string, error) {
	if value, ok := m.inputs[name]; ok {
		return value, nil
	}

	if spec, ok := m.spec.Inputs[name]; ok && spec.Default != "" {
		return spec.Default, nil
	}

	return "", fmt.Errorf("no value for flow input %q", name)
}

func (m *Machine) outputValue(stepID, name string) (string, error) {
	st, ok := m.states[stepID]
	if !ok {
		return "", fmt.Errorf("no state for step %q", stepID)
	}

	value, ok := st.Outputs[name]
	if !ok {
		return "", fmt.Errorf("step %q published no output %q yet", stepID, name)
	}

	return value, nil
}

// resolveShareRef resolves step.<id>.share.<name> to syft URLs into the
// owning parties' trees. Fan-in references (.url_list) produce a JSON
// manifest listing one URL per owner.
func (m *Machine) resolveShareRef(name string, node *flowtype.BindingNode, binding *models.BindingValue, out *resolvedInputs) error {
	depStep := m.stepSpec(node.StepID)
	if depStep == nil {
		return fmt.Errorf("unknown step %q", node.StepID)
	}

	policy, ok := depStep.Share[node.Name]
	if !ok {
		return fmt.Errorf("step %q shares no output %q", node.StepID, node.Name)
	}

	owners := m.filterOwners(m.plan.Targets[node.StepID], binding)
	if len(owners) == 0 {
		return fmt.Errorf("share reference matches no owning party after group filters")
	}

	if !node.URLList && len(owners) > 1 {
		return fmt.Errorf("share reference resolves to %d owners; use .url_list for fan-in", len(owners))
	}

	urls := make([]string, 0, len(owners))

	for _, owner := range owners {
		path, err := m.sharePath(depStep, policy, owner)
		if err != nil {
			return err
		}

		urls = append(urls, "syft://"+owner+"/"+path)
		out.Missing = append(out.Missing, waitingInput{
			Name:  name,
			Owner: owner,
			Path:  path,
			Await: binding.Await,
		})
	}

	if node.URLList {
		manifest, err := json.Marshal(urls)
		if err != nil {
			return err
		}

		out.Values[name] = string(manifest)

		return nil
	}

	out.Values[name] = urls[0]

	return nil
}

// filterOwners applies the binding's only/without group filters to the
// owning parties of the referenced step.
func (m *Machine) filterOwners(targets []string, binding *models.BindingValue) []string {
	owners := make([]string, 0, len(targets))

	for _, owner := range targets {
		if binding.Only != "" && !m.memberOf(binding.Only, owner) {
			continue
		}

		if binding.Without != "" && m.memberOf(binding.Without, owner) {
			continue
		}

		owners = append(owners, owner)
	}

	sort.Strings(owners)

	return owners
}

// memberOf matches a filter token against groups and literal identities.
func (m *Machine) memberOf(token, identity string) bool {
	if strings.Contains(token, "@") {
		return strings.EqualFold(token, identity)
	}

	return m.groups.Contains(token, identity)
}

// sharePath expands a share policy's destination template for one owner.
func (m *Machine) sharePath(depStep *models.StepSpec, policy models.SharePolicy, owner string) (string, error) {
	return template.Expand(policy.Path, template.Vars{
		RunID:           m.runID,
		FlowName:        m.flowName,
		StepID:          depStep.ID,
		CurrentDatasite: owner,
	})
}

func (m *Machine) stepSpec(stepID string) *models.StepSpec {
	for i := range m.spec.Steps {
		if m.spec.Steps[i].ID == stepID {
			return &m.spec.Steps[i]
		}
	}

	return nil
}

func sortedKeys[V any](in map[string]V) []string {
	keys := make([]string, 0, len(in))
	for key := range in {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
