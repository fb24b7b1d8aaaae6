package flowspec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/syftflow/syftflow/pkg/flowtype"
	"github.com/syftflow/syftflow/pkg/groups"
	"github.com/syftflow/syftflow/pkg/models"
)

var validate = validator.New()

// Validate checks a decoded flow for spec-level consistency: unique and
// well-formed step IDs, non-empty module references, parseable type and
// binding expressions that reference only declared inputs or earlier steps,
// resolvable runs_on selectors, and coherent retry/timeout policies.
//
// Every problem is collected; the returned error is a *ValidationErrors
// batch, never just the first finding.
func Validate(flow *models.Flow) error {
	errs := &ValidationErrors{}

	validateEnvelope(flow, errs)
	validateInputs(flow.Spec.Inputs, errs)
	validateGroups(&flow.Spec, errs)
	validateSteps(&flow.Spec, errs)

	if errs.empty() {
		return nil
	}

	return errs
}

func validateEnvelope(flow *models.Flow, errs *ValidationErrors) {
	if err := validate.Struct(flow); err != nil {
		var fieldErrs validator.ValidationErrors

		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs.add(fieldPath(fe), "failed %q constraint", fe.Tag())
			}

			return
		}

		errs.add("", "%v", err)
	}
}

func validateInputs(inputs map[string]models.InputSpec, errs *ValidationErrors) {
	for name, input := range inputs {
		if _, err := flowtype.ParseType(input.Type); err != nil {
			errs.add("spec.inputs."+name+".type", "%v", err)
		}
	}
}

func validateGroups(spec *models.FlowSpec, errs *ValidationErrors) {
	for name, refs := range spec.Groups {
		for i, ref := range refs {
			token := strings.TrimSpace(ref)
			path := fmt.Sprintf("spec.groups.%s[%d]", name, i)

			switch {
			case token == "":
				errs.add(path, "empty group member reference")
			case strings.Contains(token, "@"), isPlainName(token):
				// Literal identity or a group/role name resolved at run time.
			default:
				if _, err := groups.ParseSelector(token); err != nil {
					errs.add(path, "not an identity, group name, or bracket selector: %q", token)
				}
			}
		}
	}
}

func validateSteps(spec *models.FlowSpec, errs *ValidationErrors) {
	seen := make(map[string]int, len(spec.Steps))
	declared := make(map[string]*models.StepSpec, len(spec.Steps))

	for i, step := range spec.Steps {
		path := fmt.Sprintf("spec.steps[%d]", i)

		if step.ID == "" {
			errs.add(path+".id", "missing step id")
		} else if !models.StepIDPattern.MatchString(step.ID) {
			errs.add(path+".id", "invalid step id %q", step.ID)
		} else if prev, dup := seen[step.ID]; dup {
			errs.add(path+".id", "duplicate step id %q (first declared at spec.steps[%d])", step.ID, prev)
		} else {
			seen[step.ID] = i
		}

		if step.Uses == "" && !step.IsBarrier() {
			errs.add(path+".uses", "missing module reference")
		}

		validateRunsOn(step.RunsOn, path+".runs_on", errs)
		validateBindings(&spec.Steps[i], spec.Inputs, declared, path, errs)
		validateShare(&spec.Steps[i], path, errs)
		validatePolicies(&spec.Steps[i], path, errs)
		validateBarrier(&spec.Steps[i], declared, path, errs)

		// Register after validation: bindings may only look backward, never
		// at the step being declared.
		declared[step.ID] = &spec.Steps[i]
	}
}

func validateRunsOn(targets models.TargetList, path string, errs *ValidationErrors) {
	for i, target := range targets {
		token := strings.TrimSpace(target)
		entry := fmt.Sprintf("%s[%d]", path, i)

		switch {
		case token == "":
			errs.add(entry, "empty target selector")
		case strings.Contains(token, "@"):
			// Literal identity; placeholder identities map positionally at
			// run time.
		case isPlainName(token):
			// Declared group, or a role-derived group that only exists once
			// the roster is known. Either way resolvable at run time.
		default:
			if _, err := groups.ParseSelector(token); err != nil {
				errs.add(entry, "not an identity, group name, or bracket selector: %q", token)
			}
		}
	}
}

func validateBindings(step *models.StepSpec, inputs map[string]models.InputSpec, declared map[string]*models.StepSpec, path string, errs *ValidationErrors) {
	for name, binding := range step.With {
		entry := path + ".with." + name

		if binding.Value == "" {
			errs.add(entry, "missing binding expression")

			continue
		}

		node, err := flowtype.ParseBinding(binding.Value)
		if err != nil {
			errs.add(entry, "%v", err)

			continue
		}

		checkReference(node, step, inputs, declared, entry, errs)
		checkAwait(binding.Await, entry+".await", errs)
	}

	for name, expr := range step.Publish {
		entry := path + ".publish." + name

		node, err := flowtype.ParseBinding(expr)
		if err != nil {
			errs.add(entry, "%v", err)

			continue
		}

		checkReference(node, step, inputs, declared, entry, errs)
	}
}

func checkReference(node *flowtype.BindingNode, step *models.StepSpec, inputs map[string]models.InputSpec, declared map[string]*models.StepSpec, path string, errs *ValidationErrors) {
	if node.Kind == flowtype.BindingInput {
		if _, ok := inputs[node.Name]; !ok {
			errs.add(path, "reference to undeclared input %q", node.Name)
		}

		return
	}

	if node.Kind != flowtype.BindingStepOutput && node.Kind != flowtype.BindingStepShare {
		return
	}

	if node.StepID == step.ID {
		errs.add(path, "step %q references itself", step.ID)

		return
	}

	source, ok := declared[node.StepID]
	if !ok {
		errs.add(path, "reference to undeclared or later step %q", node.StepID)

		return
	}

	if node.Kind == flowtype.BindingStepShare {
		if _, shared := source.Share[node.Name]; !shared {
			errs.add(path, "step %q does not share %q", node.StepID, node.Name)
		}
	}
}

func checkAwait(await *models.AwaitSpec, path string, errs *ValidationErrors) {
	if await == nil {
		return
	}

	if await.TimeoutSeconds < 1 {
		errs.add(path+".timeout_seconds", "must be at least 1")
	}

	if await.OnTimeout == models.OnTimeoutDefault && await.DefaultValue == "" {
		errs.add(path+".default_value", "required when on_timeout is %q", models.OnTimeoutDefault)
	}
}

func validateShare(step *models.StepSpec, path string, errs *ValidationErrors) {
	for name, share := range step.Share {
		entry := path + ".share." + name

		if share.Source == "" {
			errs.add(entry+".source", "missing share source")
		} else if output, ok := strings.CutPrefix(share.Source, "self.outputs."); !ok || output == "" {
			errs.add(entry+".source", "share source must be self.outputs.<name>, got %q", share.Source)
		}

		if share.Path == "" {
			errs.add(entry+".path", "missing destination path template")
		}
	}
}

func validatePolicies(step *models.StepSpec, path string, errs *ValidationErrors) {
	if retry := step.Retry; retry != nil {
		if retry.MaxAttempts < 1 {
			errs.add(path+".retry.max_attempts", "must be at least 1")
		}

		if b := retry.Backoff; b != nil {
			switch b.Strategy {
			case "", models.BackoffExponential, models.BackoffLinear, models.BackoffFixed:
			default:
				errs.add(path+".retry.backoff.strategy", "unknown strategy %q", b.Strategy)
			}

			if b.InitialDelayMs < 0 || b.MaxDelayMs < 0 {
				errs.add(path+".retry.backoff", "delays must be non-negative")
			}
		}
	}

	if timeout := step.Timeout; timeout != nil {
		if timeout.ExecutionSeconds < 1 {
			errs.add(path+".timeout.execution_seconds", "must be at least 1")
		}

		switch timeout.OnTimeout {
		case "", models.OnTimeoutFail, models.OnTimeoutSkip:
		case models.OnTimeoutDefault:
			if timeout.DefaultValue == "" {
				errs.add(path+".timeout.default_value", "required when on_timeout is %q", models.OnTimeoutDefault)
			}
		default:
			errs.add(path+".timeout.on_timeout", "unknown policy %q", timeout.OnTimeout)
		}
	}
}

func validateBarrier(step *models.StepSpec, declared map[string]*models.StepSpec, path string, errs *ValidationErrors) {
	if step.Barrier == nil {
		return
	}

	if step.Barrier.WaitFor == "" {
		return
	}

	if _, ok := declared[step.Barrier.WaitFor]; !ok {
		errs.add(path+".barrier.wait_for", "reference to undeclared or later step %q", step.Barrier.WaitFor)
	}
}

func isPlainName(token string) bool {
	for i := 0; i < len(token); i++ {
		c := token[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' {
			continue
		}

		return false
	}

	return len(token) > 0
}

func fieldPath(fe validator.FieldError) string {
	// validator reports Flow.Spec.Steps[0].ID; strip the type name and
	// lowercase the path style to match document field names.
	path := fe.Namespace()
	if idx := strings.IndexByte(path, '.'); idx >= 0 {
		path = path[idx+1:]
	}

	return strings.ToLower(path)
}

