package flowspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syftflow/syftflow/pkg/models"
)

func validFlow() *models.Flow {
	return &models.Flow{
		APIVersion: "flows/v1",
		Kind:       "Flow",
		Metadata:   models.FlowMetadata{Name: "test-flow"},
		Spec: models.FlowSpec{
			Datasites: []string{"client1@sandbox.local", "aggregator@sandbox.local"},
			Steps: []models.StepSpec{
				{
					ID:     "generate",
					Uses:   "modules/generate",
					RunsOn: models.TargetList{"contributors"},
					Share: map[string]models.SharePolicy{
						"contribution": {
							Source:      "self.outputs.result",
							Path:        "flows/{run_id}/{current_datasite}/contribution.txt",
							Permissions: models.SharePermissions{Read: []string{"aggregator"}},
						},
					},
				},
				{
					ID:     "aggregate",
					Uses:   "modules/aggregate",
					RunsOn: models.TargetList{"aggregator"},
					With: map[string]models.BindingValue{
						"contributions": {Value: "step.generate.share.contribution"},
					},
				},
			},
		},
	}
}

func TestValidate_AcceptsValidFlow(t *testing.T) {
	require.NoError(t, Validate(validFlow()))
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	flow := validFlow()
	flow.Spec.Steps[0].ID = "1bad id"
	flow.Spec.Steps[1].Uses = ""
	flow.Spec.Steps[1].With["contributions"] = models.BindingValue{Value: "step.missing.outputs.x"}

	err := Validate(flow)
	require.Error(t, err)

	var verrs *ValidationErrors

	require.ErrorAs(t, err, &verrs)
	assert.GreaterOrEqual(t, len(verrs.Errors), 3)
}

func TestValidate_DuplicateStepIDs(t *testing.T) {
	flow := validFlow()
	flow.Spec.Steps[1].ID = "generate"
	flow.Spec.Steps[1].With = nil

	err := Validate(flow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate step id "generate"`)
}

// Binding expressions may only look backward: no forward or self references.
func TestValidate_ReferenceDirection(t *testing.T) {
	tests := []struct {
		name    string
		binding string
		wantErr string
	}{
		{"forward", "step.aggregate.outputs.x", `undeclared or later step "aggregate"`},
		{"self", "step.generate.outputs.x", `references itself`},
		{"dangling", "step.missing.outputs.x", `undeclared or later step "missing"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := validFlow()
			flow.Spec.Steps[0].With = map[string]models.BindingValue{"x": {Value: tt.binding}}

			err := Validate(flow)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_InputReferencesMustBeDeclared(t *testing.T) {
	flow := validFlow()
	flow.Spec.Steps[0].With = map[string]models.BindingValue{"threshold": {Value: "inputs.threshold"}}

	err := Validate(flow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `undeclared input "threshold"`)

	flow.Spec.Inputs = map[string]models.InputSpec{"threshold": {Type: "String"}}
	require.NoError(t, Validate(flow))
}

func TestValidate_ShareReferenceToShareLessStep(t *testing.T) {
	flow := validFlow()
	flow.Spec.Steps[0].Share = nil

	err := Validate(flow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step "generate" does not share "contribution"`)
}

func TestValidate_ShareNameChecked(t *testing.T) {
	flow := validFlow()
	flow.Spec.Steps[1].With["contributions"] = models.BindingValue{Value: "step.generate.share.nonexistent"}

	err := Validate(flow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `does not share "nonexistent"`)
}

func TestValidate_ShareSourceShape(t *testing.T) {
	flow := validFlow()

	share := flow.Spec.Steps[0].Share["contribution"]
	share.Source = "step.other.outputs.x"
	flow.Spec.Steps[0].Share["contribution"] = share

	err := Validate(flow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "share source must be self.outputs.<name>")
}

func TestValidate_TimeoutDefaultRequiresValue(t *testing.T) {
	flow := validFlow()
	flow.Spec.Steps[0].Timeout = &models.TimeoutPolicy{
		ExecutionSeconds: 60,
		OnTimeout:        models.OnTimeoutDefault,
	}

	err := Validate(flow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_value")

	flow.Spec.Steps[0].Timeout.DefaultValue = "{}"
	require.NoError(t, Validate(flow))
}

func TestValidate_RetryPolicy(t *testing.T) {
	flow := validFlow()
	flow.Spec.Steps[0].Retry = &models.RetryPolicy{
		MaxAttempts: 0,
		Backoff:     &models.Backoff{Strategy: "fibonacci"},
	}

	err := Validate(flow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")
	assert.Contains(t, err.Error(), `unknown strategy "fibonacci"`)
}

func TestValidate_BarrierWithoutUses(t *testing.T) {
	flow := validFlow()
	flow.Spec.Steps = append(flow.Spec.Steps, models.StepSpec{
		ID:      "sync",
		Barrier: &models.BarrierSpec{WaitFor: "generate"},
	})

	require.NoError(t, Validate(flow))
}

func TestValidate_BarrierWaitForMustExist(t *testing.T) {
	flow := validFlow()
	flow.Spec.Steps = append(flow.Spec.Steps, models.StepSpec{
		ID:      "sync",
		Barrier: &models.BarrierSpec{WaitFor: "nope"},
	})

	err := Validate(flow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `undeclared or later step "nope"`)
}

func TestValidate_AwaitDefaultRequiresValue(t *testing.T) {
	flow := validFlow()
	flow.Spec.Steps[1].With["contributions"] = models.BindingValue{
		Value: "step.generate.share.contribution",
		Await: &models.AwaitSpec{TimeoutSeconds: 30, OnTimeout: models.OnTimeoutDefault},
	}

	err := Validate(flow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_value")
}

func TestValidate_GroupSelectors(t *testing.T) {
	flow := validFlow()
	flow.Spec.Groups = map[string][]string{
		"ok":  {"contributors", "{datasites[0]}", "alice@real.com", "{datasites[*]}"},
		"bad": {"{datasites[x]}"},
	}

	err := Validate(flow)
	require.Error(t, err)

	var verrs *ValidationErrors

	require.ErrorAs(t, err, &verrs)
	require.Len(t, verrs.Errors, 1)
	assert.Contains(t, verrs.Errors[0].Path, "spec.groups.bad")
}
