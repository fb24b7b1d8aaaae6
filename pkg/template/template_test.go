package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	vars := Vars{
		RunID:           "run-1a2b3c4d",
		FlowName:        "federated-gwas",
		StepID:          "aggregate",
		CurrentDatasite: "a@x",
	}

	out, err := Expand("shared/flows/{flow_name}/{run_id}/{step_id}/result.json", vars)
	require.NoError(t, err)
	assert.Equal(t, "shared/flows/federated-gwas/run-1a2b3c4d/aggregate/result.json", out)
}

func TestExpandExtraTokens(t *testing.T) {
	vars := Vars{
		RunID: "run-1a2b3c4d",
		Extra: map[string]string{"owner": "c1@x"},
	}

	out, err := Expand("datasites/{owner}/{run_id}", vars)
	require.NoError(t, err)
	assert.Equal(t, "datasites/c1@x/run-1a2b3c4d", out)
}

func TestExpandUnknownToken(t *testing.T) {
	_, err := Expand("shared/{run_id}/{typo_token}", Vars{RunID: "run-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "typo_token")
}

func TestExpandNoTokens(t *testing.T) {
	out, err := Expand("shared/static/path", Vars{})
	require.NoError(t, err)
	assert.Equal(t, "shared/static/path", out)
}
