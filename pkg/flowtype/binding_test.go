package flowtype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBinding_References(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		kind   BindingKind
		stepID string
		ref    string
	}{
		{"input ref", "inputs.genome", BindingInput, "", "genome"},
		{"output ref", "step.generate.outputs.result", BindingStepOutput, "generate", "result"},
		{"share ref", "step.share_contribution.share.contribution", BindingStepShare, "share_contribution", "contribution"},
		{"dashed step id", "step.qc-filter.outputs.stats", BindingStepOutput, "qc-filter", "stats"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := ParseBinding(tt.input)
			require.NoError(t, err)

			assert.Equal(t, tt.kind, node.Kind)
			assert.Equal(t, tt.stepID, node.StepID)
			assert.Equal(t, tt.ref, node.Name)
			assert.True(t, node.IsRef())
			assert.Equal(t, tt.input, node.String())
		})
	}
}

func TestParseBinding_LiteralWrappers(t *testing.T) {
	tests := []struct {
		input   string
		kind    BindingKind
		literal string
	}{
		{"File(/data/genome.vcf)", BindingFile, "/data/genome.vcf"},
		{"Directory(./work)", BindingDirectory, "./work"},
		{"SyftURL(syft://alice@real.com/shares/x)", BindingSyftURL, "syft://alice@real.com/shares/x"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			node, err := ParseBinding(tt.input)
			require.NoError(t, err)

			assert.Equal(t, tt.kind, node.Kind)
			assert.Equal(t, tt.literal, node.Literal)
			assert.False(t, node.IsRef())
		})
	}
}

func TestParseBinding_URLList(t *testing.T) {
	node, err := ParseBinding("step.generate.share.contribution.url_list")
	require.NoError(t, err)

	assert.Equal(t, BindingStepShare, node.Kind)
	assert.True(t, node.URLList)
	assert.True(t, node.CrossParty())
	assert.Equal(t, "step.generate.share.contribution.url_list", node.String())
}

func TestParseBinding_URLListRejectedOnOutputs(t *testing.T) {
	_, err := ParseBinding("step.generate.outputs.result.url_list")
	require.Error(t, err)
}

func TestParseBinding_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"unknown wrapper", "Blob(/x)"},
		{"empty wrapper", "File()"},
		{"bare word", "genome"},
		{"short step ref", "step.generate.outputs"},
		{"long step ref", "step.generate.outputs.result.extra"},
		{"bad ref type", "step.generate.inputs.result"},
		{"bad step id", "step.1generate.outputs.result"},
		{"bad output name", "step.generate.outputs.res-ult"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBinding(tt.input)
			require.Error(t, err)

			var parseErr *ParseError

			assert.ErrorAs(t, err, &parseErr)
		})
	}
}

func TestParseBinding_OnlyShareCrossesParties(t *testing.T) {
	output, err := ParseBinding("step.a.outputs.x")
	require.NoError(t, err)
	assert.False(t, output.CrossParty())

	share, err := ParseBinding("step.a.share.x")
	require.NoError(t, err)
	assert.True(t, share.CrossParty())
}
