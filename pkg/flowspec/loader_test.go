package flowspec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sampleFlow = `apiVersion: flows/v1
kind: Flow
metadata:
  name: federated-gwas
  version: "2"
spec:
  description: Federated GWAS over two contributors and one aggregator.
  inputs:
    threshold:
      type: String?
      default: "5e-8"
  datasites:
    - client1@sandbox.local
    - client2@sandbox.local
    - aggregator@sandbox.local
  groups:
    clients: [contributors]
    leader: ["{datasites[2]}"]
  steps:
    - id: generate
      uses: modules/generate
      runs_on: contributors
      with:
        threshold: inputs.threshold
      share:
        contribution:
          source: self.outputs.result
          path: "flows/federated-gwas/{run_id}/shares/{current_datasite}/contribution.txt"
          permissions:
            read: [leader]
    - id: aggregate
      uses: modules/aggregate
      runs_on: leader
      with:
        contributions:
          value: step.generate.share.contribution.url_list
          await:
            timeout_seconds: 600
            poll_ms: 5000
            on_timeout: fail
`

func TestLoad_DecodesSupportedFields(t *testing.T) {
	doc, err := Load([]byte(sampleFlow))
	require.NoError(t, err)

	flow := doc.Flow
	assert.Equal(t, "Flow", flow.Kind)
	assert.Equal(t, "federated-gwas", flow.Metadata.Name)
	assert.Len(t, flow.Spec.Datasites, 3)
	require.Len(t, flow.Spec.Steps, 2)

	generate := flow.Spec.Steps[0]
	assert.Equal(t, []string{"contributors"}, []string(generate.RunsOn))
	assert.Equal(t, "inputs.threshold", generate.With["threshold"].Value)
	require.Contains(t, generate.Share, "contribution")
	assert.Equal(t, []string{"leader"}, generate.Share["contribution"].Permissions.Read)

	aggregate := flow.Spec.Steps[1]
	binding := aggregate.With["contributions"]
	assert.Equal(t, "step.generate.share.contribution.url_list", binding.Value)
	require.NotNil(t, binding.Await)
	assert.Equal(t, 600, binding.Await.TimeoutSeconds)
}

func TestLoad_RoundTripPreservesUnknownFields(t *testing.T) {
	withExtras := strings.Replace(sampleFlow, "spec:\n", "spec:\n  mpc:\n    topology: ring\n    channel_base_port: 9000\n", 1)

	doc, err := Load([]byte(withExtras))
	require.NoError(t, err)

	out, err := doc.Save()
	require.NoError(t, err)

	// The engine does not model spec.mpc; it must survive the round trip.
	var reparsed map[string]any

	require.NoError(t, yaml.Unmarshal(out, &reparsed))

	spec, ok := reparsed["spec"].(map[string]any)
	require.True(t, ok)

	mpc, ok := spec["mpc"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ring", mpc["topology"])
	assert.Equal(t, 9000, mpc["channel_base_port"])

	// And the supported subset round-trips too.
	again, err := Load(out)
	require.NoError(t, err)
	assert.Equal(t, doc.Flow.Metadata, again.Flow.Metadata)
	assert.Equal(t, doc.Flow.Spec.Steps, again.Flow.Spec.Steps)
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	_, err := Load([]byte("spec: ["))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse flow document")
}

func TestLoad_RejectsEmptyDocument(t *testing.T) {
	_, err := Load([]byte(""))
	require.Error(t, err)
}

func TestLoad_InvalidSpecProducesNoDocument(t *testing.T) {
	invalid := strings.Replace(sampleFlow, "step.generate.share.contribution.url_list", "step.missing.outputs.x", 1)

	doc, err := Load([]byte(invalid))
	assert.Nil(t, doc)
	require.Error(t, err)

	var verrs *ValidationErrors

	require.ErrorAs(t, err, &verrs)
	assert.Contains(t, verrs.Error(), "missing")
}
