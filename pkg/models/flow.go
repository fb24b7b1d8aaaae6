// Package models defines the core domain models for multiparty flow execution.
package models

import "regexp"

// Flow is a parsed flow document. The document format carries apiVersion,
// kind, metadata and spec; everything the engine interprets lives in Spec.
// Fields the engine does not model are preserved by the flowspec loader and
// survive a load/save round trip untouched.
type Flow struct {
	APIVersion string       `yaml:"apiVersion"         json:"api_version" validate:"required"`
	Kind       string       `yaml:"kind"               json:"kind"        validate:"required,eq=Flow"`
	Metadata   FlowMetadata `yaml:"metadata"           json:"metadata"`
	Spec       FlowSpec     `yaml:"spec"               json:"spec"`
}

// FlowMetadata identifies a flow document.
type FlowMetadata struct {
	Name    string `yaml:"name"              json:"name" validate:"required,min=1"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
}

// FlowSpec is the immutable description of a flow, loaded once per run.
// Datasites are positional placeholder identities; the real roster arrives
// with the participants at run time, never from the spec file.
type FlowSpec struct {
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs      map[string]InputSpec `yaml:"inputs,omitempty"      json:"inputs,omitempty"`
	Datasites   []string             `yaml:"datasites,omitempty"   json:"datasites,omitempty"`
	Groups      map[string][]string  `yaml:"groups,omitempty"      json:"groups,omitempty"`
	Steps       []StepSpec           `yaml:"steps"                 json:"steps" validate:"min=1"`
}

// InputSpec declares one flow-level input.
type InputSpec struct {
	Type    string `yaml:"type"              json:"type" validate:"required"`
	Default string `yaml:"default,omitempty" json:"default,omitempty"`
}

// StepIDPattern constrains step identifiers.
var StepIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// StepSpec is one node in the flow DAG. Constructed at parse time and never
// mutated afterward; execution state lives in StepState.
type StepSpec struct {
	ID      string                  `yaml:"id"                json:"id"`
	Name    string                  `yaml:"name,omitempty"    json:"name,omitempty"`
	Uses    string                  `yaml:"uses,omitempty"    json:"uses,omitempty"`
	RunsOn  TargetList              `yaml:"runs_on,omitempty" json:"runs_on,omitempty"`
	With    map[string]BindingValue `yaml:"with,omitempty"    json:"with,omitempty"`
	Publish map[string]string       `yaml:"publish,omitempty" json:"publish,omitempty"`
	Share   map[string]SharePolicy  `yaml:"share,omitempty"   json:"share,omitempty"`
	Barrier *BarrierSpec            `yaml:"barrier,omitempty" json:"barrier,omitempty"`
	Retry   *RetryPolicy            `yaml:"retry,omitempty"   json:"retry,omitempty"`
	Timeout *TimeoutPolicy          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// HasShare reports whether the step exports anything across party boundaries.
func (s *StepSpec) HasShare() bool {
	return len(s.Share) > 0
}

// IsBarrier reports whether the step is a synchronization point with no
// single owner. Barrier steps target every participant.
func (s *StepSpec) IsBarrier() bool {
	return s.Barrier != nil
}

// BarrierSpec configures a barrier step. WaitFor names the step whose
// completion by all of its targets releases the barrier.
type BarrierSpec struct {
	WaitFor string `yaml:"wait_for,omitempty" json:"wait_for,omitempty"`
}

// SharePolicy exports one step output across party boundaries through the
// permissioned external store.
type SharePolicy struct {
	// Source references the exported value, e.g. "self.outputs.result".
	Source string `yaml:"source" json:"source" validate:"required"`

	// Path is the destination template under the owner's datasite, resolved
	// with {run_id}, {current_datasite} and similar placeholders.
	Path string `yaml:"path" json:"path" validate:"required"`

	Permissions SharePermissions `yaml:"permissions" json:"permissions"`
}

// SharePermissions is the ACL attached to a shared artifact. Entries are
// group names, bracket selectors or literal identities.
type SharePermissions struct {
	Read  []string `yaml:"read,omitempty"  json:"read,omitempty"`
	Write []string `yaml:"write,omitempty" json:"write,omitempty"`
	Admin []string `yaml:"admin,omitempty" json:"admin,omitempty"`
}

// RetryPolicy governs re-execution of a failed step.
type RetryPolicy struct {
	MaxAttempts     int      `yaml:"max_attempts"               json:"max_attempts" validate:"min=1"`
	Backoff         *Backoff `yaml:"backoff,omitempty"          json:"backoff,omitempty"`
	RetryableErrors []string `yaml:"retryable_errors,omitempty" json:"retryable_errors,omitempty"`
}

// Retryable reports whether an error kind is eligible for retry. An empty
// list means every runner error is retryable.
func (p *RetryPolicy) Retryable(kind string) bool {
	if len(p.RetryableErrors) == 0 {
		return true
	}

	for _, k := range p.RetryableErrors {
		if k == kind {
			return true
		}
	}

	return false
}

// Backoff strategies.
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
	BackoffFixed       = "fixed"
)

// Backoff configures the delay between retry attempts.
type Backoff struct {
	Strategy       string  `yaml:"strategy"                 json:"strategy" validate:"omitempty,oneof=exponential linear fixed"`
	InitialDelayMs int     `yaml:"initial_delay_ms"         json:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms,omitempty"   json:"max_delay_ms,omitempty"`
	Multiplier     float64 `yaml:"multiplier,omitempty"     json:"multiplier,omitempty"`
	Jitter         bool    `yaml:"jitter,omitempty"         json:"jitter,omitempty"`
}

// Timeout outcomes.
const (
	OnTimeoutFail    = "fail"
	OnTimeoutSkip    = "skip"
	OnTimeoutDefault = "default"
)

// TimeoutPolicy bounds step execution. DefaultValue is required when
// OnTimeout is "default" and ignored otherwise.
type TimeoutPolicy struct {
	ExecutionSeconds int    `yaml:"execution_seconds"       json:"execution_seconds" validate:"min=1"`
	OnTimeout        string `yaml:"on_timeout"              json:"on_timeout" validate:"omitempty,oneof=fail skip default"`
	DefaultValue     string `yaml:"default_value,omitempty" json:"default_value,omitempty"`
}
