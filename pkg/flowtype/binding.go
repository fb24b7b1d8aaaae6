package flowtype

import "strings"

// BindingKind discriminates BindingNode variants.
type BindingKind int

const (
	// BindingFile wraps a literal file path: File(path).
	BindingFile BindingKind = iota
	// BindingDirectory wraps a literal directory path: Directory(path).
	BindingDirectory
	// BindingSyftURL wraps a literal syft:// URL: SyftURL(url).
	BindingSyftURL
	// BindingInput references a flow input: inputs.<name>.
	BindingInput
	// BindingStepOutput references an earlier step's published output:
	// step.<id>.outputs.<name>.
	BindingStepOutput
	// BindingStepShare references an earlier step's shared output:
	// step.<id>.share.<name>.
	BindingStepShare
)

// BindingNode is a parsed binding expression.
type BindingNode struct {
	Kind BindingKind

	// Literal payload for the wrapper kinds.
	Literal string

	// StepID and Name locate the referenced value for the reference kinds;
	// input references use Name only.
	StepID string
	Name   string

	// URLList marks a `.url_list` fan-in suffix on a share reference: the
	// binding resolves to a manifest listing one artifact per owning party.
	URLList bool

	// Await, when set, makes resolution block on the referenced artifact's
	// arrival, subject to the timeout policy.
	Await *Await
}

// Await mirrors the await modifier attachable to any reference.
type Await struct {
	TimeoutSeconds int
	PollMs         int
	OnTimeout      string
	DefaultValue   string
}

// IsRef reports whether the binding references another value rather than
// wrapping a literal.
func (b *BindingNode) IsRef() bool {
	return b.Kind == BindingInput || b.Kind == BindingStepOutput || b.Kind == BindingStepShare
}

// CrossParty reports whether the binding may cross a party boundary. Only
// share references do: published outputs stay local to their owner.
func (b *BindingNode) CrossParty() bool {
	return b.Kind == BindingStepShare
}

// String returns the canonical serialization of the reference or literal.
func (b *BindingNode) String() string {
	switch b.Kind {
	case BindingFile:
		return "File(" + b.Literal + ")"
	case BindingDirectory:
		return "Directory(" + b.Literal + ")"
	case BindingSyftURL:
		return "SyftURL(" + b.Literal + ")"
	case BindingInput:
		return "inputs." + b.Name
	case BindingStepOutput:
		return "step." + b.StepID + ".outputs." + b.Name
	case BindingStepShare:
		s := "step." + b.StepID + ".share." + b.Name
		if b.URLList {
			s += ".url_list"
		}

		return s
	default:
		return ""
	}
}

var literalWrappers = map[string]BindingKind{
	"File":      BindingFile,
	"Directory": BindingDirectory,
	"SyftURL":   BindingSyftURL,
}

// ParseBinding parses a binding expression. Malformed expressions and unknown
// wrapper names return a ParseError; nothing is coerced to a default.
func ParseBinding(raw string) (*BindingNode, error) {
	expr := strings.TrimSpace(raw)
	if expr == "" {
		return nil, parseErr(raw, expr, "empty binding expression")
	}

	// Literal wrapper call: Name(payload).
	if open := strings.IndexByte(expr, '('); open > 0 && strings.HasSuffix(expr, ")") {
		name := expr[:open]

		kind, ok := literalWrappers[name]
		if !ok {
			return nil, parseErr(raw, name, "unknown literal wrapper")
		}

		payload := strings.TrimSpace(expr[open+1 : len(expr)-1])
		if payload == "" {
			return nil, parseErr(raw, expr, name+" requires a value")
		}

		return &BindingNode{Kind: kind, Literal: payload}, nil
	}

	if name, ok := strings.CutPrefix(expr, "inputs."); ok {
		if !isIdentifier(name) {
			return nil, parseErr(raw, name, "invalid input name")
		}

		return &BindingNode{Kind: BindingInput, Name: name}, nil
	}

	if rest, ok := strings.CutPrefix(expr, "step."); ok {
		return parseStepRef(raw, rest)
	}

	return nil, parseErr(raw, expr, "expected inputs.*, step.*, or a literal wrapper")
}

func parseStepRef(raw, rest string) (*BindingNode, error) {
	urlList := false

	if base, ok := strings.CutSuffix(rest, ".url_list"); ok {
		urlList = true
		rest = base
	}

	parts := strings.Split(rest, ".")
	if len(parts) != 3 {
		return nil, parseErr(raw, rest, "step reference must be step.<id>.outputs.<name> or step.<id>.share.<name>")
	}

	stepID, refType, name := parts[0], parts[1], parts[2]
	if !isStepID(stepID) {
		return nil, parseErr(raw, stepID, "invalid step id")
	}

	if !isIdentifier(name) {
		return nil, parseErr(raw, name, "invalid output name")
	}

	switch refType {
	case "outputs":
		if urlList {
			return nil, parseErr(raw, rest, "url_list applies only to share references")
		}

		return &BindingNode{Kind: BindingStepOutput, StepID: stepID, Name: name}, nil
	case "share":
		return &BindingNode{Kind: BindingStepShare, StepID: stepID, Name: name, URLList: urlList}, nil
	default:
		return nil, parseErr(raw, refType, "step reference must use outputs or share")
	}
}

func isStepID(s string) bool {
	if s == "" {
		return false
	}

	first := s[0]
	if !(first >= 'a' && first <= 'z' || first >= 'A' && first <= 'Z') {
		return false
	}

	for i := 1; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' {
			continue
		}

		return false
	}

	return true
}
