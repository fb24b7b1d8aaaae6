// Package groups builds the runtime mapping from symbolic targets to
// concrete participant identities.
//
// A flow spec declares placeholder identities (positional stand-ins such as
// client1@sandbox.local) and named groups; the real roster arrives with
// invitation/join events. The resolver reconciles the two without mutating
// the spec: the GroupMap is a separate resolved-context value built fresh
// per run and passed explicitly through the call chain.
package groups

import (
	"regexp"
	"sort"
	"strings"

	"github.com/syftflow/syftflow/pkg/models"
)

// GroupMap maps every symbolic target string to the set of actual
// participant identities.
type GroupMap struct {
	// Groups maps group names (computed from roles and declared in the
	// spec) to sorted member identities. The "all" group always equals the
	// full roster.
	Groups map[string][]string

	// DefaultToActual positionally maps spec placeholder identities to real
	// participant identities. Used only as a fallback when a runs_on
	// selector names a placeholder that matches no participant or group.
	DefaultToActual map[string]string

	participants []models.Participant
}

var numberedRole = regexp.MustCompile(`^([a-zA-Z]+)(\d+)$`)

// Resolve builds the GroupMap for one run.
//
// Order matters: role groups feed pluralized groups, spec-declared groups
// are resolved against both, and role groups fill whatever names the spec
// did not claim. When a spec-declared group explicitly lists members it wins
// a name collision with a computed group; an empty declaration does not.
func Resolve(spec *models.FlowSpec, participants []models.Participant) *GroupMap {
	gm := &GroupMap{
		Groups:          make(map[string][]string),
		DefaultToActual: make(map[string]string),
		participants:    participants,
	}

	all := make([]string, 0, len(participants))
	for _, p := range participants {
		all = append(all, p.Email)
	}

	gm.Groups["all"] = sorted(all)

	roleGroups := make(map[string][]string)

	for _, p := range participants {
		roleGroups[p.Role] = append(roleGroups[p.Role], p.Email)

		// contributor1, contributor2 -> contributors
		if m := numberedRole.FindStringSubmatch(p.Role); m != nil {
			plural := m[1] + "s"
			roleGroups[plural] = append(roleGroups[plural], p.Email)
		}
	}

	// Placeholder mapping: direct literal match first, stable index fallback.
	// Unmapped positions are simply absent; a flow may run with fewer live
	// parties than the template envisions.
	for i, placeholder := range spec.Datasites {
		if match := findByEmail(participants, placeholder); match != "" {
			gm.DefaultToActual[placeholder] = match
		} else if i < len(participants) {
			gm.DefaultToActual[placeholder] = participants[i].Email
		}
	}

	for name, refs := range spec.Groups {
		members := gm.resolveDeclared(spec, refs, roleGroups)
		if len(members) > 0 {
			gm.Groups[name] = members
		}
	}

	for role, members := range roleGroups {
		if _, claimed := gm.Groups[role]; !claimed {
			gm.Groups[role] = sorted(members)
		}
	}

	return gm
}

// resolveDeclared expands one spec-declared group's member references.
func (gm *GroupMap) resolveDeclared(spec *models.FlowSpec, refs []string, roleGroups map[string][]string) []string {
	var members []string

	for _, ref := range refs {
		token := strings.TrimSpace(ref)

		switch {
		case token == "":
		case isAllToken(token):
			members = append(members, gm.Groups["all"]...)
		case strings.Contains(token, "@"):
			// Literal email, possibly a placeholder standing for a real one.
			if actual, ok := gm.DefaultToActual[token]; ok {
				members = append(members, actual)
			} else {
				members = append(members, token)
			}
		case isBracketToken(token):
			members = append(members, gm.expandBracket(spec, token)...)
		default:
			members = append(members, roleGroups[token]...)
		}
	}

	return sorted(dedup(members))
}

// expandBracket resolves {datasites[N]} and {datasites[A:B]} tokens against
// the positional placeholder list.
func (gm *GroupMap) expandBracket(spec *models.FlowSpec, token string) []string {
	sel, err := ParseSelector(token)
	if err != nil {
		return nil
	}

	var members []string

	for _, idx := range sel.indices(len(spec.Datasites)) {
		if actual, ok := gm.DefaultToActual[spec.Datasites[idx]]; ok {
			members = append(members, actual)
		}
	}

	if sel.All {
		return gm.Groups["all"]
	}

	return members
}

// Members returns the sorted identities of a named group, nil when unknown.
func (gm *GroupMap) Members(name string) []string {
	return gm.Groups[name]
}

// Contains reports whether the identity belongs to the named group.
// Identity comparison is case-insensitive, matching email semantics.
func (gm *GroupMap) Contains(group, identity string) bool {
	for _, member := range gm.Groups[group] {
		if strings.EqualFold(member, identity) {
			return true
		}
	}

	return false
}

// All returns the full roster.
func (gm *GroupMap) All() []string {
	return gm.Groups["all"]
}

// Participants returns the roster the map was built from.
func (gm *GroupMap) Participants() []models.Participant {
	return gm.participants
}

func isAllToken(token string) bool {
	return token == "*" ||
		strings.EqualFold(token, "all") ||
		token == "{datasites[*]}" ||
		token == "datasites[*]"
}

func isBracketToken(token string) bool {
	inner := strings.TrimSuffix(strings.TrimPrefix(token, "{"), "}")

	return strings.HasPrefix(inner, "datasites[") && strings.HasSuffix(inner, "]")
}

func findByEmail(participants []models.Participant, email string) string {
	for _, p := range participants {
		if strings.EqualFold(p.Email, email) {
			return p.Email
		}
	}

	return ""
}

func sorted(items []string) []string {
	out := make([]string, len(items))
	copy(out, items)
	sort.Strings(out)

	return out
}

func dedup(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := items[:0]

	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}

		seen[item] = struct{}{}
		out = append(out, item)
	}

	return out
}
