package groups

import (
	"fmt"
	"strconv"
	"strings"
)

// Selector is a parsed bracket selector over the positional datasite list:
// datasites[*], datasites[0], datasites[0:3]. The braced token forms
// ({datasites[...]}) are accepted as equivalent.
type Selector struct {
	All   bool
	Index int
	Start int
	End   int

	ranged  bool
	indexed bool
}

// ParseSelector parses a bracket selector. Anything else is an error; callers
// that accept plain group names must test IsBracket first.
func ParseSelector(token string) (*Selector, error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(token), "{"), "}")

	body, ok := strings.CutPrefix(inner, "datasites[")
	if !ok || !strings.HasSuffix(body, "]") {
		return nil, fmt.Errorf("not a bracket selector: %q", token)
	}

	body = strings.TrimSuffix(body, "]")

	if body == "*" {
		return &Selector{All: true}, nil
	}

	if start, end, ok := strings.Cut(body, ":"); ok {
		from, err := strconv.Atoi(start)
		if err != nil {
			return nil, fmt.Errorf("bad range start in %q: %w", token, err)
		}

		to, err := strconv.Atoi(end)
		if err != nil {
			return nil, fmt.Errorf("bad range end in %q: %w", token, err)
		}

		if from < 0 || to < from {
			return nil, fmt.Errorf("bad range in %q", token)
		}

		return &Selector{Start: from, End: to, ranged: true}, nil
	}

	idx, err := strconv.Atoi(body)
	if err != nil || idx < 0 {
		return nil, fmt.Errorf("bad index in %q", token)
	}

	return &Selector{Index: idx, indexed: true}, nil
}

// IsBracket reports whether the token is syntactically a bracket selector.
func IsBracket(token string) bool {
	return isBracketToken(token) || isAllToken(token) && strings.Contains(token, "datasites")
}

// Placeholders returns the placeholder identities the selector picks out of
// the positional datasite list.
func (s *Selector) Placeholders(datasites []string) []string {
	var out []string

	for _, idx := range s.indices(len(datasites)) {
		out = append(out, datasites[idx])
	}

	return out
}

// indices returns the selected positions clamped to the datasite count.
// Ranges are half-open, matching slice semantics.
func (s *Selector) indices(count int) []int {
	switch {
	case s.All:
		out := make([]int, 0, count)
		for i := 0; i < count; i++ {
			out = append(out, i)
		}

		return out
	case s.ranged:
		var out []int

		for i := s.Start; i < s.End && i < count; i++ {
			out = append(out, i)
		}

		return out
	case s.indexed:
		if s.Index < count {
			return []int{s.Index}
		}

		return nil
	default:
		return nil
	}
}
