package flowtype

import "strings"

// ParseType parses a type expression into its AST.
func ParseType(raw string) (*TypeNode, error) {
	node, err := parseType(raw, strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}

	return node, nil
}

func parseType(input, expr string) (*TypeNode, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, parseErr(input, expr, "empty type expression")
	}

	if !balanced(expr) {
		return nil, parseErr(input, expr, "unbalanced brackets")
	}

	// Optional marker binds to the whole expression: List[File]? is an
	// optional list, not a list of optionals.
	if base, ok := stripSuffix(expr, "?"); ok {
		inner, err := parseType(input, base)
		if err != nil {
			return nil, err
		}

		return &TypeNode{Kind: KindOptional, Elem: inner}, nil
	}

	if inner, ok := stripWrapped(expr, "List[", ']'); ok {
		item, err := parseType(input, inner)
		if err != nil {
			return nil, err
		}

		return &TypeNode{Kind: KindList, Elem: item}, nil
	}

	if inner, ok := stripWrapped(expr, "Map[", ']'); ok {
		parts := splitTopLevel(inner, ',')
		if len(parts) != 2 {
			return nil, parseErr(input, expr, "Map takes exactly two type arguments")
		}

		key, err := parseType(input, parts[0])
		if err != nil {
			return nil, err
		}

		value, err := parseType(input, parts[1])
		if err != nil {
			return nil, err
		}

		return &TypeNode{Kind: KindMap, Key: key, Elem: value}, nil
	}

	if inner, ok := stripWrapped(expr, "Record{", '}'); ok {
		if strings.TrimSpace(inner) == "" {
			return nil, parseErr(input, expr, "Record requires at least one field")
		}

		var fields []RecordField

		for _, field := range splitTopLevel(inner, ',') {
			name, typeRaw, ok := splitTopLevelOnce(field, ':')
			if !ok || strings.TrimSpace(name) == "" {
				return nil, parseErr(input, field, "record field must be name: type")
			}

			fieldType, err := parseType(input, typeRaw)
			if err != nil {
				return nil, err
			}

			fields = append(fields, RecordField{Name: strings.TrimSpace(name), Type: fieldType})
		}

		return &TypeNode{Kind: KindRecord, Fields: fields}, nil
	}

	if !isIdentifier(expr) {
		return nil, parseErr(input, expr, "not a type name")
	}

	return &TypeNode{Kind: KindNamed, Name: expr}, nil
}

func stripSuffix(expr, suffix string) (string, bool) {
	if !strings.HasSuffix(expr, suffix) {
		return expr, false
	}

	return strings.TrimSpace(strings.TrimSuffix(expr, suffix)), true
}

// stripWrapped unwraps prefix...closer when the closer really terminates the
// opening bracket, so List[File]? does not match as a truncated List.
func stripWrapped(expr, prefix string, closer byte) (string, bool) {
	if len(expr) < len(prefix)+1 || !strings.HasPrefix(expr, prefix) {
		return "", false
	}

	if expr[len(expr)-1] != closer {
		return "", false
	}

	inner := expr[len(prefix) : len(expr)-1]
	if !balanced(inner) {
		return "", false
	}

	return strings.TrimSpace(inner), true
}

// splitTopLevel splits on the delimiter at bracket depth zero.
func splitTopLevel(raw string, delimiter byte) []string {
	var parts []string

	depth := 0
	start := 0

	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '[', '{':
			depth++
		case ']', '}':
			if depth > 0 {
				depth--
			}
		case delimiter:
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(raw[start:i]))
				start = i + 1
			}
		}
	}

	parts = append(parts, strings.TrimSpace(raw[start:]))

	filtered := parts[:0]

	for _, p := range parts {
		if p != "" {
			filtered = append(filtered, p)
		}
	}

	return filtered
}

func splitTopLevelOnce(raw string, delimiter byte) (string, string, bool) {
	depth := 0

	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '[', '{':
			depth++
		case ']', '}':
			if depth > 0 {
				depth--
			}
		case delimiter:
			if depth == 0 {
				return strings.TrimSpace(raw[:i]), strings.TrimSpace(raw[i+1:]), true
			}
		}
	}

	return "", "", false
}

func balanced(expr string) bool {
	depth := 0

	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth < 0 {
				return false
			}
		}
	}

	return depth == 0
}

func isIdentifier(expr string) bool {
	for i := 0; i < len(expr); i++ {
		c := expr[i]

		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}

	return len(expr) > 0
}
