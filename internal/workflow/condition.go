package workflow

import (
	"strconv"
	"strings"
)

// EvaluateCondition evaluates an already-interpolated boolean expression
// (spec §4.3): string equality, numeric comparison, and boolean
// AND/OR/NOT over those. A malformed expression evaluates to false rather
// than erroring, matching spec.md's "malformed or throwing condition
// evaluates to false" rule.
func EvaluateCondition(expr string) (result bool) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	defer func() {
		if recover() != nil {
			result = false
		}
	}()
	ok, rest := parseOr(expr)
	if strings.TrimSpace(rest) != "" {
		return false
	}
	return ok
}

// The grammar below is a small hand-rolled recursive-descent parser —
// there is no general expression-language dependency anywhere in the
// retrieval corpus, and spec.md explicitly scopes this to "limited"
// interpolation/condition support (§1 Non-goals: "no general-purpose
// expression language"), so a third-party expression evaluator would be
// solving a problem the spec deliberately avoids.
//
//   or         := and ("OR" and)*
//   and        := not ("AND" not)*
//   not        := "NOT" not | comparison
//   comparison := atom (("==" | "!=" | ">" | ">=" | "<" | "<=") atom)?
//   atom       := "(" or ")" | "true" | "false" | number | quoted-string | bare-token

func parseOr(s string) (bool, string) {
	left, rest := parseAnd(s)
	for {
		trimmed := strings.TrimSpace(rest)
		if tok, ok := consumeKeyword(trimmed, "OR"); ok {
			right, r2 := parseAnd(tok)
			left = left || right
			rest = r2
			continue
		}
		break
	}
	return left, rest
}

func parseAnd(s string) (bool, string) {
	left, rest := parseNot(s)
	for {
		trimmed := strings.TrimSpace(rest)
		if tok, ok := consumeKeyword(trimmed, "AND"); ok {
			right, r2 := parseNot(tok)
			left = left && right
			rest = r2
			continue
		}
		break
	}
	return left, rest
}

func parseNot(s string) (bool, string) {
	trimmed := strings.TrimSpace(s)
	if tok, ok := consumeKeyword(trimmed, "NOT"); ok {
		val, rest := parseNot(tok)
		return !val, rest
	}
	return parseComparison(trimmed)
}

func parseComparison(s string) (bool, string) {
	left, rest := parseAtom(s)
	trimmed := strings.TrimSpace(rest)

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if strings.HasPrefix(trimmed, op) {
			right, r2 := parseAtom(trimmed[len(op):])
			return compare(left, op, right), r2
		}
	}
	return truthy(left), rest
}

func parseAtom(s string) (interface{}, string) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, trimmed
	}

	if trimmed[0] == '(' {
		depth := 0
		for i, c := range trimmed {
			if c == '(' {
				depth++
			}
			if c == ')' {
				depth--
				if depth == 0 {
					inner := trimmed[1:i]
					val, _ := parseOr(inner)
					return val, trimmed[i+1:]
				}
			}
		}
		return nil, ""
	}

	if trimmed[0] == '"' || trimmed[0] == '\'' {
		quote := trimmed[0]
		for i := 1; i < len(trimmed); i++ {
			if trimmed[i] == quote {
				return trimmed[1:i], trimmed[i+1:]
			}
		}
		return trimmed[1:], ""
	}

	end := 0
	for end < len(trimmed) && !strings.ContainsRune(" \t()", rune(trimmed[end])) {
		if isOperatorStart(trimmed, end) {
			break
		}
		end++
	}
	token := trimmed[:end]
	rest := trimmed[end:]

	switch token {
	case "true":
		return true, rest
	case "false":
		return false, rest
	}
	if n, err := strconv.ParseFloat(token, 64); err == nil {
		return n, rest
	}
	return token, rest
}

func isOperatorStart(s string, i int) bool {
	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if strings.HasPrefix(s[i:], op) {
			return true
		}
	}
	return false
}

func consumeKeyword(s, kw string) (string, bool) {
	if strings.HasPrefix(s, kw) {
		next := s[len(kw):]
		if next == "" || next[0] == ' ' || next[0] == '(' {
			return next, true
		}
	}
	return s, false
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != "" && t != "false"
	default:
		return false
	}
}

func compare(left interface{}, op string, right interface{}) bool {
	if ln, lok := toNumber(left); lok {
		if rn, rok := toNumber(right); rok {
			switch op {
			case "==":
				return ln == rn
			case "!=":
				return ln != rn
			case ">":
				return ln > rn
			case ">=":
				return ln >= rn
			case "<":
				return ln < rn
			case "<=":
				return ln <= rn
			}
		}
	}

	ls, rs := toString(left), toString(right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	}
	return false
}

func toNumber(v interface{}) (float64, bool) {
	n, ok := v.(float64)
	return n, ok
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return stringify(v)
}
