package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// bracedRef matches "${path.to.value}"; bareRef matches a standalone bare
// "$path.to.value" token (spec §4.3).
var (
	bracedRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\}`)
	bareRef   = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)`)
)

// Interpolate walks value, replacing ${path} and bare $path references in
// every string leaf against root. Non-string leaves pass through
// unchanged. Missing path segments leave the literal token in place.
func Interpolate(value interface{}, root map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return interpolateString(v, root)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, sub := range v {
			out[k] = Interpolate(sub, root)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, sub := range v {
			out[i] = Interpolate(sub, root)
		}
		return out
	default:
		return v
	}
}

func interpolateString(s string, root map[string]interface{}) interface{} {
	// A string that is *exactly* one reference (braced or bare) resolves to
	// the referenced value's own type, not a stringified substitution —
	// this is what lets ${steps.a.result} hand a whole object/number
	// through to a downstream call's params.
	if m := bracedRef.FindStringSubmatch(s); m != nil && m[0] == s {
		if resolved, ok := resolvePath(root, m[1]); ok {
			return resolved
		}
		return s
	}
	if m := bareRef.FindStringSubmatch(s); m != nil && m[0] == s {
		if resolved, ok := resolvePath(root, m[1]); ok {
			return resolved
		}
		return s
	}

	replaced := bracedRef.ReplaceAllStringFunc(s, func(token string) string {
		path := token[2 : len(token)-1]
		if resolved, ok := resolvePath(root, path); ok {
			return stringify(resolved)
		}
		return token
	})
	replaced = bareRef.ReplaceAllStringFunc(replaced, func(token string) string {
		path := token[1:]
		if resolved, ok := resolvePath(root, path); ok {
			return stringify(resolved)
		}
		return token
	})
	return replaced
}

// resolvePath walks a dotted path over root. Any absent segment reports
// !ok so the caller leaves the original token untouched.
func resolvePath(root map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var current interface{} = root
	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
