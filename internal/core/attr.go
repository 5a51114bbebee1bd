package core

import (
	"strconv"
	"strings"
)

// maxAttributePathDepth bounds dotted-path traversal so a hostile rule
// cannot walk arbitrarily deep into a context.
const maxAttributePathDepth = 8

// ResolveAttribute extracts the value at a dotted attribute path (e.g.
// "user.email") from the context and coerces it to a string. Any missing
// path segment, non-map intermediate value, or excessive depth resolves to
// the empty string rather than an error.
func ResolveAttribute(context EvaluationContext, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || context.Attributes == nil {
		return ""
	}

	segments := strings.Split(path, ".")
	if len(segments) > maxAttributePathDepth {
		return ""
	}

	var current any = context.Attributes
	for _, segment := range segments {
		node, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = node[segment]
		if !ok {
			return ""
		}
	}

	return stringify(current)
}

// stringify coerces a context value to its string form for comparison.
// Comparisons are intentionally loose: rule values are strings, so numeric
// and boolean attributes compare by their canonical text rendering.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	default:
		return ""
	}
}
