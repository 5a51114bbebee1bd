package core

import "strings"

// MatchRule evaluates a single targeting rule against the context. Segment
// rules delegate to the segment registry; attribute rules resolve the
// attribute to a string and apply the operator. Unknown segments and
// unknown operators fail closed to false, never to an error.
func MatchRule(rule Rule, context EvaluationContext) bool {
	if rule.IsSegment() {
		return InSegment(rule.SegmentID, context)
	}

	value := ResolveAttribute(context, rule.Attribute)

	switch rule.Operator {
	case OperatorEquals:
		return value == rule.Value
	case OperatorNotEquals:
		return value != rule.Value
	case OperatorContains:
		return strings.Contains(value, rule.Value)
	case OperatorStartsWith:
		return strings.HasPrefix(value, rule.Value)
	case OperatorEndsWith:
		return strings.HasSuffix(value, rule.Value)
	case OperatorIn:
		for _, candidate := range strings.Split(rule.Value, ",") {
			if value == strings.TrimSpace(candidate) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// MatchAllRules reports whether every rule matches (logical AND). An empty
// rule list matches vacuously.
func MatchAllRules(rules []Rule, context EvaluationContext) bool {
	for _, rule := range rules {
		if !MatchRule(rule, context) {
			return false
		}
	}

	return true
}
