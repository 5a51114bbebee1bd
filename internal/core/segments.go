package core

import (
	"sort"
	"strings"
)

// StaffEmailDomain is the email-domain suffix that marks internal staff
// accounts across the product.
const StaffEmailDomain = "@hearthvault.app"

// SegmentPredicate decides membership of one segment for a context.
type SegmentPredicate func(EvaluationContext) bool

// segments is the fixed, code-defined segment registry. Adding a segment is
// a deployment-time change, never a runtime data mutation, which keeps
// segment logic auditable and out of reach of the admin rule editor.
var segments = map[string]SegmentPredicate{
	"beta_testers": func(context EvaluationContext) bool {
		return ResolveAttribute(context, "user.role") == "beta"
	},
	"internal_staff": func(context EvaluationContext) bool {
		if ResolveAttribute(context, "user.role") == "staff" {
			return true
		}
		email := strings.ToLower(ResolveAttribute(context, "user.email"))
		return strings.HasSuffix(email, StaffEmailDomain)
	},
	"early_adopters": func(context EvaluationContext) bool {
		switch ResolveAttribute(context, "user.plan") {
		case "early", "founder":
			return true
		default:
			return false
		}
	},
}

// InSegment reports whether the context belongs to the named segment.
// Unknown segment IDs are not members of anything.
func InSegment(segmentID string, context EvaluationContext) bool {
	predicate, ok := segments[segmentID]
	if !ok {
		return false
	}

	return predicate(context)
}

// KnownSegment reports whether segmentID exists in the registry.
func KnownSegment(segmentID string) bool {
	_, ok := segments[segmentID]
	return ok
}

// SegmentIDs returns every registered segment ID in sorted order.
func SegmentIDs() []string {
	ids := make([]string, 0, len(segments))
	for id := range segments {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}
