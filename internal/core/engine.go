package core

import (
	"strings"
	"time"
)

// EvaluateFlag decides whether flag is enabled for the context in the given
// environment. Flag-level overrides apply first, strictly in precedence
// order; only when none fire does evaluation delegate to the environment's
// targeting configuration.
//
// The precedence order is total and must not be reordered:
//
//	archived > block list > allow list > allow domains > forceOff > forceOn > targeting
//
// Block membership wins over everything below it, including forceOn: the
// block list carries kill-switch semantics for individual identities.
func EvaluateFlag(flag Flag, env Environment, context EvaluationContext, now time.Time) EvaluationResult {
	if flag.Status == StatusArchived {
		return disabled(ReasonArchived)
	}

	userID := ResolveAttribute(context, "user.id")
	email := ResolveAttribute(context, "user.email")

	if matchesIdentity(flag.BlockUserIDs, userID, email) {
		return disabled(ReasonBlocked)
	}
	if matchesIdentity(flag.AllowUserIDs, userID, email) {
		return enabled(ReasonAllowed)
	}
	if matchesDomain(flag.AllowDomains, email) {
		return enabled(ReasonAllowed)
	}

	if flag.ForceOff {
		return disabled(ReasonForcedOff)
	}
	if flag.ForceOn {
		return enabled(ReasonForcedOn)
	}

	config, ok := flag.Targeting[env]
	if !ok {
		return disabled(ReasonInactiveEnvironment)
	}

	return EvaluateConfig(config, context, now)
}

// EvaluateFlags evaluates every flag in the list for a single context,
// returning a key → enabled map. Used by the end-user "my flags" endpoint.
func EvaluateFlags(flags []Flag, env Environment, context EvaluationContext, now time.Time) map[string]bool {
	results := make(map[string]bool, len(flags))
	for _, flag := range flags {
		results[flag.Key] = EvaluateFlag(flag, env, context, now).Enabled
	}

	return results
}

// PreviewContext synthesizes the minimal evaluation context administrators
// use to test a flag against an arbitrary identifier. It feeds the exact
// same evaluation path as production traffic; there is no separate
// simulation logic. Identifiers carrying the staff email domain map to the
// Staff tenant by convention.
func PreviewContext(identifier, staffDomain string) EvaluationContext {
	identifier = strings.TrimSpace(identifier)
	if staffDomain == "" {
		staffDomain = StaffEmailDomain
	}

	tenant := DefaultTenant
	role := "member"
	if strings.HasSuffix(strings.ToLower(identifier), strings.ToLower(staffDomain)) {
		tenant = "Staff"
		role = "staff"
	}

	return EvaluationContext{
		Attributes: map[string]any{
			"user": map[string]any{
				"id":     identifier,
				"email":  identifier,
				"tenant": tenant,
				"role":   role,
			},
		},
	}
}

// matchesIdentity reports whether either the user ID or email appears in
// the identifier list. Entries may be either form; emails compare
// case-insensitively.
func matchesIdentity(identifiers []string, userID, email string) bool {
	for _, identifier := range identifiers {
		if identifier == "" {
			continue
		}
		if userID != "" && identifier == userID {
			return true
		}
		if email != "" && strings.EqualFold(identifier, email) {
			return true
		}
	}

	return false
}

// matchesDomain reports whether the email carries one of the allowed domain
// suffixes. A leading "@" is implied for entries that omit it.
func matchesDomain(domains []string, email string) bool {
	if email == "" {
		return false
	}
	email = strings.ToLower(email)

	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if !strings.HasPrefix(domain, "@") {
			domain = "@" + domain
		}
		if strings.HasSuffix(email, domain) {
			return true
		}
	}

	return false
}
