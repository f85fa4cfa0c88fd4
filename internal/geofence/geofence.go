// Package geofence decides whether a region is permitted for a target
// resource. The precedence policy lives here and nowhere else; callers
// never inspect rules directly.
package geofence

import (
	"strings"

	"github.com/kodegeo/showgeo2-sub002/internal/domain"
)

// Decision is the outcome of a geofence evaluation.
type Decision int

const (
	Allow Decision = iota
	Deny
)

func (d Decision) String() string {
	if d == Deny {
		return "deny"
	}
	return "allow"
}

// Evaluate applies the full rule set for (targetType, targetID) to the
// supplied region token. Deny overrides: any matching blocklist entry
// denies, regardless of allowlist entries for the same target. When
// allowlist rules exist, the region must match one of them. A target with
// no rules is unrestricted.
func Evaluate(rules []domain.GeofenceRule, targetType domain.TargetType, targetID, region string) Decision {
	allowlisted := false
	allowMatch := false
	for _, r := range rules {
		if r.TargetType != targetType || r.TargetID != targetID {
			continue
		}
		switch r.ListType {
		case domain.Blocklist:
			// An absent region cannot be cleared against a non-empty blocklist.
			if region == "" && len(r.Regions) > 0 {
				return Deny
			}
			if containsRegion(r.Regions, region) {
				return Deny
			}
		case domain.Allowlist:
			allowlisted = true
			if containsRegion(r.Regions, region) {
				allowMatch = true
			}
		}
	}
	if allowlisted && !allowMatch {
		return Deny
	}
	return Allow
}

func containsRegion(regions []string, region string) bool {
	if region == "" {
		return false
	}
	for _, r := range regions {
		if strings.EqualFold(r, region) {
			return true
		}
	}
	return false
}
