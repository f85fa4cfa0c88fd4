package domain

// TargetType names the kind of resource a geofence rule applies to.
type TargetType string

const (
	TargetEvent TargetType = "event"
	TargetTour  TargetType = "tour"
	TargetStore TargetType = "store"
)

// ListType distinguishes allowlist rules from blocklist rules.
type ListType string

const (
	Allowlist ListType = "allowlist"
	Blocklist ListType = "blocklist"
)

// GeofenceRule restricts a target resource to (or from) a set of regions.
// Several independent rules may exist for the same target.
type GeofenceRule struct {
	ID         string     `json:"id"`
	TargetType TargetType `json:"targetType"`
	TargetID   string     `json:"targetId"`
	ListType   ListType   `json:"listType"`
	Regions    []string   `json:"regions"`
}
