package domain

import "time"

// Role of a join-request caller.
type Role string

const (
	RoleViewer      Role = "viewer"
	RoleBroadcaster Role = "broadcaster"
)

// AccessLevel controls which callers may join a streaming session.
type AccessLevel string

const (
	AccessPublic     AccessLevel = "public"
	AccessRegistered AccessLevel = "registered"
	AccessTicketed   AccessLevel = "ticketed"
)

// Event is a broadcastable event owned by an external entity.
type Event struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"ownerId"`
	Title         string         `json:"title"`
	StartTime     time.Time      `json:"startTime"`
	EndTime       time.Time      `json:"endTime"`
	GeoRestricted bool           `json:"geoRestricted"`
	GeoRegions    []string       `json:"geoRegions,omitempty"`
	State         BroadcastState `json:"-"`
}

// StreamingSession is one broadcast run of an event. At most one session
// per event is active at a time; a restart creates a new session.
type StreamingSession struct {
	ID          string      `json:"id"`
	EventID     string      `json:"eventId"`
	RoomID      string      `json:"roomId"`
	AccessLevel AccessLevel `json:"accessLevel"`
	Active      bool        `json:"active"`
	GeoRegions  []string    `json:"geoRegions,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	EndedAt     *time.Time  `json:"endedAt,omitempty"`
}

// GeoClaims are the caller-supplied region tokens used for geofence checks
// and carried into the issued credential. All fields are optional.
type GeoClaims struct {
	Country  string `json:"country,omitempty"`
	State    string `json:"state,omitempty"`
	City     string `json:"city,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// MostSpecificRegion picks the region token to evaluate against geofence
// rules: city first, then state, then country.
func (g GeoClaims) MostSpecificRegion() string {
	switch {
	case g.City != "":
		return g.City
	case g.State != "":
		return g.State
	default:
		return g.Country
	}
}
