// Package access authorizes join requests against a streaming session and
// mints the credentials that admit participants into the media transport.
package access

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kodegeo/showgeo2-sub002/internal/domain"
	"github.com/kodegeo/showgeo2-sub002/internal/geofence"
)

// SessionStore provides the read-only records the gate consults.
type SessionStore interface {
	SessionByID(ctx context.Context, id string) (*domain.StreamingSession, error)
	EventByID(ctx context.Context, id string) (*domain.Event, error)
	GeofenceRules(ctx context.Context, targetType domain.TargetType, targetID string) ([]domain.GeofenceRule, error)
}

// JoinRequest is one attempt to join a streaming session. CallerID is
// empty for anonymous callers. TicketProof is supplied by the ticketing
// collaborator, never derived here.
type JoinRequest struct {
	SessionID   string
	Role        domain.Role
	CallerID    string
	TicketProof bool
	Geo         domain.GeoClaims
}

// Authorization is a successful gate decision, ready for the issuer. It is
// not itself a credential.
type Authorization struct {
	Identity  string
	Role      domain.Role
	SessionID string
	RoomID    string
	Geo       domain.GeoClaims
}

// Gate decides whether a join request may receive a session credential.
type Gate struct {
	store SessionStore
}

func NewGate(store SessionStore) *Gate {
	return &Gate{store: store}
}

// Authorize runs the access checks in order: session existence and
// activity, role, access level, geofence. It reads state but never
// mutates it.
func (g *Gate) Authorize(ctx context.Context, req JoinRequest) (Authorization, error) {
	sess, err := g.store.SessionByID(ctx, req.SessionID)
	if err != nil {
		return Authorization{}, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return Authorization{}, domain.ErrSessionNotFound
	}
	if !sess.Active {
		return Authorization{}, domain.ErrSessionInactive
	}

	ev, err := g.store.EventByID(ctx, sess.EventID)
	if err != nil {
		return Authorization{}, fmt.Errorf("load event: %w", err)
	}
	if ev == nil {
		return Authorization{}, domain.ErrSessionNotFound
	}

	if req.Role == domain.RoleBroadcaster && (req.CallerID == "" || req.CallerID != ev.OwnerID) {
		return Authorization{}, domain.ErrRoleNotPermitted
	}

	switch sess.AccessLevel {
	case domain.AccessPublic:
	case domain.AccessRegistered:
		if req.CallerID == "" {
			return Authorization{}, domain.ErrAccessLevelDenied
		}
	case domain.AccessTicketed:
		if !req.TicketProof {
			return Authorization{}, domain.ErrAccessLevelDenied
		}
	default:
		return Authorization{}, domain.ErrAccessLevelDenied
	}

	if err := g.checkGeofence(ctx, ev, sess, req.Geo); err != nil {
		return Authorization{}, err
	}

	identity := req.CallerID
	if identity == "" {
		identity = "anon:" + uuid.NewString()
	}
	return Authorization{
		Identity:  identity,
		Role:      req.Role,
		SessionID: sess.ID,
		RoomID:    sess.RoomID,
		Geo:       req.Geo,
	}, nil
}

func (g *Gate) checkGeofence(ctx context.Context, ev *domain.Event, sess *domain.StreamingSession, geo domain.GeoClaims) error {
	var rules []domain.GeofenceRule
	switch {
	case len(sess.GeoRegions) > 0:
		// Session override replaces the event's rule set wholesale.
		rules = []domain.GeofenceRule{{
			TargetType: domain.TargetEvent,
			TargetID:   ev.ID,
			ListType:   domain.Allowlist,
			Regions:    sess.GeoRegions,
		}}
	case ev.GeoRestricted:
		var err error
		rules, err = g.store.GeofenceRules(ctx, domain.TargetEvent, ev.ID)
		if err != nil {
			return fmt.Errorf("load geofence rules: %w", err)
		}
	default:
		return nil
	}
	if geofence.Evaluate(rules, domain.TargetEvent, ev.ID, geo.MostSpecificRegion()) == geofence.Deny {
		return domain.ErrGeofenceDenied
	}
	return nil
}
