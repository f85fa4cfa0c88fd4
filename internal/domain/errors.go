package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound indicates a join attempt against an unknown session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionInactive indicates a join attempt against an ended session.
	ErrSessionInactive = errors.New("session inactive")
	// ErrRoleNotPermitted indicates the caller requested a role it does not hold.
	ErrRoleNotPermitted = errors.New("role not permitted")
	// ErrAccessLevelDenied indicates the caller failed the session access-level policy.
	ErrAccessLevelDenied = errors.New("access level denied")
	// ErrGeofenceDenied indicates the caller's region is not permitted for the target.
	ErrGeofenceDenied = errors.New("geofence denied")
	// ErrEventNotFound indicates a lifecycle operation against an unknown event.
	ErrEventNotFound = errors.New("event not found")
)

// SigningError wraps a credential signing fault. Fatal to the request,
// never to the process.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string { return fmt.Sprintf("sign credential: %v", e.Err) }

func (e *SigningError) Unwrap() error { return e.Err }
