package domain

import "fmt"

// Phase is the coarse broadcast stage of an event.
type Phase string

const (
	PhaseNone     Phase = "none"
	PhasePreLive  Phase = "pre-live"
	PhaseLive     Phase = "live"
	PhasePostLive Phase = "post-live"
)

// Status is the scheduling state of an event.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// BroadcastState is the combined phase/status of an event. Only the legal
// pairs exist as values, so a record can never carry phase "live" with
// status "scheduled".
type BroadcastState int

const (
	StateDraft BroadcastState = iota // phase none, status draft
	StateScheduled                   // phase pre-live, status scheduled
	StateLive                        // phase live, status live
	StateCompleted                   // phase post-live, status completed
	StateCancelled                   // phase none, status cancelled
)

// Phase returns the broadcast phase of the state.
func (s BroadcastState) Phase() Phase {
	switch s {
	case StateScheduled:
		return PhasePreLive
	case StateLive:
		return PhaseLive
	case StateCompleted:
		return PhasePostLive
	default:
		return PhaseNone
	}
}

// Status returns the scheduling status of the state.
func (s BroadcastState) Status() Status {
	switch s {
	case StateScheduled:
		return StatusScheduled
	case StateLive:
		return StatusLive
	case StateCompleted:
		return StatusCompleted
	case StateCancelled:
		return StatusCancelled
	default:
		return StatusDraft
	}
}

func (s BroadcastState) String() string {
	return fmt.Sprintf("%s/%s", s.Phase(), s.Status())
}

// StateFrom rebuilds a BroadcastState from a stored phase/status pair. It
// rejects pairs no transition can produce.
func StateFrom(p Phase, st Status) (BroadcastState, error) {
	for _, s := range []BroadcastState{StateDraft, StateScheduled, StateLive, StateCompleted, StateCancelled} {
		if s.Phase() == p && s.Status() == st {
			return s, nil
		}
	}
	return StateDraft, fmt.Errorf("illegal broadcast state %s/%s", p, st)
}

// InvalidTransitionError reports a lifecycle operation attempted from a
// state that does not permit it.
type InvalidTransitionError struct {
	Op   string
	From BroadcastState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s from %s", e.Op, e.From)
}

// LaunchPreLive moves a draft event into the pre-live phase.
func (s BroadcastState) LaunchPreLive() (BroadcastState, error) {
	if s != StateDraft {
		return s, &InvalidTransitionError{Op: "launch pre-live", From: s}
	}
	return StateScheduled, nil
}

// GoLive moves a pre-live event into the live phase.
func (s BroadcastState) GoLive() (BroadcastState, error) {
	if s != StateScheduled {
		return s, &InvalidTransitionError{Op: "go live", From: s}
	}
	return StateLive, nil
}

// EndLive moves a live event into the post-live phase.
func (s BroadcastState) EndLive() (BroadcastState, error) {
	if s != StateLive {
		return s, &InvalidTransitionError{Op: "end live", From: s}
	}
	return StateCompleted, nil
}

// Cancel aborts an event that has not finished. Completed and already
// cancelled events stay as they are.
func (s BroadcastState) Cancel() (BroadcastState, error) {
	switch s {
	case StateDraft, StateScheduled, StateLive:
		return StateCancelled, nil
	default:
		return s, &InvalidTransitionError{Op: "cancel", From: s}
	}
}
