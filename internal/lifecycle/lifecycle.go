// Package lifecycle enforces legal broadcast phase transitions for events
// and keeps the bound streaming session in step with them.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/kodegeo/showgeo2-sub002/internal/domain"
)

// Storage persists events and sessions. A nil event/session result means
// the record does not exist.
type Storage interface {
	EventByID(ctx context.Context, id string) (*domain.Event, error)
	SaveEvent(ctx context.Context, ev domain.Event) error
	ActiveSession(ctx context.Context, eventID string) (*domain.StreamingSession, error)
	SaveSession(ctx context.Context, sess domain.StreamingSession) error
}

// Outbox accepts lifecycle events for durable handoff to the notifier.
type Outbox interface {
	EnqueueLifecycleEvent(ctx context.Context, ev domain.LifecycleEvent) error
}

// Service runs guarded transitions. Transitions on the same event
// serialize on a per-event lock; different events never contend.
type Service struct {
	store  Storage
	outbox Outbox
	logger *log.Logger

	// locks holds one *sync.Mutex per event ID ever transitioned by
	// this process. Entries are never evicted; growth is bounded by
	// the number of distinct events the process handles.
	locks sync.Map
	now   func() time.Time
	newID func() string
}

func NewService(store Storage, outbox Outbox, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{
		store:  store,
		outbox: outbox,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

func (s *Service) lock(eventID string) func() {
	mu, _ := s.locks.LoadOrStore(eventID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (s *Service) loadEvent(ctx context.Context, id string) (*domain.Event, error) {
	ev, err := s.store.EventByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	if ev == nil {
		return nil, domain.ErrEventNotFound
	}
	return ev, nil
}

// LaunchPreLive moves a draft event into the pre-live phase.
func (s *Service) LaunchPreLive(ctx context.Context, eventID string) (*domain.Event, error) {
	defer s.lock(eventID)()
	ev, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	next, err := ev.State.LaunchPreLive()
	if err != nil {
		return nil, err
	}
	ev.State = next
	if err := s.store.SaveEvent(ctx, *ev); err != nil {
		return nil, fmt.Errorf("save event: %w", err)
	}
	s.publish(ctx, ev, "", domain.BroadcastScheduled)
	return ev, nil
}

// GoLive moves a pre-live event into the live phase and activates its
// streaming session, creating one when none exists.
func (s *Service) GoLive(ctx context.Context, eventID string) (*domain.Event, error) {
	defer s.lock(eventID)()
	ev, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	next, err := ev.State.GoLive()
	if err != nil {
		return nil, err
	}
	sess, err := s.store.ActiveSession(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		sess = &domain.StreamingSession{
			ID:          s.newID(),
			EventID:     eventID,
			RoomID:      s.newID(),
			AccessLevel: domain.AccessPublic,
			CreatedAt:   s.now(),
		}
	}
	sess.Active = true
	if err := s.store.SaveSession(ctx, *sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	ev.State = next
	if err := s.store.SaveEvent(ctx, *ev); err != nil {
		return nil, fmt.Errorf("save event: %w", err)
	}
	s.publish(ctx, ev, sess.ID, domain.BroadcastLive)
	return ev, nil
}

// EndLive moves a live event into the post-live phase and deactivates its
// session, which disconnects viewer delivery downstream.
func (s *Service) EndLive(ctx context.Context, eventID string) (*domain.Event, error) {
	defer s.lock(eventID)()
	ev, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	next, err := ev.State.EndLive()
	if err != nil {
		return nil, err
	}
	sessID, err := s.deactivateSession(ctx, eventID)
	if err != nil {
		return nil, err
	}
	ev.State = next
	if err := s.store.SaveEvent(ctx, *ev); err != nil {
		return nil, fmt.Errorf("save event: %w", err)
	}
	s.publish(ctx, ev, sessID, domain.BroadcastEnded)
	return ev, nil
}

// Cancel aborts an event that has not finished, deactivating any active
// session. A second cancel fails: the transition is not repeatable.
func (s *Service) Cancel(ctx context.Context, eventID string) (*domain.Event, error) {
	defer s.lock(eventID)()
	ev, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	next, err := ev.State.Cancel()
	if err != nil {
		return nil, err
	}
	sessID, err := s.deactivateSession(ctx, eventID)
	if err != nil {
		return nil, err
	}
	ev.State = next
	if err := s.store.SaveEvent(ctx, *ev); err != nil {
		return nil, fmt.Errorf("save event: %w", err)
	}
	s.publish(ctx, ev, sessID, domain.BroadcastCancelled)
	return ev, nil
}

func (s *Service) deactivateSession(ctx context.Context, eventID string) (string, error) {
	sess, err := s.store.ActiveSession(ctx, eventID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return "", nil
	}
	sess.Active = false
	ended := s.now()
	sess.EndedAt = &ended
	if err := s.store.SaveSession(ctx, *sess); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	return sess.ID, nil
}

// publish hands the transition to the outbox. The state change is already
// durable at this point, so an outbox fault is logged rather than undoing
// the transition.
func (s *Service) publish(ctx context.Context, ev *domain.Event, sessionID, evType string) {
	out := domain.LifecycleEvent{
		ID:        s.newID(),
		EventID:   ev.ID,
		SessionID: sessionID,
		OwnerID:   ev.OwnerID,
		Type:      evType,
		Phase:     ev.State.Phase(),
		Status:    ev.State.Status(),
		Time:      s.now().UnixNano(),
	}
	if err := s.outbox.EnqueueLifecycleEvent(ctx, out); err != nil {
		s.logger.WithFields(log.Fields{"event": ev.ID, "type": evType}).Errorf("enqueue lifecycle event: %v", err)
	}
}
