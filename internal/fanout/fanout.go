// Package fanout delivers payloads to every live connection of a user,
// best-effort. Failures on one connection never affect siblings and are
// never surfaced to the caller; durable storage of missed notifications is
// a collaborator's job.
package fanout

import (
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/kodegeo/showgeo2-sub002/internal/registry"
)

const (
	kindNotification = "notification"
	kindUnreadCount  = "unread-count"
	kindLifecycle    = "lifecycle"
)

type envelope struct {
	Kind string `json:"kind"`
	Data any    `json:"data,omitempty"`
}

type unreadEnvelope struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// Fanout pushes payloads through the connection registry.
type Fanout struct {
	reg    *registry.Registry
	logger *log.Logger
}

func New(reg *registry.Registry, logger *log.Logger) *Fanout {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Fanout{reg: reg, logger: logger}
}

// NotifyUser delivers the payload to each of the user's connections
// independently. Zero connections is a silent no-op.
func (f *Fanout) NotifyUser(userID string, payload []byte) {
	f.deliver(f.reg.ConnectionsFor(userID), payload)
}

// BroadcastToUsers applies NotifyUser to each id; one user's empty set
// does not affect the others.
func (f *Fanout) BroadcastToUsers(userIDs []string, payload []byte) {
	for _, id := range userIDs {
		f.NotifyUser(id, payload)
	}
}

// NotifyUnreadCount pushes an unread-counter payload to the user.
func (f *Fanout) NotifyUnreadCount(userID string, count int) {
	data, err := sonic.Marshal(unreadEnvelope{Kind: kindUnreadCount, Count: count})
	if err != nil {
		f.logger.Errorf("marshal unread count: %v", err)
		return
	}
	f.NotifyUser(userID, data)
}

// NotifyWatchers delivers the payload to every connection currently
// watching the event, across users.
func (f *Fanout) NotifyWatchers(eventID string, payload []byte) {
	f.deliver(f.reg.Watchers(eventID), payload)
}

func (f *Fanout) deliver(handles []*registry.Handle, payload []byte) {
	for _, h := range handles {
		if !h.Deliver(payload) {
			f.logger.WithFields(log.Fields{"user": h.UserID, "conn": h.ID}).Debug("dropped payload for slow or stale connection")
		}
	}
}
