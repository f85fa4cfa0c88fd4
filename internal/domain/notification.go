package domain

import (
	"encoding/json"
	"time"
)

// Notification is a message destined for one user. Persistence belongs to
// the storage collaborator; the fanout engine only transports it.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Payload   json.RawMessage `json:"payload"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NotificationMessage is the payload published on the notification
// pub/sub channel. UnreadCount is nil when the count was not available at
// publish time.
type NotificationMessage struct {
	UserID       string        `json:"userId"`
	Notification *Notification `json:"notification,omitempty"`
	UnreadCount  *int          `json:"unreadCount,omitempty"`
}
