package domain

const (
	BroadcastScheduled = "broadcast-scheduled"
	BroadcastLive      = "broadcast-live"
	BroadcastEnded     = "broadcast-ended"
	BroadcastCancelled = "broadcast-cancelled"
)

// LifecycleEvent is published after every successful phase transition. It
// travels through the outbox queue to the notifier and on to connected
// clients over the pub/sub channel.
type LifecycleEvent struct {
	ID        string `json:"Id"`
	EventID   string `json:"EventId"`
	SessionID string `json:"SessionId,omitempty"`
	OwnerID   string `json:"OwnerId"`
	Type      string `json:"Type"`
	Phase     Phase  `json:"Phase"`
	Status    Status `json:"Status"`
	Time      int64  `json:"Time"`
}
