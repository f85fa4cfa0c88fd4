// Package registry tracks every live real-time connection per user. It is
// the only persistently shared mutable structure in the gateway, so it is
// sharded: operations on unrelated users never contend on one lock.
package registry

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	shardCount = 64
	sendBuffer = 16
)

// Handle is one live connection belonging to a user. Payloads are consumed
// from Messages; Done is closed when the connection is deregistered.
type Handle struct {
	ID          string
	UserID      string
	EventID     string
	ConnectedAt time.Time

	send chan []byte
	done chan struct{}
	once sync.Once
}

// Messages returns the channel delivery pushes payloads into.
func (h *Handle) Messages() <-chan []byte { return h.send }

// Done is closed once the handle has been deregistered.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Deliver hands a payload to the connection without blocking. A full
// buffer or a deregistered handle drops the payload; delivery here is
// best-effort by contract.
func (h *Handle) Deliver(payload []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.send <- payload:
		return true
	default:
		return false
	}
}

func (h *Handle) close() {
	h.once.Do(func() { close(h.done) })
}

type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Handle
}

type watchIndex struct {
	mu      sync.RWMutex
	byEvent map[string]map[*Handle]struct{}
}

// Registry is a concurrent map of user id to the set of that user's live
// connections, plus a secondary index of connections watching an event.
type Registry struct {
	shards [shardCount]shard
	watch  watchIndex
	now    func() time.Time
}

func New() *Registry {
	r := &Registry{now: time.Now}
	for i := range r.shards {
		r.shards[i].users = make(map[string]map[string]*Handle)
	}
	r.watch.byEvent = make(map[string]map[*Handle]struct{})
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &r.shards[h.Sum32()%shardCount]
}

// Register adds a connection for the user, creating the user's set on
// first connection. Registering the same (userID, connID) pair twice
// returns the existing handle. eventID may be empty when the connection
// is not watching a particular event.
func (r *Registry) Register(userID, connID, eventID string) *Handle {
	s := r.shardFor(userID)
	s.mu.Lock()
	conns := s.users[userID]
	if conns == nil {
		conns = make(map[string]*Handle)
		s.users[userID] = conns
	}
	if existing, ok := conns[connID]; ok {
		s.mu.Unlock()
		return existing
	}
	h := &Handle{
		ID:          connID,
		UserID:      userID,
		EventID:     eventID,
		ConnectedAt: r.now(),
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
	}
	conns[connID] = h
	// The watch index must change in the same critical section as the
	// shard map: a concurrent Deregister for this pair must never run
	// between the two mutations. Lock order is always shard then watch.
	if eventID != "" {
		r.watch.mu.Lock()
		set := r.watch.byEvent[eventID]
		if set == nil {
			set = make(map[*Handle]struct{})
			r.watch.byEvent[eventID] = set
		}
		set[h] = struct{}{}
		r.watch.mu.Unlock()
	}
	s.mu.Unlock()
	return h
}

// Deregister removes the connection. Removing the last connection deletes
// the user's entry entirely, so presence of a key always means at least
// one live connection.
func (r *Registry) Deregister(userID, connID string) {
	s := r.shardFor(userID)
	s.mu.Lock()
	var h *Handle
	if conns, ok := s.users[userID]; ok {
		if h = conns[connID]; h != nil {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(s.users, userID)
			}
		}
	}
	if h != nil && h.EventID != "" {
		r.watch.mu.Lock()
		if set, ok := r.watch.byEvent[h.EventID]; ok {
			delete(set, h)
			if len(set) == 0 {
				delete(r.watch.byEvent, h.EventID)
			}
		}
		r.watch.mu.Unlock()
	}
	s.mu.Unlock()
	if h != nil {
		h.close()
	}
}

// ConnectionsFor returns a snapshot of the user's live connections. The
// snapshot may go stale immediately; callers must tolerate that.
func (r *Registry) ConnectionsFor(userID string) []*Handle {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := s.users[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Handle, 0, len(conns))
	for _, h := range conns {
		out = append(out, h)
	}
	return out
}

// Watchers returns a snapshot of every connection currently watching the
// event, across all users.
func (r *Registry) Watchers(eventID string) []*Handle {
	r.watch.mu.RLock()
	defer r.watch.mu.RUnlock()
	set := r.watch.byEvent[eventID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// HasConnections reports whether the user holds at least one live
// connection.
func (r *Registry) HasConnections(userID string) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok
}
