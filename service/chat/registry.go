package chat

import (
	"fmt"
	"sync"
	"time"

	"ChatRelay/logger"
)

// Transition is an online/offline edge for one user. Edges only: adding
// a second device to an already-online user emits nothing.
type Transition struct {
	UserID string
	Online bool
	At     time.Time
}

type userEntry struct {
	mu         sync.Mutex
	conns      map[string]*Client
	online     bool
	graceTimer *time.Timer
}

// Registry owns the user -> live connection mapping. The registry map
// itself is guarded by a short-lived RWMutex; all transition logic for
// one user serializes on that user's entry mutex, so two
// near-simultaneous connects/disconnects can never both see
// "first"/"last", and unrelated users never contend. Transitions are
// emitted under the entry mutex to keep edge order consistent with
// state.
type Registry struct {
	mu     sync.RWMutex
	users  map[string]*userEntry
	byConn map[string]*Client

	grace       time.Duration
	transitions chan Transition
	now         func() time.Time
}

func NewRegistry(grace time.Duration) *Registry {
	return &Registry{
		users:       make(map[string]*userEntry),
		byConn:      make(map[string]*Client),
		grace:       grace,
		transitions: make(chan Transition, 1024),
		now:         time.Now,
	}
}

// Transitions is consumed by the presence aggregator.
func (r *Registry) Transitions() <-chan Transition {
	return r.transitions
}

// Register adds a connection. Duplicate ConnID reuse is a programmer
// error and panics. The first connection for a user emits an online
// transition; a reconnect inside the offline grace window cancels the
// pending offline edge instead.
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	if _, dup := r.byConn[c.ConnID]; dup {
		r.mu.Unlock()
		panic(fmt.Sprintf("registry: duplicate conn id %s", c.ConnID))
	}
	r.byConn[c.ConnID] = c
	e := r.users[c.UserID]
	if e == nil {
		e = &userEntry{conns: make(map[string]*Client)}
		r.users[c.UserID] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	e.conns[c.ConnID] = c
	if !e.online {
		e.online = true
		r.emit(Transition{UserID: c.UserID, Online: true, At: r.now()})
	}
	e.mu.Unlock()

	logger.Debugf("[registry] register user=%s conn=%s", c.UserID, c.ConnID)
}

// Unregister removes a connection and closes it. Removing the user's
// last connection arms the grace timer; the offline edge only fires if
// nobody reconnects within the window.
func (r *Registry) Unregister(c *Client) {
	r.mu.Lock()
	if _, ok := r.byConn[c.ConnID]; !ok {
		r.mu.Unlock()
		c.Close()
		return
	}
	delete(r.byConn, c.ConnID)
	e := r.users[c.UserID]
	r.mu.Unlock()

	c.Close()
	if e == nil {
		return
	}

	e.mu.Lock()
	delete(e.conns, c.ConnID)
	if len(e.conns) == 0 && e.online {
		if e.graceTimer != nil {
			e.graceTimer.Stop()
		}
		if r.grace <= 0 {
			e.online = false
			e.graceTimer = nil
			r.emit(Transition{UserID: c.UserID, Online: false, At: r.now()})
		} else {
			userID := c.UserID
			e.graceTimer = time.AfterFunc(r.grace, func() {
				r.finalizeOffline(userID, e)
			})
		}
	}
	e.mu.Unlock()

	logger.Debugf("[registry] unregister user=%s conn=%s", c.UserID, c.ConnID)
}

func (r *Registry) finalizeOffline(userID string, e *userEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graceTimer = nil
	if len(e.conns) > 0 || !e.online {
		return // reconnected inside the grace window
	}
	e.online = false
	r.emit(Transition{UserID: userID, Online: false, At: r.now()})
	logger.Debugf("[registry] offline user=%s after grace", userID)
}

// ConnectionsFor returns a snapshot; connections may die between the
// snapshot and use, which the router tolerates.
func (r *Registry) ConnectionsFor(userID string) []*Client {
	r.mu.RLock()
	e := r.users[userID]
	r.mu.RUnlock()
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.conns) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	e := r.users[userID]
	r.mu.RUnlock()
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (r *Registry) ConnCount(userID string) int {
	r.mu.RLock()
	e := r.users[userID]
	r.mu.RUnlock()
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// emit never blocks; it runs under the entry mutex.
func (r *Registry) emit(t Transition) {
	select {
	case r.transitions <- t:
	default:
		logger.Warnf("[registry] transition channel full, dropping user=%s online=%v", t.UserID, t.Online)
	}
}
