package chat

import (
	"context"
	"sync"
	"time"

	"ChatRelay/logger"
	"ChatRelay/store"
	"ChatRelay/tools/safe"
)

// Mirror receives every raw transition immediately, before debouncing.
// The redis presence keys implement it so external lookups stay fresh
// even while a flap is being suppressed.
type Mirror interface {
	PresenceOnline(ctx context.Context, userID string) error
	PresenceOffline(ctx context.Context, userID string, lastSeen time.Time) error
}

type presenceState struct {
	latest        Transition
	lastPublished bool // last Online value pushed to peers; zero value means peers assume offline
	timer         *time.Timer
}

// Presence consumes registry transitions and fans presence_change
// events out to each user's interested peers. Edges are debounced per
// user: a flap that settles inside the window publishes nothing.
type Presence struct {
	store  store.Store
	router *Router
	mirror Mirror
	window time.Duration

	mu    sync.Mutex
	users map[string]*presenceState

	now func() time.Time
}

func NewPresence(st store.Store, rt *Router, mirror Mirror, window time.Duration) *Presence {
	return &Presence{
		store:  st,
		router: rt,
		mirror: mirror,
		window: window,
		users:  make(map[string]*presenceState),
		now:    time.Now,
	}
}

// Run drains the transition channel until it is closed. Start it with
// safe.Go next to the registry it consumes.
func (p *Presence) Run(transitions <-chan Transition) {
	for t := range transitions {
		p.Observe(t)
	}
}

// Observe records one raw transition: the mirror is updated
// immediately, the peer broadcast waits out the debounce window.
func (p *Presence) Observe(t Transition) {
	if p.mirror != nil {
		m, tr := p.mirror, t
		safe.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			var err error
			if tr.Online {
				err = m.PresenceOnline(ctx, tr.UserID)
			} else {
				err = m.PresenceOffline(ctx, tr.UserID, tr.At)
			}
			if err != nil {
				logger.Warnf("presence mirror update failed: user=%s err=%v", tr.UserID, err)
			}
		})
	}

	p.mu.Lock()
	st, ok := p.users[t.UserID]
	if !ok {
		st = &presenceState{}
		p.users[t.UserID] = st
	}
	st.latest = t
	if p.window <= 0 {
		p.mu.Unlock()
		p.flush(t.UserID)
		return
	}
	if st.timer == nil {
		userID := t.UserID
		st.timer = time.AfterFunc(p.window, func() { p.flush(userID) })
	}
	p.mu.Unlock()
}

// flush publishes the settled state if it differs from what peers last
// saw. A user who flapped offline->online inside one window publishes
// nothing.
func (p *Presence) flush(userID string) {
	p.mu.Lock()
	st, ok := p.users[userID]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.timer = nil
	t := st.latest
	if st.lastPublished == t.Online {
		p.mu.Unlock()
		return
	}
	st.lastPublished = t.Online
	p.mu.Unlock()

	p.broadcast(t)
}

func (p *Presence) broadcast(t Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peers, err := p.peersOf(ctx, t.UserID)
	if err != nil {
		logger.Warnf("presence peer lookup failed: user=%s err=%v", t.UserID, err)
		return
	}
	if len(peers) == 0 {
		return
	}

	payload := PresencePayload{UserID: t.UserID, Status: "online"}
	if !t.Online {
		payload.Status = "offline"
		at := t.At
		payload.LastSeenAt = &at
	}
	p.router.Publish(&Event{
		Type:      EventPresenceChange,
		Timestamp: t.At,
		Payload:   payload,
	}, peers)
}

// peersOf is the union of accepted friends and co-members of the user's
// conversations, minus the user.
func (p *Presence) peersOf(ctx context.Context, userID string) ([]string, error) {
	seen := map[string]struct{}{userID: {}}
	var peers []string

	friends, err := p.store.GetFriends(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, f := range friends {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		peers = append(peers, f)
	}

	convIDs, err := p.store.GetConversationIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, id := range convIDs {
		members, err := p.store.GetConversationMembers(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			peers = append(peers, m)
		}
	}
	return peers, nil
}
