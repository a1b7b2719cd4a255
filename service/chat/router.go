package chat

import (
	"context"
	"time"

	"ChatRelay/logger"
	"ChatRelay/service/sink"
	"ChatRelay/tools/safe"
)

type fanoutJob struct {
	ev         *Event
	payload    []byte
	recipients []string
}

// Router fans one event out to the live connections of each recipient.
// The event is encoded once; per-connection sends are independent, so
// one dead or slow connection never delays the rest of the batch. A
// recipient with zero live connections is skipped: the durable store
// is the retry mechanism.
type Router struct {
	reg      *Registry
	jobs     chan fanoutJob
	maxStuck int
	sink     sink.Sink

	// onDelivered fires on the first successful enqueue of a
	// new_message event to a recipient's connection set.
	onDelivered func(ev *Event, recipientID string)
}

func NewRouter(reg *Registry, workers, queue, maxStuck int, snk sink.Sink) *Router {
	if workers <= 0 {
		workers = 1
	}
	if maxStuck <= 0 {
		maxStuck = 50
	}
	if snk == nil {
		snk = sink.Noop{}
	}
	r := &Router{
		reg:      reg,
		jobs:     make(chan fanoutJob, queue),
		maxStuck: maxStuck,
		sink:     snk,
	}
	for i := 0; i < workers; i++ {
		safe.Go(r.worker)
	}
	return r
}

// SetDeliveredHook installs the delivery tracker callback. Must be
// called before traffic starts.
func (r *Router) SetDeliveredHook(f func(ev *Event, recipientID string)) {
	r.onDelivered = f
}

// Publish encodes once and hands the batch to the worker pool. It also
// forwards the event to the outbound sink for downstream consumers.
func (r *Router) Publish(ev *Event, recipients []string) {
	if ev == nil || len(recipients) == 0 {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	payload, err := ev.Encode()
	if err != nil {
		logger.Errorf("[router] encode %s: %v", ev.Type, err)
		return
	}
	r.jobs <- fanoutJob{ev: ev, payload: payload, recipients: recipients}

	p := payload
	key := ev.ConversationID
	safe.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.sink.Publish(ctx, key, p); err != nil {
			logger.Warnf("[router] sink publish %s: %v", key, err)
		}
	})
}

func (r *Router) worker() {
	for job := range r.jobs {
		for _, userID := range job.recipients {
			r.deliverTo(job, userID)
		}
	}
}

func (r *Router) deliverTo(job fanoutJob, userID string) {
	conns := r.reg.ConnectionsFor(userID)
	if len(conns) == 0 {
		return // offline: resolved by catch-up on reconnect
	}
	pushed := false
	for _, c := range conns {
		if c.TrySend(job.payload) {
			pushed = true
			continue
		}
		if c.StuckSends() >= r.maxStuck {
			// slow consumer: cut it loose rather than buffer forever
			logger.Warnf("[router] force disconnect slow consumer user=%s conn=%s stuck=%d",
				c.UserID, c.ConnID, c.StuckSends())
			r.reg.Unregister(c)
		}
	}
	if pushed && job.ev.Type == EventNewMessage && r.onDelivered != nil {
		ev := job.ev
		hook := r.onDelivered
		safe.Go(func() { hook(ev, userID) })
	}
}
