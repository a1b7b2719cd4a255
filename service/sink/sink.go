package sink

import "context"

// Sink is the outbound event stream for downstream consumers (push
// notification workers, archival). Live delivery never depends on it:
// a sink failure is logged and the in-process fan-out proceeds.
type Sink interface {
	// Publish sends one encoded event. Key is the conversation ID so
	// partitioned transports keep per-conversation ordering.
	Publish(ctx context.Context, key string, payload []byte) error
	Close() error
}

// Noop drops everything; the default when no sink is configured.
type Noop struct{}

func (Noop) Publish(ctx context.Context, key string, payload []byte) error { return nil }
func (Noop) Close() error                                                  { return nil }
