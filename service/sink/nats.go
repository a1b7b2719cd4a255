package sink

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NatsSink publishes events on subject.<conversation-id> so consumers
// can subscribe to one conversation or wildcard the lot.
type NatsSink struct {
	nc      *nats.Conn
	subject string
}

func NewNats(url, subject string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	return &NatsSink{nc: nc, subject: subject}, nil
}

func (n *NatsSink) Publish(ctx context.Context, key string, payload []byte) error {
	subj := n.subject
	if key != "" {
		subj = n.subject + "." + key
	}
	return errors.Wrap(n.nc.Publish(subj, payload), "nats publish")
}

func (n *NatsSink) Close() error {
	return errors.Wrap(n.nc.Drain(), "nats drain")
}
