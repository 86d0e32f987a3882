package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus implements Bus over a NATS connection, letting several Hub
// processes share delivery fanout when deployed behind a load balancer
// (SPEC_FULL.md §4.10; the Hub itself remains specified as
// single-process — this only extends the Fanout Plane's reach).
type NATSBus struct {
	conn *nats.Conn
}

// NewNATSBus connects to url and returns a Bus backed by it.
func NewNATSBus(url string, clientName string) (*NATSBus, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.Timeout(30*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: nats connect: %w", err)
	}
	return &NATSBus{conn: conn}, nil
}

func (b *NATSBus) Publish(_ context.Context, subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) Subscribe(_ context.Context, subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
