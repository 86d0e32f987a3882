// Package bus provides the optional multi-process Fanout Plane backend
// (SPEC_FULL.md §4.10): the Hub is specified as single-process and runs
// with no bus unless a NATS URL is configured; a Bus lets several Hub
// processes share delivery fanout over NATS when deployed behind a
// load balancer. The in-memory MemoryBus is not wired into the Hub. Trimmed from buckley's pkg/bus.MessageBus to the
// publish/subscribe subset the Fanout Plane actually needs — no
// request/reply, no TaskQueue, since the Hub has the Delivery Tracker
// for retry bookkeeping instead.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned when operating on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Handler processes one inbound message.
type Handler func(subject string, data []byte)

// Subscription is an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the cross-process signal fanout abstraction.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error)
	Close() error
}
