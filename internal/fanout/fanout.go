// Package fanout implements the Fanout Plane (spec.md §4.8): a
// concurrent map from session_id to an outbound signal channel for
// connection-based transports. Outbound-callback (webhook) targets are
// not registered here; the map holds channels only. Modeled
// as a flat map keyed by id rather than cross-references (spec.md §9
// "Cyclic ownership") so that removing a subscription is independent of
// removing a session.
package fanout

import (
	"sync"

	"github.com/cauce-ai/cauce-hub/internal/delivery"
	"github.com/cauce-ai/cauce-hub/internal/hublog"
	"github.com/cauce-ai/cauce-hub/internal/metrics"
)

// Outbound is a single delivery handed to a session's live connection.
type Outbound struct {
	SubscriptionID string
	Delivery       delivery.SignalDelivery
}

// defaultChannelDepth is the outbound signal channel's bounded depth (spec.md §5).
const defaultChannelDepth = 100

type registration struct {
	ch       chan Outbound
	lagged   func()
}

// Plane is the concurrent session_id -> channel registry.
type Plane struct {
	depth int
	log   *hublog.Logger

	mu    sync.RWMutex
	conns map[string]*registration
}

// New creates a Plane with the given per-session channel depth (0 uses
// the spec's default of 100).
func New(depth int, log *hublog.Logger) *Plane {
	if depth <= 0 {
		depth = defaultChannelDepth
	}
	return &Plane{depth: depth, log: log, conns: make(map[string]*registration)}
}

// Register installs a channel for sessionID and returns it for the
// connection's write loop to read from. onLagged, if non-nil, is invoked
// when a send to this session is dropped for backpressure — the
// notification broadcast internal to the fanout "may report lagged to
// subscribers" (spec.md §5); here it is a local callback rather than a
// protocol notification, left to the caller to surface.
func (p *Plane) Register(sessionID string, onLagged func()) <-chan Outbound {
	ch := make(chan Outbound, p.depth)

	p.mu.Lock()
	p.conns[sessionID] = &registration{ch: ch, lagged: onLagged}
	p.mu.Unlock()

	metrics.FanoutActiveConnections.Inc()
	return ch
}

// Unregister removes and closes a session's channel. In-flight
// deliveries for that session's subscribers stay pending in the
// Delivery Tracker (spec.md §9).
func (p *Plane) Unregister(sessionID string) {
	p.mu.Lock()
	reg, ok := p.conns[sessionID]
	if ok {
		delete(p.conns, sessionID)
	}
	p.mu.Unlock()

	if ok {
		close(reg.ch)
		metrics.FanoutActiveConnections.Dec()
	}
}

// Send forwards a delivery to sessionID's live channel. A full buffer
// (slow consumer) is logged as backpressure; an unregistered session is
// skipped without logging. Either way the delivery is left pending —
// never surfaced to the publisher (spec.md §4.8, §7).
func (p *Plane) Send(sessionID string, out Outbound) {
	p.mu.RLock()
	reg, ok := p.conns[sessionID]
	p.mu.RUnlock()

	if !ok {
		// No live session registered; the delivery remains pending and
		// will be picked up by the Redelivery Scheduler.
		return
	}

	select {
	case reg.ch <- out:
		metrics.FanoutSent.Inc()
	default:
		p.log.FanoutBackpressure(sessionID)
		metrics.FanoutBackpressureDrops.Inc()
		if reg.lagged != nil {
			reg.lagged()
		}
	}
}

// IsRegistered reports whether sessionID currently has a live connection.
func (p *Plane) IsRegistered(sessionID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.conns[sessionID]
	return ok
}
