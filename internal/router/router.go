// Package router implements the Message Router (spec.md §4.5): resolves
// a published signal's topic against the Subscription Manager, tracks
// each resulting delivery, and hands it to the Fanout Plane for
// connection-based transports, leaving outbound-callback transports to
// be drained by their own adapter.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cauce-ai/cauce-hub/internal/cauceerrors"
	"github.com/cauce-ai/cauce-hub/internal/delivery"
	"github.com/cauce-ai/cauce-hub/internal/fanout"
	"github.com/cauce-ai/cauce-hub/internal/hublog"
	"github.com/cauce-ai/cauce-hub/internal/id"
	"github.com/cauce-ai/cauce-hub/internal/protocol"
	"github.com/cauce-ai/cauce-hub/internal/subscription"
	"github.com/cauce-ai/cauce-hub/internal/topic"
)

// BusSubject is the NATS subject the Router broadcasts locally-published
// signals to, and the subject main.go's replication loop subscribes to
// relay them into DeliverRemote on every other Hub process sharing the
// same bus (SPEC_FULL.md §4.10).
const BusSubject = "cauce.signals"

//go:generate mockgen -package=router -destination=mock_bus_test.go github.com/cauce-ai/cauce-hub/internal/router Bus

// Bus is the subset of bus.Bus the router depends on to replicate a
// published signal to other Hub processes. Left unset, Publish never
// leaves the process.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// SubscriptionLookup is the subset of subscription.Manager the router
// depends on.
type SubscriptionLookup interface {
	ForTopic(topicStr string) []subscription.Info
}

// Tracker is the subset of delivery.Tracker the router depends on.
type Tracker interface {
	Track(subscriptionID string, d delivery.SignalDelivery)
}

// Fanout is the subset of fanout.Plane the router depends on.
type Fanout interface {
	Send(sessionID string, out fanout.Outbound)
	IsRegistered(sessionID string) bool
}

// Result is the outcome of routing one published signal.
type Result struct {
	Signal      protocol.Signal
	DeliveredTo int
	QueuedFor   int
}

// Router is the Message Router.
type Router struct {
	subs    SubscriptionLookup
	tracker Tracker
	fanout  Fanout
	log     *hublog.Logger
	maxSignalBytes int
	bus     Bus
}

// New creates a Router wired to the given Subscription Manager, Delivery
// Tracker, and Fanout Plane.
func New(subs SubscriptionLookup, tracker Tracker, fan Fanout, maxSignalBytes int, log *hublog.Logger) *Router {
	return &Router{subs: subs, tracker: tracker, fanout: fan, log: log, maxSignalBytes: maxSignalBytes}
}

// SetBus attaches a Bus so every locally-originated Publish is also
// broadcast to other Hub processes sharing it. Only main.go wires this,
// and only when a NATS URL is configured — the in-memory single-process
// default never sets it, since a process relaying its own publishes back
// to itself would double-track every delivery.
func (r *Router) SetBus(bus Bus) {
	r.bus = bus
}

// Publish validates and routes a signal to every active, matching
// subscription, per spec.md §4.5:
//  1. validate topic and payload size
//  2. resolve matching active subscriptions via the Subscription Manager
//  3. track each resulting delivery with the Delivery Tracker
//  4. hand live connections their delivery via the Fanout Plane;
//     subscriptions without a live connection stay pending for the
//     Redelivery Scheduler or their outbound-callback adapter to pick up
func (r *Router) Publish(params protocol.PublishParams, source protocol.Source, metadata *protocol.SignalMetadata) (Result, error) {
	if err := topic.Validate(params.Topic); err != nil {
		return Result{}, cauceerrors.Wrap(err, cauceerrors.CodeInvalidTopic, "invalid topic: "+params.Topic)
	}
	if r.maxSignalBytes > 0 && len(params.Payload) > r.maxSignalBytes {
		return Result{}, cauceerrors.New(cauceerrors.CodeSignalTooLarge, "signal payload exceeds maximum size")
	}

	sig := protocol.Signal{
		ID:        id.Signal(),
		Version:   protocol.ProtocolVersion,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Topic:     params.Topic,
		Payload:   protocol.Payload{Body: params.Payload, ContentType: "application/json"},
		Metadata:  metadata,
	}

	result := r.routeLocal(sig)

	if r.bus != nil {
		if data, err := json.Marshal(sig); err == nil {
			if err := r.bus.Publish(context.Background(), BusSubject, data); err != nil {
				r.log.Warn("bus publish failed", "signal_id", sig.ID, "error", err)
			}
		}
	}

	return result, nil
}

// DeliverRemote routes a signal received from another Hub process over
// the Bus against this process's own Subscription Manager and Fanout
// Plane. It never re-broadcasts: only a process-local Publish call does
// that, so a signal makes exactly one hop across the bus.
func (r *Router) DeliverRemote(sig protocol.Signal) Result {
	return r.routeLocal(sig)
}

func (r *Router) routeLocal(sig protocol.Signal) Result {
	matches := r.subs.ForTopic(sig.Topic)
	if len(matches) == 0 {
		// message_id stability (spec.md §9 Open Question): a signal with
		// no matching subscriber is never tracked, so its id need not
		// survive a retry — callers should treat it as fire-and-forget.
		return Result{Signal: sig, DeliveredTo: 0, QueuedFor: 0}
	}

	delivered, queued := 0, 0
	for _, sub := range matches {
		sd := delivery.SignalDelivery{
			Topic: sig.Topic,
			Signal: delivery.Signal{
				ID:      sig.ID,
				Topic:   sig.Topic,
				Payload: sig,
			},
		}
		r.tracker.Track(sub.SubscriptionID, sd)
		r.log.DeliveryTracked(sub.SubscriptionID, sig.ID)

		if sub.Transport == subscription.TransportWebhook {
			// Left pending in the tracker; the Redelivery Scheduler's
			// callback hands it to the webhook sender, not the fanout
			// plane's live-connection channel.
			queued++
			continue
		}

		if r.fanout.IsRegistered(sub.SessionID) {
			r.fanout.Send(sub.SessionID, fanout.Outbound{SubscriptionID: sub.SubscriptionID, Delivery: sd})
			delivered++
		} else {
			queued++
		}
	}

	return Result{Signal: sig, DeliveredTo: delivered, QueuedFor: queued}
}
