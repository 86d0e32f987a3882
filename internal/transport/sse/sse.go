// Package sse implements the server-push event stream transport
// (spec.md §4.7): unidirectional from server to client over
// text/event-stream. On open, the Hub drains pending deliveries for
// the named subscription before switching to live Fanout Plane
// forwarding — pending deliveries double as the "last event id"
// resumption source on reconnect.
//
// Grounded on buckley's pkg/acp/observability/event_stream.go for the
// backpressure-drop-to-pending idiom (a full outbound channel never
// blocks the writer) and its periodic keep-alive ticker, adapted from
// a websocket broadcast hub to a plain http.Flusher response writer.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cauce-ai/cauce-hub/internal/delivery"
	"github.com/cauce-ai/cauce-hub/internal/fanout"
	"github.com/cauce-ai/cauce-hub/internal/hublog"
	"github.com/cauce-ai/cauce-hub/internal/protocol"
)

const keepAliveInterval = 30 * time.Second

// Fanout is the subset of fanout.Plane the adapter depends on.
type Fanout interface {
	Register(sessionID string, onLagged func()) <-chan fanout.Outbound
	Unregister(sessionID string)
}

// DeliveryTracker is the subset of delivery.Tracker the adapter
// depends on to drain pending deliveries on stream open.
type DeliveryTracker interface {
	GetUnacked(subscriptionID string) []delivery.Record
}

// SessionValidator checks a session_id is bound and live.
type SessionValidator interface {
	IsValid(sessionID string) bool
}

// Handler serves the server-push event stream endpoint.
type Handler struct {
	fanout   Fanout
	tracker  DeliveryTracker
	sessions SessionValidator
	log      *hublog.Logger
}

// New creates an SSE transport Handler.
func New(fan Fanout, tracker DeliveryTracker, sessions SessionValidator, log *hublog.Logger) *Handler {
	return &Handler{fanout: fan, tracker: tracker, sessions: sessions, log: log}
}

// ServeHTTP streams deliveries for the session named by the
// "session_id" query parameter (spec.md §6.3) until the client
// disconnects or the Hub shuts down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	subscriptionID := r.URL.Query().Get("subscription_id")
	if sessionID == "" || !h.sessions.IsValid(sessionID) {
		http.Error(w, "unknown or expired session_id", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	if subscriptionID != "" {
		for _, rec := range h.tracker.GetUnacked(subscriptionID) {
			if !writeDelivery(w, fanout.Outbound{SubscriptionID: rec.SubscriptionID, Delivery: rec.Delivery}) {
				return
			}
			flusher.Flush()
		}
	}

	deliveries := h.fanout.Register(sessionID, func() {
		h.log.FanoutBackpressure(sessionID)
	})
	defer h.fanout.Unregister(sessionID)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if !writeDelivery(w, d) {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeDelivery(w http.ResponseWriter, d fanout.Outbound) bool {
	params := protocol.SignalNotificationParams{
		SubscriptionID: d.SubscriptionID,
		Topic:          d.Delivery.Topic,
	}
	if sig, ok := d.Delivery.Signal.Payload.(protocol.Signal); ok {
		params.Signal = sig
	}

	data, err := json.Marshal(params)
	if err != nil {
		return false
	}

	_, err = fmt.Fprintf(w, "id: %s\nevent: cauce.signal\ndata: %s\n\n", d.Delivery.Signal.ID, data)
	return err == nil
}
