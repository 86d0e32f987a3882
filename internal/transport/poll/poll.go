// Package poll implements the short/long polling transport (spec.md
// §4.7, §6.3): GET /cauce/v1/poll drains pending or awaits live
// deliveries up to a fixed 30 s cap (maxLongPollWait; the config's
// LongPollCap is not read here); POST /cauce/v1/messages submits
// a single JSON-RPC request.
//
// Grounded on the Dispatcher's session-guarded request handling
// (internal/dispatch) for the POST side, and on the Fanout Plane's
// channel-based delivery handoff (internal/fanout) for the GET side —
// the same primitives the websocket and SSE adapters use, just driven
// by a bounded wait instead of a persistent connection.
package poll

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cauce-ai/cauce-hub/internal/delivery"
	"github.com/cauce-ai/cauce-hub/internal/dispatch"
	"github.com/cauce-ai/cauce-hub/internal/fanout"
	"github.com/cauce-ai/cauce-hub/internal/hublog"
	"github.com/cauce-ai/cauce-hub/internal/protocol"
)

const (
	defaultMaxSignals = 100
	maxLongPollWait   = 30 * time.Second
)

// Fanout is the subset of fanout.Plane the adapter depends on.
type Fanout interface {
	Register(sessionID string, onLagged func()) <-chan fanout.Outbound
	Unregister(sessionID string)
}

// DeliveryTracker is the subset of delivery.Tracker the adapter
// depends on to drain pending deliveries for a short poll.
type DeliveryTracker interface {
	GetUnacked(subscriptionID string) []delivery.Record
}

// SessionValidator checks a session_id is bound and live.
type SessionValidator interface {
	IsValid(sessionID string) bool
}

// Handler serves both polling endpoints. Each GET/POST call is
// stateless with respect to connection state — every request carries
// its own session_id and is handled independently, unlike the
// persistent-connection transports.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	fanout     Fanout
	tracker    DeliveryTracker
	sessions   SessionValidator
	log        *hublog.Logger
}

// New creates a polling transport Handler.
func New(dispatcher *dispatch.Dispatcher, fan Fanout, tracker DeliveryTracker, sessions SessionValidator, log *hublog.Logger) *Handler {
	return &Handler{dispatcher: dispatcher, fanout: fan, tracker: tracker, sessions: sessions, log: log}
}

// ServePoll handles GET /cauce/v1/poll.
func (h *Handler) ServePoll(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" || !h.sessions.IsValid(sessionID) {
		http.Error(w, "unknown or expired session_id", http.StatusUnauthorized)
		return
	}
	subscriptionID := r.URL.Query().Get("subscription_id")

	timeout := parseDuration(r.URL.Query().Get("timeout"), 0, maxLongPollWait)
	maxSignals := parseInt(r.URL.Query().Get("max_signals"), defaultMaxSignals)

	var notifications []protocol.SignalNotificationParams

	if subscriptionID != "" {
		for _, rec := range h.tracker.GetUnacked(subscriptionID) {
			notifications = append(notifications, toParams(rec.SubscriptionID, rec.Delivery))
			if len(notifications) >= maxSignals {
				writeJSON(w, notifications)
				return
			}
		}
	}

	if len(notifications) > 0 || timeout <= 0 {
		writeJSON(w, notifications)
		return
	}

	deliveries := h.fanout.Register(sessionID, func() {
		h.log.FanoutBackpressure(sessionID)
	})
	defer h.fanout.Unregister(sessionID)

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	for len(notifications) < maxSignals {
		select {
		case d, ok := <-deliveries:
			if !ok {
				writeJSON(w, notifications)
				return
			}
			notifications = append(notifications, toParams(d.SubscriptionID, d.Delivery))
		case <-ctx.Done():
			writeJSON(w, notifications)
			return
		}
	}
	writeJSON(w, notifications)
}

// ServeMessages handles POST /cauce/v1/messages: a single JSON-RPC
// request per call, dispatched through the same Protocol Dispatcher
// the persistent-connection transports use.
func (h *Handler) ServeMessages(w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, protocol.NewErrorResponse(nil, protocol.CodeParseError, "malformed JSON-RPC request", nil))
		return
	}

	state := &dispatch.ConnState{Transport: "poll", SessionID: r.URL.Query().Get("session_id")}
	resp := h.dispatcher.Handle(r.Context(), state, &req)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, resp)
}

func toParams(subscriptionID string, d delivery.SignalDelivery) protocol.SignalNotificationParams {
	params := protocol.SignalNotificationParams{SubscriptionID: subscriptionID, Topic: d.Topic}
	if sig, ok := d.Signal.Payload.(protocol.Signal); ok {
		params.Signal = sig
	}
	return params
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func parseDuration(raw string, def time.Duration, cap time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return def
	}
	d := time.Duration(secs) * time.Second
	if d > cap {
		d = cap
	}
	return d
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
