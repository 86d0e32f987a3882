// Package ws implements the full-duplex websocket transport (spec.md
// §4.7): a single connection carries both inbound JSON-RPC requests and
// outbound signal notifications.
//
// Grounded on buckley's pkg/ipc/hub.go (client.send channel +
// writeLoop, non-blocking enqueue dropping slow consumers) and
// ws_ping.go (periodic Ping to detect dead peers), adapted from a
// broadcast hub to a per-connection adapter that feeds the Hub's own
// Fanout Plane instead of buckley's Event broadcast.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/cauce-ai/cauce-hub/internal/dispatch"
	"github.com/cauce-ai/cauce-hub/internal/fanout"
	"github.com/cauce-ai/cauce-hub/internal/hublog"
	"github.com/cauce-ai/cauce-hub/internal/metrics"
	"github.com/cauce-ai/cauce-hub/internal/protocol"
)

const (
	pingInterval = 30 * time.Second // spec.md §4.7: heartbeat every 30s
	pingTimeout  = 5 * time.Second
	writeTimeout = 15 * time.Second
)

// Fanout is the subset of fanout.Plane the adapter depends on.
type Fanout interface {
	Register(sessionID string, onLagged func()) <-chan fanout.Outbound
	Unregister(sessionID string)
}

// Handler serves the websocket transport endpoint.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	fanout     Fanout
	log        *hublog.Logger
}

// New creates a websocket transport Handler.
func New(dispatcher *dispatch.Dispatcher, fan Fanout, log *hublog.Logger) *Handler {
	return &Handler{dispatcher: dispatcher, fanout: fan, log: log}
}

// ServeHTTP upgrades the connection and runs its read/write loop pair
// until the peer disconnects, the request's context ends, or a
// heartbeat ping fails.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan any, 64)
	state := &dispatch.ConnState{Transport: "websocket"}

	metrics.TransportConnectionsActive.WithLabelValues("websocket").Inc()
	defer metrics.TransportConnectionsActive.WithLabelValues("websocket").Dec()

	go h.startPing(ctx, cancel, conn)
	go h.writeLoop(ctx, conn, out)

	h.readLoop(ctx, conn, state, out)

	if state.SessionID != "" {
		h.fanout.Unregister(state.SessionID)
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, state *dispatch.ConnState, out chan<- any) {
	var forwarderCancel context.CancelFunc
	defer func() {
		if forwarderCancel != nil {
			forwarderCancel()
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			select {
			case out <- protocol.NewErrorResponse(nil, protocol.CodeParseError, "malformed JSON-RPC request", nil):
			case <-ctx.Done():
				return
			}
			continue
		}

		resp := h.dispatcher.Handle(ctx, state, &req)
		if resp != nil {
			select {
			case out <- resp:
			case <-ctx.Done():
				return
			}
		}

		if req.Method == "cauce.hello" && resp != nil && resp.Error == nil && forwarderCancel == nil {
			var forwardCtx context.Context
			forwardCtx, forwarderCancel = context.WithCancel(ctx)
			go h.forwardFanout(forwardCtx, state.SessionID, out)
		}
	}
}

func (h *Handler) forwardFanout(ctx context.Context, sessionID string, out chan<- any) {
	deliveries := h.fanout.Register(sessionID, func() {
		h.log.FanoutBackpressure(sessionID)
	})

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			params := protocol.SignalNotificationParams{
				SubscriptionID: d.SubscriptionID,
				Topic:          d.Delivery.Topic,
			}
			if sig, ok := d.Delivery.Signal.Payload.(protocol.Signal); ok {
				params.Signal = sig
			}
			notification := &protocol.Notification{
				JSONRPC: "2.0",
				Method:  "cauce.signal",
				Params:  params,
			}
			select {
			case out <- notification:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan any) {
	for {
		select {
		case msg, ok := <-out:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// startPing sends a periodic heartbeat and tears down the connection on
// failure (spec.md §4.7): a dead peer that stops acking pings must not
// linger as an open connection holding fanout registrations.
func (h *Handler) startPing(ctx context.Context, closeConn context.CancelFunc, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				h.log.Warn("websocket ping failed, closing connection", "error", err)
				_ = conn.Close(websocket.StatusPolicyViolation, "ping failed")
				closeConn()
				return
			}
		}
	}
}
