// Package dispatch implements the Protocol Dispatcher (spec.md §4.6):
// the per-connection state machine that decodes JSON-RPC 2.0 requests,
// enforces the session guard, and routes to the seven cauce.* methods.
//
// SPEC_FULL.md §4.11: unlike the teacher's acp.Agent, which spawns a
// goroutine per inbound request, Dispatcher.Handle is called
// synchronously from a single connection's read loop, one request at a
// time, so responses are written in arrival order. Concurrency across
// connections is unaffected: each transport adapter still runs its own
// read/write goroutine pair.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cauce-ai/cauce-hub/internal/cauceerrors"
	"github.com/cauce-ai/cauce-hub/internal/delivery"
	"github.com/cauce-ai/cauce-hub/internal/hublog"
	"github.com/cauce-ai/cauce-hub/internal/id"
	"github.com/cauce-ai/cauce-hub/internal/metrics"
	"github.com/cauce-ai/cauce-hub/internal/protocol"
	"github.com/cauce-ai/cauce-hub/internal/router"
	"github.com/cauce-ai/cauce-hub/internal/session"
	"github.com/cauce-ai/cauce-hub/internal/subscription"
	"github.com/cauce-ai/cauce-hub/internal/tracing"
)

// SessionManager is the subset of session.Manager the dispatcher depends on.
type SessionManager interface {
	Create(clientID, clientType, protocolVersion, transport string, ttl time.Duration) session.Info
	Get(sessionID string) (session.Info, bool)
	Touch(sessionID string) bool
	Remove(sessionID string)
	IsValid(sessionID string) bool
}

// SubscriptionManager is the subset of subscription.Manager the
// dispatcher depends on.
type SubscriptionManager interface {
	Subscribe(clientID, sessionID string, req subscription.Request) (subscription.Response, error)
	Unsubscribe(subscriptionID string) error
	Get(subscriptionID string) (subscription.Info, bool)
}

// DeliveryTracker is the subset of delivery.Tracker the dispatcher
// depends on.
type DeliveryTracker interface {
	Ack(subscriptionID string, signalIDs []string) delivery.AckResult
}

// Publisher is the subset of router.Router the dispatcher depends on.
type Publisher interface {
	Publish(params protocol.PublishParams, source protocol.Source, metadata *protocol.SignalMetadata) (router.Result, error)
}

// RateLimiter is the subset of ratelimit.Limiter the dispatcher depends
// on. Left unset, the dispatcher performs no rate limiting.
type RateLimiter interface {
	Allow(clientID string) error
}

// ConnState is the per-connection binding a transport adapter owns and
// passes to every Handle call for that connection. The zero value is an
// unauthenticated connection with no bound session.
type ConnState struct {
	SessionID string
	ClientID  string
	Transport string
}

// Dispatcher routes JSON-RPC requests to the seven cauce.* methods.
type Dispatcher struct {
	sessions   SessionManager
	subs       SubscriptionManager
	tracker    DeliveryTracker
	router     Publisher
	log        *hublog.Logger
	serverName string
	defaultTTL time.Duration
	limiter    RateLimiter

	requestTimeout time.Duration
}

// SetRateLimiter attaches a RateLimiter, enforced per ConnState.ClientID
// on every call once a session is bound (spec.md §9). Optional: a
// Dispatcher with no limiter set never rejects for rate limiting.
func (d *Dispatcher) SetRateLimiter(limiter RateLimiter) {
	d.limiter = limiter
}

// SetRequestTimeout bounds how long a single request may run before the
// Hub abandons it (spec.md §5). A late response from a handler that
// eventually returns past the deadline is discarded. Zero disables the
// timeout.
func (d *Dispatcher) SetRequestTimeout(timeout time.Duration) {
	d.requestTimeout = timeout
}

// New creates a Dispatcher wired to the Hub's shared components.
func New(sessions SessionManager, subs SubscriptionManager, tracker DeliveryTracker, pub Publisher, serverName string, defaultTTL time.Duration, log *hublog.Logger) *Dispatcher {
	return &Dispatcher{
		sessions:   sessions,
		subs:       subs,
		tracker:    tracker,
		router:     pub,
		log:        log,
		serverName: serverName,
		defaultTTL: defaultTTL,
	}
}

// Handle processes a single request against state and returns the
// response to write back, or nil if req is a notification that requires
// no reply. state is mutated in place by cauce.hello and cauce.goodbye.
func (d *Dispatcher) Handle(ctx context.Context, state *ConnState, req *protocol.Request) *protocol.Response {
	ctx, span := tracing.StartSpan(ctx, "dispatch."+req.Method)
	defer span.End()
	span.SetAttributes(tracing.AttrSessionID.String(state.SessionID), tracing.AttrTransport.String(state.Transport))

	resp := d.runWithDeadline(ctx, state, req)

	outcome := "ok"
	if resp != nil && resp.Error != nil {
		outcome = "error"
		tracing.RecordError(ctx, fmt.Errorf("%s (code %d)", resp.Error.Message, resp.Error.Code))
	}
	metrics.TransportRequestsTotal.WithLabelValues(req.Method, outcome).Inc()

	return resp
}

// runWithDeadline bounds dispatch by d.requestTimeout when one is
// configured (spec.md §5). The response channel is buffered so a
// handler that finishes after the deadline never blocks trying to
// deliver its now-abandoned response. A context that is already done on
// entry is reported as a timeout without dispatching the request.
func (d *Dispatcher) runWithDeadline(ctx context.Context, state *ConnState, req *protocol.Request) *protocol.Response {
	if d.requestTimeout <= 0 {
		return d.dispatch(ctx, state, req)
	}

	ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()
	if ctx.Err() != nil {
		return respondOrNil(req, protocol.CodeInternalError, "request timed out", nil)
	}

	done := make(chan *protocol.Response, 1)
	go func() {
		done <- d.dispatch(ctx, state, req)
	}()

	select {
	case resp := <-done:
		return resp
	case <-ctx.Done():
		return respondOrNil(req, protocol.CodeInternalError, "request timed out", nil)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, state *ConnState, req *protocol.Request) *protocol.Response {
	if req.Method != "cauce.hello" && state.SessionID == "" {
		return respondOrNil(req, protocol.CodeInvalidRequest, "session required before any call but cauce.hello", nil)
	}

	if d.limiter != nil && state.ClientID != "" {
		if err := d.limiter.Allow(state.ClientID); err != nil {
			return errorResponse(req, err)
		}
	}

	switch req.Method {
	case "cauce.hello":
		return d.handleHello(req, state)
	case "cauce.subscribe":
		return d.handleSubscribe(req, state)
	case "cauce.unsubscribe":
		return d.handleUnsubscribe(req, state)
	case "cauce.publish":
		return d.handlePublish(req, state)
	case "cauce.ack":
		return d.handleAck(req, state)
	case "cauce.ping":
		return d.handlePing(req, state)
	case "cauce.goodbye":
		return d.handleGoodbye(req, state)
	default:
		return respondOrNil(req, protocol.CodeMethodNotFound, "unknown method: "+req.Method, nil)
	}
}

func respondOrNil(req *protocol.Request, code int, message string, data any) *protocol.Response {
	if req.IsNotification() {
		return nil
	}
	return protocol.NewErrorResponse(req.ID, code, message, data)
}

func errorResponse(req *protocol.Request, err error) *protocol.Response {
	if req.IsNotification() {
		return nil
	}
	if ce, ok := err.(*cauceerrors.Error); ok {
		code, message, data := ce.JSONRPCError()
		return protocol.NewErrorResponse(req.ID, code, message, data)
	}
	return protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, err.Error(), nil)
}

func (d *Dispatcher) handleHello(req *protocol.Request, state *ConnState) *protocol.Response {
	if state.SessionID != "" {
		return respondOrNil(req, protocol.CodeInvalidRequest, "already authenticated", nil)
	}

	params, err := protocol.ParseParams[protocol.HelloParams](req)
	if err != nil {
		return respondOrNil(req, protocol.CodeInvalidParams, "malformed hello params", nil)
	}

	if params.MinProtocolVersion != "" && !protocolVersionSatisfied(params.MinProtocolVersion, protocol.ProtocolVersion) {
		return respondOrNil(req, protocol.CodeInternalError,
			fmt.Sprintf("server protocol version %s does not satisfy requested minimum %s", protocol.ProtocolVersion, params.MinProtocolVersion), nil)
	}

	ttl := d.defaultTTL
	if params.TTLSeconds > 0 {
		ttl = time.Duration(params.TTLSeconds) * time.Second
	}
	info := d.sessions.Create(params.ClientID, params.ClientType, protocol.ProtocolVersion, state.Transport, ttl)
	state.SessionID = info.SessionID
	state.ClientID = info.ClientID

	return respondResult(req, protocol.HelloResult{
		SessionID:       info.SessionID,
		ServerVersion:   d.serverName,
		ProtocolVersion: protocol.ProtocolVersion,
	})
}

// protocolVersionSatisfied reports whether server (e.g. "1.0") meets or
// exceeds min (e.g. "2.0"), comparing major.minor numerically rather than
// lexicographically so "10.0" sorts above "2.0". Falls back to
// string equality if either side doesn't parse as major.minor.
func protocolVersionSatisfied(min, server string) bool {
	minMajor, minMinor, ok1 := parseMajorMinor(min)
	serverMajor, serverMinor, ok2 := parseMajorMinor(server)
	if !ok1 || !ok2 {
		return min == server
	}
	if serverMajor != minMajor {
		return serverMajor > minMajor
	}
	return serverMinor >= minMinor
}

func parseMajorMinor(v string) (major, minor int, ok bool) {
	parts := strings.SplitN(v, ".", 2)
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	if len(parts) < 2 {
		return major, 0, true
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

func (d *Dispatcher) handleSubscribe(req *protocol.Request, state *ConnState) *protocol.Response {
	if !d.sessions.IsValid(state.SessionID) {
		return errorResponse(req, cauceerrors.New(cauceerrors.CodeSessionExpired, "session expired"))
	}
	params, err := protocol.ParseParams[protocol.SubscribeParams](req)
	if err != nil {
		return respondOrNil(req, protocol.CodeInvalidParams, "malformed subscribe params", nil)
	}

	info, _ := d.sessions.Get(state.SessionID)
	sreq := subscription.Request{Topics: params.Topics}
	if params.Transport != "" {
		sreq.Transport = subscription.Transport(params.Transport)
	}
	if params.Approval != "" {
		approval := subscription.Approval(params.Approval)
		sreq.Approval = &approval
	}
	if params.Webhook != nil {
		sreq.Webhook = &subscription.WebhookConfig{URL: params.Webhook.URL, Secret: params.Webhook.Secret}
	}

	resp, err := d.subs.Subscribe(info.ClientID, state.SessionID, sreq)
	if err != nil {
		return errorResponse(req, err)
	}
	d.log.SubscriptionCreated(resp.SubscriptionID, info.ClientID, string(resp.Status), len(resp.Topics))

	return respondResult(req, protocol.SubscribeResult{
		SubscriptionID: resp.SubscriptionID,
		Status:         string(resp.Status),
		Topics:         resp.Topics,
	})
}

func (d *Dispatcher) handleUnsubscribe(req *protocol.Request, state *ConnState) *protocol.Response {
	params, err := protocol.ParseParams[protocol.UnsubscribeParams](req)
	if err != nil {
		return respondOrNil(req, protocol.CodeInvalidParams, "malformed unsubscribe params", nil)
	}
	if err := d.subs.Unsubscribe(params.SubscriptionID); err != nil {
		return errorResponse(req, err)
	}
	return respondResult(req, map[string]any{"subscription_id": params.SubscriptionID})
}

func (d *Dispatcher) handlePublish(req *protocol.Request, state *ConnState) *protocol.Response {
	params, err := protocol.ParseParams[protocol.PublishParams](req)
	if err != nil {
		return respondOrNil(req, protocol.CodeInvalidParams, "malformed publish params", nil)
	}

	result, err := d.router.Publish(*params, params.Source, params.Metadata)
	if err != nil {
		return errorResponse(req, err)
	}

	return respondResult(req, protocol.PublishResult{
		MessageID:   id.Message(),
		DeliveredTo: result.DeliveredTo,
		QueuedFor:   result.QueuedFor,
	})
}

func (d *Dispatcher) handleAck(req *protocol.Request, state *ConnState) *protocol.Response {
	params, err := protocol.ParseParams[protocol.AckParams](req)
	if err != nil {
		return respondOrNil(req, protocol.CodeInvalidParams, "malformed ack params", nil)
	}
	if _, ok := d.subs.Get(params.SubscriptionID); !ok {
		return errorResponse(req, cauceerrors.New(cauceerrors.CodeSubscriptionNotFound, "subscription not found: "+params.SubscriptionID))
	}

	result := d.tracker.Ack(params.SubscriptionID, params.SignalIDs)
	failed := make([]protocol.AckFailureResult, 0, len(result.Failed))
	for _, f := range result.Failed {
		failed = append(failed, protocol.AckFailureResult{SignalID: f.SignalID, Reason: f.Reason})
	}

	return respondResult(req, protocol.AckResult{
		Acknowledged: result.Acknowledged,
		Failed:       failed,
	})
}

func (d *Dispatcher) handlePing(req *protocol.Request, state *ConnState) *protocol.Response {
	d.sessions.Touch(state.SessionID)
	return respondResult(req, protocol.PingResult{Timestamp: time.Now().UTC()})
}

func (d *Dispatcher) handleGoodbye(req *protocol.Request, state *ConnState) *protocol.Response {
	d.sessions.Remove(state.SessionID)
	sessionID := state.SessionID
	state.SessionID = ""
	state.ClientID = ""
	return respondResult(req, map[string]any{"session_id": sessionID})
}

func respondResult(req *protocol.Request, result any) *protocol.Response {
	if req.IsNotification() {
		return nil
	}
	return protocol.NewResponse(req.ID, result)
}
