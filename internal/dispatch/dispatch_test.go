package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/cauce-ai/cauce-hub/internal/delivery"
	"github.com/cauce-ai/cauce-hub/internal/hublog"
	"github.com/cauce-ai/cauce-hub/internal/protocol"
	"github.com/cauce-ai/cauce-hub/internal/router"
	"github.com/cauce-ai/cauce-hub/internal/session"
	"github.com/cauce-ai/cauce-hub/internal/subscription"
	"github.com/cauce-ai/cauce-hub/internal/topicindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	called bool
}

func (f *fakePublisher) Publish(params protocol.PublishParams, source protocol.Source, metadata *protocol.SignalMetadata) (router.Result, error) {
	f.called = true
	return router.Result{Signal: protocol.Signal{ID: "sig_1_abc"}, DeliveredTo: 1}, nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *session.Manager) {
	t.Helper()
	log := hublog.New("test", slog.LevelError)
	sessions := session.New()
	idx := topicindex.New()
	subs := subscription.New(subscription.Limits{MaxTopicsPerSubscription: 10, MaxSubscriptionsPerClient: 10}, idx)
	tracker := delivery.New(delivery.DefaultBackoffConfig())
	d := New(sessions, subs, tracker, &fakePublisher{}, "cauce-hub-test", 5*time.Minute, log)
	return d, sessions
}

func marshalParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestHandleRejectsCallsBeforeHello(t *testing.T) {
	d, _ := newTestDispatcher(t)
	state := &ConnState{Transport: "websocket"}

	resp := d.Handle(context.Background(), state, &protocol.Request{JSONRPC: "2.0", ID: 1, Method: "cauce.ping"})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidRequest, resp.Error.Code)
}

func TestHandleHelloBindsSession(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	state := &ConnState{Transport: "websocket"}

	req := &protocol.Request{JSONRPC: "2.0", ID: 1, Method: "cauce.hello", Params: marshalParams(t, protocol.HelloParams{
		ClientID:   "client-1",
		ClientType: "agent",
	})}

	resp := d.Handle(context.Background(), state, req)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	assert.NotEmpty(t, state.SessionID)

	_, ok := sessions.Get(state.SessionID)
	assert.True(t, ok)
}

func TestHandleSubscribeThenPublishThenAck(t *testing.T) {
	d, _ := newTestDispatcher(t)
	state := &ConnState{Transport: "websocket"}

	helloReq := &protocol.Request{JSONRPC: "2.0", ID: 1, Method: "cauce.hello", Params: marshalParams(t, protocol.HelloParams{ClientID: "client-1", ClientType: "agent"})}
	require.NotNil(t, d.Handle(context.Background(), state, helloReq))

	subReq := &protocol.Request{JSONRPC: "2.0", ID: 2, Method: "cauce.subscribe", Params: marshalParams(t, protocol.SubscribeParams{
		Topics: []string{"signal.email.*"},
	})}
	subResp := d.Handle(context.Background(), state, subReq)
	require.NotNil(t, subResp)
	require.Nil(t, subResp.Error)

	result, ok := subResp.Result.(protocol.SubscribeResult)
	require.True(t, ok)
	assert.Equal(t, "active", result.Status)

	pubReq := &protocol.Request{JSONRPC: "2.0", ID: 3, Method: "cauce.publish", Params: marshalParams(t, protocol.PublishParams{
		Topic:   "signal.email.received",
		Payload: []byte(`{}`),
		Source:  protocol.Source{Type: "adapter"},
	})}
	pubResp := d.Handle(context.Background(), state, pubReq)
	require.NotNil(t, pubResp)
	require.Nil(t, pubResp.Error)

	ackReq := &protocol.Request{JSONRPC: "2.0", ID: 4, Method: "cauce.ack", Params: marshalParams(t, protocol.AckParams{
		SubscriptionID: result.SubscriptionID,
		SignalIDs:      []string{"sig_1_abc"},
	})}
	ackResp := d.Handle(context.Background(), state, ackReq)
	require.NotNil(t, ackResp)
	require.Nil(t, ackResp.Error)
}

func TestHandleUnknownMethod(t *testing.T) {
	d, _ := newTestDispatcher(t)
	state := &ConnState{Transport: "websocket"}
	require.NotNil(t, d.Handle(context.Background(), state, &protocol.Request{JSONRPC: "2.0", ID: 1, Method: "cauce.hello", Params: marshalParams(t, protocol.HelloParams{ClientID: "c", ClientType: "agent"})}))

	resp := d.Handle(context.Background(), state, &protocol.Request{JSONRPC: "2.0", ID: 2, Method: "cauce.nonsense"})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
}

func TestHandleGoodbyeUnbindsSession(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	state := &ConnState{Transport: "websocket"}
	d.Handle(context.Background(), state, &protocol.Request{JSONRPC: "2.0", ID: 1, Method: "cauce.hello", Params: marshalParams(t, protocol.HelloParams{ClientID: "c", ClientType: "agent"})})

	sid := state.SessionID
	resp := d.Handle(context.Background(), state, &protocol.Request{JSONRPC: "2.0", ID: 2, Method: "cauce.goodbye"})
	require.NotNil(t, resp)
	assert.Empty(t, state.SessionID)

	_, ok := sessions.Get(sid)
	assert.False(t, ok)
}

func TestHandleNotificationReturnsNilResponse(t *testing.T) {
	d, _ := newTestDispatcher(t)
	state := &ConnState{Transport: "websocket"}
	d.Handle(context.Background(), state, &protocol.Request{JSONRPC: "2.0", ID: 1, Method: "cauce.hello", Params: marshalParams(t, protocol.HelloParams{ClientID: "c", ClientType: "agent"})})

	resp := d.Handle(context.Background(), state, &protocol.Request{JSONRPC: "2.0", Method: "cauce.ping"})
	assert.Nil(t, resp)
}

func TestHandleHelloRejectsAlreadyAuthenticated(t *testing.T) {
	d, _ := newTestDispatcher(t)
	state := &ConnState{Transport: "websocket"}

	helloReq := &protocol.Request{JSONRPC: "2.0", ID: 1, Method: "cauce.hello", Params: marshalParams(t, protocol.HelloParams{ClientID: "client-1", ClientType: "agent"})}
	first := d.Handle(context.Background(), state, helloReq)
	require.NotNil(t, first)
	require.Nil(t, first.Error)
	sid := state.SessionID

	second := d.Handle(context.Background(), state, &protocol.Request{JSONRPC: "2.0", ID: 2, Method: "cauce.hello", Params: marshalParams(t, protocol.HelloParams{ClientID: "client-1", ClientType: "agent"})})
	require.NotNil(t, second)
	require.NotNil(t, second.Error)
	assert.Equal(t, protocol.CodeInvalidRequest, second.Error.Code)
	assert.Equal(t, sid, state.SessionID, "the existing session must not be overwritten")
}

func TestHandleHelloRejectsUnsatisfiedMinProtocolVersion(t *testing.T) {
	d, _ := newTestDispatcher(t)
	state := &ConnState{Transport: "websocket"}

	req := &protocol.Request{JSONRPC: "2.0", ID: 1, Method: "cauce.hello", Params: marshalParams(t, protocol.HelloParams{
		ClientID:           "client-1",
		ClientType:         "agent",
		MinProtocolVersion: "2.0",
	})}

	resp := d.Handle(context.Background(), state, req)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInternalError, resp.Error.Code)
	assert.Empty(t, state.SessionID, "a rejected hello must not bind a session")
}

func TestHandleHelloAcceptsSatisfiedMinProtocolVersion(t *testing.T) {
	d, _ := newTestDispatcher(t)
	state := &ConnState{Transport: "websocket"}

	req := &protocol.Request{JSONRPC: "2.0", ID: 1, Method: "cauce.hello", Params: marshalParams(t, protocol.HelloParams{
		ClientID:           "client-1",
		ClientType:         "agent",
		MinProtocolVersion: "1.0",
	})}

	resp := d.Handle(context.Background(), state, req)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	assert.NotEmpty(t, state.SessionID)
}

func TestHandleAbandonsResponseAfterRequestTimeout(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.SetRequestTimeout(time.Hour)
	state := &ConnState{Transport: "websocket"}

	// An already-expired parent deadline beats d.requestTimeout, so
	// runWithDeadline reports the timeout without dispatching the
	// request at all.
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	req := &protocol.Request{JSONRPC: "2.0", ID: 1, Method: "cauce.hello", Params: marshalParams(t, protocol.HelloParams{ClientID: "client-1", ClientType: "agent"})}
	resp := d.Handle(ctx, state, req)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInternalError, resp.Error.Code)
}
