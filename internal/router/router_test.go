package router

import (
	"context"
	"log/slog"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/cauce-ai/cauce-hub/internal/delivery"
	"github.com/cauce-ai/cauce-hub/internal/fanout"
	"github.com/cauce-ai/cauce-hub/internal/hublog"
	"github.com/cauce-ai/cauce-hub/internal/protocol"
	"github.com/cauce-ai/cauce-hub/internal/subscription"
	"github.com/cauce-ai/cauce-hub/internal/topicindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*Router, *subscription.Manager, *delivery.Tracker, *fanout.Plane) {
	t.Helper()
	log := hublog.New("test", slog.LevelError)
	idx := topicindex.New()
	subs := subscription.New(subscription.Limits{MaxTopicsPerSubscription: 10, MaxSubscriptionsPerClient: 10}, idx)
	tracker := delivery.New(delivery.DefaultBackoffConfig())
	plane := fanout.New(10, log)
	r := New(subs, tracker, plane, 0, log)
	return r, subs, tracker, plane
}

func TestPublishNoSubscribersReturnsZeroCounts(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	result, err := r.Publish(protocol.PublishParams{Topic: "signal.email.received", Payload: []byte(`{}`)}, protocol.Source{Type: "adapter"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.DeliveredTo)
	assert.Equal(t, 0, result.QueuedFor)
}

func TestPublishDeliversToLiveConnection(t *testing.T) {
	r, subs, tracker, plane := newTestRouter(t)

	resp, err := subs.Subscribe("client-1", "sess-1", subscription.Request{
		Topics:    []string{"signal.email.**"},
		Transport: subscription.TransportWebSocket,
	})
	require.NoError(t, err)
	require.Equal(t, subscription.StatusActive, resp.Status)

	ch := plane.Register("sess-1", nil)

	result, err := r.Publish(protocol.PublishParams{Topic: "signal.email.received", Payload: []byte(`{"x":1}`)}, protocol.Source{Type: "adapter"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeliveredTo)
	assert.Equal(t, 0, result.QueuedFor)

	select {
	case out := <-ch:
		assert.Equal(t, resp.SubscriptionID, out.SubscriptionID)
	default:
		t.Fatal("expected an outbound delivery on the fanout channel")
	}

	unacked := tracker.GetUnacked(resp.SubscriptionID)
	require.Len(t, unacked, 1)
	assert.Equal(t, result.Signal.ID, unacked[0].Delivery.Signal.ID)
}

func TestPublishQueuesWhenNoLiveConnection(t *testing.T) {
	r, subs, _, _ := newTestRouter(t)

	resp, err := subs.Subscribe("client-1", "sess-1", subscription.Request{
		Topics:    []string{"signal.email.*"},
		Transport: subscription.TransportWebSocket,
	})
	require.NoError(t, err)

	result, err := r.Publish(protocol.PublishParams{Topic: "signal.email.received", Payload: []byte(`{}`)}, protocol.Source{Type: "adapter"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.DeliveredTo)
	assert.Equal(t, 1, result.QueuedFor)
	_ = resp
}

func TestPublishRejectsOversizedPayload(t *testing.T) {
	log := hublog.New("test", slog.LevelError)
	idx := topicindex.New()
	subs := subscription.New(subscription.Limits{MaxTopicsPerSubscription: 10, MaxSubscriptionsPerClient: 10}, idx)
	tracker := delivery.New(delivery.DefaultBackoffConfig())
	plane := fanout.New(10, log)
	r := New(subs, tracker, plane, 4, log)

	_, err := r.Publish(protocol.PublishParams{Topic: "signal.email.received", Payload: []byte(`{"too":"big"}`)}, protocol.Source{Type: "adapter"}, nil)
	require.Error(t, err)
}

func TestPublishRejectsInvalidTopic(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	_, err := r.Publish(protocol.PublishParams{Topic: "bad topic!", Payload: []byte(`{}`)}, protocol.Source{Type: "adapter"}, nil)
	require.Error(t, err)
}

func TestPublishBroadcastsToBusWhenSet(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r, _, _, _ := newTestRouter(t)
	bus := NewMockBus(ctrl)
	bus.EXPECT().
		Publish(gomock.Any(), BusSubject, gomock.Any()).
		Return(nil).
		Times(1)
	r.SetBus(bus)

	_, err := r.Publish(protocol.PublishParams{Topic: "signal.email.received", Payload: []byte(`{}`)}, protocol.Source{Type: "adapter"}, nil)
	require.NoError(t, err)
}

func TestPublishSurvivesBusPublishError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r, _, _, _ := newTestRouter(t)
	bus := NewMockBus(ctrl)
	bus.EXPECT().Publish(gomock.Any(), BusSubject, gomock.Any()).Return(context.DeadlineExceeded)
	r.SetBus(bus)

	_, err := r.Publish(protocol.PublishParams{Topic: "signal.email.received", Payload: []byte(`{}`)}, protocol.Source{Type: "adapter"}, nil)
	require.NoError(t, err, "a bus failure must not fail the local publish")
}

func TestDeliverRemoteDoesNotRebroadcast(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	r, subs, tracker, plane := newTestRouter(t)
	bus := NewMockBus(ctrl)
	bus.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	r.SetBus(bus)

	resp, err := subs.Subscribe("client-1", "sess-1", subscription.Request{
		Topics:    []string{"signal.email.**"},
		Transport: subscription.TransportWebSocket,
	})
	require.NoError(t, err)
	plane.Register("sess-1", nil)

	result := r.DeliverRemote(protocol.Signal{ID: "sig_1_remote", Topic: "signal.email.received"})
	assert.Equal(t, 1, result.DeliveredTo)

	unacked := tracker.GetUnacked(resp.SubscriptionID)
	require.Len(t, unacked, 1)
}
