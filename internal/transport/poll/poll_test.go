package poll

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cauce-ai/cauce-hub/internal/delivery"
	"github.com/cauce-ai/cauce-hub/internal/dispatch"
	"github.com/cauce-ai/cauce-hub/internal/fanout"
	"github.com/cauce-ai/cauce-hub/internal/hublog"
	"github.com/cauce-ai/cauce-hub/internal/protocol"
	"github.com/cauce-ai/cauce-hub/internal/router"
	"github.com/cauce-ai/cauce-hub/internal/session"
	"github.com/cauce-ai/cauce-hub/internal/subscription"
	"github.com/cauce-ai/cauce-hub/internal/topicindex"
)

type noopPublisher struct{}

func (noopPublisher) Publish(protocol.PublishParams, protocol.Source, *protocol.SignalMetadata) (router.Result, error) {
	return router.Result{Signal: protocol.Signal{ID: "sig_1"}}, nil
}

func newTestHandler(t *testing.T) (*Handler, *session.Manager, *fanout.Plane) {
	t.Helper()
	log := hublog.New("test", slog.LevelError)
	sessions := session.New()
	idx := topicindex.New()
	subs := subscription.New(subscription.Limits{MaxTopicsPerSubscription: 10, MaxSubscriptionsPerClient: 10}, idx)
	tracker := delivery.New(delivery.DefaultBackoffConfig())
	d := dispatch.New(sessions, subs, tracker, noopPublisher{}, "cauce-hub-test", 5*time.Minute, log)
	plane := fanout.New(10, log)
	h := New(d, plane, tracker, sessions, log)
	return h, sessions, plane
}

func TestServeMessagesHello(t *testing.T) {
	h, _, _ := newTestHandler(t)

	body, _ := json.Marshal(protocol.Request{JSONRPC: "2.0", ID: 1, Method: "cauce.hello", Params: mustMarshal(t, protocol.HelloParams{ClientID: "c1", ClientType: "agent"})})
	req := httptest.NewRequest(http.MethodPost, "/cauce/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeMessages(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
}

func TestServePollShortPollReturnsEmpty(t *testing.T) {
	h, sessions, _ := newTestHandler(t)
	info := sessions.Create("c1", "agent", "1.0", "poll", 5*time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/cauce/v1/poll?session_id="+info.SessionID, nil)
	rec := httptest.NewRecorder()

	h.ServePoll(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var notifications []protocol.SignalNotificationParams
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &notifications))
	require.Empty(t, notifications)
}

func TestServePollRejectsUnknownSession(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/cauce/v1/poll?session_id=nope", nil)
	rec := httptest.NewRecorder()

	h.ServePoll(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServePollLongPollReceivesLiveDelivery(t *testing.T) {
	h, sessions, plane := newTestHandler(t)
	info := sessions.Create("c1", "agent", "1.0", "poll", 5*time.Minute)

	go func() {
		require.Eventually(t, func() bool {
			return plane.IsRegistered(info.SessionID)
		}, time.Second, time.Millisecond)
		plane.Send(info.SessionID, fanout.Outbound{
			SubscriptionID: "sub-1",
			Delivery: delivery.SignalDelivery{
				Topic:  "signal.email.received",
				Signal: delivery.Signal{ID: "sig-1", Topic: "signal.email.received"},
			},
		})
	}()

	req := httptest.NewRequest(http.MethodGet, "/cauce/v1/poll?session_id="+info.SessionID+"&timeout=5", nil)
	rec := httptest.NewRecorder()

	h.ServePoll(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var notifications []protocol.SignalNotificationParams
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &notifications))
	require.Len(t, notifications, 1)
	require.Equal(t, "sub-1", notifications[0].SubscriptionID)
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
