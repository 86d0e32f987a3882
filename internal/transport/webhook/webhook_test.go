package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cauce-ai/cauce-hub/internal/delivery"
	"github.com/cauce-ai/cauce-hub/internal/hublog"
	"github.com/cauce-ai/cauce-hub/internal/protocol"
)

type fakeTracker struct {
	acked        []string
	redelivered  []string
	deadLettered []string
}

func (f *fakeTracker) RecordRedelivery(_, signalID string) error {
	f.redelivered = append(f.redelivered, signalID)
	return nil
}
func (f *fakeTracker) MoveToDeadLetter(_, signalID string) error {
	f.deadLettered = append(f.deadLettered, signalID)
	return nil
}
func (f *fakeTracker) Ack(_ string, signalIDs []string) delivery.AckResult {
	f.acked = append(f.acked, signalIDs...)
	return delivery.AckResult{Acknowledged: signalIDs}
}

func TestDeliverSuccessAcks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tracker := &fakeTracker{}
	s := New(srv.Client(), tracker, hublog.New("test", slog.LevelError))

	err := s.Deliver(context.Background(), Target{SubscriptionID: "sub-1", URL: srv.URL}, protocol.Signal{ID: "sig-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sig-1"}, tracker.acked)
}

func TestDeliverNonRetriable4xxDeadLetters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tracker := &fakeTracker{}
	s := New(srv.Client(), tracker, hublog.New("test", slog.LevelError))

	err := s.Deliver(context.Background(), Target{SubscriptionID: "sub-1", URL: srv.URL}, protocol.Signal{ID: "sig-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sig-1"}, tracker.deadLettered)
	assert.Empty(t, tracker.redelivered)
}

func TestDeliverRateLimited429Retries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tracker := &fakeTracker{}
	s := New(srv.Client(), tracker, hublog.New("test", slog.LevelError))

	err := s.Deliver(context.Background(), Target{SubscriptionID: "sub-1", URL: srv.URL}, protocol.Signal{ID: "sig-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sig-1"}, tracker.redelivered)
	assert.Empty(t, tracker.deadLettered)
}

func TestDeliverServerError5xxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tracker := &fakeTracker{}
	s := New(srv.Client(), tracker, hublog.New("test", slog.LevelError))

	err := s.Deliver(context.Background(), Target{SubscriptionID: "sub-1", URL: srv.URL}, protocol.Signal{ID: "sig-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sig-1"}, tracker.redelivered)
}

func TestDeliverSignsBodyWhenSecretConfigured(t *testing.T) {
	const secret = "shh"
	var gotSig, gotTS string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Cauce-Signature")
		gotTS = r.Header.Get("X-Cauce-Timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tracker := &fakeTracker{}
	s := New(srv.Client(), tracker, hublog.New("test", slog.LevelError))

	err := s.Deliver(context.Background(), Target{SubscriptionID: "sub-1", URL: srv.URL, Secret: secret}, protocol.Signal{ID: "sig-1"})
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gotTS + "."))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, gotSig)
}
