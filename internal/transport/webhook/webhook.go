// Package webhook implements the outbound-callback transport (spec.md
// §4.7, §6.3, and SPEC_FULL.md §4.12): the Hub POSTs each delivery to a
// subscriber-supplied URL, signing the body with HMAC-SHA256 when a
// secret is configured, and retrying transient failures on the same
// exponential backoff as the Delivery Tracker.
//
// Each destination host gets its own circuit breaker
// (github.com/sony/gobreaker) so a single unreachable subscriber can't
// exhaust the Hub's outbound worker pool retrying it — grounded on
// SPEC_FULL.md's wiring note for sony/gobreaker.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cauce-ai/cauce-hub/internal/delivery"
	"github.com/cauce-ai/cauce-hub/internal/hublog"
	"github.com/cauce-ai/cauce-hub/internal/id"
	"github.com/cauce-ai/cauce-hub/internal/metrics"
	"github.com/cauce-ai/cauce-hub/internal/protocol"
)

// DeliveryTracker is the subset of delivery.Tracker the sender depends
// on to advance or dead-letter a callback attempt.
type DeliveryTracker interface {
	RecordRedelivery(subscriptionID, signalID string) error
	MoveToDeadLetter(subscriptionID, signalID string) error
	Ack(subscriptionID string, signalIDs []string) delivery.AckResult
}

// Target is a single subscriber's webhook destination.
type Target struct {
	SubscriptionID string
	URL            string
	Secret         string
}

// Sender posts deliveries to subscriber webhook endpoints.
type Sender struct {
	client  *http.Client
	tracker DeliveryTracker
	log     *hublog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a Sender using client for outbound requests (pass
// http.DefaultClient for production use; tests can substitute a
// short-timeout client).
func New(client *http.Client, tracker DeliveryTracker, log *hublog.Logger) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Sender{client: client, tracker: tracker, log: log, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// Deliver sends one signal to target, signing it if target.Secret is
// set, and updates the Delivery Tracker according to the outcome:
// success acks it, a transient failure schedules redelivery (which
// dead-letters once the shared backoff budget is exhausted), and a
// non-retriable 4xx dead-letters it immediately (SPEC_FULL.md §4.12).
func (s *Sender) Deliver(ctx context.Context, target Target, signal protocol.Signal) error {
	body, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("webhook: marshal signal: %w", err)
	}

	breaker := s.breakerFor(target.URL)
	_, err = breaker.Execute(func() (any, error) {
		return nil, s.post(ctx, target, body)
	})

	switch {
	case err == nil:
		metrics.WebhookDeliveryAttempts.WithLabelValues("success").Inc()
		s.tracker.Ack(target.SubscriptionID, []string{signal.ID})
		return nil
	case isNonRetriable(err):
		metrics.WebhookDeliveryAttempts.WithLabelValues("non_retriable").Inc()
		s.log.DeliveryDeadLettered(target.SubscriptionID, signal.ID, 1)
		return s.tracker.MoveToDeadLetter(target.SubscriptionID, signal.ID)
	default:
		metrics.WebhookDeliveryAttempts.WithLabelValues("retriable").Inc()
		return s.tracker.RecordRedelivery(target.SubscriptionID, signal.ID)
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("webhook: unexpected status %d", e.code) }

func isNonRetriable(err error) bool {
	se, ok := err.(*statusError)
	if !ok {
		return false
	}
	if se.code == http.StatusTooManyRequests {
		return false
	}
	return se.code >= 400 && se.code < 500
}

func (s *Sender) post(ctx context.Context, target Target, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cauce-Delivery-Id", id.Delivery())
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Cauce-Timestamp", ts)
	if target.Secret != "" {
		req.Header.Set("X-Cauce-Signature", sign(target.Secret, ts, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &statusError{code: resp.StatusCode}
}

func sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *Sender) breakerFor(rawURL string) *gobreaker.CircuitBreaker {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[host]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	s.breakers[host] = b
	return b
}
