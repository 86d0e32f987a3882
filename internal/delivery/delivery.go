// Package delivery implements the Delivery Tracker (spec.md §4.3): the
// per-(subscription, signal) unacked set, exponential backoff, and
// dead-lettering.
package delivery

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cauce-ai/cauce-hub/internal/cauceerrors"
	"github.com/cauce-ai/cauce-hub/internal/metrics"
)

// Status is the terminal/non-terminal state of a delivery record.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusDeadLetter   Status = "dead_letter"
)

// Signal is the minimal shape of a routed signal the tracker needs;
// the full envelope lives in the router package and is carried here
// opaquely via SignalDelivery.Payload.
type Signal struct {
	ID      string
	Topic   string
	Payload any
}

// SignalDelivery pairs a signal with the subscription pattern context it
// matched under (spec.md §4.5 step 2).
type SignalDelivery struct {
	Topic  string
	Signal Signal
}

// Record is a tracked (subscription, signal) delivery.
type Record struct {
	SubscriptionID string
	Delivery       SignalDelivery
	Status         Status
	AttemptCount   int
	FirstAttempt   time.Time
	LastAttempt    time.Time
	NextAttempt    time.Time
	// DeadLetterKey is a ULID assigned the moment a record enters
	// StatusDeadLetter, giving GetDeadLetters a lexicographically
	// sortable listing order without a second time-indexed structure.
	// Empty for records that have never been dead-lettered.
	DeadLetterKey string
}

type key struct {
	subscriptionID string
	signalID       string
}

// BackoffConfig configures the redelivery schedule (spec.md §4.3).
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
	Enabled      bool
}

// DefaultBackoffConfig returns the spec's defaults:
// initial=1s, multiplier=2, max=60s, max_attempts=5.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  5,
		Enabled:      true,
	}
}

// DelayForAttempt returns delay_N for attempt N>=1:
// clamp(initial*multiplier^(N-1), initial, max).
func (c BackoffConfig) DelayForAttempt(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(n-1))
	delay := time.Duration(d)
	if delay < c.InitialDelay {
		delay = c.InitialDelay
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

func (c BackoffConfig) shouldAttempt(attemptCount int) bool {
	return attemptCount < c.MaxAttempts
}

// Tracker is the in-memory Delivery Tracker. Each entry is guarded by
// its own mutex (spec.md §5: "per-entry mutation uses a single lock
// scope"); the top-level map uses a RWMutex for structural changes.
type Tracker struct {
	config BackoffConfig

	mu      sync.RWMutex
	records map[key]*entry
}

type entry struct {
	mu     sync.Mutex
	record Record
}

// New creates a Tracker with the given backoff configuration.
func New(config BackoffConfig) *Tracker {
	return &Tracker{config: config, records: make(map[key]*entry)}
}

// Track inserts a pending record if none exists for the pair; idempotent
// on duplicate.
func (t *Tracker) Track(subscriptionID string, d SignalDelivery) {
	k := key{subscriptionID: subscriptionID, signalID: d.Signal.ID}

	t.mu.Lock()
	if _, exists := t.records[k]; exists {
		t.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	t.records[k] = &entry{record: Record{
		SubscriptionID: subscriptionID,
		Delivery:       d,
		Status:         StatusPending,
		AttemptCount:   1,
		FirstAttempt:   now,
		LastAttempt:    now,
		NextAttempt:    now.Add(t.config.DelayForAttempt(1)),
	}}
	t.mu.Unlock()
	metrics.DeliveriesTracked.Inc()
}

// AckResult is the outcome of an Ack call.
type AckResult struct {
	Acknowledged []string
	Failed       []AckFailure
}

// AckFailure names a signal ID that could not be acknowledged and why.
type AckFailure struct {
	SignalID string
	Reason   string
}

// Ack transitions each pending record named by signalIDs to
// acknowledged; unknown or already-acknowledged IDs are reported failed.
func (t *Tracker) Ack(subscriptionID string, signalIDs []string) AckResult {
	var result AckResult
	for _, sigID := range signalIDs {
		k := key{subscriptionID: subscriptionID, signalID: sigID}

		t.mu.RLock()
		e, ok := t.records[k]
		t.mu.RUnlock()

		if !ok {
			result.Failed = append(result.Failed, AckFailure{SignalID: sigID, Reason: "unknown signal"})
			continue
		}

		e.mu.Lock()
		if e.record.Status == StatusPending {
			e.record.Status = StatusAcknowledged
			result.Acknowledged = append(result.Acknowledged, sigID)
			metrics.DeliveriesAcknowledged.Inc()
			metrics.DeliveryAttemptLatency.Observe(time.Since(e.record.FirstAttempt).Seconds())
		} else {
			result.Failed = append(result.Failed, AckFailure{SignalID: sigID, Reason: "already " + string(e.record.Status)})
		}
		e.mu.Unlock()
	}
	return result
}

// GetUnacked returns every pending record for subscriptionID.
func (t *Tracker) GetUnacked(subscriptionID string) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []Record
	for k, e := range t.records {
		if k.subscriptionID != subscriptionID {
			continue
		}
		e.mu.Lock()
		if e.record.Status == StatusPending {
			result = append(result, e.record)
		}
		e.mu.Unlock()
	}
	return result
}

// GetForRedelivery returns pending deliveries whose next_attempt <= now
// and whose attempt_count < max_attempts. Returns empty when redelivery
// is disabled globally.
func (t *Tracker) GetForRedelivery() []Record {
	if !t.config.Enabled {
		return nil
	}

	now := time.Now().UTC()
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []Record
	for _, e := range t.records {
		e.mu.Lock()
		if e.record.Status == StatusPending &&
			!e.record.NextAttempt.After(now) &&
			t.config.shouldAttempt(e.record.AttemptCount) {
			result = append(result, e.record)
		}
		e.mu.Unlock()
	}
	return result
}

// RecordRedelivery increments attempt_count, updates last_attempt,
// recomputes next_attempt, and dead-letters the record once the
// incremented attempt_count reaches the cap (MaxAttempts).
func (t *Tracker) RecordRedelivery(subscriptionID, signalID string) error {
	k := key{subscriptionID: subscriptionID, signalID: signalID}

	t.mu.RLock()
	e, ok := t.records[k]
	t.mu.RUnlock()
	if !ok {
		return cauceerrors.New(cauceerrors.CodeDeliveryFailed, "signal not found: "+signalID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.record.AttemptCount++
	e.record.LastAttempt = time.Now().UTC()
	e.record.NextAttempt = e.record.LastAttempt.Add(t.config.DelayForAttempt(e.record.AttemptCount))
	metrics.DeliveriesRedelivered.Inc()
	if !t.config.shouldAttempt(e.record.AttemptCount) {
		e.record.Status = StatusDeadLetter
		e.record.DeadLetterKey = ulid.Make().String()
		metrics.DeliveriesDeadLettered.Inc()
	}
	return nil
}

// MoveToDeadLetter forces a record straight to dead_letter — used by the
// outbound-callback transport when a non-retriable 4xx response arrives
// (SPEC_FULL.md §4.12).
func (t *Tracker) MoveToDeadLetter(subscriptionID, signalID string) error {
	k := key{subscriptionID: subscriptionID, signalID: signalID}

	t.mu.RLock()
	e, ok := t.records[k]
	t.mu.RUnlock()
	if !ok {
		return cauceerrors.New(cauceerrors.CodeDeliveryFailed, "signal not found: "+signalID)
	}

	e.mu.Lock()
	e.record.Status = StatusDeadLetter
	e.record.DeadLetterKey = ulid.Make().String()
	e.mu.Unlock()
	metrics.DeliveriesDeadLettered.Inc()
	return nil
}

// GetDeadLetters returns every dead-lettered record for subscriptionID,
// ordered by DeadLetterKey (i.e. the order each entered dead_letter).
func (t *Tracker) GetDeadLetters(subscriptionID string) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []Record
	for k, e := range t.records {
		if k.subscriptionID != subscriptionID {
			continue
		}
		e.mu.Lock()
		if e.record.Status == StatusDeadLetter {
			result = append(result, e.record)
		}
		e.mu.Unlock()
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DeadLetterKey < result[j].DeadLetterKey })
	return result
}

// Cleanup removes acknowledged records whose last_attempt is older than
// horizon (spec.md §4.3 suggests one hour).
func (t *Tracker) Cleanup(horizon time.Duration) int {
	cutoff := time.Now().UTC().Add(-horizon)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for k, e := range t.records {
		e.mu.Lock()
		shouldRemove := e.record.Status == StatusAcknowledged && e.record.LastAttempt.Before(cutoff)
		e.mu.Unlock()
		if shouldRemove {
			delete(t.records, k)
			removed++
		}
	}
	return removed
}
