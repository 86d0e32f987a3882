// Package redelivery implements the Redelivery Scheduler (spec.md
// §4.3/§4.8): a background loop that pulls due redeliveries from the
// Delivery Tracker and fires them back through the Fanout Plane.
package redelivery

import (
	"context"
	"time"

	"github.com/cauce-ai/cauce-hub/internal/cauceerrors"
	"github.com/cauce-ai/cauce-hub/internal/delivery"
	"github.com/cauce-ai/cauce-hub/internal/hublog"
)

// Tracker is the subset of delivery.Tracker the scheduler depends on.
type Tracker interface {
	GetForRedelivery() []delivery.Record
	RecordRedelivery(subscriptionID, signalID string) error
	MoveToDeadLetter(subscriptionID, signalID string) error
}

// Callback attempts to redeliver a single record, returning whether the
// attempt should count against the retry budget (transient failure) or
// be treated as a terminal rejection (SPEC_FULL.md §4.12).
//
// ok=true: the scheduler does no further tracker bookkeeping for the
// record (it was delivered, or the callback already updated the tracker
// itself). ok=false, terminal=true: move straight to
// dead-letter without consuming further attempts. ok=false,
// terminal=false: record a normal failed attempt and let backoff retry.
type Callback func(ctx context.Context, record delivery.Record) (ok bool, terminal bool)

// Scheduler runs the background redelivery loop.
type Scheduler struct {
	tracker       Tracker
	callback      Callback
	checkInterval time.Duration
	logger        *hublog.Logger
}

// New creates a Scheduler. checkInterval is typically half the
// configured initial backoff delay, matching the reference
// implementation's `config.initial_delay / 2`.
func New(tracker Tracker, callback Callback, checkInterval time.Duration, logger *hublog.Logger) *Scheduler {
	return &Scheduler{tracker: tracker, callback: callback, checkInterval: checkInterval, logger: logger}
}

// Run blocks, sweeping for due redeliveries every checkInterval until ctx
// is cancelled. Every suspension point (the sleep) observes ctx (spec.md
// §5: "every suspension point must observe the global shutdown signal").
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("redelivery scheduler shutting down")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	due := s.tracker.GetForRedelivery()
	for _, record := range due {
		if ctx.Err() != nil {
			return
		}

		if s.callback == nil {
			// No attempt wiring; still advance the attempt counter so the
			// record eventually dead-letters rather than retrying forever.
			_ = s.tracker.RecordRedelivery(record.SubscriptionID, record.Delivery.Signal.ID)
			continue
		}

		ok, terminal := s.callback(ctx, record)
		if ok {
			continue
		}
		if terminal {
			if err := s.tracker.MoveToDeadLetter(record.SubscriptionID, record.Delivery.Signal.ID); err != nil {
				s.logger.Error("failed to dead-letter delivery", "error", err)
			}
			s.logger.DeliveryDeadLettered(record.SubscriptionID, record.Delivery.Signal.ID, record.AttemptCount)
			continue
		}
		if err := s.tracker.RecordRedelivery(record.SubscriptionID, record.Delivery.Signal.ID); err != nil {
			if !cauceerrors.As(err, cauceerrors.CodeDeliveryFailed) {
				s.logger.Error("unexpected redelivery error", "error", err)
			}
			continue
		}
		s.logger.DeliveryRedelivered(record.SubscriptionID, record.Delivery.Signal.ID, record.AttemptCount+1)
	}
}
