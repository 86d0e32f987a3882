package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDelivery(sigID string) SignalDelivery {
	return SignalDelivery{
		Topic:  "signal.email.received",
		Signal: Signal{ID: sigID, Topic: "signal.email.received", Payload: map[string]string{"text": "hello"}},
	}
}

func TestTrack(t *testing.T) {
	tr := New(DefaultBackoffConfig())
	tr.Track("sub_1", testDelivery("sig_1"))

	unacked := tr.GetUnacked("sub_1")
	require.Len(t, unacked, 1)
	assert.Equal(t, "sig_1", unacked[0].Delivery.Signal.ID)
}

func TestTrackIdempotent(t *testing.T) {
	tr := New(DefaultBackoffConfig())
	tr.Track("sub_1", testDelivery("sig_1"))
	tr.Track("sub_1", testDelivery("sig_1"))

	assert.Len(t, tr.GetUnacked("sub_1"), 1)
}

func TestAckSignals(t *testing.T) {
	tr := New(DefaultBackoffConfig())
	tr.Track("sub_1", testDelivery("sig_1"))
	tr.Track("sub_1", testDelivery("sig_2"))

	result := tr.Ack("sub_1", []string{"sig_1"})
	assert.Equal(t, []string{"sig_1"}, result.Acknowledged)
	assert.Empty(t, result.Failed)

	unacked := tr.GetUnacked("sub_1")
	require.Len(t, unacked, 1)
	assert.Equal(t, "sig_2", unacked[0].Delivery.Signal.ID)
}

func TestAckUnknownSignal(t *testing.T) {
	tr := New(DefaultBackoffConfig())
	result := tr.Ack("sub_1", []string{"sig_unknown"})
	assert.Empty(t, result.Acknowledged)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "unknown signal", result.Failed[0].Reason)
}

func TestAckAlreadyAcknowledgedIsNoop(t *testing.T) {
	tr := New(DefaultBackoffConfig())
	tr.Track("sub_1", testDelivery("sig_1"))
	tr.Ack("sub_1", []string{"sig_1"})

	result := tr.Ack("sub_1", []string{"sig_1"})
	assert.Empty(t, result.Acknowledged)
	require.Len(t, result.Failed, 1)
}

func TestGetForRedeliveryImmediate(t *testing.T) {
	cfg := DefaultBackoffConfig()
	cfg.InitialDelay = 0
	tr := New(cfg)
	tr.Track("sub_1", testDelivery("sig_1"))

	assert.Len(t, tr.GetForRedelivery(), 1)
}

func TestRedeliveryDisabled(t *testing.T) {
	cfg := DefaultBackoffConfig()
	cfg.Enabled = false
	tr := New(cfg)
	tr.Track("sub_1", testDelivery("sig_1"))

	assert.Empty(t, tr.GetForRedelivery())
}

func TestRecordRedeliveryIncrementsAttempt(t *testing.T) {
	cfg := DefaultBackoffConfig()
	cfg.InitialDelay = 0
	tr := New(cfg)
	tr.Track("sub_1", testDelivery("sig_1"))

	require.NoError(t, tr.RecordRedelivery("sub_1", "sig_1"))

	pending := tr.GetForRedelivery()
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].AttemptCount)
}

func TestMoveToDeadLetter(t *testing.T) {
	tr := New(DefaultBackoffConfig())
	tr.Track("sub_1", testDelivery("sig_1"))

	require.NoError(t, tr.MoveToDeadLetter("sub_1", "sig_1"))
	assert.Empty(t, tr.GetUnacked("sub_1"))

	dead := tr.GetDeadLetters("sub_1")
	require.Len(t, dead, 1)
	assert.Equal(t, "sig_1", dead[0].Delivery.Signal.ID)
}

func TestDeadLetterNotFound(t *testing.T) {
	tr := New(DefaultBackoffConfig())
	err := tr.MoveToDeadLetter("sub_1", "sig_unknown")
	require.Error(t, err)
}

// TestMaxAttemptsDeadLetter mirrors the reference implementation's proof
// that attempt_count starts at 1 on track() and is incremented *before*
// the cap check: with max_attempts=2, the first record_redelivery call
// brings the count to 2, which reaches the cap and dead-letters the
// record; the second call leaves it dead-lettered.
func TestMaxAttemptsDeadLetter(t *testing.T) {
	cfg := DefaultBackoffConfig()
	cfg.InitialDelay = 0
	cfg.MaxAttempts = 2
	tr := New(cfg)
	tr.Track("sub_1", testDelivery("sig_1"))

	require.NoError(t, tr.RecordRedelivery("sub_1", "sig_1"))
	require.NoError(t, tr.RecordRedelivery("sub_1", "sig_1"))

	dead := tr.GetDeadLetters("sub_1")
	require.Len(t, dead, 1)
	assert.Empty(t, tr.GetForRedelivery())
}

func TestCleanupRespectsHorizon(t *testing.T) {
	tr := New(DefaultBackoffConfig())
	tr.Track("sub_1", testDelivery("sig_1"))
	tr.Ack("sub_1", []string{"sig_1"})

	assert.Equal(t, 0, tr.Cleanup(time.Hour))
	assert.Equal(t, 1, tr.Cleanup(-time.Second))
}

func TestBackoffMonotonicUntilCap(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond, MaxAttempts: 5, Enabled: true}
	d1 := cfg.DelayForAttempt(1)
	d2 := cfg.DelayForAttempt(2)
	d3 := cfg.DelayForAttempt(3)
	d4 := cfg.DelayForAttempt(4)

	assert.True(t, d2 > d1)
	assert.True(t, d3 > d2)
	assert.Equal(t, d3, d4) // both clamped to MaxDelay
}
