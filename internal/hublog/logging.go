// Package hublog provides the Hub's structured logger.
package hublog

import (
	"log/slog"
	"os"
)

// Logger is a structured logger for Hub components.
type Logger struct {
	*slog.Logger
}

// New creates a logger scoped to a single component.
func New(component string, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler).With(
		slog.String("component", component),
		slog.String("system", "cauce"),
	)
	return &Logger{Logger: logger}
}

// WithSession returns a logger annotated with a session id.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("session_id", sessionID))}
}

// WithSubscription returns a logger annotated with a subscription id.
func (l *Logger) WithSubscription(subscriptionID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("subscription_id", subscriptionID))}
}

// WithTopic returns a logger annotated with a topic.
func (l *Logger) WithTopic(topic string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("topic", topic))}
}

// SubscriptionCreated logs a new subscription.
func (l *Logger) SubscriptionCreated(subscriptionID, clientID, status string, patternCount int) {
	l.Info("subscription created",
		slog.String("subscription_id", subscriptionID),
		slog.String("client_id", clientID),
		slog.String("status", status),
		slog.Int("pattern_count", patternCount),
	)
}

// SubscriptionStateChanged logs a subscription state transition.
func (l *Logger) SubscriptionStateChanged(subscriptionID, from, to, reason string) {
	l.Info("subscription state changed",
		slog.String("subscription_id", subscriptionID),
		slog.String("from", from),
		slog.String("to", to),
		slog.String("reason", reason),
	)
}

// DeliveryTracked logs a delivery entering the tracker.
func (l *Logger) DeliveryTracked(subscriptionID, signalID string) {
	l.Debug("delivery tracked",
		slog.String("subscription_id", subscriptionID),
		slog.String("signal_id", signalID),
	)
}

// DeliveryRedelivered logs a redelivery attempt.
func (l *Logger) DeliveryRedelivered(subscriptionID, signalID string, attempt int) {
	l.Info("delivery redelivered",
		slog.String("subscription_id", subscriptionID),
		slog.String("signal_id", signalID),
		slog.Int("attempt", attempt),
	)
}

// DeliveryDeadLettered logs a delivery exhausting its retry budget.
func (l *Logger) DeliveryDeadLettered(subscriptionID, signalID string, attempt int) {
	l.Warn("delivery dead-lettered",
		slog.String("subscription_id", subscriptionID),
		slog.String("signal_id", signalID),
		slog.Int("attempt", attempt),
	)
}

// FanoutBackpressure logs a dropped send due to a full outbound channel.
func (l *Logger) FanoutBackpressure(sessionID string) {
	l.Warn("fanout backpressure, leaving delivery pending",
		slog.String("session_id", sessionID),
	)
}
