package protocol

import (
	"encoding/json"
	"time"
)

// Source identifies the adapter that produced a Signal (spec.md §3.3).
type Source struct {
	Type      string `json:"type"`
	AdapterID string `json:"adapter_id"`
	NativeID  string `json:"native_id"`
}

// Payload is a Signal or Action's body.
type Payload struct {
	Body        json.RawMessage `json:"body"`
	ContentType string          `json:"content_type"`
}

// SignalMetadata carries optional routing hints.
type SignalMetadata struct {
	Priority    string `json:"priority,omitempty"`
	Correlation string `json:"correlation,omitempty"`
	Thread      string `json:"thread,omitempty"`
}

// EncryptedEnvelope is opaque to the Hub (spec.md §1 Non-goals).
type EncryptedEnvelope struct {
	Algorithm string          `json:"algorithm"`
	Body      json.RawMessage `json:"body"`
}

// Signal is the envelope produced by adapters and routed to agents.
type Signal struct {
	ID        string             `json:"id"`
	Version   string             `json:"version"`
	Timestamp time.Time          `json:"timestamp"`
	Source    Source             `json:"source"`
	Topic     string             `json:"topic"`
	Payload   Payload            `json:"payload"`
	Metadata  *SignalMetadata    `json:"metadata,omitempty"`
	Encrypted *EncryptedEnvelope `json:"encrypted,omitempty"`
}

// ActionContext carries optional routing hints for an Action.
type ActionContext struct {
	InReplyTo   string `json:"in_reply_to,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Thread      string `json:"thread,omitempty"`
	Correlation string `json:"correlation,omitempty"`
}

// Action is the envelope produced by agents and routed to an adapter.
type Action struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Target  string         `json:"target,omitempty"`
	Payload Payload        `json:"payload"`
	Context *ActionContext `json:"context,omitempty"`
}

// HelloParams is the cauce.hello handshake request.
type HelloParams struct {
	ClientID          string `json:"client_id"`
	ClientType        string `json:"client_type"`
	MinProtocolVersion string `json:"min_protocol_version,omitempty"`
	Transport         string `json:"transport,omitempty"`
	TTLSeconds        int64  `json:"ttl_seconds,omitempty"`
}

// HelloResult is the cauce.hello response.
type HelloResult struct {
	SessionID      string `json:"session_id"`
	ServerVersion  string `json:"server_version"`
	ProtocolVersion string `json:"protocol_version"`
}

// SubscribeParams is the cauce.subscribe request.
type SubscribeParams struct {
	Topics      []string        `json:"topics"`
	Transport   string          `json:"transport,omitempty"`
	Approval    string          `json:"approval,omitempty"`
	Webhook     *WebhookParams  `json:"webhook,omitempty"`
}

// WebhookParams configures the outbound-callback transport.
type WebhookParams struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// SubscribeResult is the cauce.subscribe response.
type SubscribeResult struct {
	SubscriptionID string   `json:"subscription_id"`
	Status         string   `json:"status"`
	Topics         []string `json:"topics"`
}

// UnsubscribeParams is the cauce.unsubscribe request.
type UnsubscribeParams struct {
	SubscriptionID string `json:"subscription_id"`
}

// PublishParams is the cauce.publish request.
type PublishParams struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Source  Source          `json:"source"`
	Metadata *SignalMetadata `json:"metadata,omitempty"`
}

// PublishResult is the cauce.publish response.
type PublishResult struct {
	MessageID    string `json:"message_id"`
	DeliveredTo  int    `json:"delivered_to"`
	QueuedFor    int    `json:"queued_for"`
}

// AckParams is the cauce.ack request.
type AckParams struct {
	SubscriptionID string   `json:"subscription_id"`
	SignalIDs      []string `json:"signal_ids"`
}

// AckFailureResult names a signal ID that could not be acknowledged.
type AckFailureResult struct {
	SignalID string `json:"signal_id"`
	Reason   string `json:"reason"`
}

// AckResult is the cauce.ack response.
type AckResult struct {
	Acknowledged []string           `json:"acknowledged"`
	Failed       []AckFailureResult `json:"failed"`
}

// PingResult is the cauce.ping response.
type PingResult struct {
	Timestamp time.Time `json:"timestamp"`
}

// SignalNotificationParams is the payload of the notification a
// subscriber receives over a connection-based transport.
type SignalNotificationParams struct {
	SubscriptionID string `json:"subscription_id"`
	Topic          string `json:"topic"`
	Signal         Signal `json:"signal"`
}
