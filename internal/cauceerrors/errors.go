// Package cauceerrors defines the Hub's protocol error taxonomy and the
// JSON-RPC 2.0 reserved/custom error codes it maps onto.
package cauceerrors

import (
	"errors"
	"fmt"
)

// Code identifies a category of Hub failure.
type Code string

const (
	CodeSubscriptionNotFound Code = "subscription_not_found"
	CodeTopicNotFound        Code = "topic_not_found"
	CodeNotAuthorized        Code = "not_authorized"
	CodePendingApproval      Code = "subscription_pending_approval"
	CodeSubscriptionDenied   Code = "subscription_denied"
	CodeRateLimited          Code = "rate_limited"
	CodeSignalTooLarge       Code = "signal_too_large"
	CodeEncryptionRequired   Code = "encryption_required"
	CodeInvalidEncryption    Code = "invalid_encryption"
	CodeAdapterUnavailable   Code = "adapter_unavailable"
	CodeDeliveryFailed       Code = "delivery_failed"
	CodeQueueFull            Code = "queue_full"
	CodeSessionExpired       Code = "session_expired"
	CodeUnsupportedTransport Code = "unsupported_transport"
	CodeInvalidTopic         Code = "invalid_topic"

	CodeTooManyTopics             Code = "too_many_topics"
	CodeSubscriptionLimitExceeded Code = "subscription_limit_exceeded"
	CodeInvalidTopicPattern       Code = "invalid_topic_pattern"
	CodeInvalidParams             Code = "invalid_params"
	CodeInternal                  Code = "internal"
)

// jsonrpcCode maps a Code to its JSON-RPC 2.0 wire code (spec.md §7).
var jsonrpcCode = map[Code]int{
	CodeSubscriptionNotFound: -32001,
	CodeTopicNotFound:        -32002,
	CodeNotAuthorized:        -32003,
	CodePendingApproval:      -32004,
	CodeSubscriptionDenied:   -32005,
	CodeRateLimited:          -32006,
	CodeSignalTooLarge:       -32007,
	CodeEncryptionRequired:   -32008,
	CodeInvalidEncryption:    -32009,
	CodeAdapterUnavailable:   -32010,
	CodeDeliveryFailed:       -32011,
	CodeQueueFull:            -32012,
	CodeSessionExpired:       -32013,
	CodeUnsupportedTransport: -32014,
	CodeInvalidTopic:         -32015,

	// These five don't have a dedicated custom range entry in spec.md §7;
	// they surface through the JSON-RPC 2.0 reserved codes instead.
	CodeTooManyTopics:             -32602,
	CodeSubscriptionLimitExceeded: -32602,
	CodeInvalidTopicPattern:       -32602,
	CodeInvalidParams:             -32602,
	CodeInternal:                  -32603,
}

// Error is the Hub's typed error value. It carries enough context to be
// converted into a JSON-RPC error object without a second lookup table.
type Error struct {
	Code       Code
	Message    string
	Underlying error
	Retryable  bool
	Data       any
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Underlying }

// New creates an Error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error around an existing cause.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Underlying: err}
}

// WithData attaches response data (e.g. retry_after_ms for rate limiting).
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// WithRetryable marks whether the caller may retry the operation.
func (e *Error) WithRetryable(r bool) *Error {
	e.Retryable = r
	return e
}

// JSONRPCError converts the Error into the wire-level (code, message, data)
// triple used by the Protocol Dispatcher and every HTTP-facing transport.
func (e *Error) JSONRPCError() (code int, message string, data any) {
	c, ok := jsonrpcCode[e.Code]
	if !ok {
		c = -32603
	}
	return c, e.Message, e.Data
}

// As reports whether err is (or wraps) a *Error with the given code.
func As(err error, code Code) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == code
}
