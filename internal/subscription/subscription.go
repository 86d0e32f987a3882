// Package subscription implements the Subscription Manager (spec.md
// §4.2): the lifecycle and approval state machine of client
// subscriptions, backed by the Topic Index for active-subscription
// lookup.
package subscription

import (
	"sync"
	"time"

	"github.com/cauce-ai/cauce-hub/internal/cauceerrors"
	"github.com/cauce-ai/cauce-hub/internal/id"
	"github.com/cauce-ai/cauce-hub/internal/metrics"
	"github.com/cauce-ai/cauce-hub/internal/topic"
)

// Status is the subscription's approval/lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusDenied  Status = "denied"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Transport selects the delivery channel a subscription was created on.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportSSE       Transport = "sse"
	TransportPolling   Transport = "polling"
	TransportWebhook   Transport = "webhook"
)

// Approval selects whether a new subscription starts active or pending.
type Approval string

const (
	ApprovalAutomatic    Approval = "automatic"
	ApprovalUserApproved Approval = "user_approved"
)

// Restrictions narrows an approved subscription beyond its own pattern set.
type Restrictions struct {
	AllowedTopics []string
	ExpiresAt     *time.Time
}

// WebhookConfig carries the outbound-callback transport's delivery target.
type WebhookConfig struct {
	URL    string
	Secret string
}

// Request is the input to Subscribe.
type Request struct {
	Topics      []string
	Transport   Transport
	Approval    *Approval
	Webhook     *WebhookConfig
}

// Info is the externally visible, immutable-by-convention snapshot of a
// subscription. Mutating fields go through the manager's operations.
type Info struct {
	SubscriptionID string
	ClientID       string
	SessionID      string
	Topics         []string
	Status         Status
	Transport      Transport
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	DenialReason   string
	RevocationReason string
	Restrictions   *Restrictions
	Webhook        *WebhookConfig
}

// Response is returned by Subscribe.
type Response struct {
	SubscriptionID string
	Status         Status
	Topics         []string
}

type stored struct {
	mu   sync.Mutex
	info Info
}

// Limits bounds subscribe() validation (mirrors config.Limits, kept
// separate so this package has no import-cycle onto config).
type Limits struct {
	MaxTopicsPerSubscription  int
	MaxSubscriptionsPerClient int
}

// TopicIndexer is the write-side the manager drives; concrete
// implementation lives in the topicindex package. Kept as a narrow
// interface here so the manager and the index can evolve independently,
// matching the original SDK's TopicTrie/SubscriptionManager split.
type TopicIndexer interface {
	Insert(pattern, subscriptionID string)
	Remove(pattern, subscriptionID string)
	Matches(topicStr string) []string
}

// Manager is the in-memory Subscription Manager.
type Manager struct {
	limits  Limits
	index   TopicIndexer
	defaultApproval Approval

	mu              sync.RWMutex
	subscriptions   map[string]*stored
	clientSubs      map[string][]string
}

// New creates a Manager with the given limits, backed by index.
func New(limits Limits, index TopicIndexer) *Manager {
	return &Manager{
		limits:          limits,
		index:           index,
		defaultApproval: ApprovalAutomatic,
		subscriptions:   make(map[string]*stored),
		clientSubs:      make(map[string][]string),
	}
}

// WithDefaultApproval overrides the approval mode applied when a
// subscribe request does not specify one.
func (m *Manager) WithDefaultApproval(a Approval) *Manager {
	m.defaultApproval = a
	return m
}

func (m *Manager) validate(clientID string, req Request) error {
	if len(req.Topics) > m.limits.MaxTopicsPerSubscription {
		return cauceerrors.New(cauceerrors.CodeTooManyTopics, "too many topics in subscribe request")
	}
	for _, t := range req.Topics {
		if err := topic.ValidatePattern(t); err != nil {
			return cauceerrors.Wrap(err, cauceerrors.CodeInvalidTopicPattern, "invalid topic pattern: "+t)
		}
	}

	m.mu.RLock()
	existing := len(m.clientSubs[clientID])
	m.mu.RUnlock()
	if existing >= m.limits.MaxSubscriptionsPerClient {
		return cauceerrors.New(cauceerrors.CodeSubscriptionLimitExceeded, "client subscription limit exceeded")
	}

	if req.Transport == TransportWebhook && req.Webhook == nil {
		return cauceerrors.New(cauceerrors.CodeInvalidParams, "webhook configuration required for webhook transport")
	}
	return nil
}

func (m *Manager) initialStatus(req Request) Status {
	approval := m.defaultApproval
	if req.Approval != nil {
		approval = *req.Approval
	}
	if approval == ApprovalUserApproved {
		return StatusPending
	}
	return StatusActive
}

// Subscribe registers a new subscription for clientID/sessionID.
func (m *Manager) Subscribe(clientID, sessionID string, req Request) (Response, error) {
	if err := m.validate(clientID, req); err != nil {
		return Response{}, err
	}

	subID := id.Subscription()
	status := m.initialStatus(req)
	transport := req.Transport
	if transport == "" {
		transport = TransportWebSocket
	}

	info := Info{
		SubscriptionID: subID,
		ClientID:       clientID,
		SessionID:      sessionID,
		Topics:         append([]string(nil), req.Topics...),
		Status:         status,
		Transport:      transport,
		CreatedAt:      time.Now().UTC(),
		Webhook:        req.Webhook,
	}

	m.mu.Lock()
	m.subscriptions[subID] = &stored{info: info}
	m.clientSubs[clientID] = append(m.clientSubs[clientID], subID)
	m.mu.Unlock()

	if status == StatusActive {
		for _, t := range info.Topics {
			m.index.Insert(t, subID)
		}
		metrics.SubscriptionsActive.Inc()
	}

	metrics.SubscriptionsCreated.WithLabelValues(string(status), string(transport)).Inc()

	return Response{SubscriptionID: subID, Status: status, Topics: info.Topics}, nil
}

// Unsubscribe removes index entries and the client-list entry, then the
// record itself. Not idempotent: a missing ID is an error.
func (m *Manager) Unsubscribe(subscriptionID string) error {
	m.mu.Lock()
	s, ok := m.subscriptions[subscriptionID]
	if !ok {
		m.mu.Unlock()
		return cauceerrors.New(cauceerrors.CodeSubscriptionNotFound, "subscription not found: "+subscriptionID)
	}
	delete(m.subscriptions, subscriptionID)
	clientID := s.info.ClientID
	topics := s.info.Topics
	wasActive := s.info.Status == StatusActive
	subs := m.clientSubs[clientID]
	for i, id := range subs {
		if id == subscriptionID {
			m.clientSubs[clientID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	for _, t := range topics {
		m.index.Remove(t, subscriptionID)
	}
	if wasActive {
		metrics.SubscriptionsActive.Dec()
	}
	return nil
}

// Get returns a snapshot of a subscription's info, if it exists.
func (m *Manager) Get(subscriptionID string) (Info, bool) {
	m.mu.RLock()
	s, ok := m.subscriptions[subscriptionID]
	m.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, true
}

// ForClient lists every subscription owned by clientID.
func (m *Manager) ForClient(clientID string) []Info {
	m.mu.RLock()
	ids := append([]string(nil), m.clientSubs[clientID]...)
	m.mu.RUnlock()

	result := make([]Info, 0, len(ids))
	for _, subID := range ids {
		if info, ok := m.Get(subID); ok {
			result = append(result, info)
		}
	}
	return result
}

// ForTopic returns active subscriptions matching topicStr, honoring
// per-subscription restrictions (spec.md §4.1: enforced at lookup time).
func (m *Manager) ForTopic(topicStr string) []Info {
	ids := m.index.Matches(topicStr)
	result := make([]Info, 0, len(ids))
	for _, subID := range ids {
		m.mu.RLock()
		s, ok := m.subscriptions[subID]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		s.mu.Lock()
		info := s.info
		s.mu.Unlock()

		if info.Status != StatusActive {
			continue
		}
		if info.Restrictions != nil && len(info.Restrictions.AllowedTopics) > 0 {
			allowed := false
			for _, pattern := range info.Restrictions.AllowedTopics {
				if topic.Match(pattern, topicStr) {
					allowed = true
					break
				}
			}
			if !allowed {
				continue
			}
		}
		result = append(result, info)
	}
	return result
}

// Approve transitions a pending subscription to active, installing Topic
// Index entries and optionally applying restrictions.
func (m *Manager) Approve(subscriptionID string, restrictions *Restrictions) error {
	m.mu.RLock()
	s, ok := m.subscriptions[subscriptionID]
	m.mu.RUnlock()
	if !ok {
		return cauceerrors.New(cauceerrors.CodeSubscriptionNotFound, "subscription not found: "+subscriptionID)
	}

	s.mu.Lock()
	if s.info.Status != StatusPending {
		status := s.info.Status
		s.mu.Unlock()
		return cauceerrors.New(cauceerrors.CodeInvalidParams, "cannot approve subscription in "+string(status)+" state")
	}
	s.info.Status = StatusActive
	s.info.Restrictions = restrictions
	if restrictions != nil && restrictions.ExpiresAt != nil {
		s.info.ExpiresAt = restrictions.ExpiresAt
	}
	topics := s.info.Topics
	s.mu.Unlock()

	for _, t := range topics {
		m.index.Insert(t, subscriptionID)
	}
	metrics.SubscriptionStateTransitions.WithLabelValues(string(StatusPending), string(StatusActive)).Inc()
	metrics.SubscriptionsActive.Inc()
	return nil
}

// Deny transitions a pending subscription to denied; does not touch the
// Topic Index.
func (m *Manager) Deny(subscriptionID, reason string) error {
	m.mu.RLock()
	s, ok := m.subscriptions[subscriptionID]
	m.mu.RUnlock()
	if !ok {
		return cauceerrors.New(cauceerrors.CodeSubscriptionNotFound, "subscription not found: "+subscriptionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Status != StatusPending {
		return cauceerrors.New(cauceerrors.CodeInvalidParams, "cannot deny subscription in "+string(s.info.Status)+" state")
	}
	s.info.Status = StatusDenied
	s.info.DenialReason = reason
	metrics.SubscriptionStateTransitions.WithLabelValues(string(StatusPending), string(StatusDenied)).Inc()
	return nil
}

// Revoke transitions an active subscription to revoked, then removes its
// Topic Index entries.
func (m *Manager) Revoke(subscriptionID, reason string) error {
	m.mu.RLock()
	s, ok := m.subscriptions[subscriptionID]
	m.mu.RUnlock()
	if !ok {
		return cauceerrors.New(cauceerrors.CodeSubscriptionNotFound, "subscription not found: "+subscriptionID)
	}

	s.mu.Lock()
	if s.info.Status != StatusActive {
		status := s.info.Status
		s.mu.Unlock()
		return cauceerrors.New(cauceerrors.CodeInvalidParams, "cannot revoke subscription in "+string(status)+" state")
	}
	topics := s.info.Topics
	s.info.Status = StatusRevoked
	s.info.RevocationReason = reason
	s.mu.Unlock()

	for _, t := range topics {
		m.index.Remove(t, subscriptionID)
	}
	metrics.SubscriptionStateTransitions.WithLabelValues(string(StatusActive), string(StatusRevoked)).Inc()
	metrics.SubscriptionsActive.Dec()
	return nil
}

// CleanupExpired unsubscribes every subscription whose expiry has
// passed and returns the count removed.
func (m *Manager) CleanupExpired() int {
	now := time.Now().UTC()

	m.mu.RLock()
	var expired []string
	for subID, s := range m.subscriptions {
		s.mu.Lock()
		if s.info.ExpiresAt != nil && s.info.ExpiresAt.Before(now) {
			expired = append(expired, subID)
		}
		s.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, subID := range expired {
		_ = m.Unsubscribe(subID)
	}
	return len(expired)
}
