package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryBus is an in-memory Bus (SPEC_FULL.md §4.10); the Hub itself
// does not wire one, and runs with no bus unless NATS is configured.
// Subjects match exactly; the Hub's own topic
// wildcard semantics live in internal/topic and are applied upstream by
// the Subscription Manager, not by the bus transport itself.
type MemoryBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memorySub
	closed     atomic.Bool
	subCounter atomic.Uint64
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub)}
}

func (b *MemoryBus) Publish(_ context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[subject] {
		sub.handler(subject, data)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, subject string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		id:      fmt.Sprintf("sub-%d", b.subCounter.Add(1)),
		subject: subject,
		handler: handler,
		bus:     b,
	}

	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*memorySub)
	return nil
}

type memorySub struct {
	id      string
	subject string
	handler Handler
	bus     *MemoryBus
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub.id == s.id {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}
