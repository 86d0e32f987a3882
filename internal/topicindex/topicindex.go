// Package topicindex implements the Topic Index (spec.md §4.1): storage
// of (pattern, subscription_id) pairs and topic -> matching-subscription
// lookup. A linear scan over stored patterns is sufficient at the scale
// this Hub targets (spec.md §9 leaves the representation unspecified);
// it is wrapped behind a dedicated read/write lock so that subscription
// mutation never holds it alongside the subscription record lock.
package topicindex

import (
	"sync"

	"github.com/cauce-ai/cauce-hub/internal/topic"
)

type entry struct {
	pattern        string
	subscriptionID string
}

// Index is the concurrent Topic Index.
type Index struct {
	mu      sync.RWMutex
	entries []entry
}

// New creates an empty Index.
func New() *Index {
	return &Index{}
}

// Insert adds a (pattern, subscriptionID) mapping.
func (idx *Index) Insert(pattern, subscriptionID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = append(idx.entries, entry{pattern: pattern, subscriptionID: subscriptionID})
}

// Remove deletes a (pattern, subscriptionID) mapping, if present.
func (idx *Index) Remove(pattern, subscriptionID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i, e := range idx.entries {
		if e.pattern == pattern && e.subscriptionID == subscriptionID {
			idx.entries = append(idx.entries[:i], idx.entries[i+1:]...)
			return
		}
	}
}

// Matches returns every subscription ID whose pattern set matches
// topicStr. Duplicates across multiple patterns for the same
// subscription are collapsed.
func (idx *Index) Matches(topicStr string) []string {
	idx.mu.RLock()
	snapshot := append([]entry(nil), idx.entries...)
	idx.mu.RUnlock()

	seen := make(map[string]struct{})
	var result []string
	for _, e := range snapshot {
		if _, ok := seen[e.subscriptionID]; ok {
			continue
		}
		if topic.Match(e.pattern, topicStr) {
			seen[e.subscriptionID] = struct{}{}
			result = append(result, e.subscriptionID)
		}
	}
	return result
}

// Len reports the number of (pattern, subscription) mappings currently
// stored — useful for tests asserting round-trip idempotence.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}
