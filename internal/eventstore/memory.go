package eventstore

import (
	"context"
	"sort"
	"sync"

	"github.com/convoyai/convoy/pkg/models"
)

// MemoryStore keeps logs in process memory. Safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]models.Event
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: map[string][]models.Event{}}
}

// Save replaces the stored log for a conversation.
func (s *MemoryStore) Save(_ context.Context, conversationID string, events []models.Event) error {
	cloned := make([]models.Event, len(events))
	for i, e := range events {
		cloned[i] = e.Clone()
	}
	s.mu.Lock()
	s.logs[conversationID] = cloned
	s.mu.Unlock()
	return nil
}

// Load returns the stored log, or an empty log for unknown conversations.
func (s *MemoryStore) Load(_ context.Context, conversationID string) ([]models.Event, error) {
	s.mu.RLock()
	stored := s.logs[conversationID]
	s.mu.RUnlock()

	out := make([]models.Event, len(stored))
	for i, e := range stored {
		out[i] = e.Clone()
	}
	return out, nil
}

// Conversations lists stored conversation ids in sorted order.
func (s *MemoryStore) Conversations(_ context.Context) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
