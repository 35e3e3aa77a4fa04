package notification

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps notifications in process memory. It is the default
// backend for development and tests; records do not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Notification
	byUser  map[string][]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Notification),
		byUser:  make(map[string][]string),
	}
}

var _ Store = (*MemoryStore)(nil)

// Save stores a copy of n unless its id is already present.
func (s *MemoryStore) Save(_ context.Context, n *Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[n.ID]; exists {
		return nil
	}
	stored := *n
	s.records[n.ID] = &stored
	s.byUser[n.TargetUserID] = append(s.byUser[n.TargetUserID], n.ID)
	return nil
}

// Get returns a copy of the stored record.
func (s *MemoryStore) Get(_ context.Context, id string) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *n
	return &out, nil
}

// ListUnread returns the user's unread notifications, newest first.
func (s *MemoryStore) ListUnread(_ context.Context, userID string) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Notification, 0, len(s.byUser[userID]))
	for _, id := range s.byUser[userID] {
		if n := s.records[id]; !n.IsRead {
			out = append(out, *n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// MarkRead sets the read flag on a stored record.
func (s *MemoryStore) MarkRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	n.IsRead = true
	return nil
}

// CountUnread counts the user's unread notifications.
func (s *MemoryStore) CountUnread(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, id := range s.byUser[userID] {
		if !s.records[id].IsRead {
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the memory backend.
func (s *MemoryStore) Close() error {
	return nil
}
