package session

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/agentloop/core"
)

// ErrEmptySessionID is returned when a store is called without a session id.
var ErrEmptySessionID = errors.New("session: id must not be empty")

// Store persists the flattened message list of a conversation. Write
// replaces the stored list; Read returns an empty list for unknown sessions.
type Store interface {
	Write(ctx context.Context, sessionID string, messages []core.StoredMessage) error
	Read(ctx context.Context, sessionID string) ([]core.StoredMessage, error)
}

// InMemoryStore is a volatile Store backed by a process local map. It is safe
// for concurrent access and suited for tests or ephemeral servers. Slices
// are copied on the way in and out.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]core.StoredMessage
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string][]core.StoredMessage)}
}

// Write stores a copy of messages.
func (s *InMemoryStore) Write(_ context.Context, sessionID string, messages []core.StoredMessage) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sessionID] = append([]core.StoredMessage(nil), messages...)

	return nil
}

// Read returns a copy of the stored messages.
func (s *InMemoryStore) Read(_ context.Context, sessionID string) ([]core.StoredMessage, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]core.StoredMessage{}, s.sessions[sessionID]...), nil
}

// Delete forgets a session.
func (s *InMemoryStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
}

// Len returns the number of stored sessions.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}
