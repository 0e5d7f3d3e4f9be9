package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultRecentLimit = 20

// InMemoryStore keeps transcripts in process, for local use and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Message
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string][]Message)}
}

func (s *InMemoryStore) SaveMessage(_ context.Context, msg Message) error {
	msg = normalize(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[msg.SessionID] = append(s.sessions[msg.SessionID], msg)
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.sessions[sessionID]
	if len(msgs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]Message, limit)
	copy(out, msgs[len(msgs)-limit:])
	return out, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

func normalize(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return msg
}
