package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgellow/clowdbot/internal/log"
)

var _ SessionStore = (*MemoryStorage)(nil)

// MemoryStorage keeps sessions in a map guarded by a mutex. Nothing is
// evicted and nothing survives a restart.
type MemoryStorage struct {
	sessions      map[string]*Session
	sessionsMutex sync.RWMutex
}

// NewMemoryStorage creates a new storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions: make(map[string]*Session),
	}
}

func (s *MemoryStorage) PutSession(ctx context.Context, session *Session) error {
	if session == nil || session.Subject == "" {
		return fmt.Errorf("session subject is required")
	}
	stored := *session

	s.sessionsMutex.Lock()
	_, replaced := s.sessions[stored.Subject]
	s.sessions[stored.Subject] = &stored
	count := len(s.sessions)
	s.sessionsMutex.Unlock()

	log.LogDebugWithFields("storage", "Stored session", map[string]any{
		"subject":  stored.Subject,
		"replaced": replaced,
		"sessions": count,
	})
	return nil
}

func (s *MemoryStorage) GetSession(ctx context.Context, subject string) (*Session, error) {
	s.sessionsMutex.RLock()
	defer s.sessionsMutex.RUnlock()

	session, ok := s.sessions[subject]
	if !ok {
		return nil, ErrSessionNotFound
	}
	result := *session
	return &result, nil
}

func (s *MemoryStorage) SessionCount(ctx context.Context) (int, error) {
	s.sessionsMutex.RLock()
	defer s.sessionsMutex.RUnlock()
	return len(s.sessions), nil
}
