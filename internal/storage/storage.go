package storage

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when no session exists for a subject
var ErrSessionNotFound = errors.New("session not found")

// Profile is the part of the identity claims kept with a session
type Profile struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// Session is the server-held record of a completed login, keyed by the
// provider's subject identifier.
type Session struct {
	Subject     string    `json:"subject"`
	AccessToken string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
	Scope       string    `json:"scope,omitempty"`
	Profile     Profile   `json:"profile"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsExpired reports whether the access token has passed its expiry.
// Sessions are not removed when they expire; this is informational.
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// SessionStore holds sessions for the lifetime of the process
type SessionStore interface {
	// PutSession creates or replaces the session for session.Subject
	PutSession(ctx context.Context, session *Session) error
	// GetSession returns ErrSessionNotFound when the subject is unknown
	GetSession(ctx context.Context, subject string) (*Session, error)
	SessionCount(ctx context.Context) (int, error)
}
