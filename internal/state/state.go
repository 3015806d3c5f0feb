// Package state issues and verifies the anti-CSRF state that binds a login
// redirect to its callback.
//
// The state lives only in the browser: the value travels to the identity
// provider in the authorization URL and comes back on the callback, while a
// copy is kept in an http-only cookie. A callback is accepted only when both
// copies match, and the cookie is cleared after a single verification
// attempt so a captured callback URL cannot be replayed.
package state

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgellow/clowdbot/internal/cookie"
	"github.com/dgellow/clowdbot/internal/crypto"
)

var (
	// ErrMissingState is returned when the browser presents no usable state cookie.
	ErrMissingState = errors.New("missing state")
	// ErrStateMismatch is returned when the callback state differs from the cookie.
	ErrStateMismatch = errors.New("state mismatch")
)

// DefaultTTL is the lifetime of an issued state, and also its upper bound.
const DefaultTTL = 10 * time.Minute

// Token is one issued state value.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// IsExpired reports whether the token is no longer acceptable at now.
func (t Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// cookieValue encodes the token as "<value>.<unix expiry>".
func (t Token) cookieValue() string {
	return t.Value + "." + strconv.FormatInt(t.ExpiresAt.Unix(), 10)
}

func parseCookieValue(v string) (Token, error) {
	value, exp, ok := strings.Cut(v, ".")
	if !ok {
		return Token{}, fmt.Errorf("no expiry")
	}
	if len(value) < 2*16 {
		return Token{}, fmt.Errorf("value too short")
	}
	if _, err := hex.DecodeString(value); err != nil {
		return Token{}, fmt.Errorf("value is not hex: %w", err)
	}
	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("invalid expiry: %w", err)
	}
	return Token{Value: value, ExpiresAt: time.Unix(unix, 0)}, nil
}

// Manager issues, verifies and invalidates state tokens.
type Manager struct {
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the state lifetime. Values outside (0, DefaultTTL] are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 && ttl <= DefaultTTL {
			m.ttl = ttl
		}
	}
}

// WithSecure controls the Secure attribute of the state cookie.
func WithSecure(secure bool) Option {
	return func(m *Manager) {
		m.secure = secure
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager with a 10 minute TTL and secure cookies.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		ttl:    DefaultTTL,
		secure: true,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the lifetime of issued tokens.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue generates a new state, stores it in the state cookie and returns it
// for embedding in the authorization URL.
func (m *Manager) Issue(w http.ResponseWriter) (Token, error) {
	value, err := crypto.GenerateStateToken()
	if err != nil {
		return Token{}, fmt.Errorf("failed to generate state: %w", err)
	}
	tok := Token{
		Value:     value,
		ExpiresAt: time.Unix(m.now().Add(m.ttl).Unix(), 0),
	}
	cookie.SetState(w, tok.cookieValue(), m.ttl, m.secure)
	return tok, nil
}

// FromRequest returns the raw state cookie, or "" if the browser sent none.
func (m *Manager) FromRequest(r *http.Request) string {
	return cookie.GetState(r)
}

// Verify checks the state presented on the callback against the cookie
// value. Callers must Invalidate the cookie whatever the outcome.
func (m *Manager) Verify(presented, cookieValue string) (Token, error) {
	if cookieValue == "" {
		return Token{}, ErrMissingState
	}
	tok, err := parseCookieValue(cookieValue)
	if err != nil {
		return Token{}, fmt.Errorf("%w: malformed state cookie: %v", ErrMissingState, err)
	}
	if tok.IsExpired(m.now()) {
		return Token{}, fmt.Errorf("%w: state expired at %s", ErrMissingState, tok.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if presented == "" || !crypto.EqualStrings(presented, tok.Value) {
		return Token{}, ErrStateMismatch
	}
	return tok, nil
}

// Invalidate clears the state cookie.
func (m *Manager) Invalidate(w http.ResponseWriter) {
	cookie.ClearState(w, m.secure)
}
