package cookie

import (
	"net/http"
	"time"

	"github.com/dgellow/clowdbot/internal/log"
)

// StateCookie carries the anti-CSRF state between login and callback.
const StateCookie = "state"

// SetState sets the state cookie. The cookie is scoped to the whole site so
// that both the login and the callback routes can see it.
func SetState(w http.ResponseWriter, value string, maxAge time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	})

	log.LogTraceWithFields("cookie", "State cookie set", map[string]any{
		"maxAge":   maxAge.String(),
		"secure":   secure,
		"sameSite": "Lax",
	})
}

// Clear removes a cookie by setting MaxAge to -1
func Clear(w http.ResponseWriter, name string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// ClearState removes the state cookie
func ClearState(w http.ResponseWriter, secure bool) {
	Clear(w, StateCookie, secure)
	log.LogTraceWithFields("cookie", "State cookie cleared", nil)
}

// Get retrieves a cookie value from the request
func Get(r *http.Request, name string) (string, error) {
	c, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	return c.Value, nil
}

// GetState retrieves the state cookie value, or "" when it is absent
func GetState(r *http.Request) string {
	value, err := Get(r, StateCookie)
	if err != nil {
		return ""
	}
	return value
}
