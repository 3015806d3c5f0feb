package internal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/dgellow/clowdbot/internal/config"
	"github.com/dgellow/clowdbot/internal/idtoken"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	e2eClientID = "client-123"
	e2eIssuer   = "https://idp.example.com/oauth"
)

// newTokenServer answers every token request with a fresh access token and
// an ID token for subject u1.
func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &idtoken.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  "u1",
			Audience: jwt.ClaimStrings{e2eClientID},
			Issuer:   e2eIssuer,
		},
		Name:  "Ada Lovelace",
		Email: "ada@example.com",
	}).SignedString([]byte("unverified"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"scope":        "openid profile email",
			"id_token":     idToken,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestApp(t *testing.T, overrides map[string]string) (*Clowdbot, *httptest.Server) {
	t.Helper()
	tokenServer := newTokenServer(t)

	vars := map[string]string{
		"PORT":               "0",
		"CLOWDBOT_ENV":       "development",
		"OIDC_CLIENT_ID":     e2eClientID,
		"OIDC_CLIENT_SECRET": "secret",
		"OIDC_REDIRECT_URI":  "http://localhost/oauth/callback",
		"OIDC_ISSUER":        e2eIssuer,
		"OIDC_TOKEN_URL":     tokenServer.URL + "/token",
		"TELEMETRY_ENABLED":  "true",
	}
	for k, v := range overrides {
		vars[k] = v
	}
	cfg, err := config.LoadFromMap(vars)
	require.NoError(t, err)

	app, err := NewClowdbot(context.Background(), cfg, "test")
	require.NoError(t, err)

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	return app, srv
}

func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 5 * time.Second,
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestClowdbot_LoginRoundTrip(t *testing.T) {
	_, srv := newTestApp(t, nil)
	browser := newBrowser(t)

	resp, err := browser.Get(srv.URL + "/auth/login")
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "www.linkedin.com", location.Host)
	assert.Equal(t, e2eClientID, location.Query().Get("client_id"))
	stateValue := location.Query().Get("state")
	require.NotEmpty(t, stateValue)

	resp, err = browser.Get(srv.URL + "/oauth/callback?" + url.Values{
		"code":  {"auth-code"},
		"state": {stateValue},
	}.Encode())
	require.NoError(t, err)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "Authenticated as ada@example.com", body)

	// the state cookie is single use
	resp, err = browser.Get(srv.URL + "/oauth/callback?" + url.Values{
		"code":  {"auth-code"},
		"state": {stateValue},
	}.Encode())
	require.NoError(t, err)
	body = readBody(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, `"error":"missing_state"`)

	resp, err = browser.Get(srv.URL + "/session?subject=u1")
	require.NoError(t, err)
	body = readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &view))
	assert.Equal(t, "u1", view["subject"])
	assert.Equal(t, "openid profile email", view["scope"])
	assert.NotContains(t, body, "at-1")

	resp, err = browser.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body = readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snapshot map[string]float64
	require.NoError(t, json.Unmarshal([]byte(body), &snapshot))
	assert.Equal(t, 1.0, snapshot["clowdbot.login.started"])
	assert.Equal(t, 1.0, snapshot["clowdbot.callback.completed{clowdbot.outcome=success,http.status_code=200}"])
	assert.Equal(t, 1.0, snapshot["clowdbot.sessions"])
}

func TestClowdbot_UnknownSession(t *testing.T) {
	_, srv := newTestApp(t, nil)

	resp, err := http.Get(srv.URL + "/session?subject=nobody")
	require.NoError(t, err)
	body := readBody(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, `"error":"not_found"`)
}

func TestClowdbot_MissingCredentials(t *testing.T) {
	_, srv := newTestApp(t, map[string]string{"OIDC_CLIENT_SECRET": ""})
	browser := newBrowser(t)

	resp, err := browser.Get(srv.URL + "/health")
	require.NoError(t, err)
	readBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = browser.Get(srv.URL + "/auth/login")
	require.NoError(t, err)
	body := readBody(t, resp)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, `"error":"missing_configuration"`)
	assert.Empty(t, resp.Header.Get("Location"))
}

func TestClowdbot_LoginRateLimit(t *testing.T) {
	_, srv := newTestApp(t, map[string]string{
		"LOGIN_RATE_LIMIT": "1",
		"LOGIN_RATE_BURST": "1",
	})
	browser := newBrowser(t)

	resp, err := browser.Get(srv.URL + "/auth/login")
	require.NoError(t, err)
	readBody(t, resp)
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	resp, err = browser.Get(srv.URL + "/auth/login")
	require.NoError(t, err)
	readBody(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// the callback is not rate limited
	resp, err = browser.Get(srv.URL + "/oauth/callback")
	require.NoError(t, err)
	readBody(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClowdbot_MetricsDisabled(t *testing.T) {
	_, srv := newTestApp(t, map[string]string{"TELEMETRY_ENABLED": "false"})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	readBody(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClowdbot_RunStopsOnCancel(t *testing.T) {
	app, _ := newTestApp(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
