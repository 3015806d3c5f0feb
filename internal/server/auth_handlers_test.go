package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/clowdbot/internal/authflow"
	"github.com/dgellow/clowdbot/internal/idp"
	"github.com/dgellow/clowdbot/internal/idtoken"
	"github.com/dgellow/clowdbot/internal/state"
	"github.com/dgellow/clowdbot/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testClientID     = "client-123"
	testClientSecret = "client-secret-value"
	testIssuer       = "https://provider/oauth"
)

// fakeTokenEndpoint answers token requests with the configured status and body
type fakeTokenEndpoint struct {
	server *httptest.Server
	calls  atomic.Int32
	status int
	body   string
}

func newFakeTokenEndpoint(t *testing.T) *fakeTokenEndpoint {
	t.Helper()
	f := &fakeTokenEndpoint{status: http.StatusOK}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(f.body))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func signedIDToken(t *testing.T, aud, sub, email string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &idtoken.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  sub,
			Audience: jwt.ClaimStrings{aud},
			Issuer:   testIssuer,
		},
		Email: email,
	}).SignedString([]byte("unverified"))
	require.NoError(t, err)
	return raw
}

type testEnv struct {
	handlers *AuthHandlers
	endpoint *fakeTokenEndpoint
	store    *storage.MemoryStorage
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		endpoint: newFakeTokenEndpoint(t),
		store:    storage.NewMemoryStorage(),
		now:      time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }

	provider := idp.NewClient(idp.Config{
		ClientID:         testClientID,
		ClientSecret:     testClientSecret,
		RedirectURI:      "https://app.example.com/oauth/callback",
		AuthorizationURL: "https://provider/oauth/v2/authorization",
		TokenURL:         env.endpoint.server.URL,
		Timeout:          2 * time.Second,
	})
	controller := authflow.NewController(authflow.Options{
		States:   state.NewManager(state.WithClock(clock)),
		Provider: provider,
		Claims:   idtoken.NewValidator(idtoken.Config{ClientID: testClientID, Issuer: testIssuer}),
		Sessions: env.store,
		Now:      clock,
	})
	env.handlers = NewAuthHandlers(controller)
	return env
}

// login performs /auth/login and returns the state and cookie
func (env *testEnv) login(t *testing.T) (string, *http.Cookie) {
	t.Helper()
	w := httptest.NewRecorder()
	env.handlers.LoginHandler(w, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	require.Equal(t, http.StatusFound, w.Code)

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "provider", location.Host)
	assert.Equal(t, "code", location.Query().Get("response_type"))
	assert.Equal(t, testClientID, location.Query().Get("client_id"))
	assert.Equal(t, "openid profile email", location.Query().Get("scope"))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	return location.Query().Get("state"), cookies[0]
}

func (env *testEnv) callback(query url.Values, c *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?"+query.Encode(), nil)
	if c != nil {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	env.handlers.CallbackHandler(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRootHandler(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()
	env.handlers.RootHandler(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "clowdbot ok", w.Body.String())
}

func TestLoginAndCallback_Success(t *testing.T) {
	env := newTestEnv(t)
	body, err := json.Marshal(map[string]any{
		"access_token": "AT1",
		"id_token":     signedIDToken(t, testClientID, "u1", "a@b.com"),
		"expires_in":   3600,
		"scope":        "openid,profile,email",
	})
	require.NoError(t, err)
	env.endpoint.body = string(body)

	stateValue, c := env.login(t)
	w := env.callback(url.Values{"code": {"the-code"}, "state": {stateValue}}, c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Authenticated as a@b.com", w.Body.String())
	assert.NotContains(t, w.Body.String(), "AT1")
	assert.Equal(t, int32(1), env.endpoint.calls.Load())

	session, err := env.store.GetSession(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, env.now.Add(time.Hour), session.ExpiresAt)
	assert.Equal(t, "a@b.com", session.Profile.Email)

	// lookup exposes the profile but not the access token
	lw := httptest.NewRecorder()
	env.handlers.SessionHandler(lw, httptest.NewRequest(http.MethodGet, "/session?subject=u1", nil))
	assert.Equal(t, http.StatusOK, lw.Code)
	assert.NotContains(t, lw.Body.String(), "AT1")

	var view map[string]any
	require.NoError(t, json.Unmarshal(lw.Body.Bytes(), &view))
	assert.Equal(t, "u1", view["subject"])
	assert.Equal(t, "openid,profile,email", view["scope"])
	assert.Equal(t, "2026-05-01T10:00:00Z", view["expires_at"])
	assert.Equal(t, "a@b.com", view["profile"].(map[string]any)["email"])
}

func TestCallback_ErrorResponses(t *testing.T) {
	tests := []struct {
		name       string
		query      func(stateValue string) url.Values
		withCookie bool
		status     int
		body       string
		wantStatus int
		wantError  string
		wantCalls  int32
	}{
		{
			name:       "provider denied",
			query:      func(s string) url.Values { return url.Values{"error": {"user_cancelled_authorize"}, "error_description": {"The user cancelled"}, "state": {s}} },
			withCookie: true,
			wantStatus: http.StatusBadRequest,
			wantError:  "provider_denied",
		},
		{
			name:       "missing code",
			query:      func(s string) url.Values { return url.Values{"state": {s}} },
			withCookie: true,
			wantStatus: http.StatusBadRequest,
			wantError:  "missing_code",
		},
		{
			name:       "state mismatch",
			query:      func(s string) url.Values { return url.Values{"code": {"c"}, "state": {"forged"}} },
			withCookie: true,
			wantStatus: http.StatusBadRequest,
			wantError:  "state_mismatch",
		},
		{
			name:       "missing state cookie",
			query:      func(s string) url.Values { return url.Values{"code": {"c"}, "state": {s}} },
			wantStatus: http.StatusBadRequest,
			wantError:  "missing_state",
		},
		{
			name:       "invalid grant",
			query:      func(s string) url.Values { return url.Values{"code": {"used"}, "state": {s}} },
			withCookie: true,
			status:     http.StatusBadRequest,
			body:       `{"error":"invalid_grant","error_description":"authorization code expired"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "token_exchange_failed",
			wantCalls:  1,
		},
		{
			name:       "provider outage",
			query:      func(s string) url.Values { return url.Values{"code": {"c"}, "state": {s}} },
			withCookie: true,
			status:     http.StatusInternalServerError,
			body:       `{"error":"server_error"}`,
			wantStatus: http.StatusInternalServerError,
			wantError:  "token_exchange_failed",
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.status != 0 {
				env.endpoint.status = tt.status
				env.endpoint.body = tt.body
			}

			stateValue, c := env.login(t)
			if !tt.withCookie {
				c = nil
			}
			w := env.callback(tt.query(stateValue), c)

			assert.Equal(t, tt.wantStatus, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, tt.wantError, body["error"])
			assert.NotEmpty(t, body["message"])
			assert.Equal(t, tt.wantCalls, env.endpoint.calls.Load())
			assert.NotContains(t, w.Body.String(), testClientSecret)

			n, err := env.store.SessionCount(context.Background())
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestCallback_InvalidGrantCarriesProviderBody(t *testing.T) {
	env := newTestEnv(t)
	env.endpoint.status = http.StatusBadRequest
	env.endpoint.body = `{"error":"invalid_grant"}`

	stateValue, c := env.login(t)
	w := env.callback(url.Values{"code": {"used"}, "state": {stateValue}}, c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{
		"error": "token_exchange_failed",
		"message": "Token exchange failed",
		"status": 400,
		"provider_error": {"error": "invalid_grant"}
	}`, w.Body.String())
}

func TestCallback_ProviderDescriptionEchoed(t *testing.T) {
	env := newTestEnv(t)
	w := env.callback(url.Values{"error": {"access_denied"}, "error_description": {"User said no"}}, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{
		"error": "provider_denied",
		"message": "Authorization denied: User said no",
		"provider_error": "access_denied",
		"error_description": "User said no"
	}`, w.Body.String())
}

func TestCallback_ProviderDeniedWithoutDescription(t *testing.T) {
	env := newTestEnv(t)
	w := env.callback(url.Values{"error": {"user_cancelled_login"}}, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "provider_denied", body["error"])
	assert.Equal(t, "user_cancelled_login", body["provider_error"])
	assert.NotContains(t, body, "error_description")
}

func TestCallback_WrongAudience(t *testing.T) {
	env := newTestEnv(t)
	body, err := json.Marshal(map[string]any{
		"access_token": "AT1",
		"id_token":     signedIDToken(t, "other-client", "u1", "a@b.com"),
		"expires_in":   3600,
	})
	require.NoError(t, err)
	env.endpoint.body = string(body)

	stateValue, c := env.login(t)
	w := env.callback(url.Values{"code": {"c"}, "state": {stateValue}}, c)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "invalid_audience", decodeError(t, w)["error"])
	assert.False(t, strings.Contains(w.Body.String(), "AT1"))

	_, err = env.store.GetSession(context.Background(), "u1")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestSessionHandler(t *testing.T) {
	env := newTestEnv(t)

	t.Run("missing subject", func(t *testing.T) {
		w := httptest.NewRecorder()
		env.handlers.SessionHandler(w, httptest.NewRequest(http.MethodGet, "/session", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "bad_request", decodeError(t, w)["error"])
	})

	t.Run("unknown subject", func(t *testing.T) {
		w := httptest.NewRecorder()
		env.handlers.SessionHandler(w, httptest.NewRequest(http.MethodGet, "/session?subject=ghost", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
		body := decodeError(t, w)
		assert.Equal(t, "not_found", body["error"])
		assert.NotContains(t, body, "subject")
		assert.NotContains(t, body, "profile")
	})
}

type stubFlow struct {
	err error
}

func (s stubFlow) Initiate(ctx context.Context, w http.ResponseWriter) (string, error) {
	return "", s.err
}

func (s stubFlow) Callback(ctx context.Context, w http.ResponseWriter, r *http.Request) (*authflow.Result, error) {
	return nil, s.err
}

func (s stubFlow) Lookup(ctx context.Context, subject string) (*authflow.SessionView, error) {
	return nil, s.err
}

func TestLoginHandler_MissingConfiguration(t *testing.T) {
	h := NewAuthHandlers(stubFlow{err: &authflow.Error{Kind: authflow.KindMissingConfiguration}})

	w := httptest.NewRecorder()
	h.LoginHandler(w, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "missing_configuration", decodeError(t, w)["error"])
	assert.Empty(t, w.Header().Get("Location"))
}

func TestWriteFlowError_UnknownError(t *testing.T) {
	h := NewAuthHandlers(stubFlow{err: assert.AnError})

	w := httptest.NewRecorder()
	h.CallbackHandler(w, httptest.NewRequest(http.MethodGet, "/oauth/callback", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
}
