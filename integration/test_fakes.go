package integration

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const (
	fakeIdPCode     = "idp-test-code"
	fakeIdPSubject  = "idp-12345"
	fakeIdPEmail    = "test@idp-test.com"
	fakeIdPClientID = "clowdbot-test-client"
	fakeIdPSecret   = "clowdbot-test-secret"
	fakeIdPKeyID    = "test-key"
)

// FakeIdPServer simulates an OpenID Connect provider with LinkedIn-style
// endpoints. ID tokens are RS256 signed with a key published on /jwks.
type FakeIdPServer struct {
	server *http.Server
	port   string
	key    *rsa.PrivateKey

	mu            sync.Mutex
	tokenRequests int
}

// NewFakeIdPServer creates a new fake identity provider
func NewFakeIdPServer(port string) (*FakeIdPServer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	s := &FakeIdPServer{port: port, key: key}
	mux := http.NewServeMux()

	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("response_type") != "code" || q.Get("client_id") != fakeIdPClientID {
			http.Error(w, "invalid authorization request", http.StatusBadRequest)
			return
		}
		http.Redirect(w, r, fmt.Sprintf("%s?code=%s&state=%s", q.Get("redirect_uri"), fakeIdPCode, q.Get("state")), http.StatusFound)
	})

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.tokenRequests++
		s.mu.Unlock()

		if err := r.ParseForm(); err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if r.FormValue("code") != fakeIdPCode || r.FormValue("client_secret") != fakeIdPSecret {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":             "invalid_grant",
				"error_description": "Invalid authorization code",
			})
			return
		}

		idToken, err := s.signIDToken()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "server_error"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "idp-test-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"scope":        "openid profile email",
			"id_token":     idToken,
		})
	})

	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     fakeIdPKeyID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}}})
	})

	s.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}
	return s, nil
}

// Issuer is the iss claim of every token the server signs
func (s *FakeIdPServer) Issuer() string {
	return "http://localhost:" + s.port
}

// TokenRequests returns how many exchanges were attempted
func (s *FakeIdPServer) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

func (s *FakeIdPServer) signIDToken() (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":            s.Issuer(),
		"aud":            fakeIdPClientID,
		"sub":            fakeIdPSubject,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
		"name":           "IdP User",
		"email":          fakeIdPEmail,
		"email_verified": true,
	})
	tok.Header["kid"] = fakeIdPKeyID
	return tok.SignedString(s.key)
}

// Start starts the fake identity provider
func (s *FakeIdPServer) Start() error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop stops the fake identity provider
func (s *FakeIdPServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
