// Package idp talks to the identity provider: it builds the authorization
// redirect and exchanges authorization codes for tokens.
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"
)

// Scopes is the fixed scope set requested at login.
var Scopes = []string{"openid", "profile", "email"}

// DefaultExchangeTimeout bounds a single exchange when none is configured.
const DefaultExchangeTimeout = 10 * time.Second

// Config configures a Client.
type Config struct {
	ClientID         string
	ClientSecret     string
	RedirectURI      string
	AuthorizationURL string
	TokenURL         string

	// Timeout bounds the whole exchange request.
	Timeout time.Duration

	// HTTPClient overrides the pooled client used for the exchange.
	HTTPClient *http.Client
}

// TokenResult is the parsed answer of a successful exchange.
type TokenResult struct {
	AccessToken string
	IDToken     string
	TokenType   string
	Scope       string
	// ExpiresIn is the access token lifetime in seconds, 0 when unknown.
	ExpiresIn int64
}

// String redacts both tokens.
func (r TokenResult) String() string {
	return fmt.Sprintf("TokenResult{AccessToken: [REDACTED], IDToken: [REDACTED], TokenType: %q, Scope: %q, ExpiresIn: %d}",
		r.TokenType, r.Scope, r.ExpiresIn)
}

// Client performs the authorization code exchange against the provider's
// token endpoint.
type Client struct {
	config     oauth2.Config
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a new Client. Client credentials are sent in the form
// body, as most providers expect for confidential web clients.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
		httpClient.Timeout = timeout
	}

	return &Client{
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizationURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
		timeout:    timeout,
	}
}

// AuthCodeURL generates the authorization URL for the given state.
func (c *Client) AuthCodeURL(state string) string {
	return c.config.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens with a single request.
// Codes are single-use, so a failed exchange is never retried.
func (c *Client) Exchange(ctx context.Context, code string) (*TokenResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.config.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return nil, newExchangeFailedError(
				retrieveErr.Response.StatusCode,
				retrieveErr.ErrorCode,
				retrieveErr.ErrorDescription,
				retrieveErr.Body,
			)
		}
		return nil, &ExchangeError{Cause: err}
	}

	return &TokenResult{
		AccessToken: tok.AccessToken,
		IDToken:     extraString(tok, "id_token"),
		TokenType:   tok.TokenType,
		Scope:       extraString(tok, "scope"),
		ExpiresIn:   expiresIn(tok),
	}, nil
}

func extraString(tok *oauth2.Token, key string) string {
	v, _ := tok.Extra(key).(string)
	return v
}

// expiresIn reads expires_in from the raw response, falling back to the
// absolute expiry computed by oauth2.
func expiresIn(tok *oauth2.Token) int64 {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if !tok.Expiry.IsZero() {
		if d := time.Until(tok.Expiry).Round(time.Second); d > 0 {
			return int64(d / time.Second)
		}
	}
	return 0
}
