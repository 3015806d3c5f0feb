// Package authflow drives the OAuth 2.0 authorization code flow: it starts a
// login, handles the provider callback and records the resulting session.
package authflow

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/dgellow/clowdbot/internal/idp"
	"github.com/dgellow/clowdbot/internal/idtoken"
	"github.com/dgellow/clowdbot/internal/log"
	"github.com/dgellow/clowdbot/internal/state"
	"github.com/dgellow/clowdbot/internal/storage"
	"github.com/dgellow/clowdbot/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// StateManager issues and checks the anti-CSRF state.
type StateManager interface {
	Issue(w http.ResponseWriter) (state.Token, error)
	FromRequest(r *http.Request) string
	Verify(presented, cookieValue string) (state.Token, error)
	Invalidate(w http.ResponseWriter)
}

// Provider builds the authorization URL and redeems authorization codes.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*idp.TokenResult, error)
}

// ClaimsValidator turns the ID token into validated identity claims.
type ClaimsValidator interface {
	Decode(ctx context.Context, raw string) (*idtoken.Claims, error)
	Validate(claims *idtoken.Claims) error
}

// Options holds the controller's collaborators.
type Options struct {
	States   StateManager
	Provider Provider
	Claims   ClaimsValidator
	Sessions storage.SessionStore

	// CheckConfig reports missing client settings. It runs on every login
	// and callback so a misconfigured process still starts.
	CheckConfig func() error
	Telemetry   *telemetry.Telemetry
	Now         func() time.Time
}

// Controller runs the login flow.
type Controller struct {
	states      StateManager
	provider    Provider
	claims      ClaimsValidator
	sessions    storage.SessionStore
	checkConfig func() error
	telemetry   *telemetry.Telemetry
	now         func() time.Time
}

// Result describes a completed login.
type Result struct {
	Subject     string
	DisplayName string
	ExpiresAt   time.Time
}

// SessionView is the externally visible part of a session. It never
// includes the access token.
type SessionView struct {
	Subject   string          `json:"subject"`
	Profile   storage.Profile `json:"profile"`
	Scope     string          `json:"scope"`
	ExpiresAt *time.Time      `json:"expires_at"`
}

// NewController creates a controller. Telemetry and Now default to no-op
// telemetry and time.Now.
func NewController(opts Options) *Controller {
	c := &Controller{
		states:      opts.States,
		provider:    opts.Provider,
		claims:      opts.Claims,
		sessions:    opts.Sessions,
		checkConfig: opts.CheckConfig,
		telemetry:   opts.Telemetry,
		now:         opts.Now,
	}
	if c.checkConfig == nil {
		c.checkConfig = func() error { return nil }
	}
	if c.telemetry == nil {
		c.telemetry = telemetry.NewNoop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// maxExpiresIn is the longest token lifetime, in seconds, a time.Duration
// can represent.
const maxExpiresIn = int64(math.MaxInt64 / int64(time.Second))

// flow tracks the stage of a single login attempt.
type flow struct {
	stage Stage
}

func (f *flow) advance(to Stage) {
	if f.stage.Terminal() {
		log.LogWarnWithFields("authflow", "Ignoring transition out of a terminal stage", map[string]any{
			"from": f.stage.String(),
			"to":   to.String(),
		})
		return
	}
	log.LogTraceWithFields("authflow", "Stage transition", map[string]any{
		"from": f.stage.String(),
		"to":   to.String(),
	})
	f.stage = to
}

func (f *flow) fail(e *Error) *Error {
	e.Stage = f.stage
	f.stage = StageFailed
	return e
}

// Initiate issues a new state cookie and returns the provider URL the
// browser should be redirected to.
func (c *Controller) Initiate(ctx context.Context, w http.ResponseWriter) (string, error) {
	f := &flow{stage: StageIdle}

	if err := c.checkConfig(); err != nil {
		log.LogErrorWithFields("authflow", "Login attempted without client configuration", map[string]any{
			"error": err.Error(),
		})
		return "", f.fail(&Error{Kind: KindMissingConfiguration, Err: err})
	}

	tok, err := c.states.Issue(w)
	if err != nil {
		return "", f.fail(&Error{Kind: KindInternal, Err: err})
	}
	f.advance(StageAwaitingCallback)

	c.telemetry.Metrics().RecordLoginStarted(ctx)
	log.LogDebugWithFields("authflow", "Login started", map[string]any{
		"state_expires_at": tok.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return c.provider.AuthCodeURL(tok.Value), nil
}

// Callback completes the flow from the provider redirect. The state cookie
// is cleared once it has been checked, whatever happens next.
func (c *Controller) Callback(ctx context.Context, w http.ResponseWriter, r *http.Request) (*Result, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "authflow.callback")
	defer span.End()

	f := &flow{stage: StageAwaitingCallback}
	result, ferr := c.callback(ctx, f, w, r)
	if ferr != nil {
		telemetry.RecordError(span, ferr)
		span.SetAttributes(
			attribute.String(telemetry.AttrOutcome, string(ferr.Kind)),
			attribute.String(telemetry.AttrStage, ferr.Stage.String()),
		)
		c.telemetry.Metrics().RecordCallback(ctx, string(ferr.Kind), ferr.HTTPStatus())
		logFailure(ferr)
		return nil, ferr
	}

	telemetry.SetSpanSuccess(span)
	c.telemetry.Metrics().RecordCallback(ctx, "success", http.StatusOK)
	return result, nil
}

func (c *Controller) callback(ctx context.Context, f *flow, w http.ResponseWriter, r *http.Request) (*Result, *Error) {
	q := r.URL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		return nil, f.fail(&Error{
			Kind:          KindProviderDenied,
			ProviderError: providerErr,
			Description:   q.Get("error_description"),
		})
	}

	code := q.Get("code")
	if code == "" {
		return nil, f.fail(&Error{Kind: KindMissingCode})
	}

	_, err := c.states.Verify(q.Get("state"), c.states.FromRequest(r))
	c.states.Invalidate(w)
	if err != nil {
		kind := KindStateMismatch
		if errors.Is(err, state.ErrMissingState) {
			kind = KindMissingState
		}
		return nil, f.fail(&Error{Kind: kind, Err: err})
	}

	if err := c.checkConfig(); err != nil {
		return nil, f.fail(&Error{Kind: KindMissingConfiguration, Err: err})
	}

	f.advance(StageExchanging)
	tokens, ferr := c.exchange(ctx, f, code)
	if ferr != nil {
		return nil, ferr
	}

	f.advance(StageValidatingClaims)
	claims, err := c.claims.Decode(ctx, tokens.IDToken)
	if err != nil {
		kind := KindUndecodableToken
		if errors.Is(err, idtoken.ErrInvalidSignature) {
			kind = KindInvalidSignature
		}
		return nil, f.fail(&Error{Kind: kind, Err: err})
	}
	if err := c.claims.Validate(claims); err != nil {
		kind := KindInvalidIssuer
		if errors.Is(err, idtoken.ErrInvalidAudience) {
			kind = KindInvalidAudience
		}
		return nil, f.fail(&Error{Kind: kind, Err: err})
	}

	now := c.now()
	session := &storage.Session{
		Subject:     claims.Subject,
		AccessToken: tokens.AccessToken,
		Scope:       tokens.Scope,
		Profile: storage.Profile{
			Name:    claims.FullName(),
			Email:   claims.Email,
			Picture: claims.Picture,
		},
		CreatedAt: now,
	}
	if tokens.ExpiresIn > 0 {
		session.ExpiresAt = now.Add(time.Duration(min(tokens.ExpiresIn, maxExpiresIn)) * time.Second)
	}
	if err := c.sessions.PutSession(ctx, session); err != nil {
		return nil, f.fail(&Error{Kind: KindInternal, Err: err})
	}
	f.advance(StageCompleted)

	log.LogInfoWithFields("authflow", "Login completed", map[string]any{
		"subject":    session.Subject,
		"expires_in": tokens.ExpiresIn,
	})
	return &Result{
		Subject:     claims.Subject,
		DisplayName: claims.DisplayName(),
		ExpiresAt:   session.ExpiresAt,
	}, nil
}

func (c *Controller) exchange(ctx context.Context, f *flow, code string) (*idp.TokenResult, *Error) {
	ctx, span := c.telemetry.StartSpan(ctx, "authflow.token_exchange")
	defer span.End()

	start := time.Now()
	tokens, err := c.provider.Exchange(ctx, code)
	elapsed := time.Since(start)

	if err == nil {
		c.telemetry.Metrics().RecordExchange(ctx, elapsed, "ok")
		telemetry.SetSpanSuccess(span)
		return tokens, nil
	}
	telemetry.RecordError(span, err)

	var failed *idp.ExchangeFailedError
	if errors.As(err, &failed) {
		c.telemetry.Metrics().RecordExchange(ctx, elapsed, "rejected")
		span.SetAttributes(attribute.Int("provider.status", failed.StatusCode))
		return nil, f.fail(&Error{
			Kind:           KindTokenExchangeFailed,
			ProviderStatus: failed.StatusCode,
			ProviderError:  failed.ErrorCode,
			Description:    failed.Description,
			Payload:        failed.Payload,
			Err:            err,
		})
	}

	c.telemetry.Metrics().RecordExchange(ctx, elapsed, "error")
	return nil, f.fail(&Error{Kind: KindTokenExchangeError, Err: err})
}

// Lookup returns the public view of the session stored for subject.
func (c *Controller) Lookup(ctx context.Context, subject string) (*SessionView, error) {
	session, err := c.sessions.GetSession(ctx, subject)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, &Error{Kind: KindNotFound, Stage: StageIdle, Err: err}
		}
		return nil, &Error{Kind: KindInternal, Stage: StageIdle, Err: err}
	}

	view := &SessionView{
		Subject: session.Subject,
		Profile: session.Profile,
		Scope:   session.Scope,
	}
	if !session.ExpiresAt.IsZero() {
		expiresAt := session.ExpiresAt.UTC()
		view.ExpiresAt = &expiresAt
	}
	return view, nil
}

func logFailure(e *Error) {
	fields := map[string]any{
		"kind":   string(e.Kind),
		"stage":  e.Stage.String(),
		"status": e.HTTPStatus(),
	}
	if e.ProviderError != "" {
		fields["provider_error"] = e.ProviderError
	}
	if e.Err != nil {
		fields["error"] = e.Err.Error()
	}
	if e.HTTPStatus() >= http.StatusInternalServerError {
		log.LogErrorWithFields("authflow", "Login failed", fields)
		return
	}
	log.LogWarnWithFields("authflow", "Login failed", fields)
}
