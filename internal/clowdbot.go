package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/clowdbot/internal/authflow"
	"github.com/dgellow/clowdbot/internal/config"
	"github.com/dgellow/clowdbot/internal/idp"
	"github.com/dgellow/clowdbot/internal/idtoken"
	"github.com/dgellow/clowdbot/internal/log"
	"github.com/dgellow/clowdbot/internal/ratelimit"
	"github.com/dgellow/clowdbot/internal/server"
	"github.com/dgellow/clowdbot/internal/state"
	"github.com/dgellow/clowdbot/internal/storage"
	"github.com/dgellow/clowdbot/internal/telemetry"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Clowdbot is the complete login service
type Clowdbot struct {
	config     config.Config
	httpServer *server.HTTPServer
	handler    http.Handler
	storage    storage.SessionStore
	telemetry  *telemetry.Telemetry
	limiter    *ratelimit.Limiter
	controller *authflow.Controller
}

// NewClowdbot builds the service and all of its dependencies
func NewClowdbot(ctx context.Context, cfg config.Config, version string) (*Clowdbot, error) {
	log.LogInfoWithFields("clowdbot", "Building login service", map[string]any{
		"addr":            cfg.Addr(),
		"env":             cfg.Env,
		"issuer":          cfg.Provider.Issuer,
		"verifySignature": cfg.Provider.VerifySignature,
		"telemetry":       cfg.TelemetryEnabled,
	})

	if err := cfg.Provider.ValidateLogin(); err != nil {
		// Not fatal: login and callback answer with missing_configuration
		// until the settings are provided.
		log.LogWarnWithFields("clowdbot", "Client credentials incomplete", map[string]any{
			"error": err.Error(),
		})
	}

	tel, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:    "clowdbot",
		ServiceVersion: version,
		Enabled:        cfg.TelemetryEnabled,
		OTLPEndpoint:   cfg.TelemetryEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup telemetry: %w", err)
	}

	store := storage.NewMemoryStorage()
	if err := tel.Metrics().RegisterSessionCount(func(ctx context.Context) (int64, error) {
		n, err := store.SessionCount(ctx)
		return int64(n), err
	}); err != nil {
		return nil, fmt.Errorf("failed to register session gauge: %w", err)
	}

	controller := setupAuthFlow(cfg, store, tel)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Rate > 0 {
		limiter = ratelimit.New(cfg.RateLimit.Rate, cfg.RateLimit.Burst, ratelimit.DefaultMaxEntries)
	}

	handler := buildHTTPHandler(cfg, server.NewAuthHandlers(controller), limiter, tel)

	return &Clowdbot{
		config:     cfg,
		httpServer: server.NewHTTPServer(handler, cfg.Addr()),
		handler:    handler,
		storage:    store,
		telemetry:  tel,
		limiter:    limiter,
		controller: controller,
	}, nil
}

func setupAuthFlow(cfg config.Config, store storage.SessionStore, tel *telemetry.Telemetry) *authflow.Controller {
	states := state.NewManager(
		state.WithTTL(cfg.StateTTL),
		state.WithSecure(!cfg.IsDev()),
	)

	provider := idp.NewClient(idp.Config{
		ClientID:         cfg.Provider.ClientID,
		ClientSecret:     string(cfg.Provider.ClientSecret),
		RedirectURI:      cfg.Provider.RedirectURI,
		AuthorizationURL: cfg.Provider.AuthorizationURL,
		TokenURL:         cfg.Provider.TokenURL,
		Timeout:          cfg.Provider.ExchangeTimeout,
	})

	claims := idtoken.NewValidator(idtoken.Config{
		ClientID:        cfg.Provider.ClientID,
		Issuer:          cfg.Provider.Issuer,
		VerifySignature: cfg.Provider.VerifySignature,
		JWKSURL:         cfg.Provider.JWKSURL,
	})
	if !claims.VerifiesSignature() {
		log.LogInfoWithFields("clowdbot", "ID token signatures are not verified", map[string]any{
			"hint": "set OIDC_VERIFY_SIGNATURE=true to check tokens against OIDC_JWKS_URL",
		})
	}

	return authflow.NewController(authflow.Options{
		States:      states,
		Provider:    provider,
		Claims:      claims,
		Sessions:    store,
		CheckConfig: cfg.Provider.ValidateLogin,
		Telemetry:   tel,
	})
}

// Handler returns the root HTTP handler
func (c *Clowdbot) Handler() http.Handler {
	return c.handler
}

// Run serves until ctx is cancelled, a shutdown signal arrives or the
// server fails, then shuts everything down.
func (c *Clowdbot) Run(ctx context.Context) error {
	log.LogInfoWithFields("clowdbot", "Starting login service", map[string]any{
		"addr": c.httpServer.Addr(),
	})

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		if err := c.httpServer.Start(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	if c.limiter != nil {
		c.limiter.Start(gctx, ratelimit.DefaultCleanupInterval)
	}

	g.Go(func() error {
		<-gctx.Done()

		reason := "context cancelled"
		switch {
		case sigCtx.Err() != nil && ctx.Err() == nil:
			reason = "signal"
		case ctx.Err() == nil:
			reason = "server error"
		}
		log.LogInfoWithFields("clowdbot", "Starting graceful shutdown", map[string]any{
			"reason":  reason,
			"timeout": shutdownTimeout.String(),
		})

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return c.shutdown(shutdownCtx)
	})

	err := g.Wait()
	if err != nil {
		log.LogErrorWithFields("clowdbot", "Shutdown after error", map[string]any{
			"error": err.Error(),
		})
		return err
	}
	log.LogInfoWithFields("clowdbot", "Application shutdown complete", nil)
	return nil
}

func (c *Clowdbot) shutdown(ctx context.Context) error {
	var result *multierror.Error

	if err := c.httpServer.Stop(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop HTTP server: %w", err))
	}
	if c.limiter != nil {
		c.limiter.Stop()
	}
	if err := c.telemetry.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		result = multierror.Append(result, fmt.Errorf("shutdown telemetry: %w", err))
	}

	return result.ErrorOrNil()
}

func buildHTTPHandler(
	cfg config.Config,
	handlers *server.AuthHandlers,
	limiter *ratelimit.Limiter,
	tel *telemetry.Telemetry,
) http.Handler {
	mux := http.NewServeMux()

	// Innermost first: request IDs are assigned before anything logs.
	common := []server.MiddlewareFunc{
		server.NewRecoverMiddleware("clowdbot"),
		server.NewSecurityHeadersMiddleware(),
		server.NewLoggerMiddleware("clowdbot"),
		server.NewRequestIDMiddleware(),
	}
	route := func(h http.HandlerFunc, extra ...server.MiddlewareFunc) http.Handler {
		return server.ChainMiddleware(h, append(extra, common...)...)
	}

	mux.Handle("GET /health", server.NewHealthHandler())
	mux.Handle("GET /{$}", route(handlers.RootHandler))
	mux.Handle("GET /auth/login", route(handlers.LoginHandler,
		server.NewRateLimitMiddleware(limiter, cfg.RateLimit.TrustProxy, tel.Metrics())))
	mux.Handle("GET /oauth/callback", route(handlers.CallbackHandler))
	mux.Handle("GET /session", route(handlers.SessionHandler))

	if tel.Enabled() {
		mux.Handle("GET /metrics", server.NewMetricsHandler(tel))
	}

	log.LogInfoWithFields("clowdbot", "Routes registered", map[string]any{
		"rateLimit": limiter != nil,
		"metrics":   tel.Enabled(),
	})
	return mux
}
