package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"
)

// ErrMissingConfiguration is returned when a setting the login flow depends on is empty.
var ErrMissingConfiguration = errors.New("missing configuration")

// Load reads the configuration from the process environment.
//
// Missing client credentials are not an error here: the flow reports them
// when a login is attempted, so the process can still serve health checks.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// LoadFromMap reads the configuration from the given variables instead of
// the process environment.
func LoadFromMap(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings needed to start the server. Every problem
// is reported, not just the first.
func (c Config) Validate() error {
	var result *multierror.Error

	if port, err := strconv.Atoi(c.Port); err != nil || port <= 0 || port > 65535 {
		result = multierror.Append(result, fmt.Errorf("PORT must be a number between 1 and 65535 (got %q)", c.Port))
	}
	switch c.Env {
	case EnvProduction, EnvDevelopment, "dev":
	default:
		result = multierror.Append(result, fmt.Errorf("CLOWDBOT_ENV must be %q or %q (got %q)", EnvProduction, EnvDevelopment, c.Env))
	}
	if c.StateTTL <= 0 || c.StateTTL > MaxStateTTL {
		result = multierror.Append(result, fmt.Errorf("STATE_TTL must be greater than 0 and at most %s (got %s)", MaxStateTTL, c.StateTTL))
	}
	if c.Provider.ExchangeTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("OIDC_EXCHANGE_TIMEOUT must be greater than 0 (got %s)", c.Provider.ExchangeTimeout))
	}
	if c.Provider.Issuer == "" {
		result = multierror.Append(result, fmt.Errorf("OIDC_ISSUER is required"))
	}
	for name, raw := range map[string]string{
		"OIDC_AUTHORIZATION_URL": c.Provider.AuthorizationURL,
		"OIDC_TOKEN_URL":         c.Provider.TokenURL,
	} {
		if err := validateAbsoluteURL(raw); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Provider.VerifySignature {
		if err := validateAbsoluteURL(c.Provider.JWKSURL); err != nil {
			result = multierror.Append(result, fmt.Errorf("OIDC_JWKS_URL is required when OIDC_VERIFY_SIGNATURE is set: %w", err))
		}
	}
	if c.TelemetryEndpoint != "" {
		if err := validateAbsoluteURL(c.TelemetryEndpoint); err != nil {
			result = multierror.Append(result, fmt.Errorf("TELEMETRY_OTLP_ENDPOINT: %w", err))
		}
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		result = multierror.Append(result, fmt.Errorf("LOGIN_RATE_LIMIT and LOGIN_RATE_BURST cannot be negative"))
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst == 0 {
		result = multierror.Append(result, fmt.Errorf("LOGIN_RATE_BURST must be at least 1 when LOGIN_RATE_LIMIT is set"))
	}

	return result.ErrorOrNil()
}

// ValidateLogin reports the client settings that are still empty. The error
// matches ErrMissingConfiguration.
func (p ProviderConfig) ValidateLogin() error {
	var missing []string
	if p.ClientID == "" {
		missing = append(missing, "OIDC_CLIENT_ID")
	}
	if p.ClientSecret == "" {
		missing = append(missing, "OIDC_CLIENT_SECRET")
	}
	if p.RedirectURI == "" {
		missing = append(missing, "OIDC_REDIRECT_URI")
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingError{Names: missing}
}

// MissingError lists the empty settings.
type MissingError struct {
	Names []string
}

func (e *MissingError) Error() string {
	msg := "missing configuration:"
	for i, name := range e.Names {
		if i > 0 {
			msg += ","
		}
		msg += " " + name
	}
	return msg
}

func (e *MissingError) Is(target error) bool {
	return target == ErrMissingConfiguration
}

func validateAbsoluteURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("value is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL must use http or https (got %q)", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must include a host (got %q)", raw)
	}
	return nil
}
