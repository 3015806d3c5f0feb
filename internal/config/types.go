package config

import (
	"encoding/json"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// Environment names accepted by CLOWDBOT_ENV.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// LinkedIn endpoints, used when no provider endpoints are configured.
const (
	DefaultIssuer           = "https://www.linkedin.com/oauth"
	DefaultAuthorizationURL = "https://www.linkedin.com/oauth/v2/authorization"
	DefaultTokenURL         = "https://www.linkedin.com/oauth/v2/accessToken"
	DefaultJWKSURL          = "https://www.linkedin.com/oauth/openid/jwks"
)

// MaxStateTTL bounds the lifetime of the state cookie.
const MaxStateTTL = 10 * time.Minute

// ProviderConfig describes the identity provider and the registered client.
type ProviderConfig struct {
	ClientID         string        `env:"OIDC_CLIENT_ID"`
	ClientSecret     Secret        `env:"OIDC_CLIENT_SECRET"`
	RedirectURI      string        `env:"OIDC_REDIRECT_URI"`
	Issuer           string        `env:"OIDC_ISSUER" envDefault:"https://www.linkedin.com/oauth"`
	AuthorizationURL string        `env:"OIDC_AUTHORIZATION_URL" envDefault:"https://www.linkedin.com/oauth/v2/authorization"`
	TokenURL         string        `env:"OIDC_TOKEN_URL" envDefault:"https://www.linkedin.com/oauth/v2/accessToken"`
	JWKSURL          string        `env:"OIDC_JWKS_URL" envDefault:"https://www.linkedin.com/oauth/openid/jwks"`
	VerifySignature  bool          `env:"OIDC_VERIFY_SIGNATURE" envDefault:"false"`
	ExchangeTimeout  time.Duration `env:"OIDC_EXCHANGE_TIMEOUT" envDefault:"10s"`
}

// RateLimitConfig limits how often a single client can start a login.
// A zero Rate disables the limiter.
type RateLimitConfig struct {
	Rate  int `env:"LOGIN_RATE_LIMIT" envDefault:"5"`
	Burst int `env:"LOGIN_RATE_BURST" envDefault:"10"`

	// TrustProxy keys the limiter on X-Forwarded-For instead of the peer address.
	TrustProxy bool `env:"TRUST_PROXY" envDefault:"false"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT"`
}

// Config is the complete runtime configuration of clowdbot.
type Config struct {
	Port             string        `env:"PORT" envDefault:"8080"`
	Env              string        `env:"CLOWDBOT_ENV" envDefault:"production"`
	StateTTL         time.Duration `env:"STATE_TTL" envDefault:"10m"`
	TelemetryEnabled bool          `env:"TELEMETRY_ENABLED" envDefault:"false"`
	// OTLP/HTTP traces endpoint. Empty keeps traces in process.
	TelemetryEndpoint string `env:"TELEMETRY_OTLP_ENDPOINT"`

	Provider  ProviderConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + c.Port
}

// IsDev reports whether security requirements may be relaxed for local testing.
func (c Config) IsDev() bool {
	return c.Env == EnvDevelopment || c.Env == "dev"
}
