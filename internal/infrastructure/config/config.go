package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"

	TokenHashArgon2id = "argon2id"
	TokenHashHMAC     = "hmac-sha256"
)

// Config holds the application configuration
type Config struct {
	// Server configuration
	ServerPort int    `env:"PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	PathPrefix string `env:"OAUTH_PATH_PREFIX" envDefault:""`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// Upstream GitLab application
	GitLabBaseURL          string   `env:"GITLAB_BASE_URL" envDefault:"https://gitlab.com"`
	GitLabClientID         string   `env:"GITLAB_CLIENT_ID"`
	GitLabClientSecret     string   `env:"GITLAB_CLIENT_SECRET"`
	GitLabRedirectURI      string   `env:"GITLAB_REDIRECT_URI"`
	GitLabAuthorizationURL string   `env:"GITLAB_AUTHORIZATION_URL"`
	GitLabTokenURL         string   `env:"GITLAB_TOKEN_URL"`
	GitLabRevocationURL    string   `env:"GITLAB_REVOCATION_URL"`
	GitLabScopes           []string `env:"GITLAB_SCOPES" envSeparator:" " envDefault:"api openid profile email"`

	// Storage configuration
	StorageDriver  string `env:"STORAGE_DRIVER" envDefault:"memory"`
	DBHost         string `env:"DB_HOST" envDefault:"localhost"`
	DBPort         int    `env:"DB_PORT" envDefault:"5432"`
	DBUser         string `env:"DB_USER" envDefault:"proxy"`
	DBPassword     string `env:"DB_PASSWORD" envDefault:""`
	DBName         string `env:"DB_NAME" envDefault:"oauth_proxy"`
	DBSSLMode      string `env:"DB_SSLMODE" envDefault:"disable"`
	RedisURL       string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"oauth-proxy"`

	// Lifetimes
	StateTTL         time.Duration `env:"STATE_TTL" envDefault:"15m"`
	CodeTTL          time.Duration `env:"CODE_TTL" envDefault:"10m"`
	TokenMaxAge      time.Duration `env:"TOKEN_MAX_AGE" envDefault:"168h"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	LoginWaitTimeout time.Duration `env:"LOGIN_WAIT_TIMEOUT" envDefault:"5m"`

	// Token hashing
	TokenHash       string `env:"TOKEN_HASH" envDefault:"argon2id"`
	TokenHMACKey    string `env:"TOKEN_HMAC_KEY"`
	Argon2MemoryKiB uint32 `env:"ARGON2_MEMORY_KIB" envDefault:"19456"`
	Argon2Time      uint32 `env:"ARGON2_TIME" envDefault:"2"`
	Argon2Threads   uint8  `env:"ARGON2_THREADS" envDefault:"1"`

	// Request policy
	RequirePKCE    bool    `env:"REQUIRE_PKCE" envDefault:"true"`
	UpstreamPKCE   string  `env:"UPSTREAM_PKCE" envDefault:"proxy"`
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"20"`
}

// LoadConfig loads configuration from the environment, reading .env when present
func LoadConfig() (*Config, error) {
	// Load .env from project root
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("error parsing environment: %w", err)
	}

	cfg.applyDerivedDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDerivedDefaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	c.PathPrefix = strings.TrimRight(c.PathPrefix, "/")
	gitlab := strings.TrimRight(c.GitLabBaseURL, "/")

	if c.GitLabAuthorizationURL == "" {
		c.GitLabAuthorizationURL = gitlab + "/oauth/authorize"
	}
	if c.GitLabTokenURL == "" {
		c.GitLabTokenURL = gitlab + "/oauth/token"
	}
	if c.GitLabRevocationURL == "" {
		c.GitLabRevocationURL = gitlab + "/oauth/revoke"
	}
	if c.GitLabRedirectURI == "" {
		c.GitLabRedirectURI = c.BaseURL + c.PathPrefix + "/callback"
	}
}

// Validate checks that the configuration can run a proxy
func (c *Config) Validate() error {
	var errs []error

	if c.GitLabClientID == "" {
		errs = append(errs, errors.New("GITLAB_CLIENT_ID is required"))
	}
	if c.GitLabClientSecret == "" {
		errs = append(errs, errors.New("GITLAB_CLIENT_SECRET is required"))
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("BASE_URL is invalid: %w", err))
	}

	switch c.StorageDriver {
	case StorageMemory, StoragePostgres, StorageRedis:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER %q is not one of memory, postgres, redis", c.StorageDriver))
	}

	switch c.TokenHash {
	case TokenHashArgon2id:
	case TokenHashHMAC:
		if len(c.TokenHMACKey) < 32 {
			errs = append(errs, errors.New("TOKEN_HMAC_KEY must be at least 32 characters for hmac-sha256"))
		}
	default:
		errs = append(errs, fmt.Errorf("TOKEN_HASH %q is not one of argon2id, hmac-sha256", c.TokenHash))
	}

	switch c.UpstreamPKCE {
	case domain.UpstreamPKCEPassthrough, domain.UpstreamPKCEProxy:
	default:
		errs = append(errs, fmt.Errorf("UPSTREAM_PKCE %q is not one of passthrough, proxy", c.UpstreamPKCE))
	}

	if c.StateTTL <= 0 || c.CodeTTL <= 0 || c.TokenMaxAge <= 0 || c.SweepInterval <= 0 || c.LoginWaitTimeout <= 0 {
		errs = append(errs, errors.New("lifetimes and intervals must be positive"))
	}

	return errors.Join(errs...)
}

// Upstream returns the descriptor of the GitLab OAuth application
func (c *Config) Upstream() domain.UpstreamClient {
	return domain.UpstreamClient{
		ClientID:         c.GitLabClientID,
		ClientSecret:     c.GitLabClientSecret,
		RedirectURI:      c.GitLabRedirectURI,
		AuthorizationURL: c.GitLabAuthorizationURL,
		TokenURL:         c.GitLabTokenURL,
		RevocationURL:    c.GitLabRevocationURL,
		Scopes:           c.GitLabScopes,
	}
}

// PostgresDSN returns the connection string for the configured database
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// PostgresURL returns the database as a URL, the form golang-migrate expects
func (c *Config) PostgresURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}
