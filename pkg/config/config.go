// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the process configuration of the stackauth server.
//
// Values come from an optional configuration file (YAML, JSON or TOML) and
// are overridden by environment variables prefixed with STACK_, where nested
// keys are joined with underscores:
//
//	STACK_SERVER_SECRET=...
//	STACK_BASE_URL=https://api.example.com
//	STACK_ACCESS_TOKEN_EXPIRATION_TIME=10m
//	STACK_STORAGE_TYPE=redis
//	STACK_STORAGE_REDIS_ADDRS=redis-0:6379,redis-1:6379
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/spf13/viper"

	"github.com/stack-auth/stack-sub005/pkg/authserver"
	"github.com/stack-auth/stack-sub005/pkg/authserver/storage"
	"github.com/stack-auth/stack-sub005/pkg/idp"
	"github.com/stack-auth/stack-sub005/pkg/idp/adapter"
	"github.com/stack-auth/stack-sub005/pkg/telemetry"
	"github.com/stack-auth/stack-sub005/pkg/tokens"
	"github.com/stack-auth/stack-sub005/pkg/versions"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "STACK"

const (
	// DefaultListenAddress is the address of the API listener.
	DefaultListenAddress = ":8102"

	// DefaultMetricsAddress is the address of the metrics listener.
	DefaultMetricsAddress = ":9464"

	// DefaultShutdownTimeout bounds the graceful shutdown of the listeners.
	DefaultShutdownTimeout = 15 * time.Second

	// IDPPath is where the identity provider is mounted below the base URL.
	IDPPath = "/api/v1/idp"

	// DefaultIDPProjectID is the project whose users sign in to the identity
	// provider.
	DefaultIDPProjectID = "internal"
)

// AdapterType selects the protocol state backend of the identity provider.
type AdapterType string

const (
	// AdapterMemory keeps protocol state in process memory.
	AdapterMemory AdapterType = "memory"

	// AdapterSQLite keeps protocol state in a SQLite database.
	AdapterSQLite AdapterType = "sqlite"
)

// envKeys are the keys that may be set from the environment without
// appearing in the configuration file.
var envKeys = []string{
	"base_url",
	"server_secret",
	"listen_address",
	"metrics_address",
	"shutdown_timeout",
	"access_token_expiration_time",
	"refresh_token_expiration_time",
	"refresh_tokens_never_expire",
	"secure_cookies",
	"projects_file",
	"storage.type",
	"storage.redis.addrs",
	"storage.redis.master_name",
	"storage.redis.username",
	"storage.redis.password",
	"storage.redis.db",
	"storage.redis.key_prefix",
	"idp.enabled",
	"idp.project_id",
	"idp.sign_in_url",
	"idp.signing_key_file",
	"idp.adapter.type",
	"idp.adapter.dsn",
	"telemetry.endpoint",
	"telemetry.insecure",
	"telemetry.tracing_enabled",
	"telemetry.metrics_enabled",
	"telemetry.sampling_rate",
	"telemetry.export_interval",
	"telemetry.enable_prometheus_metrics_path",
}

// Config is the configuration of the stackauth server.
type Config struct {
	// BaseURL is the public URL of the API, without the /api/v1 suffix.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// ServerSecret keys every token the server issues. At least 32 bytes.
	ServerSecret string `mapstructure:"server_secret" yaml:"-"`

	ListenAddress   string        `mapstructure:"listen_address" yaml:"listen_address"`
	MetricsAddress  string        `mapstructure:"metrics_address" yaml:"metrics_address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// AccessTokenExpirationTime is the lifetime of platform access tokens.
	AccessTokenExpirationTime time.Duration `mapstructure:"access_token_expiration_time" yaml:"access_token_expiration_time"`

	// RefreshTokenExpirationTime is the lifetime of platform refresh tokens.
	RefreshTokenExpirationTime time.Duration `mapstructure:"refresh_token_expiration_time" yaml:"refresh_token_expiration_time"`

	// RefreshTokensNeverExpire issues refresh tokens without expiry.
	RefreshTokensNeverExpire bool `mapstructure:"refresh_tokens_never_expire" yaml:"refresh_tokens_never_expire"`

	// SecureCookies sets the Secure attribute on every cookie.
	SecureCookies bool `mapstructure:"secure_cookies" yaml:"secure_cookies"`

	// ProjectsFile seeds the project store. YAML, JSON with comments or TOML.
	ProjectsFile string `mapstructure:"projects_file" yaml:"projects_file"`

	Storage   storage.Config   `mapstructure:"storage" yaml:"storage"`
	IDP       IDPConfig        `mapstructure:"idp" yaml:"idp"`
	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`
}

// IDPConfig configures the embedded OpenID Connect provider.
type IDPConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ProjectID is the project whose users may sign in.
	ProjectID string `mapstructure:"project_id" yaml:"project_id"`

	// SignInURL is the platform sign-in page of that project.
	SignInURL string `mapstructure:"sign_in_url" yaml:"sign_in_url"`

	SigningKeyFile   string   `mapstructure:"signing_key_file" yaml:"signing_key_file"`
	FallbackKeyFiles []string `mapstructure:"fallback_key_files" yaml:"fallback_key_files"`

	// AccessTokenCookie is the cookie holding the platform access token on
	// the sign-in return.
	AccessTokenCookie string `mapstructure:"access_token_cookie" yaml:"access_token_cookie"`

	SessionTTL     time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	GrantTTL       time.Duration `mapstructure:"grant_ttl" yaml:"grant_ttl"`
	InteractionTTL time.Duration `mapstructure:"interaction_ttl" yaml:"interaction_ttl"`

	Adapter AdapterConfig      `mapstructure:"adapter" yaml:"adapter"`
	Clients []idp.ClientConfig `mapstructure:"clients" yaml:"clients"`
}

// AdapterConfig selects and configures the protocol state backend.
type AdapterConfig struct {
	Type AdapterType `mapstructure:"type" yaml:"type"`

	// DSN is the SQLite data source, e.g. file:/var/lib/stackauth/idp.db.
	// Quote it in YAML when it contains "::", as in dsn: "file::memory:".
	DSN string `mapstructure:"dsn" yaml:"dsn"`

	// Namespace scopes the records, so that several deployments can share a database.
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// defaults are merged into every loaded Config. Booleans and values whose
// zero value is meaningful are defaulted through viper instead.
func defaults() Config {
	return Config{
		ListenAddress:   DefaultListenAddress,
		MetricsAddress:  DefaultMetricsAddress,
		ShutdownTimeout: DefaultShutdownTimeout,
		Storage:         storage.Config{Type: storage.TypeMemory},
		IDP: IDPConfig{
			ProjectID:         DefaultIDPProjectID,
			AccessTokenCookie: idp.DefaultAccessTokenCookie,
			Adapter: AdapterConfig{
				Type:      AdapterMemory,
				Namespace: adapter.DefaultNamespace,
			},
		},
		Telemetry: telemetry.Config{
			ServiceName:    "stackauth",
			ServiceVersion: versions.GetVersionInfo().Version,
		},
	}
}

// Load reads the configuration file at path, if any, applies the
// environment overrides and the defaults. It does not validate.
func Load(path string) (*Config, error) {
	return load(viper.New(), path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind environment variable for %s: %w", key, err)
		}
	}

	v.SetDefault("telemetry.sampling_rate", 0.05)
	v.SetDefault("telemetry.enable_prometheus_metrics_path", true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := mergo.Merge(&cfg, defaults()); err != nil {
		return nil, fmt.Errorf("failed to apply configuration defaults: %w", err)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &cfg, nil
}

// Validate checks the configuration of every component.
func (c *Config) Validate() error {
	if c.ServerSecret == "" {
		return errors.New("server secret is required (set STACK_SERVER_SECRET)")
	}
	if len(c.ServerSecret) < tokens.MinSecretLength {
		return fmt.Errorf("server secret must be at least %d bytes", tokens.MinSecretLength)
	}
	if c.AccessTokenExpirationTime < 0 || c.RefreshTokenExpirationTime < 0 {
		return errors.New("token expiration times must not be negative")
	}

	authCfg := c.AuthServerConfig()
	if err := authCfg.Validate(); err != nil {
		return fmt.Errorf("invalid authorization server configuration: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	if !c.IDP.Enabled {
		return nil
	}
	switch c.IDP.Adapter.Type {
	case AdapterMemory:
	case AdapterSQLite:
		if c.IDP.Adapter.DSN == "" {
			return errors.New("idp adapter dsn is required for the sqlite adapter")
		}
	default:
		return fmt.Errorf("unsupported idp adapter type %q", c.IDP.Adapter.Type)
	}
	idpCfg := c.IDPServerConfig()
	if err := idpCfg.Validate(); err != nil {
		return fmt.Errorf("invalid identity provider configuration: %w", err)
	}
	return nil
}

// Issuer is the issuer URL of the identity provider.
func (c *Config) Issuer() string {
	return strings.TrimSuffix(c.BaseURL, "/") + IDPPath
}

// AuthServerConfig returns the configuration of the authorization server.
func (c *Config) AuthServerConfig() authserver.Config {
	refresh := c.RefreshTokenExpirationTime
	if c.RefreshTokensNeverExpire {
		refresh = authserver.NeverExpires
	}
	return authserver.Config{
		BaseURL:              strings.TrimSuffix(c.BaseURL, "/"),
		Secret:               []byte(c.ServerSecret),
		AccessTokenLifespan:  c.AccessTokenExpirationTime,
		RefreshTokenLifespan: refresh,
		SecureCookies:        c.SecureCookies,
	}
}

// IDPServerConfig returns the configuration of the identity provider.
func (c *Config) IDPServerConfig() idp.Config {
	return idp.Config{
		Issuer:            c.Issuer(),
		Secret:            []byte(c.ServerSecret),
		SigningKeyFile:    c.IDP.SigningKeyFile,
		FallbackKeyFiles:  c.IDP.FallbackKeyFiles,
		SignInURL:         c.IDP.SignInURL,
		Clients:           c.IDP.Clients,
		SessionTTL:        c.IDP.SessionTTL,
		GrantTTL:          c.IDP.GrantTTL,
		InteractionTTL:    c.IDP.InteractionTTL,
		AccessTokenCookie: c.IDP.AccessTokenCookie,
		SecureCookies:     c.SecureCookies,
	}
}
