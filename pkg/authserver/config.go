// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"fmt"
	"net/url"
	"time"

	"github.com/stack-auth/stack-sub005/pkg/authserver/storage"
	"github.com/stack-auth/stack-sub005/pkg/logger"
	"github.com/stack-auth/stack-sub005/pkg/tokens"
)

const (
	// DefaultAccessTokenLifespan is used when Config.AccessTokenLifespan is zero.
	DefaultAccessTokenLifespan = time.Hour

	// DefaultRefreshTokenLifespan is used when Config.RefreshTokenLifespan is zero.
	DefaultRefreshTokenLifespan = 365 * 24 * time.Hour

	// DefaultAuthCodeLifespan is used when Config.AuthCodeLifespan is zero.
	DefaultAuthCodeLifespan = storage.DefaultAuthCodeTTL

	// NeverExpires as RefreshTokenLifespan issues refresh tokens without expiry.
	NeverExpires time.Duration = -1
)

// Config is the pure configuration for the OAuth authorization server.
// All values must be fully resolved (no file paths, no env vars).
type Config struct {
	// BaseURL is the public URL of the API. It is the audience of access
	// tokens and the base of upstream callback URLs.
	BaseURL string

	// Secret is the server secret. Token keys and the HMAC secret of codes and
	// refresh tokens are derived from it, so it must be the same on every replica.
	Secret []byte

	// AccessTokenLifespan is the duration that access tokens are valid.
	// If zero, defaults to 1 hour.
	AccessTokenLifespan time.Duration

	// RefreshTokenLifespan is the duration that refresh tokens are valid.
	// If zero, defaults to 1 year. NeverExpires disables expiry.
	RefreshTokenLifespan time.Duration

	// AuthCodeLifespan is the duration that authorization codes are valid.
	// If zero, defaults to 10 minutes.
	AuthCodeLifespan time.Duration

	// PendingAuthorizationTTL bounds the upstream leg of a sign-in.
	// If zero, defaults to 10 minutes.
	PendingAuthorizationTTL time.Duration

	// SecureCookies sets the Secure attribute on cookies.
	SecureCookies bool
}

// Validate checks that the Config is valid.
func (c *Config) Validate() error {
	logger.Debugw("validating authserver config", "base_url", c.BaseURL)

	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base URL must be an absolute URL, got %q", c.BaseURL)
	}

	if len(c.Secret) < tokens.MinSecretLength {
		return fmt.Errorf("server secret must be at least %d bytes", tokens.MinSecretLength)
	}

	if c.AccessTokenLifespan < 0 {
		return fmt.Errorf("access token lifespan must be positive")
	}
	if c.RefreshTokenLifespan < 0 && c.RefreshTokenLifespan != NeverExpires {
		return fmt.Errorf("refresh token lifespan must be positive or NeverExpires")
	}
	if c.AuthCodeLifespan < 0 || c.PendingAuthorizationTTL < 0 {
		return fmt.Errorf("authorization code and pending authorization lifespans must be positive")
	}

	return nil
}

// applyDefaults applies default values to the config where not set.
func (c *Config) applyDefaults() {
	logger.Debug("applying default values to authserver config")

	if c.AccessTokenLifespan == 0 {
		c.AccessTokenLifespan = DefaultAccessTokenLifespan
		logger.Debugw("applied default access token lifespan", "duration", c.AccessTokenLifespan)
	}
	if c.RefreshTokenLifespan == 0 {
		c.RefreshTokenLifespan = DefaultRefreshTokenLifespan
		logger.Debugw("applied default refresh token lifespan", "duration", c.RefreshTokenLifespan)
	}
	if c.AuthCodeLifespan == 0 {
		c.AuthCodeLifespan = DefaultAuthCodeLifespan
		logger.Debugw("applied default auth code lifespan", "duration", c.AuthCodeLifespan)
	}
	if c.PendingAuthorizationTTL == 0 {
		c.PendingAuthorizationTTL = storage.DefaultPendingAuthorizationTTL
	}
}
