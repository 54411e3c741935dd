// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ory/fosite"
	"golang.org/x/crypto/bcrypt"

	"github.com/stack-auth/stack-sub005/pkg/logger"
	"github.com/stack-auth/stack-sub005/pkg/tokens"
)

const (
	// DefaultSessionTTL keeps sign-in sessions short so that users are asked
	// to log in again after a minute instead of being signed in silently.
	DefaultSessionTTL = 60 * time.Second

	// DefaultGrantTTL is the lifetime of a recorded grant.
	DefaultGrantTTL = 14 * 24 * time.Hour

	// DefaultInteractionTTL bounds the time a user has to sign in.
	DefaultInteractionTTL = time.Hour

	// DefaultAuthCodeLifespan is used when Config.AuthCodeLifespan is zero.
	DefaultAuthCodeLifespan = 10 * time.Minute

	// DefaultAccessTokenLifespan is used when Config.AccessTokenLifespan is zero.
	DefaultAccessTokenLifespan = time.Hour

	// DefaultIDTokenLifespan is used when Config.IDTokenLifespan is zero.
	DefaultIDTokenLifespan = time.Hour

	// DefaultRefreshTokenLifespan is used when Config.RefreshTokenLifespan is zero.
	DefaultRefreshTokenLifespan = 14 * 24 * time.Hour

	// DefaultAccessTokenCookie is the cookie the default login verifier reads
	// the platform access token from.
	DefaultAccessTokenCookie = "stack-access"
)

// DefaultClientScopes are the scopes a client may request when it does not
// configure its own.
var DefaultClientScopes = []string{"openid", "profile", "email", "offline_access"}

// ClientConfig is a statically registered client of the identity provider.
type ClientConfig struct {
	// ID is the client identifier.
	ID string `json:"id" yaml:"id" mapstructure:"id"`

	// Secret is the plain client secret. It is hashed with bcrypt at startup.
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty" mapstructure:"secret"`

	// SecretHash is a bcrypt hash of the client secret, used instead of Secret.
	SecretHash string `json:"secret_hash,omitempty" yaml:"secret_hash,omitempty" mapstructure:"secret_hash"`

	// RedirectURIs are the allowed redirect URIs, matched exactly.
	RedirectURIs []string `json:"redirect_uris" yaml:"redirect_uris" mapstructure:"redirect_uris"`

	// Public clients authenticate without a secret and must use PKCE.
	Public bool `json:"public,omitempty" yaml:"public,omitempty" mapstructure:"public"`

	// Scopes the client may request. Defaults to DefaultClientScopes.
	Scopes []string `json:"scopes,omitempty" yaml:"scopes,omitempty" mapstructure:"scopes"`
}

// Config is the configuration of the identity provider.
type Config struct {
	// Issuer is the public URL the provider is mounted at, e.g.
	// https://api.example.com/api/v1/idp. It is the iss of ID tokens.
	Issuer string

	// Secret is the server secret. The HMAC secret of opaque tokens and, unless
	// SigningKeyFile is set, the ID token signing key are derived from it.
	Secret []byte

	// SigningKeyFile optionally overrides the derived ID token signing key.
	SigningKeyFile string

	// FallbackKeyFiles are published in the JWKS next to the signing key.
	FallbackKeyFiles []string

	// SignInURL is the platform sign-in page users are sent to during an
	// interaction.
	SignInURL string

	// Clients are the registered clients.
	Clients []ClientConfig

	SessionTTL           time.Duration
	GrantTTL             time.Duration
	InteractionTTL       time.Duration
	AuthCodeLifespan     time.Duration
	AccessTokenLifespan  time.Duration
	IDTokenLifespan      time.Duration
	RefreshTokenLifespan time.Duration

	// AccessTokenCookie is read by the default login verifier.
	AccessTokenCookie string

	// SecureCookies sets the Secure attribute on the session cookie.
	SecureCookies bool
}

// Validate checks that the Config is valid.
func (c *Config) Validate() error {
	logger.Debugw("validating idp config", "issuer", c.Issuer)

	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL, got %q", c.Issuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer must not have a query or fragment, got %q", c.Issuer)
	}

	if len(c.Secret) < tokens.MinSecretLength {
		return fmt.Errorf("server secret must be at least %d bytes", tokens.MinSecretLength)
	}

	if c.SignInURL == "" {
		return errors.New("sign-in URL is required")
	}
	if u, err := url.Parse(c.SignInURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("sign-in URL must be an absolute URL, got %q", c.SignInURL)
	}

	for _, d := range []time.Duration{
		c.SessionTTL, c.GrantTTL, c.InteractionTTL, c.AuthCodeLifespan,
		c.AccessTokenLifespan, c.IDTokenLifespan, c.RefreshTokenLifespan,
	} {
		if d < 0 {
			return errors.New("lifespans must be positive")
		}
	}

	seen := make(map[string]bool, len(c.Clients))
	for i, client := range c.Clients {
		if err := client.validate(); err != nil {
			return fmt.Errorf("client %d: %w", i, err)
		}
		if seen[client.ID] {
			return fmt.Errorf("duplicate client id %q", client.ID)
		}
		seen[client.ID] = true
	}

	return nil
}

func (c *ClientConfig) validate() error {
	if c.ID == "" {
		return errors.New("client id is required")
	}
	if len(c.RedirectURIs) == 0 {
		return fmt.Errorf("client %q needs at least one redirect URI", c.ID)
	}
	for _, uri := range c.RedirectURIs {
		u, err := url.Parse(uri)
		if err != nil || u.Scheme == "" || u.Host == "" || u.Fragment != "" {
			return fmt.Errorf("client %q has an invalid redirect URI %q", c.ID, uri)
		}
	}
	if c.Public {
		if c.Secret != "" || c.SecretHash != "" {
			return fmt.Errorf("public client %q must not have a secret", c.ID)
		}
		return nil
	}
	if c.Secret == "" && c.SecretHash == "" {
		return fmt.Errorf("confidential client %q needs a secret or a secret hash", c.ID)
	}
	if c.SecretHash != "" {
		if _, err := bcrypt.Cost([]byte(c.SecretHash)); err != nil {
			return fmt.Errorf("client %q secret hash is not a bcrypt hash: %w", c.ID, err)
		}
	}
	return nil
}

// applyDefaults applies default values to the config where not set.
func (c *Config) applyDefaults() {
	c.Issuer = strings.TrimSuffix(c.Issuer, "/")
	if c.SessionTTL == 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.GrantTTL == 0 {
		c.GrantTTL = DefaultGrantTTL
	}
	if c.InteractionTTL == 0 {
		c.InteractionTTL = DefaultInteractionTTL
	}
	if c.AuthCodeLifespan == 0 {
		c.AuthCodeLifespan = DefaultAuthCodeLifespan
	}
	if c.AccessTokenLifespan == 0 {
		c.AccessTokenLifespan = DefaultAccessTokenLifespan
	}
	if c.IDTokenLifespan == 0 {
		c.IDTokenLifespan = DefaultIDTokenLifespan
	}
	if c.RefreshTokenLifespan == 0 {
		c.RefreshTokenLifespan = DefaultRefreshTokenLifespan
	}
	if c.AccessTokenCookie == "" {
		c.AccessTokenCookie = DefaultAccessTokenCookie
	}
}

// buildClients turns the client configuration into fosite clients, hashing
// plain secrets.
func buildClients(configs []ClientConfig) (map[string]*fosite.DefaultClient, error) {
	clients := make(map[string]*fosite.DefaultClient, len(configs))
	for _, cc := range configs {
		client := &fosite.DefaultClient{
			ID:            cc.ID,
			RedirectURIs:  cc.RedirectURIs,
			GrantTypes:    []string{"authorization_code", "refresh_token"},
			ResponseTypes: []string{"code"},
			Scopes:        cc.Scopes,
			Public:        cc.Public,
		}
		if len(client.Scopes) == 0 {
			client.Scopes = DefaultClientScopes
		}

		switch {
		case cc.Public:
		case cc.SecretHash != "":
			client.Secret = []byte(cc.SecretHash)
		default:
			hash, err := bcrypt.GenerateFromPassword([]byte(cc.Secret), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("failed to hash secret of client %q: %w", cc.ID, err)
			}
			client.Secret = hash
		}

		clients[cc.ID] = client
	}
	return clients, nil
}
