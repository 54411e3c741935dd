// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func validIDPConfig() Config {
	return Config{
		Issuer:    "https://api.example.com/api/v1/idp",
		Secret:    []byte(testSecret),
		SignInURL: "https://app.example.com/handler/sign-in",
		Clients: []ClientConfig{
			{
				ID:           "app",
				Secret:       "app-secret",
				RedirectURIs: []string{"https://app.example.com/callback"},
			},
			{
				ID:           "cli",
				Public:       true,
				RedirectURIs: []string{"http://127.0.0.1:8765/callback"},
				Scopes:       []string{"openid"},
			},
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(*Config)
		errContains string
	}{
		{
			name: "valid config",
		},
		{
			name:        "missing issuer",
			mutate:      func(c *Config) { c.Issuer = "" },
			errContains: "issuer is required",
		},
		{
			name:        "relative issuer",
			mutate:      func(c *Config) { c.Issuer = "/api/v1/idp" },
			errContains: "issuer must be an absolute URL",
		},
		{
			name:        "issuer with query",
			mutate:      func(c *Config) { c.Issuer = "https://api.example.com/idp?x=1" },
			errContains: "query or fragment",
		},
		{
			name:        "short secret",
			mutate:      func(c *Config) { c.Secret = []byte("short") },
			errContains: "at least 32 bytes",
		},
		{
			name:        "missing sign-in URL",
			mutate:      func(c *Config) { c.SignInURL = "" },
			errContains: "sign-in URL is required",
		},
		{
			name:        "relative sign-in URL",
			mutate:      func(c *Config) { c.SignInURL = "/sign-in" },
			errContains: "sign-in URL must be an absolute URL",
		},
		{
			name:        "negative lifespan",
			mutate:      func(c *Config) { c.SessionTTL = -time.Second },
			errContains: "lifespans must be positive",
		},
		{
			name:        "client without id",
			mutate:      func(c *Config) { c.Clients[0].ID = "" },
			errContains: "client id is required",
		},
		{
			name:        "client without redirect URIs",
			mutate:      func(c *Config) { c.Clients[0].RedirectURIs = nil },
			errContains: "at least one redirect URI",
		},
		{
			name:        "redirect URI with fragment",
			mutate:      func(c *Config) { c.Clients[0].RedirectURIs = []string{"https://app.example.com/cb#frag"} },
			errContains: "invalid redirect URI",
		},
		{
			name:        "public client with secret",
			mutate:      func(c *Config) { c.Clients[1].Secret = "nope" },
			errContains: "must not have a secret",
		},
		{
			name:        "confidential client without secret",
			mutate:      func(c *Config) { c.Clients[0].Secret = "" },
			errContains: "needs a secret or a secret hash",
		},
		{
			name: "secret hash that is not bcrypt",
			mutate: func(c *Config) {
				c.Clients[0].Secret = ""
				c.Clients[0].SecretHash = "plain"
			},
			errContains: "not a bcrypt hash",
		},
		{
			name:        "duplicate client",
			mutate:      func(c *Config) { c.Clients[1] = c.Clients[0] },
			errContains: "duplicate client id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validIDPConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := cfg.Validate()
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := validIDPConfig()
	cfg.Issuer += "/"
	cfg.applyDefaults()

	assert.Equal(t, "https://api.example.com/api/v1/idp", cfg.Issuer)
	assert.Equal(t, 60*time.Second, cfg.SessionTTL)
	assert.Equal(t, DefaultGrantTTL, cfg.GrantTTL)
	assert.Equal(t, DefaultInteractionTTL, cfg.InteractionTTL)
	assert.Equal(t, DefaultAuthCodeLifespan, cfg.AuthCodeLifespan)
	assert.Equal(t, DefaultAccessTokenLifespan, cfg.AccessTokenLifespan)
	assert.Equal(t, DefaultIDTokenLifespan, cfg.IDTokenLifespan)
	assert.Equal(t, DefaultRefreshTokenLifespan, cfg.RefreshTokenLifespan)
	assert.Equal(t, DefaultAccessTokenCookie, cfg.AccessTokenCookie)

	cfg = validIDPConfig()
	cfg.SessionTTL = 5 * time.Minute
	cfg.applyDefaults()
	assert.Equal(t, 5*time.Minute, cfg.SessionTTL)
}

func TestBuildClients(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	clients, err := buildClients([]ClientConfig{
		{ID: "plain", Secret: "plain-secret", RedirectURIs: []string{"https://a.example.com/cb"}},
		{ID: "hashed", SecretHash: string(hash), RedirectURIs: []string{"https://b.example.com/cb"}},
		{ID: "public", Public: true, RedirectURIs: []string{"http://127.0.0.1/cb"}, Scopes: []string{"openid"}},
	})
	require.NoError(t, err)
	require.Len(t, clients, 3)

	plain := clients["plain"]
	require.NoError(t, bcrypt.CompareHashAndPassword(plain.GetHashedSecret(), []byte("plain-secret")))
	assert.Equal(t, DefaultClientScopes, []string(plain.GetScopes()))
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, []string(plain.GetGrantTypes()))
	assert.Equal(t, []string{"code"}, []string(plain.GetResponseTypes()))
	assert.False(t, plain.IsPublic())

	assert.Equal(t, hash, clients["hashed"].GetHashedSecret())

	public := clients["public"]
	assert.True(t, public.IsPublic())
	assert.Empty(t, public.GetHashedSecret())
	assert.Equal(t, []string{"openid"}, []string(public.GetScopes()))
}
