// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"

	"github.com/stack-auth/stack-sub005/pkg/authserver/handlers"
	"github.com/stack-auth/stack-sub005/pkg/authserver/model"
	"github.com/stack-auth/stack-sub005/pkg/authserver/storage"
	"github.com/stack-auth/stack-sub005/pkg/logger"
	"github.com/stack-auth/stack-sub005/pkg/tokens"
)

// hmacKeyInfo is the HKDF info of the HMAC secret for codes and refresh tokens.
const hmacKeyInfo = "stack-oauth/hmac"

// server is the internal implementation of the Server interface.
type server struct {
	handler http.Handler
	model   *model.Model
	codec   *tokens.Codec
	storage storage.Storage
}

// newServer creates a new OAuth authorization server.
func newServer(_ context.Context, cfg Config, deps Dependencies) (*server, error) {
	logger.Debug("initializing OAuth authorization server")

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	codec, err := tokens.NewCodec(cfg.Secret, cfg.BaseURL, tokens.WithDefaultTTL(cfg.AccessTokenLifespan))
	if err != nil {
		return nil, fmt.Errorf("failed to create token codec: %w", err)
	}

	hmacSecret, err := tokens.DeriveKey(cfg.Secret, hmacKeyInfo)
	if err != nil {
		return nil, err
	}

	fositeConfig := newFositeConfig(cfg, hmacSecret)
	logger.Debugw("OAuth2 configuration created",
		"accessTokenLifespan", cfg.AccessTokenLifespan,
		"refreshTokenLifespan", cfg.RefreshTokenLifespan,
		"authCodeLifespan", cfg.AuthCodeLifespan,
	)

	strategy := model.NewStrategy(compose.NewOAuth2HMACStrategy(fositeConfig), codec)
	m := model.New(deps.Projects, deps.Storage, codec, strategy)
	provider := createProvider(fositeConfig, m, strategy)

	h := handlers.NewHandler(handlers.Dependencies{
		Provider:  provider,
		Model:     m,
		Projects:  deps.Projects,
		Storage:   deps.Storage,
		Upstreams: deps.Upstreams,
		Accounts:  deps.Accounts,
		Codec:     codec,
	}, handlers.Config{
		PendingAuthorizationTTL: cfg.PendingAuthorizationTTL,
		SecureCookies:           cfg.SecureCookies,
	})

	logger.Debugw("OAuth authorization server initialized", "base_url", cfg.BaseURL)

	return &server{
		handler: h.Routes(),
		model:   m,
		codec:   codec,
		storage: deps.Storage,
	}, nil
}

func (d *Dependencies) validate() error {
	switch {
	case d.Projects == nil:
		return errors.New("project store is required")
	case d.Storage == nil:
		return errors.New("storage is required")
	case d.Upstreams == nil:
		return errors.New("upstream provider factory is required")
	case d.Accounts == nil:
		return errors.New("account resolver is required")
	}
	return nil
}

// Handler returns the HTTP handler that serves all OAuth endpoints.
func (s *server) Handler() http.Handler {
	return s.handler
}

// Model returns the grant model.
func (s *server) Model() *model.Model {
	return s.model
}

// Codec returns the access token codec.
func (s *server) Codec() *tokens.Codec {
	return s.codec
}

// Health reports whether the storage backend is reachable.
func (s *server) Health(ctx context.Context) error {
	return s.storage.Health(ctx)
}

// Close releases resources held by the server.
func (s *server) Close() error {
	logger.Debug("closing OAuth authorization server")
	return s.storage.Close()
}

func newFositeConfig(cfg Config, hmacSecret []byte) *fosite.Config {
	return &fosite.Config{
		AccessTokenLifespan:   cfg.AccessTokenLifespan,
		RefreshTokenLifespan:  cfg.RefreshTokenLifespan,
		AuthorizeCodeLifespan: cfg.AuthCodeLifespan,
		GlobalSecret:          hmacSecret,
		// Every client is public and must use S256.
		EnforcePKCE:                    true,
		EnablePKCEPlainChallengeMethod: false,
		// A refresh token is issued whenever the client may use the grant, not
		// only for "offline" requests.
		RefreshTokenScopes:         []string{},
		SanitationWhiteList:        model.SanitationAllowedParameters,
		ScopeStrategy:              fosite.ExactScopeStrategy,
		AudienceMatchingStrategy:   fosite.DefaultAudienceMatchingStrategy,
		SendDebugMessagesToClients: false,
	}
}

// createProvider creates a fosite OAuth2Provider configured for the authorization code flow.
//
// The model is the storage of every handler. Access tokens come from the token
// codec through the strategy; codes and refresh tokens are opaque HMAC tokens.
// The provider is configured with:
//   - Authorization code grant (RFC 6749 Section 4.1)
//   - Refresh token grant (RFC 6749 Section 6)
//   - PKCE (RFC 7636)
func createProvider(cfg *fosite.Config, m *model.Model, strategy *model.Strategy) fosite.OAuth2Provider {
	return compose.Compose(
		cfg,
		m,
		&compose.CommonStrategy{CoreStrategy: strategy},
		compose.OAuth2AuthorizeExplicitFactory, // Authorization code grant
		compose.OAuth2RefreshTokenGrantFactory, // Refresh token grant
		compose.OAuth2PKCEFactory,              // PKCE for public clients
	)
}
