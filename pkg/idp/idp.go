// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package idp is the platform's embedded OpenID Connect provider.
//
// The provider is a fosite engine composed with the authorization code,
// refresh token, OpenID Connect, PKCE, introspection and revocation
// handlers. All of its state (codes, tokens, PKCE and OpenID Connect
// requests, interactions, sign-in sessions and grants) lives in the
// protocol state adapter.
//
// Users sign in through an interaction: an authorization request without a
// usable session is parked as an Interaction and the user is sent to the
// platform sign-in page, which returns to the interaction's login endpoint.
// Completing the login records a Grant and a short Session and resumes the
// authorization request.
package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	josev3 "github.com/go-jose/go-jose/v3"
	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"
	"github.com/ory/fosite/token/jwt"

	"github.com/stack-auth/stack-sub005/pkg/idp/adapter"
	"github.com/stack-auth/stack-sub005/pkg/idp/keys"
	"github.com/stack-auth/stack-sub005/pkg/logger"
	"github.com/stack-auth/stack-sub005/pkg/tokens"
)

// hmacKeyInfo is the HKDF info of the HMAC secret for opaque tokens.
const hmacKeyInfo = "stack-idp/hmac"

// Server is the OpenID Connect provider.
type Server interface {
	// Handler returns an http.Handler that serves, relative to the issuer:
	//   - GET  /auth
	//   - POST /token
	//   - POST /token/revocation
	//   - POST /token/introspection
	//   - GET  /me
	//   - GET  /jwks
	//   - GET  /.well-known/openid-configuration
	//   - GET  /interaction/{uid}
	//   - GET  /interaction/{uid}/login
	//   - POST /interaction/{uid}/login
	Handler() http.Handler

	// JWKSHandler serves the public signing keys, for mounting at
	// /.well-known/jwks.json of the API root.
	JWKSHandler() http.Handler

	// Close releases the adapter.
	Close() error
}

// Dependencies are the external collaborators of the provider.
type Dependencies struct {
	// Adapter stores the protocol state. Required; the server owns it and closes it.
	Adapter *adapter.Adapter

	// Login verifies the platform user completing an interaction. Required.
	Login LoginVerifier

	// Keys provides the ID token signing keys. Defaults to the keys described
	// by the config.
	Keys keys.KeyProvider
}

type server struct {
	cfg      Config
	provider fosite.OAuth2Provider
	store    *store
	adapter  *adapter.Adapter
	keys     keys.KeyProvider
	login    LoginVerifier
	handler  http.Handler
	now      func() time.Time
}

// New creates the OpenID Connect provider.
func New(_ context.Context, cfg Config, deps Dependencies) (Server, error) {
	logger.Debugw("creating OpenID Connect provider", "issuer", cfg.Issuer)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid idp config: %w", err)
	}
	if deps.Adapter == nil {
		return nil, errors.New("protocol state adapter is required")
	}
	if deps.Login == nil {
		return nil, errors.New("login verifier is required")
	}

	keyProvider := deps.Keys
	if keyProvider == nil {
		var err error
		keyProvider, err = keys.NewProviderFromConfig(keys.Config{
			SigningKeyFile:   cfg.SigningKeyFile,
			FallbackKeyFiles: cfg.FallbackKeyFiles,
			Secret:           cfg.Secret,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create key provider: %w", err)
		}
	}

	clients, err := buildClients(cfg.Clients)
	if err != nil {
		return nil, err
	}

	hmacSecret, err := tokens.DeriveKey(cfg.Secret, hmacKeyInfo)
	if err != nil {
		return nil, err
	}

	s := &server{
		cfg:     cfg,
		adapter: deps.Adapter,
		keys:    keyProvider,
		login:   deps.Login,
		now:     time.Now,
	}
	s.store = newStore(deps.Adapter, clients, &s.cfg)
	s.provider = s.createProvider(newFositeConfig(&s.cfg, hmacSecret))
	s.handler = s.routes()

	logger.Debugw("OpenID Connect provider initialized", "issuer", cfg.Issuer, "clients", len(clients))
	return s, nil
}

func newFositeConfig(cfg *Config, hmacSecret []byte) *fosite.Config {
	return &fosite.Config{
		AccessTokenLifespan:   cfg.AccessTokenLifespan,
		RefreshTokenLifespan:  cfg.RefreshTokenLifespan,
		AuthorizeCodeLifespan: cfg.AuthCodeLifespan,
		IDTokenLifespan:       cfg.IDTokenLifespan,
		IDTokenIssuer:         cfg.Issuer,
		AccessTokenIssuer:     cfg.Issuer,
		TokenURL:              cfg.Issuer + "/token",
		GlobalSecret:          hmacSecret,
		// Public clients must use S256; confidential clients may.
		EnforcePKCEForPublicClients:    true,
		EnablePKCEPlainChallengeMethod: false,
		// Kept on stored code requests so that the token endpoint can compare them.
		SanitationWhiteList:        []string{"redirect_uri"},
		ScopeStrategy:              fosite.ExactScopeStrategy,
		AudienceMatchingStrategy:   fosite.DefaultAudienceMatchingStrategy,
		SendDebugMessagesToClients: false,
	}
}

// signingKey hands the current signing key to fosite. Fosite uses
// go-jose/v3; wrapping the key in a v3 JWK puts its kid in the JWT header.
func (s *server) signingKey(ctx context.Context) (any, error) {
	k, err := s.keys.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	return &josev3.JSONWebKey{
		Key:       k.Key,
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		Use:       "sig",
	}, nil
}

// createProvider composes the fosite engine. Access tokens, refresh tokens
// and codes are opaque HMAC tokens; ID tokens are signed JWTs.
func (s *server) createProvider(cfg *fosite.Config) fosite.OAuth2Provider {
	return compose.Compose(
		cfg,
		s.store,
		&compose.CommonStrategy{
			CoreStrategy:               compose.NewOAuth2HMACStrategy(cfg),
			OpenIDConnectTokenStrategy: compose.NewOpenIDConnectStrategy(s.signingKey, cfg),
			Signer:                     &jwt.DefaultSigner{GetPrivateKey: s.signingKey},
		},
		compose.OAuth2AuthorizeExplicitFactory,
		compose.OAuth2RefreshTokenGrantFactory,
		compose.OpenIDConnectExplicitFactory,
		compose.OpenIDConnectRefreshFactory,
		compose.OAuth2PKCEFactory,
		compose.OAuth2TokenIntrospectionFactory,
		compose.OAuth2TokenRevocationFactory,
	)
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/auth", s.authorizeHandler)
	r.Post("/token", s.tokenHandler)
	r.Post("/token/revocation", s.revocationHandler)
	r.Post("/token/introspection", s.introspectionHandler)
	r.Get("/me", s.userInfoHandler)
	r.Get("/jwks", s.jwksHandler)
	r.Get("/.well-known/openid-configuration", s.discoveryHandler)
	r.Route("/interaction/{uid}", func(r chi.Router) {
		r.Get("/", s.interactionHandler)
		r.Get("/login", s.loginPageHandler)
		r.Post("/login", s.loginHandler)
	})
	return r
}

// Handler implements Server.
func (s *server) Handler() http.Handler {
	return s.handler
}

// JWKSHandler implements Server.
func (s *server) JWKSHandler() http.Handler {
	return http.HandlerFunc(s.jwksHandler)
}

// Close implements Server.
func (s *server) Close() error {
	logger.Debug("closing OpenID Connect provider")
	return s.adapter.Close()
}
