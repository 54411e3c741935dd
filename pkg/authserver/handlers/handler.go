// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ory/fosite"

	"github.com/stack-auth/stack-sub005/pkg/authserver/accounts"
	"github.com/stack-auth/stack-sub005/pkg/authserver/model"
	"github.com/stack-auth/stack-sub005/pkg/authserver/storage"
	"github.com/stack-auth/stack-sub005/pkg/authserver/upstream"
	"github.com/stack-auth/stack-sub005/pkg/projects"
	"github.com/stack-auth/stack-sub005/pkg/tokens"
)

// ProviderFactory builds the upstream provider for a project's provider configuration.
// *upstream.Factory implements it.
type ProviderFactory interface {
	Provider(cfg *projects.ProviderConfig) (upstream.Provider, error)
}

// Config holds the HTTP-level settings of the handlers.
type Config struct {
	// PendingAuthorizationTTL bounds the time a user may spend at the upstream
	// provider. Defaults to storage.DefaultPendingAuthorizationTTL.
	PendingAuthorizationTTL time.Duration

	// SecureCookies sets the Secure attribute on the CSRF cookie. Disable only
	// for plain-http development setups.
	SecureCookies bool
}

// Handler provides HTTP handlers for the OAuth authorization server endpoints.
type Handler struct {
	provider  fosite.OAuth2Provider
	model     *model.Model
	projects  projects.Store
	storage   storage.Storage
	upstreams ProviderFactory
	accounts  accounts.Resolver
	codec     *tokens.Codec
	config    Config
	now       func() time.Time
}

// Dependencies are the collaborators of a Handler.
type Dependencies struct {
	Provider  fosite.OAuth2Provider
	Model     *model.Model
	Projects  projects.Store
	Storage   storage.Storage
	Upstreams ProviderFactory
	Accounts  accounts.Resolver
	Codec     *tokens.Codec
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(deps Dependencies, cfg Config) *Handler {
	if cfg.PendingAuthorizationTTL <= 0 {
		cfg.PendingAuthorizationTTL = storage.DefaultPendingAuthorizationTTL
	}
	return &Handler{
		provider:  deps.Provider,
		model:     deps.Model,
		projects:  deps.Projects,
		storage:   deps.Storage,
		upstreams: deps.Upstreams,
		accounts:  deps.Accounts,
		codec:     deps.Codec,
		config:    cfg,
		now:       time.Now,
	}
}

// Routes returns a router with all endpoints registered, relative to the API
// version prefix (/api/v1).
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.OAuthRoutes(r)
	h.ConnectedAccountRoutes(r)
	return r
}

// OAuthRoutes registers the authorize, callback and token endpoints on the provided router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/auth/oauth/authorize/{provider}", h.AuthorizeHandler)
	// Providers using response_mode=form_post call back with a POST.
	r.Get("/auth/oauth/callback/{provider}", h.CallbackHandler)
	r.Post("/auth/oauth/callback/{provider}", h.CallbackHandler)
	r.Post("/auth/oauth/token", h.TokenHandler)
}

// ConnectedAccountRoutes registers the connected-account endpoints on the provided router.
func (h *Handler) ConnectedAccountRoutes(r chi.Router) {
	r.Get("/connected-accounts/{provider}/access-token", h.ConnectedAccountAccessTokenHandler)
}
