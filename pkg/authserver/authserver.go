// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles the platform's OAuth 2.0 authorization server
// on top of ory/fosite.
//
// The auth server supports:
//   - Federated sign-in and account linking through upstream providers
//     (Google, GitHub, Facebook, Microsoft, Spotify)
//   - OAuth 2.0 Authorization Code flow with mandatory PKCE (RFC 7636)
//   - Refresh token grant without rotation
//   - Stateless access tokens minted by the token codec
//   - Upstream access tokens for connected accounts
//
// Clients are projects: the client id is the project id and the client
// secret, when sent, is one of the project's publishable client keys.
//
// # Storage
//
// Codes, refresh tokens, pending authorizations and upstream refresh tokens
// live in a storage.Storage: in-memory for single-instance deployments or
// Redis for distributed deployments.
package authserver

import (
	"context"
	"net/http"

	"github.com/stack-auth/stack-sub005/pkg/authserver/accounts"
	"github.com/stack-auth/stack-sub005/pkg/authserver/handlers"
	"github.com/stack-auth/stack-sub005/pkg/authserver/model"
	"github.com/stack-auth/stack-sub005/pkg/authserver/storage"
	"github.com/stack-auth/stack-sub005/pkg/logger"
	"github.com/stack-auth/stack-sub005/pkg/projects"
	"github.com/stack-auth/stack-sub005/pkg/tokens"
)

// Server is the OAuth authorization server.
type Server interface {
	// Handler returns an http.Handler that serves, relative to /api/v1:
	//   - /auth/oauth/authorize/{provider}
	//   - /auth/oauth/callback/{provider}
	//   - /auth/oauth/token
	//   - /connected-accounts/{provider}/access-token
	Handler() http.Handler

	// Model returns the grant model.
	Model() *model.Model

	// Codec returns the access token codec.
	Codec() *tokens.Codec

	// Health reports whether the storage backend is reachable.
	Health(ctx context.Context) error

	// Close releases resources held by the server.
	Close() error
}

// Dependencies are the external collaborators of the server.
type Dependencies struct {
	// Projects resolves clients. Required.
	Projects projects.Store

	// Storage persists server state. Required; the server owns it and closes it.
	Storage storage.Storage

	// Upstreams builds upstream providers. Required; usually an *upstream.Factory.
	Upstreams handlers.ProviderFactory

	// Accounts resolves upstream identities to platform users. Required.
	Accounts accounts.Resolver
}

// New creates a new OAuth authorization server.
func New(ctx context.Context, cfg Config, deps Dependencies) (Server, error) {
	logger.Debugw("creating new OAuth authorization server", "base_url", cfg.BaseURL)
	return newServer(ctx, cfg, deps)
}
