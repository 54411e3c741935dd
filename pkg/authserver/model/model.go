// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package model implements the grant model of the authorization server: the
// authorization-code and refresh-token grants over the project store, the
// token codec and the code/refresh-token storage. The Model also serves as
// fosite's storage, so the engine drives every verb.
package model

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ory/fosite"

	"github.com/stack-auth/stack-sub005/pkg/authserver/storage"
	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
	"github.com/stack-auth/stack-sub005/pkg/logger"
	"github.com/stack-auth/stack-sub005/pkg/projects"
	"github.com/stack-auth/stack-sub005/pkg/tokens"
)

// SanitationAllowedParameters must be configured as fosite's
// Config.SanitationWhiteList so the PKCE challenge is persisted with the
// authorization code.
var SanitationAllowedParameters = []string{"code", "redirect_uri", "code_challenge", "code_challenge_method"}

// Model is the authorization server's grant model.
type Model struct {
	projects projects.Store
	store    storage.Storage
	codec    *tokens.Codec
	strategy *Strategy
}

// New creates a Model. strategy generates codes and refresh tokens; its access
// tokens come from codec.
func New(projectStore projects.Store, store storage.Storage, codec *tokens.Codec, strategy *Strategy) *Model {
	return &Model{
		projects: projectStore,
		store:    store,
		codec:    codec,
		strategy: strategy,
	}
}

// Strategy returns the token strategy.
func (m *Model) Strategy() *Strategy {
	return m.strategy
}

// ResolveClient resolves the project clientID. When clientSecret is set it must
// be one of the project's publishable client keys.
func (m *Model) ResolveClient(ctx context.Context, clientID, clientSecret string) (*Client, error) {
	p, err := m.projects.GetProject(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if clientSecret != "" && !p.HasPublishableClientKey(clientSecret) {
		logger.Debugw("publishable client key mismatch", "client_id", clientID)
		return nil, invalidClientKey()
	}
	return newClient(p), nil
}

// ValidateScope returns the granted scopes. Every requested scope must be in
// AllowedScopes.
func (*Model) ValidateScope(requested []string) ([]string, error) {
	for _, s := range requested {
		if !slices.Contains(AllowedScopes, s) {
			return nil, apierrors.NewError(apierrors.ErrInvalidScope, "scope "+s+" is not supported", nil)
		}
	}
	return slices.Clone(requested), nil
}

// ValidateRedirectURI re-resolves the client's project and checks uri against
// its current domains.
func (m *Model) ValidateRedirectURI(ctx context.Context, clientID, uri string) bool {
	p, err := m.projects.GetProject(ctx, clientID)
	if err != nil {
		logger.Debugw("redirect uri check failed to resolve project", "client_id", clientID, "error", err)
		return false
	}
	return redirectAllowed(p, uri)
}

// GenerateAccessToken mints an access token for the requester's session.
func (m *Model) GenerateAccessToken(ctx context.Context, requester fosite.Requester) (string, error) {
	token, _, err := m.strategy.GenerateAccessToken(ctx, requester)
	return token, err
}

// GenerateRefreshToken returns an opaque random refresh token and its signature.
func (m *Model) GenerateRefreshToken(ctx context.Context, requester fosite.Requester) (string, string, error) {
	return m.strategy.GenerateRefreshToken(ctx, requester)
}

// SaveAuthorizationCode stores an issued code.
func (m *Model) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	return m.store.SaveAuthorizationCode(ctx, code)
}

// GetAuthorizationCode returns an unredeemed code, or a code redeemed within
// the redemption scope of ctx. Every other case is indistinguishable from a
// code that never existed.
func (m *Model) GetAuthorizationCode(ctx context.Context, signature string) (*storage.AuthorizationCode, error) {
	code, err := m.store.GetAuthorizationCode(ctx, signature)
	if err != nil {
		return nil, err
	}
	if code.Redeemed && !redeemedInScope(ctx, signature) {
		return nil, codeNotFound()
	}
	return code, nil
}

// RedeemAuthorizationCode claims the code for this request. It succeeds at
// most once per code; the claim is recorded in the redemption scope of ctx.
func (m *Model) RedeemAuthorizationCode(ctx context.Context, signature string) (*storage.AuthorizationCode, error) {
	code, err := m.store.RedeemAuthorizationCode(ctx, signature)
	if err != nil {
		return nil, err
	}
	if !markRedeemed(ctx, signature) {
		logger.Warnw("authorization code redeemed outside a redemption scope")
	}
	return code, nil
}

// RevokeAuthorizationCode deletes a code.
func (m *Model) RevokeAuthorizationCode(ctx context.Context, signature string) error {
	return m.store.DeleteAuthorizationCode(ctx, signature)
}

// Token is the result of a grant as persisted by SaveToken.
type Token struct {
	RequestID string
	ClientID  string
	UserID    string
	Scopes    []string

	// RefreshTokenSignature is empty when the grant issued no refresh token.
	RefreshTokenSignature string
	// RefreshTokenExpiresAt is nil for refresh tokens that never expire.
	RefreshTokenExpiresAt *time.Time

	IsNewUser                bool
	AfterCallbackRedirectURL string
}

// SaveToken persists the refresh token of a grant and returns the token
// annotated with whether the user is new.
func (m *Model) SaveToken(ctx context.Context, t *Token) (*Token, error) {
	if t.RefreshTokenSignature != "" {
		err := m.store.SaveRefreshToken(ctx, &storage.RefreshToken{
			Signature:   t.RefreshTokenSignature,
			RequestID:   t.RequestID,
			ClientID:    t.ClientID,
			UserID:      t.UserID,
			Scopes:      slices.Clone(t.Scopes),
			RequestedAt: time.Now(),
			ExpiresAt:   t.RefreshTokenExpiresAt,
		})
		if err != nil {
			return nil, err
		}
	}
	saved := *t
	return &saved, nil
}

// AccessToken is a decoded access token.
type AccessToken struct {
	Token     string
	ProjectID string
	UserID    string
	ExpiresAt time.Time
}

// GetAccessToken decodes a bearer token. Any failure is reported as not found.
func (m *Model) GetAccessToken(_ context.Context, token string) (*AccessToken, bool) {
	claims, err := m.codec.Decode(token)
	if err != nil {
		logger.Debugw("access token rejected", "error", err)
		return nil, false
	}
	return &AccessToken{
		Token:     token,
		ProjectID: claims.ProjectID,
		UserID:    claims.UserID,
		ExpiresAt: claims.ExpiresAt,
	}, true
}

// GetRefreshToken looks up a refresh token by signature.
func (m *Model) GetRefreshToken(ctx context.Context, signature string) (*storage.RefreshToken, error) {
	return m.store.GetRefreshToken(ctx, signature)
}

// RevokeToken is called when a refresh token is used. Refresh tokens are not
// rotated, so it keeps the token and reports success.
func (*Model) RevokeToken(_ context.Context, _ string) bool {
	return true
}

func codeNotFound() error {
	return fmt.Errorf("%w: %w", storage.ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
}

// -----------------------
// Redemption scope
// -----------------------

type redemptionKey struct{}

type redemptionScope struct {
	mu    sync.Mutex
	codes map[string]struct{}
}

// WithRedemptionScope returns a context in which codes redeemed by
// RedeemAuthorizationCode stay readable. The token endpoint wraps each request
// in its own scope so only the redeeming request can finish the exchange.
func WithRedemptionScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, redemptionKey{}, &redemptionScope{codes: make(map[string]struct{})})
}

func markRedeemed(ctx context.Context, signature string) bool {
	scope, ok := ctx.Value(redemptionKey{}).(*redemptionScope)
	if !ok {
		return false
	}
	scope.mu.Lock()
	defer scope.mu.Unlock()
	scope.codes[signature] = struct{}{}
	return true
}

func inRedemptionScope(ctx context.Context) bool {
	_, ok := ctx.Value(redemptionKey{}).(*redemptionScope)
	return ok
}

func redeemedInScope(ctx context.Context, signature string) bool {
	scope, ok := ctx.Value(redemptionKey{}).(*redemptionScope)
	if !ok {
		return false
	}
	scope.mu.Lock()
	defer scope.mu.Unlock()
	_, found := scope.codes[signature]
	return found
}
