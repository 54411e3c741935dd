// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"time"
)

// tokenExpirationBuffer is the time buffer before actual expiration to consider a token expired.
// This accounts for clock skew and network latency.
const tokenExpirationBuffer = 30 * time.Second

// TokenSet is the normalized token response of an upstream provider.
type TokenSet struct {
	// AccessToken is always set. A token response without one is rejected.
	AccessToken string

	// RefreshToken is the refresh token from the upstream provider (if provided).
	RefreshToken string

	// IDToken is the ID token from the upstream provider (if provided).
	IDToken string

	// Scope is the scope granted by the provider, when it reports one.
	Scope string

	// ExpiresAt is when the access token expires.
	ExpiresAt time.Time
}

// IsExpired returns true if the access token has expired or will expire within the buffer period.
// Returns true for nil receivers (treating nil tokens as expired).
func (t *TokenSet) IsExpired() bool {
	if t == nil {
		return true
	}
	return time.Now().Add(tokenExpirationBuffer).After(t.ExpiresAt)
}

// UserInfo is the canonical identity every provider produces.
type UserInfo struct {
	AccountID       string `json:"accountId"`
	DisplayName     string `json:"displayName"`
	Email           string `json:"email"`
	EmailVerified   bool   `json:"emailVerified"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`

	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
}

// AuthorizationParams are the inputs to AuthorizationURL.
type AuthorizationParams struct {
	// CodeVerifier is the PKCE verifier. The S256 challenge is derived from it.
	CodeVerifier string
	// State correlates the upstream callback with the pending authorization.
	State string
	// ExtraScope is merged with the provider's base scope.
	ExtraScope string
}

// CallbackParams are the inputs to Callback.
type CallbackParams struct {
	// Code and State are the query parameters the provider redirected back with.
	Code  string
	State string
	// Error is the provider's error parameter, if the user denied access.
	Error string

	CodeVerifier  string
	ExpectedState string
}

// CallbackResult is the outcome of a successful callback.
type CallbackResult struct {
	UserInfo *UserInfo
	TokenSet *TokenSet
}

// Provider is an upstream identity provider.
type Provider interface {
	// ID returns the provider identifier ("google", "github", ...).
	ID() string

	// Scope returns the provider's static base scope.
	Scope() string

	// AuthorizationURL builds the URL to redirect the user to the provider.
	AuthorizationURL(params AuthorizationParams) (string, error)

	// Callback redeems the upstream authorization code and resolves the
	// user's canonical identity.
	Callback(ctx context.Context, params CallbackParams) (*CallbackResult, error)

	// RefreshAccessToken exchanges an upstream refresh token for a new access
	// token, optionally narrowing it to scope.
	RefreshAccessToken(ctx context.Context, refreshToken, scope string) (*TokenSet, error)
}
