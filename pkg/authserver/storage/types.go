// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the persistence layer of the authorization server:
// authorization codes, refresh tokens, pending (outer) authorizations and
// upstream refresh tokens of connected accounts.
package storage

//go:generate mockgen -destination=mocks/mock_storage.go -package=mocks -source=types.go Storage

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist, or no longer exists.
	ErrNotFound = errors.New("storage: not found")

	// ErrExpired is returned when a record exists but its lifetime has passed.
	ErrExpired = errors.New("storage: expired")

	// ErrAlreadyExists is returned when creating a record under a key that is taken.
	ErrAlreadyExists = errors.New("storage: already exists")
)

// AuthorizationCode is an issued authorization code, keyed by its signature.
type AuthorizationCode struct {
	// Signature is the storage key derived from the code. The code itself is never stored.
	Signature string `json:"signature"`

	// RequestID ties the code to the tokens minted from it.
	RequestID string `json:"request_id"`

	ClientID    string   `json:"client_id"`
	UserID      string   `json:"user_id"`
	RedirectURI string   `json:"redirect_uri"`
	Scopes      []string `json:"scopes"`

	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`

	// IsNewUser is true when the user was created by the flow that issued the code.
	IsNewUser bool `json:"is_new_user"`

	// AfterCallbackRedirectURL is handed back to the client in the token response.
	AfterCallbackRedirectURL string `json:"after_callback_redirect_url,omitempty"`

	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`

	// Redeemed is set by RedeemAuthorizationCode. A redeemed code is never handed
	// out as redeemable again.
	Redeemed bool `json:"redeemed"`
}

// IsExpired reports whether the code's lifetime has passed.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

func (c *AuthorizationCode) clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// RefreshToken is an issued refresh token, keyed by its signature.
type RefreshToken struct {
	Signature string   `json:"signature"`
	RequestID string   `json:"request_id"`
	ClientID  string   `json:"client_id"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`

	RequestedAt time.Time `json:"requested_at"`

	// ExpiresAt is nil for tokens that never expire.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the token's lifetime has passed.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

func (t *RefreshToken) clone() *RefreshToken {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	if t.ExpiresAt != nil {
		exp := *t.ExpiresAt
		cp.ExpiresAt = &exp
	}
	return &cp
}

// FlowType distinguishes a sign-in from linking an upstream account to an
// already signed-in user.
type FlowType string

const (
	// FlowAuthenticate signs the user in, creating them if needed.
	FlowAuthenticate FlowType = "authenticate"
	// FlowLink connects an upstream account to ProjectUserID.
	FlowLink FlowType = "link"
)

// PendingAuthorization is the client's authorization request, parked while the
// user authenticates with the upstream provider. It is keyed by the inner state
// sent upstream.
type PendingAuthorization struct {
	ProjectID            string `json:"project_id"`
	PublishableClientKey string `json:"publishable_client_key"`
	ProviderID           string `json:"provider_id"`

	// InnerCodeVerifier is the PKCE verifier of the upstream leg.
	InnerCodeVerifier string `json:"inner_code_verifier"`

	// Client request parameters, replayed into the engine on callback.
	RedirectURI         string   `json:"redirect_uri"`
	Scopes              []string `json:"scopes"`
	State               string   `json:"state"`
	CodeChallenge       string   `json:"code_challenge"`
	CodeChallengeMethod string   `json:"code_challenge_method"`
	ResponseType        string   `json:"response_type"`

	Type          FlowType `json:"type"`
	ProjectUserID string   `json:"project_user_id,omitempty"`

	// ProviderScope is the extra upstream scope requested on top of the provider's base scope.
	ProviderScope string `json:"provider_scope,omitempty"`

	ErrorRedirectURL         string `json:"error_redirect_url,omitempty"`
	AfterCallbackRedirectURL string `json:"after_callback_redirect_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the pending authorization has timed out.
func (p *PendingAuthorization) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

func (p *PendingAuthorization) clone() *PendingAuthorization {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Scopes = slices.Clone(p.Scopes)
	return &cp
}

// UpstreamToken is a refresh token obtained from an upstream provider for a
// connected account.
type UpstreamToken struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	ProviderID   string   `json:"provider_id"`
	AccountID    string   `json:"account_id"`
	UserID       string   `json:"user_id"`
	RefreshToken string   `json:"refresh_token"`
	Scopes       []string `json:"scopes"`

	CreatedAt time.Time `json:"created_at"`
}

// HasScopes reports whether the token was granted every scope in required.
func (t *UpstreamToken) HasScopes(required []string) bool {
	for _, s := range required {
		if !slices.Contains(t.Scopes, s) {
			return false
		}
	}
	return true
}

func (t *UpstreamToken) clone() *UpstreamToken {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp
}

// AuthorizationCodeStorage stores authorization codes.
type AuthorizationCodeStorage interface {
	// SaveAuthorizationCode stores a new code. Returns ErrAlreadyExists if the signature is taken.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode returns the code, redeemed or not. Expired codes are ErrNotFound.
	GetAuthorizationCode(ctx context.Context, signature string) (*AuthorizationCode, error)

	// RedeemAuthorizationCode atomically marks the code redeemed and returns it.
	// Only one caller ever succeeds; every other caller, and any caller after
	// expiry, gets ErrNotFound.
	RedeemAuthorizationCode(ctx context.Context, signature string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes the code. Deleting a missing code is not an error.
	DeleteAuthorizationCode(ctx context.Context, signature string) error
}

// RefreshTokenStorage stores refresh tokens.
type RefreshTokenStorage interface {
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns ErrNotFound for missing and expired tokens alike.
	GetRefreshToken(ctx context.Context, signature string) (*RefreshToken, error)

	DeleteRefreshToken(ctx context.Context, signature string) error

	// DeleteRefreshTokensByRequestID removes every refresh token minted by one request.
	DeleteRefreshTokensByRequestID(ctx context.Context, requestID string) error
}

// PendingAuthorizationStorage stores pending (outer) authorizations.
type PendingAuthorizationStorage interface {
	StorePendingAuthorization(ctx context.Context, state string, pending *PendingAuthorization) error

	// ConsumePendingAuthorization returns and removes the pending authorization.
	// Returns ErrNotFound when unknown or already consumed. A timed-out record is
	// still removed and returned, together with ErrExpired.
	ConsumePendingAuthorization(ctx context.Context, state string) (*PendingAuthorization, error)
}

// UpstreamTokenStorage stores upstream refresh tokens of connected accounts.
type UpstreamTokenStorage interface {
	StoreUpstreamToken(ctx context.Context, token *UpstreamToken) error

	// ListUpstreamTokens returns the tokens of one user for one provider, oldest first.
	ListUpstreamTokens(ctx context.Context, projectID, providerID, userID string) ([]*UpstreamToken, error)

	DeleteUpstreamToken(ctx context.Context, id string) error
}

// Storage is the complete persistence surface of the authorization server.
type Storage interface {
	AuthorizationCodeStorage
	RefreshTokenStorage
	PendingAuthorizationStorage
	UpstreamTokenStorage

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}
