// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/oauth2"
	"github.com/ory/fosite/handler/pkce"

	"github.com/stack-auth/stack-sub005/pkg/authserver/storage"
	"github.com/stack-auth/stack-sub005/pkg/logger"
)

// The Model is fosite's storage. Authorization code redemption runs in this order:
//
//	GetAuthorizeCodeSession     atomically redeems the code (the single winner)
//	GetPKCERequestSession       visible only inside the winner's redemption scope
//	DeletePKCERequestSession    no-op, the code is already redeemed
//	GetAuthorizeCodeSession     visible only inside the winner's redemption scope
//	InvalidateAuthorizeCodeSession  deletes the code
//
// Client, redirect URI and PKCE checks all run after redemption, so a code is
// spent by the first exchange attempt whatever its outcome.

// -----------------------
// fosite.ClientManager
// -----------------------

// GetClient resolves a project as a public client.
func (m *Model) GetClient(ctx context.Context, id string) (fosite.Client, error) {
	client, err := m.ResolveClient(ctx, id, "")
	if err != nil {
		return nil, errors.Join(fosite.ErrNotFound.WithHint("Client not found"), err)
	}
	return client, nil
}

// ClientAssertionJWTValid always succeeds; clients never authenticate with assertions.
func (*Model) ClientAssertionJWTValid(_ context.Context, _ string) error {
	return nil
}

// SetClientAssertionJWT is a no-op; clients never authenticate with assertions.
func (*Model) SetClientAssertionJWT(_ context.Context, _ string, _ time.Time) error {
	return nil
}

// -----------------------
// oauth2.AuthorizeCodeStorage
// -----------------------

// CreateAuthorizeCodeSession stores an issued code.
func (m *Model) CreateAuthorizeCodeSession(ctx context.Context, signature string, request fosite.Requester) error {
	sess, ok := request.GetSession().(*Session)
	if !ok {
		return fosite.ErrServerError.WithHint("unexpected session type")
	}
	form := request.GetRequestForm()

	return m.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Signature:                signature,
		RequestID:                request.GetID(),
		ClientID:                 request.GetClient().GetID(),
		UserID:                   sess.UserID,
		RedirectURI:              form.Get("redirect_uri"),
		Scopes:                   request.GetGrantedScopes(),
		CodeChallenge:            form.Get("code_challenge"),
		CodeChallengeMethod:      form.Get("code_challenge_method"),
		IsNewUser:                sess.IsNewUser,
		AfterCallbackRedirectURL: sess.AfterCallbackRedirectURL,
		RequestedAt:              request.GetRequestedAt(),
		ExpiresAt:                sess.GetExpiresAt(fosite.AuthorizeCode),
	})
}

// GetAuthorizeCodeSession returns the request a code was issued for. The
// first read inside a redemption scope redeems the code; later reads in the
// same scope see it again. Outside a scope the code is only read.
func (m *Model) GetAuthorizeCodeSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	var (
		code *storage.AuthorizationCode
		err  error
	)
	if inRedemptionScope(ctx) && !redeemedInScope(ctx, signature) {
		code, err = m.RedeemAuthorizationCode(ctx, signature)
	} else {
		code, err = m.GetAuthorizationCode(ctx, signature)
	}
	if err != nil {
		return nil, err
	}
	return m.codeRequester(ctx, code)
}

// InvalidateAuthorizeCodeSession deletes a redeemed code.
func (m *Model) InvalidateAuthorizeCodeSession(ctx context.Context, signature string) error {
	return m.RevokeAuthorizationCode(ctx, signature)
}

func (m *Model) codeRequester(ctx context.Context, code *storage.AuthorizationCode) (fosite.Requester, error) {
	client, err := m.GetClient(ctx, code.ClientID)
	if err != nil {
		return nil, err
	}

	sess := NewSession(code.ClientID, code.UserID)
	sess.IsNewUser = code.IsNewUser
	sess.AfterCallbackRedirectURL = code.AfterCallbackRedirectURL
	sess.SetExpiresAt(fosite.AuthorizeCode, code.ExpiresAt)

	req := fosite.NewRequest()
	req.ID = code.RequestID
	req.RequestedAt = code.RequestedAt
	req.Client = client
	req.Session = sess
	req.RequestedScope = fosite.Arguments(code.Scopes)
	req.GrantedScope = fosite.Arguments(code.Scopes)
	req.Form = url.Values{"redirect_uri": {code.RedirectURI}}
	if code.CodeChallenge != "" {
		req.Form.Set("code_challenge", code.CodeChallenge)
		req.Form.Set("code_challenge_method", code.CodeChallengeMethod)
	}
	return req, nil
}

// -----------------------
// pkce.PKCERequestStorage
// -----------------------

// CreatePKCERequestSession is a no-op; the challenge is stored with the code.
func (*Model) CreatePKCERequestSession(_ context.Context, _ string, _ fosite.Requester) error {
	return nil
}

// GetPKCERequestSession returns the PKCE challenge of a code redeemed in the
// redemption scope of ctx.
func (m *Model) GetPKCERequestSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	code, err := m.GetAuthorizationCode(ctx, signature)
	if err != nil {
		return nil, err
	}
	return m.codeRequester(ctx, code)
}

// DeletePKCERequestSession is a no-op; the code was redeemed by GetAuthorizeCodeSession.
func (*Model) DeletePKCERequestSession(_ context.Context, _ string) error {
	return nil
}

// -----------------------
// oauth2.AccessTokenStorage
// -----------------------

// CreateAccessTokenSession is a no-op; access tokens are not persisted.
func (*Model) CreateAccessTokenSession(_ context.Context, _ string, _ fosite.Requester) error {
	return nil
}

// GetAccessTokenSession always fails: access tokens have no server-side record.
// Use GetAccessToken with the token itself.
func (*Model) GetAccessTokenSession(_ context.Context, _ string, _ fosite.Session) (fosite.Requester, error) {
	return nil, fosite.ErrNotFound.WithHint("Access tokens are not stored")
}

// DeleteAccessTokenSession is a no-op; access tokens are not persisted.
func (*Model) DeleteAccessTokenSession(_ context.Context, _ string) error {
	return nil
}

// -----------------------
// oauth2.RefreshTokenStorage
// -----------------------

// CreateRefreshTokenSession persists a refresh token through SaveToken.
func (m *Model) CreateRefreshTokenSession(ctx context.Context, signature string, _ string, request fosite.Requester) error {
	sess, ok := request.GetSession().(*Session)
	if !ok {
		return fosite.ErrServerError.WithHint("unexpected session type")
	}

	var expiresAt *time.Time
	if exp := sess.GetExpiresAt(fosite.RefreshToken); !exp.IsZero() {
		expiresAt = &exp
	}

	_, err := m.SaveToken(ctx, &Token{
		RequestID:                request.GetID(),
		ClientID:                 request.GetClient().GetID(),
		UserID:                   sess.UserID,
		Scopes:                   request.GetGrantedScopes(),
		RefreshTokenSignature:    signature,
		RefreshTokenExpiresAt:    expiresAt,
		IsNewUser:                sess.IsNewUser,
		AfterCallbackRedirectURL: sess.AfterCallbackRedirectURL,
	})
	return err
}

// GetRefreshTokenSession returns the request a refresh token was issued for.
func (m *Model) GetRefreshTokenSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	token, err := m.GetRefreshToken(ctx, signature)
	if err != nil {
		return nil, err
	}

	client, err := m.GetClient(ctx, token.ClientID)
	if err != nil {
		return nil, err
	}

	sess := NewSession(token.ClientID, token.UserID)
	if token.ExpiresAt != nil {
		sess.SetExpiresAt(fosite.RefreshToken, *token.ExpiresAt)
	}

	req := fosite.NewRequest()
	req.ID = token.RequestID
	req.RequestedAt = token.RequestedAt
	req.Client = client
	req.Session = sess
	req.RequestedScope = fosite.Arguments(token.Scopes)
	req.GrantedScope = fosite.Arguments(token.Scopes)
	return req, nil
}

// DeleteRefreshTokenSession deletes a refresh token.
func (m *Model) DeleteRefreshTokenSession(ctx context.Context, signature string) error {
	return m.store.DeleteRefreshToken(ctx, signature)
}

// RotateRefreshToken keeps the used token; see RevokeToken.
func (m *Model) RotateRefreshToken(ctx context.Context, _ string, refreshTokenSignature string) error {
	m.RevokeToken(ctx, refreshTokenSignature)
	return nil
}

// -----------------------
// oauth2.TokenRevocationStorage
// -----------------------

// RevokeAccessToken is a no-op; access tokens expire on their own.
func (*Model) RevokeAccessToken(_ context.Context, _ string) error {
	return nil
}

// RevokeRefreshToken deletes every refresh token of a request.
func (m *Model) RevokeRefreshToken(ctx context.Context, requestID string) error {
	logger.Debugw("revoking refresh tokens", "request_id", requestID)
	return m.store.DeleteRefreshTokensByRequestID(ctx, requestID)
}

// RevokeRefreshTokenMaybeGracePeriod keeps the used token; see RevokeToken.
func (m *Model) RevokeRefreshTokenMaybeGracePeriod(ctx context.Context, _ string, signature string) error {
	m.RevokeToken(ctx, signature)
	return nil
}

var (
	_ fosite.ClientManager          = (*Model)(nil)
	_ oauth2.AuthorizeCodeStorage   = (*Model)(nil)
	_ oauth2.AccessTokenStorage     = (*Model)(nil)
	_ oauth2.RefreshTokenStorage    = (*Model)(nil)
	_ oauth2.TokenRevocationStorage = (*Model)(nil)
	_ pkce.PKCERequestStorage       = (*Model)(nil)
)
