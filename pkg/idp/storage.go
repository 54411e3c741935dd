// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/oauth2"
	"github.com/ory/fosite/handler/openid"
	"github.com/ory/fosite/handler/pkce"

	"github.com/stack-auth/stack-sub005/pkg/idp/adapter"
	"github.com/stack-auth/stack-sub005/pkg/logger"
)

// Models of the records the provider keeps in the adapter.
const (
	modelAuthorizationCode = "AuthorizationCode"
	modelAccessToken       = "AccessToken"
	modelRefreshToken      = "RefreshToken"
	modelPKCE              = "PKCE"
	modelOIDCSession       = "OIDCSession"
	modelClientAssertion   = "ClientAssertion"
	modelInteraction       = "Interaction"
	modelSession           = "Session"
	modelGrant             = "Grant"
)

// storedRequest is the payload of every request-backed record. GrantID is
// the fosite request id, which stays the same across refreshes, so that all
// tokens of a grant can be revoked together.
type storedRequest struct {
	ID                string          `json:"id"`
	GrantID           string          `json:"grantId"`
	RequestedAt       time.Time       `json:"requestedAt"`
	ClientID          string          `json:"clientId"`
	RequestedScopes   []string        `json:"requestedScopes,omitempty"`
	GrantedScopes     []string        `json:"grantedScopes,omitempty"`
	RequestedAudience []string        `json:"requestedAudience,omitempty"`
	GrantedAudience   []string        `json:"grantedAudience,omitempty"`
	Form              url.Values      `json:"form,omitempty"`
	Session           json.RawMessage `json:"session,omitempty"`
}

// store implements the fosite storage interfaces on top of the adapter.
// Codes, tokens and PKCE requests are keyed by their signature.
type store struct {
	adapter *adapter.Adapter
	clients map[string]*fosite.DefaultClient
	cfg     *Config
	now     func() time.Time
}

func newStore(a *adapter.Adapter, clients map[string]*fosite.DefaultClient, cfg *Config) *store {
	return &store{adapter: a, clients: clients, cfg: cfg, now: time.Now}
}

func notFound(what string) error {
	return fosite.ErrNotFound.WithHintf("%s not found", what)
}

// ttl returns the remaining lifetime of the token of the request, or fallback
// when the session carries no expiry for it.
func (s *store) ttl(request fosite.Requester, tokenType fosite.TokenType, fallback time.Duration) time.Duration {
	if sess := request.GetSession(); sess != nil {
		if exp := sess.GetExpiresAt(tokenType); !exp.IsZero() {
			return max(exp.Sub(s.now()), time.Second)
		}
	}
	return fallback
}

func (*store) encode(request fosite.Requester) (adapter.Payload, error) {
	session, err := json.Marshal(request.GetSession())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return adapter.NewPayload(storedRequest{
		ID:                request.GetID(),
		GrantID:           request.GetID(),
		RequestedAt:       request.GetRequestedAt(),
		ClientID:          request.GetClient().GetID(),
		RequestedScopes:   request.GetRequestedScopes(),
		GrantedScopes:     request.GetGrantedScopes(),
		RequestedAudience: request.GetRequestedAudience(),
		GrantedAudience:   request.GetGrantedAudience(),
		Form:              request.GetRequestForm(),
		Session:           session,
	})
}

func (s *store) decode(payload adapter.Payload) (*fosite.Request, error) {
	var sr storedRequest
	if err := payload.Decode(&sr); err != nil {
		return nil, err
	}

	client, ok := s.clients[sr.ClientID]
	if !ok {
		return nil, notFound("client")
	}

	session := newSession()
	if len(sr.Session) > 0 {
		if err := json.Unmarshal(sr.Session, session); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session: %w", err)
		}
	}

	form := sr.Form
	if form == nil {
		form = url.Values{}
	}

	return &fosite.Request{
		ID:                sr.ID,
		RequestedAt:       sr.RequestedAt,
		Client:            client,
		RequestedScope:    sr.RequestedScopes,
		GrantedScope:      sr.GrantedScopes,
		RequestedAudience: sr.RequestedAudience,
		GrantedAudience:   sr.GrantedAudience,
		Form:              form,
		Session:           session,
	}, nil
}

func (s *store) put(ctx context.Context, model, id string, request fosite.Requester, ttl time.Duration) error {
	if id == "" {
		return fosite.ErrInvalidRequest.WithHintf("%s key cannot be empty", model)
	}
	payload, err := s.encode(request)
	if err != nil {
		return err
	}
	return s.adapter.Upsert(ctx, model, id, payload, ttl)
}

func (s *store) get(ctx context.Context, model, id, what string) (adapter.Payload, fosite.Requester, error) {
	payload, err := s.adapter.Find(ctx, model, id)
	if err != nil {
		return nil, nil, err
	}
	if payload == nil {
		logger.Debugw("protocol state record not found", "model", model)
		return nil, nil, notFound(what)
	}
	request, err := s.decode(payload)
	if err != nil {
		return nil, nil, err
	}
	return payload, request, nil
}

// -----------------------
// fosite.ClientManager
// -----------------------

// GetClient returns a registered client.
func (s *store) GetClient(_ context.Context, id string) (fosite.Client, error) {
	client, ok := s.clients[id]
	if !ok {
		logger.Debugw("client not found", "client_id", id)
		return nil, notFound("client")
	}
	return client, nil
}

// ClientAssertionJWTValid returns fosite.ErrJTIKnown when the JTI was seen.
func (s *store) ClientAssertionJWTValid(ctx context.Context, jti string) error {
	payload, err := s.adapter.Find(ctx, modelClientAssertion, jti)
	if err != nil {
		return err
	}
	if payload != nil {
		return fosite.ErrJTIKnown
	}
	return nil
}

// SetClientAssertionJWT remembers the JTI until exp.
func (s *store) SetClientAssertionJWT(ctx context.Context, jti string, exp time.Time) error {
	return s.adapter.Upsert(ctx, modelClientAssertion, jti, adapter.Payload{"jti": jti},
		max(exp.Sub(s.now()), time.Second))
}

// -----------------------
// oauth2.AuthorizeCodeStorage
// -----------------------

// CreateAuthorizeCodeSession stores the request of an issued code.
func (s *store) CreateAuthorizeCodeSession(ctx context.Context, signature string, request fosite.Requester) error {
	return s.put(ctx, modelAuthorizationCode, signature, request,
		s.ttl(request, fosite.AuthorizeCode, s.cfg.AuthCodeLifespan))
}

// GetAuthorizeCodeSession returns the request of a code. A consumed code
// yields the request together with fosite.ErrInvalidatedAuthorizeCode, which
// lets fosite revoke the tokens issued from it.
func (s *store) GetAuthorizeCodeSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	payload, request, err := s.get(ctx, modelAuthorizationCode, signature, "authorization code")
	if err != nil {
		return nil, err
	}
	if payload.Consumed() {
		return request, fosite.ErrInvalidatedAuthorizeCode
	}
	return request, nil
}

// InvalidateAuthorizeCodeSession consumes a code. Only one caller can
// consume it; the others fail.
func (s *store) InvalidateAuthorizeCodeSession(ctx context.Context, signature string) error {
	consumedAt := s.now().Unix()
	_, err := s.adapter.AtomicUpdate(ctx, modelAuthorizationCode, adapter.ByID(signature),
		func(old *adapter.Record) (*adapter.Record, error) {
			if old == nil {
				return nil, notFound("authorization code")
			}
			if old.Payload.Consumed() {
				return nil, fosite.ErrInvalidatedAuthorizeCode
			}
			old.Payload[adapter.PropertyConsumed] = consumedAt
			return &adapter.Record{Payload: old.Payload, ExpiresAt: old.ExpiresAt}, nil
		})
	return err
}

// -----------------------
// oauth2.AccessTokenStorage
// -----------------------

// CreateAccessTokenSession stores the request of an access token.
func (s *store) CreateAccessTokenSession(ctx context.Context, signature string, request fosite.Requester) error {
	return s.put(ctx, modelAccessToken, signature, request,
		s.ttl(request, fosite.AccessToken, s.cfg.AccessTokenLifespan))
}

// GetAccessTokenSession returns the request of an access token.
func (s *store) GetAccessTokenSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	_, request, err := s.get(ctx, modelAccessToken, signature, "access token")
	return request, err
}

// DeleteAccessTokenSession deletes an access token.
func (s *store) DeleteAccessTokenSession(ctx context.Context, signature string) error {
	return s.adapter.Destroy(ctx, modelAccessToken, signature)
}

// -----------------------
// oauth2.RefreshTokenStorage
// -----------------------

// CreateRefreshTokenSession stores the request of a refresh token.
func (s *store) CreateRefreshTokenSession(ctx context.Context, signature string, _ string, request fosite.Requester) error {
	return s.put(ctx, modelRefreshToken, signature, request,
		s.ttl(request, fosite.RefreshToken, s.cfg.RefreshTokenLifespan))
}

// GetRefreshTokenSession returns the request of a refresh token.
func (s *store) GetRefreshTokenSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	_, request, err := s.get(ctx, modelRefreshToken, signature, "refresh token")
	return request, err
}

// DeleteRefreshTokenSession deletes a refresh token.
func (s *store) DeleteRefreshTokenSession(ctx context.Context, signature string) error {
	return s.adapter.Destroy(ctx, modelRefreshToken, signature)
}

// RotateRefreshToken deletes the used refresh token and the access token of
// its grant. A refresh token that is already gone fails the rotation, so
// concurrent refreshes with one token leave a single winner.
func (s *store) RotateRefreshToken(ctx context.Context, requestID string, refreshTokenSignature string) error {
	if _, err := s.adapter.AtomicUpdate(ctx, modelRefreshToken, adapter.ByID(refreshTokenSignature),
		func(old *adapter.Record) (*adapter.Record, error) {
			if old == nil {
				return nil, notFound("refresh token")
			}
			return nil, nil
		}); err != nil {
		return err
	}
	return s.adapter.RevokeByGrantID(ctx, modelAccessToken, requestID)
}

// -----------------------
// oauth2.TokenRevocationStorage
// -----------------------

// RevokeAccessToken deletes the access token of the grant.
func (s *store) RevokeAccessToken(ctx context.Context, requestID string) error {
	return s.adapter.RevokeByGrantID(ctx, modelAccessToken, requestID)
}

// RevokeRefreshToken deletes the refresh token of the grant.
func (s *store) RevokeRefreshToken(ctx context.Context, requestID string) error {
	return s.adapter.RevokeByGrantID(ctx, modelRefreshToken, requestID)
}

// RevokeRefreshTokenMaybeGracePeriod revokes immediately; there is no grace period.
func (s *store) RevokeRefreshTokenMaybeGracePeriod(ctx context.Context, requestID string, _ string) error {
	return s.RevokeRefreshToken(ctx, requestID)
}

// -----------------------
// pkce.PKCERequestStorage
// -----------------------

// CreatePKCERequestSession stores the PKCE challenge of a code.
func (s *store) CreatePKCERequestSession(ctx context.Context, signature string, request fosite.Requester) error {
	return s.put(ctx, modelPKCE, signature, request,
		s.ttl(request, fosite.AuthorizeCode, s.cfg.AuthCodeLifespan))
}

// GetPKCERequestSession returns the PKCE request of a code.
func (s *store) GetPKCERequestSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	_, request, err := s.get(ctx, modelPKCE, signature, "PKCE request")
	return request, err
}

// DeletePKCERequestSession deletes the PKCE request of a code.
func (s *store) DeletePKCERequestSession(ctx context.Context, signature string) error {
	return s.adapter.Destroy(ctx, modelPKCE, signature)
}

// -----------------------
// openid.OpenIDConnectRequestStorage
// -----------------------

// oidcSessionID keys OpenID Connect sessions, which fosite stores by raw
// authorization code, by a digest of the code instead.
func oidcSessionID(authorizeCode string) string {
	sum := sha256.Sum256([]byte(authorizeCode))
	return hex.EncodeToString(sum[:])
}

// CreateOpenIDConnectSession stores the OpenID Connect request of a code.
func (s *store) CreateOpenIDConnectSession(ctx context.Context, authorizeCode string, requester fosite.Requester) error {
	return s.put(ctx, modelOIDCSession, oidcSessionID(authorizeCode), requester,
		s.ttl(requester, fosite.AuthorizeCode, s.cfg.AuthCodeLifespan))
}

// GetOpenIDConnectSession returns the OpenID Connect request of a code.
func (s *store) GetOpenIDConnectSession(
	ctx context.Context, authorizeCode string, _ fosite.Requester,
) (fosite.Requester, error) {
	_, request, err := s.get(ctx, modelOIDCSession, oidcSessionID(authorizeCode), "OpenID Connect session")
	return request, err
}

// DeleteOpenIDConnectSession deletes the OpenID Connect request of a code.
func (s *store) DeleteOpenIDConnectSession(ctx context.Context, authorizeCode string) error {
	return s.adapter.Destroy(ctx, modelOIDCSession, oidcSessionID(authorizeCode))
}

// Compile-time interface checks.
var (
	_ fosite.ClientManager               = (*store)(nil)
	_ oauth2.AuthorizeCodeStorage        = (*store)(nil)
	_ oauth2.AccessTokenStorage          = (*store)(nil)
	_ oauth2.RefreshTokenStorage         = (*store)(nil)
	_ oauth2.TokenRevocationStorage      = (*store)(nil)
	_ pkce.PKCERequestStorage            = (*store)(nil)
	_ openid.OpenIDConnectRequestStorage = (*store)(nil)
)
