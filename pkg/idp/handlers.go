// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/openid"

	"github.com/stack-auth/stack-sub005/pkg/logger"
)

// authorizeHandler handles GET /auth. With a live session holding a grant
// that covers the request the code is issued at once; otherwise the request
// is parked in an interaction and the user is sent to sign in.
func (s *server) authorizeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ar, err := s.provider.NewAuthorizeRequest(ctx, r)
	if err != nil {
		logger.Debugw("invalid authorization request", "error", err)
		s.provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}

	prompts := strings.Fields(ar.GetRequestForm().Get("prompt"))
	clientID := ar.GetClient().GetID()

	if !slices.Contains(prompts, "login") {
		sess, err := s.currentSession(ctx, r)
		if err != nil {
			s.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError.WithWrap(err))
			return
		}
		if sess != nil {
			ok, err := s.sessionCovers(ctx, sess, clientID, ar.GetRequestedScopes())
			if err != nil {
				s.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError.WithWrap(err))
				return
			}
			if ok {
				logger.Debugw("authorizing with existing session", "client_id", clientID)
				s.issueCode(ctx, w, ar, sess.AccountID, s.now(), time.Unix(sess.LoginTS, 0))
				return
			}
		}
	}

	if slices.Contains(prompts, "none") {
		s.provider.WriteAuthorizeError(ctx, w, ar,
			fosite.ErrLoginRequired.WithHint("The user is not signed in and prompt=none was requested."))
		return
	}

	uid, err := s.startInteraction(ctx, ar)
	if err != nil {
		s.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError.WithWrap(err))
		return
	}
	http.Redirect(w, r, s.cfg.Issuer+"/interaction/"+url.PathEscape(uid), http.StatusSeeOther)
}

// issueCode grants the requested scopes to accountID and writes the
// authorization response.
func (s *server) issueCode(
	ctx context.Context, w http.ResponseWriter, ar fosite.AuthorizeRequester,
	accountID string, requestedAt, authTime time.Time,
) {
	for _, scope := range ar.GetRequestedScopes() {
		ar.GrantScope(scope)
	}
	for _, audience := range ar.GetRequestedAudience() {
		ar.GrantAudience(audience)
	}

	resp, err := s.provider.NewAuthorizeResponse(ctx, ar, newAccountSession(accountID, requestedAt, authTime))
	if err != nil {
		logger.Debugw("failed to create authorization response", "client_id", ar.GetClient().GetID(), "error", err)
		s.provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}
	s.provider.WriteAuthorizeResponse(ctx, w, ar, resp)
}

// tokenHandler handles POST /token.
func (s *server) tokenHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// The session is only a deserialization template; fosite replaces it with
	// the one stored for the code or refresh token.
	accessRequest, err := s.provider.NewAccessRequest(ctx, r, newSession())
	if err != nil {
		logger.Debugw("failed to create access request", "error", err)
		s.provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	response, err := s.provider.NewAccessResponse(ctx, accessRequest)
	if err != nil {
		logger.Debugw("failed to create access response", "client_id", accessRequest.GetClient().GetID(), "error", err)
		s.provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	s.provider.WriteAccessResponse(ctx, w, accessRequest, response)
}

// revocationHandler handles POST /token/revocation (RFC 7009).
func (s *server) revocationHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	err := s.provider.NewRevocationRequest(ctx, r)
	if err != nil {
		logger.Debugw("token revocation failed", "error", err)
	}
	s.provider.WriteRevocationResponse(ctx, w, err)
}

// introspectionHandler handles POST /token/introspection (RFC 7662).
func (s *server) introspectionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ir, err := s.provider.NewIntrospectionRequest(ctx, r, newSession())
	if err != nil {
		logger.Debugw("token introspection failed", "error", err)
		s.provider.WriteIntrospectionError(ctx, w, err)
		return
	}
	s.provider.WriteIntrospectionResponse(ctx, w, ir)
}

// userInfoHandler handles GET /me, the OpenID Connect userinfo endpoint.
func (s *server) userInfoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := fosite.AccessTokenFromRequest(r)
	if token == "" {
		writeBearerError(w, "invalid_request", "The access token is missing.")
		return
	}

	_, ar, err := s.provider.IntrospectToken(ctx, token, fosite.AccessToken, newSession(), "openid")
	if err != nil {
		logger.Debugw("userinfo request with an invalid access token", "error", err)
		writeBearerError(w, "invalid_token", "The access token is not valid.")
		return
	}

	sess, ok := ar.GetSession().(*openid.DefaultSession)
	if !ok || sess.Subject == "" {
		logger.Errorw("access token session has no subject", "client_id", ar.GetClient().GetID())
		writeBearerError(w, "invalid_token", "The access token is not valid.")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(map[string]any{"sub": sess.Subject}); err != nil {
		logger.Errorw("failed to encode userinfo response", "error", err)
	}
}

// writeBearerError writes an RFC 6750 error response.
func writeBearerError(w http.ResponseWriter, code, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`", error_description="`+description+`"`)
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusUnauthorized
	if code == "invalid_request" {
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": description})
}
