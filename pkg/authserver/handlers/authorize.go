// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"crypto/rand"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/stack-auth/stack-sub005/pkg/authserver/storage"
	"github.com/stack-auth/stack-sub005/pkg/authserver/upstream"
	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
	"github.com/stack-auth/stack-sub005/pkg/logger"
)

// innerStateCookiePrefix names the CSRF cookie binding the browser to the inner state.
const innerStateCookiePrefix = "stack-oauth-inner-"

// pkceMethodS256 is the only accepted code_challenge_method.
const pkceMethodS256 = "S256"

func innerStateCookieName(state string) string {
	return innerStateCookiePrefix + state
}

// AuthorizeHandler handles GET /auth/oauth/authorize/{provider}.
// It validates the client's authorization request, parks it as a pending
// authorization and redirects the browser to the upstream provider.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	providerID := chi.URLParam(req, "provider")
	q := req.URL.Query()

	clientID := q.Get("client_id")
	clientKey := q.Get("client_secret")
	if clientID == "" {
		apierrors.WriteJSON(w, apierrors.NewInvalidArgumentError("client_id is required", nil))
		return
	}
	if clientKey == "" {
		apierrors.WriteJSON(w, apierrors.NewError(apierrors.ErrInvalidPublishableClientKey,
			"client_secret must be a publishable client key of the project", nil))
		return
	}

	client, err := h.model.ResolveClient(ctx, clientID, clientKey)
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}

	providerCfg, ok := client.Project.Provider(providerID)
	if !ok {
		apierrors.WriteJSON(w, apierrors.NewError(apierrors.ErrOAuthProviderNotFoundOrNotEnabled,
			"oauth provider "+providerID+" is not enabled for this project", nil))
		return
	}

	params, err := h.parseAuthorizeParams(req)
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}
	if params.providerScope != "" && providerCfg.IsShared() {
		apierrors.WriteJSON(w, apierrors.NewError(apierrors.ErrOAuthExtraScopeNotAvailableWithSharedOAuthKeys,
			"extra provider scopes require the project's own oauth credentials", nil))
		return
	}

	scopes, err := h.model.ValidateScope(strings.Fields(q.Get("scope")))
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}

	if !h.model.ValidateRedirectURI(ctx, clientID, params.redirectURI) {
		logger.Debugw("redirect uri not whitelisted", "client_id", clientID)
		apierrors.WriteJSON(w, apierrors.NewError(apierrors.ErrRedirectURLNotWhitelisted,
			"redirect_uri is not whitelisted for this project", nil))
		return
	}

	flow := storage.FlowAuthenticate
	var projectUserID string
	switch t := q.Get("type"); t {
	case "", string(storage.FlowAuthenticate):
	case string(storage.FlowLink):
		claims, err := h.codec.Decode(q.Get("token"))
		if err != nil {
			apierrors.WriteJSON(w, err)
			return
		}
		if claims.ProjectID != clientID {
			apierrors.WriteJSON(w, apierrors.NewInvalidArgumentError(
				"the access token is not valid for this project", nil))
			return
		}
		flow = storage.FlowLink
		projectUserID = claims.UserID
	default:
		apierrors.WriteJSON(w, apierrors.NewInvalidArgumentError("type must be authenticate or link", nil))
		return
	}

	prov, err := h.upstreams.Provider(providerCfg)
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}

	innerState := rand.Text()
	innerVerifier := oauth2.GenerateVerifier()

	upstreamURL, err := prov.AuthorizationURL(upstream.AuthorizationParams{
		CodeVerifier: innerVerifier,
		State:        innerState,
		ExtraScope:   params.providerScope,
	})
	if err != nil {
		apierrors.WriteJSON(w, apierrors.NewInternalError("failed to build upstream authorization URL", err))
		return
	}

	now := h.now()
	pending := &storage.PendingAuthorization{
		ProjectID:                clientID,
		PublishableClientKey:     clientKey,
		ProviderID:               providerID,
		InnerCodeVerifier:        innerVerifier,
		RedirectURI:              params.redirectURI,
		Scopes:                   scopes,
		State:                    params.state,
		CodeChallenge:            params.codeChallenge,
		CodeChallengeMethod:      params.codeChallengeMethod,
		ResponseType:             params.responseType,
		Type:                     flow,
		ProjectUserID:            projectUserID,
		ProviderScope:            params.providerScope,
		ErrorRedirectURL:         params.errorRedirectURL,
		AfterCallbackRedirectURL: params.afterCallbackRedirectURL,
		CreatedAt:                now,
		ExpiresAt:                now.Add(h.config.PendingAuthorizationTTL),
	}
	if err := h.storage.StorePendingAuthorization(ctx, innerState, pending); err != nil {
		apierrors.WriteJSON(w, apierrors.NewInternalError("failed to store authorization request", err))
		return
	}

	logger.Debugw("redirecting to upstream provider",
		"client_id", clientID,
		"provider", providerID,
		"type", string(flow),
	)

	http.SetCookie(w, &http.Cookie{
		Name:     innerStateCookieName(innerState),
		Value:    "true",
		Path:     "/",
		MaxAge:   int(h.config.PendingAuthorizationTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, req, upstreamURL, http.StatusFound)
}

type authorizeParams struct {
	redirectURI              string
	state                    string
	responseType             string
	codeChallenge            string
	codeChallengeMethod      string
	providerScope            string
	errorRedirectURL         string
	afterCallbackRedirectURL string
}

func (*Handler) parseAuthorizeParams(req *http.Request) (*authorizeParams, error) {
	q := req.URL.Query()
	p := &authorizeParams{
		redirectURI:              stripFragment(q.Get("redirect_uri")),
		state:                    q.Get("state"),
		responseType:             q.Get("response_type"),
		codeChallenge:            q.Get("code_challenge"),
		codeChallengeMethod:      q.Get("code_challenge_method"),
		providerScope:            q.Get("provider_scope"),
		errorRedirectURL:         q.Get("error_redirect_uri"),
		afterCallbackRedirectURL: q.Get("after_callback_redirect_url"),
	}
	if p.errorRedirectURL == "" {
		p.errorRedirectURL = q.Get("error_redirect_url")
	}

	switch {
	case p.responseType != "code":
		return nil, apierrors.NewInvalidArgumentError("response_type must be code", nil)
	case p.redirectURI == "":
		return nil, apierrors.NewInvalidArgumentError("redirect_uri is required", nil)
	case p.state == "":
		return nil, apierrors.NewInvalidArgumentError("state is required", nil)
	case p.codeChallenge == "":
		return nil, apierrors.NewInvalidArgumentError("code_challenge is required", nil)
	case p.codeChallengeMethod != pkceMethodS256:
		return nil, apierrors.NewInvalidArgumentError("code_challenge_method must be S256", nil)
	}
	if gt := q.Get("grant_type"); gt != "" && gt != "authorization_code" {
		return nil, apierrors.NewInvalidArgumentError("grant_type must be authorization_code", nil)
	}
	return p, nil
}

// stripFragment drops the fragment of a redirect URI; it is never part of the match.
func stripFragment(uri string) string {
	before, _, _ := strings.Cut(uri, "#")
	return before
}
