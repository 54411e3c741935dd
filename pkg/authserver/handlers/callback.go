// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ory/fosite"

	"github.com/stack-auth/stack-sub005/pkg/authserver/accounts"
	"github.com/stack-auth/stack-sub005/pkg/authserver/model"
	"github.com/stack-auth/stack-sub005/pkg/authserver/storage"
	"github.com/stack-auth/stack-sub005/pkg/authserver/upstream"
	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
	"github.com/stack-auth/stack-sub005/pkg/logger"
)

// CallbackHandler handles the upstream provider's redirect back to
// /auth/oauth/callback/{provider}. It resolves the platform user, issues an
// authorization code for the pending authorization and redirects to the client.
func (h *Handler) CallbackHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	providerID := chi.URLParam(req, "provider")

	if err := req.ParseForm(); err != nil {
		apierrors.WriteJSON(w, apierrors.NewInvalidArgumentError("malformed callback request", err))
		return
	}
	innerState := req.Form.Get("state")

	cookieName := innerStateCookieName(innerState)
	cookie, cookieErr := req.Cookie(cookieName)
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
	})
	if innerState == "" || cookieErr != nil || cookie.Value != "true" {
		apierrors.WriteJSON(w, apierrors.NewInvalidArgumentError(
			"OAuth cookie not found. This is likely because you refreshed the page during the OAuth sign in process. "+
				"Please try signing in again", nil))
		return
	}

	pending, err := h.storage.ConsumePendingAuthorization(ctx, innerState)
	switch {
	case errors.Is(err, storage.ErrExpired) && pending != nil:
		h.fail(w, req, pending, apierrors.NewError(apierrors.ErrOuterOAuthTimeout,
			"the sign in took too long, please try again", nil))
		return
	case errors.Is(err, storage.ErrNotFound):
		apierrors.WriteJSON(w, apierrors.NewInvalidArgumentError("Invalid OAuth cookie. Please try signing in again.", nil))
		return
	case err != nil:
		apierrors.WriteJSON(w, apierrors.NewInternalError("failed to load pending authorization", err))
		return
	}

	redirect, err := h.completeAuthorization(ctx, req, providerID, innerState, pending)
	if err != nil {
		h.fail(w, req, pending, err)
		return
	}
	http.Redirect(w, req, redirect, http.StatusFound)
}

// completeAuthorization runs everything after the pending authorization is
// known and returns the client redirect carrying the issued code.
func (h *Handler) completeAuthorization(
	ctx context.Context,
	req *http.Request,
	providerID string,
	innerState string,
	pending *storage.PendingAuthorization,
) (string, error) {
	if pending.ProviderID != providerID {
		return "", apierrors.NewInvalidArgumentError("callback provider does not match the authorization request", nil)
	}

	client, err := h.model.ResolveClient(ctx, pending.ProjectID, pending.PublishableClientKey)
	if err != nil {
		return "", err
	}
	providerCfg, ok := client.Project.Provider(providerID)
	if !ok {
		return "", apierrors.NewError(apierrors.ErrOAuthProviderNotFoundOrNotEnabled,
			"oauth provider "+providerID+" is not enabled for this project", nil)
	}
	prov, err := h.upstreams.Provider(providerCfg)
	if err != nil {
		return "", err
	}

	result, err := prov.Callback(ctx, upstream.CallbackParams{
		Code:          req.Form.Get("code"),
		State:         innerState,
		Error:         req.Form.Get("error"),
		CodeVerifier:  pending.InnerCodeVerifier,
		ExpectedState: innerState,
	})
	if err != nil {
		return "", err
	}

	resolved, err := h.resolveUser(ctx, pending, result.UserInfo)
	if err != nil {
		return "", err
	}

	if result.TokenSet != nil && result.TokenSet.RefreshToken != "" {
		err := h.storage.StoreUpstreamToken(ctx, &storage.UpstreamToken{
			ID:           uuid.NewString(),
			ProjectID:    pending.ProjectID,
			ProviderID:   providerID,
			AccountID:    result.UserInfo.AccountID,
			UserID:       resolved.UserID,
			RefreshToken: result.TokenSet.RefreshToken,
			Scopes:       upstream.MergeScopes(prov.Scope(), pending.ProviderScope),
			CreatedAt:    h.now(),
		})
		if err != nil {
			return "", apierrors.NewInternalError("failed to store upstream refresh token", err)
		}
	}

	if !h.model.ValidateRedirectURI(ctx, pending.ProjectID, pending.RedirectURI) {
		return "", apierrors.NewError(apierrors.ErrRedirectURLNotWhitelisted,
			"redirect_uri is not whitelisted for this project", nil)
	}

	code, err := h.issueCode(ctx, client, pending, resolved)
	if err != nil {
		return "", err
	}

	logger.Infow("federated sign in completed",
		"client_id", pending.ProjectID,
		"provider", providerID,
		"type", string(pending.Type),
		"is_new_user", resolved.IsNewUser,
	)

	u, err := url.Parse(pending.RedirectURI)
	if err != nil {
		return "", apierrors.NewInternalError("stored redirect_uri is not a URL", err)
	}
	values := u.Query()
	values.Set("code", code)
	values.Set("state", pending.State)
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func (h *Handler) resolveUser(
	ctx context.Context, pending *storage.PendingAuthorization, info *upstream.UserInfo,
) (*accounts.Result, error) {
	if pending.Type == storage.FlowLink {
		if pending.ProjectUserID == "" {
			return nil, apierrors.NewInternalError("link authorization without a user", nil)
		}
		return h.accounts.Link(ctx, pending.ProjectID, pending.ProviderID, pending.ProjectUserID, info)
	}
	return h.accounts.SignIn(ctx, pending.ProjectID, pending.ProviderID, info)
}

// issueCode replays the pending authorization into the engine, which mints
// and stores the code.
func (h *Handler) issueCode(
	ctx context.Context, client *model.Client, pending *storage.PendingAuthorization, resolved *accounts.Result,
) (string, error) {
	sess := model.NewSession(pending.ProjectID, resolved.UserID)
	sess.IsNewUser = resolved.IsNewUser
	sess.AfterCallbackRedirectURL = pending.AfterCallbackRedirectURL

	ar := fosite.NewAuthorizeRequest()
	ar.Form = url.Values{
		"redirect_uri":          {pending.RedirectURI},
		"code_challenge":        {pending.CodeChallenge},
		"code_challenge_method": {pending.CodeChallengeMethod},
	}
	ar.Client = client
	ar.Session = sess
	ar.RequestedAt = time.Now().UTC()
	ar.RedirectURI, _ = url.Parse(pending.RedirectURI)
	ar.ResponseTypes = fosite.Arguments{"code"}
	ar.State = pending.State
	for _, scope := range pending.Scopes {
		ar.RequestedScope = append(ar.RequestedScope, scope)
		ar.GrantedScope = append(ar.GrantedScope, scope)
	}

	resp, err := h.provider.NewAuthorizeResponse(ctx, ar, sess)
	if err != nil {
		return "", apierrors.NewInternalError("failed to issue authorization code", err)
	}
	code := resp.GetCode()
	if code == "" {
		return "", apierrors.NewInternalError("no authorization code generated", nil)
	}
	return code, nil
}

// fail reports err to the pending authorization's error redirect when it is a
// known error and the redirect is still whitelisted, and as JSON otherwise.
func (h *Handler) fail(w http.ResponseWriter, req *http.Request, pending *storage.PendingAuthorization, err error) {
	var known *apierrors.Error
	if !errors.As(err, &known) || apierrors.IsInternal(known) || apierrors.IsIntegrityViolation(known) ||
		pending.ErrorRedirectURL == "" {
		apierrors.WriteJSON(w, err)
		return
	}
	if !h.model.ValidateRedirectURI(req.Context(), pending.ProjectID, pending.ErrorRedirectURL) {
		apierrors.WriteJSON(w, err)
		return
	}
	u, parseErr := url.Parse(pending.ErrorRedirectURL)
	if parseErr != nil {
		apierrors.WriteJSON(w, err)
		return
	}

	logger.Debugw("redirecting callback error", "client_id", pending.ProjectID, "error_code", known.Type)

	q := u.Query()
	q.Set("errorCode", known.Type)
	q.Set("message", known.Message)
	q.Set("details", "{}")
	u.RawQuery = q.Encode()
	http.Redirect(w, req, u.String(), http.StatusFound)
}
