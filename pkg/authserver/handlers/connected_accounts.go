// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stack-auth/stack-sub005/pkg/authserver/storage"
	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
	"github.com/stack-auth/stack-sub005/pkg/logger"
)

// accessTokenHeader is the platform's own header for the user's access token.
const accessTokenHeader = "X-Stack-Access-Token"

type connectedAccountAccessToken struct {
	AccessToken string `json:"access_token"`
}

// ConnectedAccountAccessTokenHandler handles GET
// /connected-accounts/{provider}/access-token. It returns a fresh upstream
// access token for the signed-in user's connected account.
func (h *Handler) ConnectedAccountAccessTokenHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	providerID := chi.URLParam(req, "provider")

	claims, err := h.codec.Decode(bearerToken(req))
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}

	project, err := h.projects.GetProject(ctx, claims.ProjectID)
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}
	providerCfg, ok := project.Provider(providerID)
	if !ok {
		apierrors.WriteJSON(w, apierrors.NewError(apierrors.ErrOAuthProviderNotFoundOrNotEnabled,
			"oauth provider "+providerID+" is not enabled for this project", nil))
		return
	}
	if providerCfg.IsShared() {
		apierrors.WriteJSON(w, apierrors.NewError(apierrors.ErrOAuthAccessTokenNotAvailableWithSharedOAuthKeys,
			"access tokens are only available with the project's own oauth credentials", nil))
		return
	}

	stored, err := h.storage.ListUpstreamTokens(ctx, claims.ProjectID, providerID, claims.UserID)
	if err != nil {
		apierrors.WriteJSON(w, apierrors.NewInternalError("failed to list connected account tokens", err))
		return
	}
	if len(stored) == 0 {
		apierrors.WriteJSON(w, apierrors.NewError(apierrors.ErrOAuthConnectionNotConnectedToUser,
			"the user has no connected "+providerID+" account", nil))
		return
	}

	scope := req.URL.Query().Get("scope")
	required := strings.Fields(scope)
	var token *storage.UpstreamToken
	for _, t := range stored {
		if t.HasScopes(required) {
			token = t
			break
		}
	}
	if token == nil {
		apierrors.WriteJSON(w, apierrors.NewError(apierrors.ErrOAuthConnectionDoesNotHaveRequiredScope,
			"the connected account was not granted the requested scopes", nil))
		return
	}

	prov, err := h.upstreams.Provider(providerCfg)
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}
	set, err := prov.RefreshAccessToken(ctx, token.RefreshToken, scope)
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}

	if set.RefreshToken != "" && set.RefreshToken != token.RefreshToken {
		rotated := *token
		rotated.ID = uuid.NewString()
		rotated.RefreshToken = set.RefreshToken
		rotated.CreatedAt = h.now()
		if err := h.storage.StoreUpstreamToken(ctx, &rotated); err != nil {
			apierrors.WriteJSON(w, apierrors.NewInternalError("failed to store rotated upstream refresh token", err))
			return
		}
		if err := h.storage.DeleteUpstreamToken(ctx, token.ID); err != nil {
			logger.Warnw("failed to delete replaced upstream refresh token", "provider", providerID, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(connectedAccountAccessToken{AccessToken: set.AccessToken}); err != nil {
		logger.Errorw("failed to encode access token response", "error", err)
	}
}

// bearerToken returns the platform access token of the request.
func bearerToken(req *http.Request) string {
	if token := req.Header.Get(accessTokenHeader); token != "" {
		return token
	}
	scheme, token, ok := strings.Cut(req.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
