// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/ory/fosite"

	"github.com/stack-auth/stack-sub005/pkg/authserver/model"
	"github.com/stack-auth/stack-sub005/pkg/logger"
)

// TokenHandler handles POST /auth/oauth/token requests.
// It processes token requests using fosite's access request/response flow.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	// Codes redeemed while handling this request stay readable only here.
	ctx := model.WithRedemptionScope(req.Context())

	if err := req.ParseForm(); err != nil {
		h.provider.WriteAccessError(ctx, w, nil, fosite.ErrInvalidRequest.WithHint("Unable to parse the request body.").WithWrap(err))
		return
	}
	if uri := req.PostForm.Get("redirect_uri"); uri != "" {
		req.PostForm.Set("redirect_uri", stripFragment(uri))
		req.Form.Set("redirect_uri", stripFragment(uri))
	}

	// Clients are public, so fosite never looks at the secret. A publishable
	// client key that is sent must still belong to the project.
	clientID, clientKey, ok := req.BasicAuth()
	if !ok {
		clientID, clientKey = req.PostForm.Get("client_id"), req.PostForm.Get("client_secret")
	}
	if clientKey != "" {
		if _, err := h.model.ResolveClient(ctx, clientID, clientKey); err != nil {
			logger.Debugw("token request with invalid client credentials", "client_id", clientID)
			h.provider.WriteAccessError(ctx, w, nil, fosite.ErrInvalidClient.WithWrap(err).WithHint("Client authentication failed."))
			return
		}
	}

	// The session is only a deserialization template; fosite replaces it with
	// the one stored for the code or refresh token.
	accessRequest, err := h.provider.NewAccessRequest(ctx, req, model.NewSession("", ""))
	if err != nil {
		logger.Debugw("failed to create access request", "client_id", clientID, "error", err)
		h.provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	response, err := h.provider.NewAccessResponse(ctx, accessRequest)
	if err != nil {
		logger.Errorw("failed to create access response", "client_id", clientID, "error", err)
		h.provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	if sess, ok := accessRequest.GetSession().(*model.Session); ok {
		response.SetExtra("is_new_user", sess.IsNewUser)
		if sess.AfterCallbackRedirectURL != "" {
			response.SetExtra("after_callback_redirect_url", sess.AfterCallbackRedirectURL)
		}
	}

	h.provider.WriteAccessResponse(ctx, w, accessRequest, response)
}
