// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"context"
	"crypto/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ory/fosite"

	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
	"github.com/stack-auth/stack-sub005/pkg/idp/adapter"
	"github.com/stack-auth/stack-sub005/pkg/logger"
)

// sessionCookieName carries the id of the sign-in session.
const sessionCookieName = "stack-idp-session"

// continuePage re-submits itself as a POST, so that the sign-in page can
// return to the login endpoint with a plain browser redirect.
const continuePage = `<!DOCTYPE html>
<html>
  <body>
    <form id="continue-form" method="POST">
      If you are not redirected, please press the button below.<br>
      <input type="submit" value="Continue">
    </form>
    <script>
      document.getElementById('continue-form').style.visibility = 'hidden';
      document.getElementById('continue-form').submit();
      setTimeout(() => {
        document.getElementById('continue-form').style.visibility = 'visible';
      }, 3000);
    </script>
  </body>
</html>
`

var (
	errInteractionNotFound = apierrors.NewInvalidArgumentError("the interaction does not exist or has expired", nil)
	errInteractionDone     = apierrors.NewInvalidArgumentError("the interaction has already been completed", nil)
)

// startInteraction parks the authorization request and returns its uid.
func (s *server) startInteraction(ctx context.Context, ar fosite.AuthorizeRequester) (string, error) {
	uid := rand.Text()
	payload, err := adapter.NewPayload(interaction{
		UID:       uid,
		ClientID:  ar.GetClient().GetID(),
		Params:    ar.GetRequestForm().Encode(),
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	if err := s.adapter.Upsert(ctx, modelInteraction, uid, payload, s.cfg.InteractionTTL); err != nil {
		return "", err
	}
	logger.Debugw("started interaction", "uid", uid, "client_id", ar.GetClient().GetID())
	return uid, nil
}

// interactionHandler handles GET /interaction/{uid} by sending the user to
// the platform sign-in page, which returns to the login endpoint.
func (s *server) interactionHandler(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	payload, err := s.adapter.FindByUID(r.Context(), modelInteraction, uid)
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}
	if payload == nil {
		apierrors.WriteJSON(w, errInteractionNotFound)
		return
	}
	if payload.Consumed() {
		apierrors.WriteJSON(w, errInteractionDone)
		return
	}

	target, err := url.Parse(s.cfg.SignInURL)
	if err != nil {
		apierrors.WriteJSON(w, apierrors.NewInternalError("invalid sign-in URL", err))
		return
	}
	q := target.Query()
	q.Set("after_auth_return_to", s.cfg.Issuer+"/interaction/"+url.PathEscape(uid)+"/login")
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusSeeOther)
}

// loginPageHandler handles GET /interaction/{uid}/login. GETs must not
// change state, so it only renders a page that POSTs back.
func (*server) loginPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(continuePage))
}

// loginHandler handles POST /interaction/{uid}/login. It completes the
// interaction for the signed-in platform user and resumes the authorization
// request.
func (s *server) loginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid := chi.URLParam(r, "uid")

	accountID, err := s.login.VerifyLogin(r)
	if err != nil {
		logger.Debugw("interaction login without a valid platform user", "uid", uid, "error", err)
		apierrors.WriteJSON(w, err)
		return
	}

	inter, err := s.consumeInteraction(ctx, uid)
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}

	resume, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Issuer+"/auth?"+inter.Params, nil)
	if err != nil {
		apierrors.WriteJSON(w, apierrors.NewInternalError("failed to resume authorization request", err))
		return
	}
	ar, err := s.provider.NewAuthorizeRequest(ctx, resume)
	if err != nil {
		logger.Debugw("resumed authorization request is no longer valid", "uid", uid, "error", err)
		s.provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}

	grantID, err := s.recordGrant(ctx, accountID, inter.ClientID, ar.GetRequestedScopes())
	if err != nil {
		s.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError.WithWrap(err))
		return
	}
	sessionID, err := s.startSession(ctx, uid, accountID, inter.ClientID, grantID)
	if err != nil {
		s.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError.WithWrap(err))
		return
	}
	http.SetCookie(w, s.sessionCookie(sessionID))

	logger.Debugw("interaction completed", "uid", uid, "client_id", inter.ClientID)
	s.issueCode(ctx, w, ar, accountID, inter.CreatedAt, s.now())
}

// consumeInteraction marks the interaction as completed. An interaction can
// be completed once.
func (s *server) consumeInteraction(ctx context.Context, uid string) (*interaction, error) {
	consumedAt := s.now().Unix()
	var inter interaction
	_, err := s.adapter.AtomicUpdate(ctx, modelInteraction, adapter.ByID(uid),
		func(old *adapter.Record) (*adapter.Record, error) {
			if old == nil {
				return nil, errInteractionNotFound
			}
			if old.Payload.Consumed() {
				return nil, errInteractionDone
			}
			if err := old.Payload.Decode(&inter); err != nil {
				return nil, err
			}
			old.Payload[adapter.PropertyConsumed] = consumedAt
			return &adapter.Record{Payload: old.Payload, ExpiresAt: old.ExpiresAt}, nil
		})
	if err != nil {
		return nil, err
	}
	return &inter, nil
}

func (s *server) recordGrant(ctx context.Context, accountID, clientID string, scopes []string) (string, error) {
	grantID := uuid.NewString()
	payload, err := adapter.NewPayload(grant{AccountID: accountID, ClientID: clientID, Scopes: scopes})
	if err != nil {
		return "", err
	}
	if err := s.adapter.Upsert(ctx, modelGrant, grantID, payload, s.cfg.GrantTTL); err != nil {
		return "", err
	}
	return grantID, nil
}

func (s *server) startSession(ctx context.Context, uid, accountID, clientID, grantID string) (string, error) {
	sessionID := rand.Text()
	payload, err := adapter.NewPayload(accountSession{
		UID:       uid,
		AccountID: accountID,
		LoginTS:   s.now().Unix(),
		Grants:    map[string]string{clientID: grantID},
	})
	if err != nil {
		return "", err
	}
	if err := s.adapter.Upsert(ctx, modelSession, sessionID, payload, s.cfg.SessionTTL); err != nil {
		return "", err
	}
	return sessionID, nil
}

func (s *server) sessionCookie(sessionID string) *http.Cookie {
	path := "/"
	if u, err := url.Parse(s.cfg.Issuer); err == nil && u.Path != "" {
		path = u.Path
	}
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     path,
		MaxAge:   int(s.cfg.SessionTTL / time.Second),
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

// currentSession returns the live sign-in session of the request, or nil.
func (s *server) currentSession(ctx context.Context, r *http.Request) (*accountSession, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}
	payload, err := s.adapter.Find(ctx, modelSession, cookie.Value)
	if err != nil || payload == nil {
		return nil, err
	}
	var sess accountSession
	if err := payload.Decode(&sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// sessionCovers reports whether the session holds a live grant of clientID
// covering scopes.
func (s *server) sessionCovers(ctx context.Context, sess *accountSession, clientID string, scopes []string) (bool, error) {
	grantID := sess.Grants[clientID]
	if grantID == "" {
		return false, nil
	}
	payload, err := s.adapter.Find(ctx, modelGrant, grantID)
	if err != nil || payload == nil {
		return false, err
	}
	var g grant
	if err := payload.Decode(&g); err != nil {
		return false, err
	}
	return g.AccountID == sess.AccountID && g.ClientID == clientID && g.covers(scopes), nil
}
