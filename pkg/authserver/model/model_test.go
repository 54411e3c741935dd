// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stack-auth/stack-sub005/pkg/authserver/storage"
	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
	"github.com/stack-auth/stack-sub005/pkg/projects"
	projectmocks "github.com/stack-auth/stack-sub005/pkg/projects/mocks"
	"github.com/stack-auth/stack-sub005/pkg/tokens"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testAudience = "https://auth.example.com"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk0123"
)

func testChallenge() string {
	sum := sha256.Sum256([]byte(testVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func testProject() projects.Project {
	return projects.Project{
		ID:                    "project-1",
		Domains:               []projects.Domain{{Domain: "https://app.example.com", HandlerPath: "/handler"}},
		PublishableClientKeys: []string{"pck_123"},
	}
}

type fixture struct {
	model    *Model
	store    *storage.MemoryStorage
	codec    *tokens.Codec
	provider fosite.OAuth2Provider
	projects *projects.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ps, err := projects.NewMemoryStore(testProject(), projects.Project{ID: "local", AllowLocalhost: true})
	require.NoError(t, err)

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	codec, err := tokens.NewCodec([]byte(testSecret), testAudience)
	require.NoError(t, err)

	cfg := &fosite.Config{
		GlobalSecret:          []byte(testSecret),
		AccessTokenLifespan:   time.Hour,
		RefreshTokenLifespan:  365 * 24 * time.Hour,
		AuthorizeCodeLifespan: 10 * time.Minute,
		EnforcePKCE:           true,
		RefreshTokenScopes:    []string{},
		SanitationWhiteList:   SanitationAllowedParameters,
		ScopeStrategy:         fosite.ExactScopeStrategy,
	}
	strategy := NewStrategy(compose.NewOAuth2HMACStrategy(cfg), codec)
	m := New(ps, store, codec, strategy)

	provider := compose.Compose(cfg, m, &compose.CommonStrategy{CoreStrategy: strategy},
		compose.OAuth2AuthorizeExplicitFactory,
		compose.OAuth2RefreshTokenGrantFactory,
		compose.OAuth2PKCEFactory,
	)

	return &fixture{model: m, store: store, codec: codec, provider: provider, projects: ps}
}

// issueCode runs the authorize endpoint handlers the way the callback does.
func (f *fixture) issueCode(t *testing.T, userID string, isNewUser bool) string {
	t.Helper()
	ctx := context.Background()

	client, err := f.model.ResolveClient(ctx, "project-1", "")
	require.NoError(t, err)

	sess := NewSession("project-1", userID)
	sess.IsNewUser = isNewUser
	sess.AfterCallbackRedirectURL = "https://app.example.com/after"

	redirect := "https://app.example.com/handler/callback"
	ar := fosite.NewAuthorizeRequest()
	ar.Form = url.Values{
		"redirect_uri":          {redirect},
		"code_challenge":        {testChallenge()},
		"code_challenge_method": {"S256"},
	}
	ar.Client = client
	ar.Session = sess
	ar.RequestedAt = time.Now()
	ar.RedirectURI, _ = url.Parse(redirect)
	ar.ResponseTypes = fosite.Arguments{"code"}
	ar.State = "client-state-1234"
	ar.RequestedScope = fosite.Arguments{"openid"}
	ar.GrantedScope = fosite.Arguments{"openid"}

	resp, err := f.provider.NewAuthorizeResponse(ctx, ar, sess)
	require.NoError(t, err)
	require.NotEmpty(t, resp.GetCode())
	return resp.GetCode()
}

func (f *fixture) exchange(t *testing.T, form url.Values) (fosite.AccessResponder, error) {
	t.Helper()
	ctx := WithRedemptionScope(context.Background())

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	ar, err := f.provider.NewAccessRequest(ctx, req, NewSession("", ""))
	if err != nil {
		return nil, err
	}
	return f.provider.NewAccessResponse(ctx, ar)
}

func codeForm(code, verifier string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/handler/callback"},
		"client_id":     {"project-1"},
		"code_verifier": {verifier},
	}
}

func TestResolveClient(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name         string
		clientID     string
		secret       string
		wantType     string
		wantRedirect []string
	}{
		{name: "no secret", clientID: "project-1", wantRedirect: []string{"https://app.example.com/handler"}},
		{name: "valid secret", clientID: "project-1", secret: "pck_123", wantRedirect: []string{"https://app.example.com/handler"}},
		{name: "wrong secret", clientID: "project-1", secret: "nope", wantType: apierrors.ErrInvalidPublishableClientKey},
		{name: "unknown project", clientID: "missing", wantType: apierrors.ErrProjectNotFound},
		{name: "localhost fallback", clientID: "local", wantRedirect: []string{LocalhostRedirectURI}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client, err := f.model.ResolveClient(ctx, tt.clientID, tt.secret)
			if tt.wantType != "" {
				require.Error(t, err)
				assert.True(t, apierrors.IsType(err, tt.wantType), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.clientID, client.GetID())
			assert.Equal(t, tt.wantRedirect, client.GetRedirectURIs())
			assert.ElementsMatch(t, []string{"authorization_code", "refresh_token"}, client.GetGrantTypes())
			assert.True(t, client.IsPublic())
		})
	}
}

func TestValidateScope(t *testing.T) {
	t.Parallel()
	m := &Model{}

	granted, err := m.ValidateScope([]string{"openid"})
	require.NoError(t, err)
	assert.Equal(t, []string{"openid"}, granted)

	granted, err = m.ValidateScope(nil)
	require.NoError(t, err)
	assert.Empty(t, granted)

	_, err = m.ValidateScope([]string{"openid", "email"})
	require.Error(t, err)
	assert.True(t, apierrors.IsType(err, apierrors.ErrInvalidScope))
}

func TestValidateRedirectURI(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		clientID string
		uri      string
		want     bool
	}{
		{"handler subpath", "project-1", "https://app.example.com/handler/callback", true},
		{"handler exact", "project-1", "https://app.example.com/handler", true},
		{"other origin", "project-1", "https://evil.example.com/handler/callback", false},
		{"other path", "project-1", "https://app.example.com/other/callback", false},
		{"segment prefix only", "project-1", "https://app.example.com/handlerx", false},
		{"scheme mismatch", "project-1", "http://app.example.com/handler/callback", false},
		{"port mismatch", "project-1", "https://app.example.com:8443/handler/callback", false},
		{"localhost not allowed", "project-1", "http://localhost:3000/handler", false},
		{"localhost allowed", "local", "http://localhost:3000/anything", true},
		{"loopback ip allowed", "local", "http://127.0.0.1:8080/cb", true},
		{"ipv6 loopback allowed", "local", "http://[::1]:8080/cb", true},
		{"relative", "project-1", "/handler/callback", false},
		{"unknown project", "missing", "https://app.example.com/handler", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, f.model.ValidateRedirectURI(ctx, tt.clientID, tt.uri))
		})
	}
}

func TestValidateRedirectURI_RereadsProject(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	uri := "https://new.example.com/auth/cb"

	assert.False(t, f.model.ValidateRedirectURI(ctx, "project-1", uri))

	p := testProject()
	p.Domains = append(p.Domains, projects.Domain{Domain: "https://new.example.com", HandlerPath: "/auth"})
	require.NoError(t, f.projects.Put(&p))

	assert.True(t, f.model.ValidateRedirectURI(ctx, "project-1", uri))
}

func TestGetAccessToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.codec.Encode(tokens.AccessTokenClaims{ProjectID: "project-1", UserID: "user-1"}, time.Minute)
	require.NoError(t, err)

	at, ok := f.model.GetAccessToken(ctx, token)
	require.True(t, ok)
	assert.Equal(t, "project-1", at.ProjectID)
	assert.Equal(t, "user-1", at.UserID)

	at, ok = f.model.GetAccessToken(ctx, "garbage")
	assert.False(t, ok)
	assert.Nil(t, at)
}

func TestRevokeTokenIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveRefreshToken(ctx, &storage.RefreshToken{Signature: "sig", ClientID: "project-1"}))
	assert.True(t, f.model.RevokeToken(ctx, "sig"))
	_, err := f.model.GetRefreshToken(ctx, "sig")
	assert.NoError(t, err)
}

func TestSaveToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	saved, err := f.model.SaveToken(ctx, &Token{
		RequestID:             "req",
		ClientID:              "project-1",
		UserID:                "user-1",
		Scopes:                []string{"openid"},
		RefreshTokenSignature: "rsig",
		IsNewUser:             true,
	})
	require.NoError(t, err)
	assert.True(t, saved.IsNewUser)

	rt, err := f.model.GetRefreshToken(ctx, "rsig")
	require.NoError(t, err)
	assert.Equal(t, "user-1", rt.UserID)
	assert.Nil(t, rt.ExpiresAt)

	// No refresh token, nothing persisted.
	_, err = f.model.SaveToken(ctx, &Token{RequestID: "req2", ClientID: "project-1", UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.Stats().RefreshTokens)
}

func TestAuthorizationCodeVisibility(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	require.NoError(t, f.model.SaveAuthorizationCode(context.Background(), &storage.AuthorizationCode{
		Signature: "sig", ClientID: "project-1", UserID: "u", ExpiresAt: time.Now().Add(time.Minute),
	}))

	winner := WithRedemptionScope(context.Background())
	other := WithRedemptionScope(context.Background())

	_, err := f.model.GetAuthorizationCode(other, "sig")
	require.NoError(t, err)

	_, err = f.model.RedeemAuthorizationCode(winner, "sig")
	require.NoError(t, err)

	_, err = f.model.GetAuthorizationCode(winner, "sig")
	require.NoError(t, err)

	_, err = f.model.GetAuthorizationCode(other, "sig")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.model.RedeemAuthorizationCode(other, "sig")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, f.model.RevokeAuthorizationCode(winner, "sig"))
	_, err = f.model.GetAuthorizationCode(winner, "sig")
	assert.ErrorIs(t, err, fosite.ErrNotFound)
}

func TestCodeGrant_EndToEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code := f.issueCode(t, "user-1", true)

	resp, err := f.exchange(t, codeForm(code, testVerifier))
	require.NoError(t, err)

	claims, err := f.codec.Decode(resp.GetAccessToken())
	require.NoError(t, err)
	assert.Equal(t, "project-1", claims.ProjectID)
	assert.Equal(t, "user-1", claims.UserID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, time.Minute)

	refresh, ok := resp.GetExtra("refresh_token").(string)
	require.True(t, ok)
	require.NotEmpty(t, refresh)

	// Code is gone.
	assert.Equal(t, 0, f.store.Stats().AuthCodes)

	// Second redemption fails.
	_, err = f.exchange(t, codeForm(code, testVerifier))
	require.Error(t, err)
	assert.ErrorIs(t, err, fosite.ErrInvalidGrant)

	// Refresh grant yields a fresh access token; the old refresh token stays valid.
	refreshForm := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {"project-1"},
	}
	for range 2 {
		rresp, err := f.exchange(t, refreshForm)
		require.NoError(t, err)
		rclaims, err := f.codec.Decode(rresp.GetAccessToken())
		require.NoError(t, err)
		assert.Equal(t, "user-1", rclaims.UserID)
	}
}

func TestCodeGrant_PKCEMismatchSpendsCode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code := f.issueCode(t, "user-1", false)

	_, err := f.exchange(t, codeForm(code, strings.Repeat("x", 50)))
	require.Error(t, err)

	_, err = f.exchange(t, codeForm(code, testVerifier))
	require.Error(t, err)
	assert.ErrorIs(t, err, fosite.ErrInvalidGrant)
}

func TestCodeGrant_FailedExchangeSpendsCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(url.Values)
	}{
		{
			name:   "redirect uri mismatch",
			mutate: func(form url.Values) { form.Set("redirect_uri", "https://app.example.com/handler/other") },
		},
		{
			name:   "client mismatch",
			mutate: func(form url.Values) { form.Set("client_id", "local") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)

			code := f.issueCode(t, "user-1", false)
			form := codeForm(code, testVerifier)
			tt.mutate(form)

			_, err := f.exchange(t, form)
			require.Error(t, err)
			assert.ErrorIs(t, err, fosite.ErrInvalidGrant)

			_, err = f.exchange(t, codeForm(code, testVerifier))
			require.Error(t, err)
			assert.ErrorIs(t, err, fosite.ErrInvalidGrant)
			assert.Zero(t, f.store.Stats().RefreshTokens)
		})
	}
}

func TestAuthorizeCodeSession_RedeemsOnFirstRead(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	require.NoError(t, f.model.SaveAuthorizationCode(context.Background(), &storage.AuthorizationCode{
		Signature: "sig", ClientID: "project-1", UserID: "u", ExpiresAt: time.Now().Add(time.Minute),
	}))

	// Reads outside a scope do not spend the code.
	_, err := f.model.GetAuthorizeCodeSession(context.Background(), "sig", nil)
	require.NoError(t, err)

	winner := WithRedemptionScope(context.Background())
	_, err = f.model.GetAuthorizeCodeSession(winner, "sig", nil)
	require.NoError(t, err)
	_, err = f.model.GetPKCERequestSession(winner, "sig", nil)
	require.NoError(t, err)
	_, err = f.model.GetAuthorizeCodeSession(winner, "sig", nil)
	require.NoError(t, err)

	other := WithRedemptionScope(context.Background())
	_, err = f.model.GetAuthorizeCodeSession(other, "sig", nil)
	require.ErrorIs(t, err, fosite.ErrNotFound)
	_, err = f.model.GetPKCERequestSession(other, "sig", nil)
	require.ErrorIs(t, err, fosite.ErrNotFound)
}

func TestCodeGrant_ConcurrentRedemption(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	code := f.issueCode(t, "user-1", false)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.exchange(t, codeForm(code, testVerifier)); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestCodeGrant_SessionCarriesNewUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	code := f.issueCode(t, "user-9", true)

	ctx := WithRedemptionScope(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(codeForm(code, testVerifier).Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	ar, err := f.provider.NewAccessRequest(ctx, req, NewSession("", ""))
	require.NoError(t, err)
	sess, ok := ar.GetSession().(*Session)
	require.True(t, ok)
	assert.True(t, sess.IsNewUser)
	assert.Equal(t, "https://app.example.com/after", sess.AfterCallbackRedirectURL)
	assert.Equal(t, "user-9", sess.GetSubject())
}

func TestModel_ProjectStoreErrors(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	ps := projectmocks.NewMockStore(ctrl)
	ps.EXPECT().GetProject(gomock.Any(), "p").Return(nil, projects.ErrNotFound).Times(2)

	m := New(ps, nil, nil, nil)
	_, err := m.GetClient(context.Background(), "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, fosite.ErrNotFound)
	assert.False(t, m.ValidateRedirectURI(context.Background(), "p", "https://x.example.com"))
}

func TestSessionClone(t *testing.T) {
	t.Parallel()
	s := NewSession("p", "u")
	s.SetExpiresAt(fosite.AccessToken, time.Unix(100, 0))
	c, ok := s.Clone().(*Session)
	require.True(t, ok)
	c.SetExpiresAt(fosite.AccessToken, time.Unix(200, 0))
	assert.Equal(t, time.Unix(100, 0), s.GetExpiresAt(fosite.AccessToken))
	assert.Empty(t, s.GetUsername())
	assert.Equal(t, "u", c.GetSubject())

	var empty Session
	assert.True(t, empty.GetExpiresAt(fosite.RefreshToken).IsZero())
}
