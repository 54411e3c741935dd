// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"
	"github.com/stretchr/testify/require"

	"github.com/stack-auth/stack-sub005/pkg/authserver/accounts"
	"github.com/stack-auth/stack-sub005/pkg/authserver/model"
	"github.com/stack-auth/stack-sub005/pkg/authserver/storage"
	"github.com/stack-auth/stack-sub005/pkg/authserver/upstream"
	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
	"github.com/stack-auth/stack-sub005/pkg/projects"
	"github.com/stack-auth/stack-sub005/pkg/tokens"
)

const (
	testSecret      = "0123456789abcdef0123456789abcdef"
	testAudience    = "https://auth.example.com"
	testProjectID   = "project-1"
	testClientKey   = "pck_123"
	testRedirectURI = "https://app.example.com/handler/callback"
	testErrorURI    = "https://app.example.com/handler/error"
	testClientState = "client-state-1234"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk0123"
	testUpstreamRT  = "upstream-refresh-token"
	upstreamCode    = "upstream-code"
	githubBaseScope = "read:user user:email"
)

func testChallenge() string {
	sum := sha256.Sum256([]byte(testVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func testProject() projects.Project {
	return projects.Project{
		ID:                    testProjectID,
		Domains:               []projects.Domain{{Domain: "https://app.example.com", HandlerPath: "/handler"}},
		PublishableClientKeys: []string{testClientKey},
		OAuthProviders: []projects.ProviderConfig{
			{ID: "github", Type: projects.ProviderTypeStandard, Enabled: true, ClientID: "gh-id", ClientSecret: "gh-secret"},
			{ID: "google", Type: projects.ProviderTypeShared, Enabled: true},
			{ID: "spotify", Type: projects.ProviderTypeShared, Enabled: false},
		},
	}
}

// fakeProvider implements upstream.Provider for testing.
type fakeProvider struct {
	mu sync.Mutex

	info        *upstream.UserInfo
	tokens      *upstream.TokenSet
	callbackErr error
	refreshed   *upstream.TokenSet
	refreshErr  error

	authParams     upstream.AuthorizationParams
	callbackParams upstream.CallbackParams
	refreshedWith  string
	refreshScope   string
}

// Compile-time interface check.
var _ upstream.Provider = (*fakeProvider)(nil)

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		info: &upstream.UserInfo{
			AccountID:     "acct-1",
			DisplayName:   "Ada",
			Email:         "ada@example.com",
			EmailVerified: true,
		},
		tokens: &upstream.TokenSet{
			AccessToken:  "upstream-access-token",
			RefreshToken: testUpstreamRT,
			ExpiresAt:    time.Now().Add(time.Hour),
		},
		refreshed: &upstream.TokenSet{
			AccessToken: "refreshed-access-token",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
	}
}

func (*fakeProvider) ID() string { return "github" }

func (*fakeProvider) Scope() string { return githubBaseScope }

func (p *fakeProvider) AuthorizationURL(params upstream.AuthorizationParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authParams = params
	return "https://upstream.example.com/authorize?state=" + url.QueryEscape(params.State), nil
}

func (p *fakeProvider) Callback(_ context.Context, params upstream.CallbackParams) (*upstream.CallbackResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbackParams = params
	if p.callbackErr != nil {
		return nil, p.callbackErr
	}
	if params.Code != upstreamCode {
		return nil, apierrors.NewError(apierrors.ErrInvalidAuthorizationCode, "unknown upstream code", nil)
	}
	return &upstream.CallbackResult{UserInfo: p.info, TokenSet: p.tokens}, nil
}

func (p *fakeProvider) RefreshAccessToken(_ context.Context, refreshToken, scope string) (*upstream.TokenSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshedWith = refreshToken
	p.refreshScope = scope
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	return p.refreshed, nil
}

func (p *fakeProvider) lastAuthParams() upstream.AuthorizationParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authParams
}

type fakeFactory struct {
	provider *fakeProvider
}

func (f *fakeFactory) Provider(*projects.ProviderConfig) (upstream.Provider, error) {
	return f.provider, nil
}

type fixture struct {
	handler  *Handler
	router   http.Handler
	store    *storage.MemoryStorage
	accounts *accounts.MemoryResolver
	codec    *tokens.Codec
	upstream *fakeProvider
}

func newFixture(t *testing.T, override ...func(*Dependencies)) *fixture {
	t.Helper()

	ps, err := projects.NewMemoryStore(testProject())
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
		SanitationWhiteList:   model.SanitationAllowedParameters,
		ScopeStrategy:         fosite.ExactScopeStrategy,
	}
	strategy := model.NewStrategy(compose.NewOAuth2HMACStrategy(cfg), codec)
	m := model.New(ps, store, codec, strategy)
	provider := compose.Compose(cfg, m, &compose.CommonStrategy{CoreStrategy: strategy},
		compose.OAuth2AuthorizeExplicitFactory,
		compose.OAuth2RefreshTokenGrantFactory,
		compose.OAuth2PKCEFactory,
	)

	resolver := accounts.NewMemoryResolver()
	fake := newFakeProvider()
	deps := Dependencies{
		Provider:  provider,
		Model:     m,
		Projects:  ps,
		Storage:   store,
		Upstreams: &fakeFactory{provider: fake},
		Accounts:  resolver,
		Codec:     codec,
	}
	for _, o := range override {
		o(&deps)
	}

	h := NewHandler(deps, Config{})
	r := chi.NewRouter()
	r.Mount("/api/v1", h.Routes())

	return &fixture{handler: h, router: r, store: store, accounts: resolver, codec: codec, upstream: fake}
}

func authorizeQuery(overrides map[string]string) url.Values {
	q := url.Values{
		"client_id":             {testProjectID},
		"client_secret":         {testClientKey},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid"},
		"state":                 {testClientState},
		"grant_type":            {"authorization_code"},
		"code_challenge":        {testChallenge()},
		"code_challenge_method": {"S256"},
		"response_type":         {"code"},
	}
	for k, v := range overrides {
		if v == "" {
			q.Del(k)
			continue
		}
		q.Set(k, v)
	}
	return q
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) authorize(provider string, q url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/oauth/authorize/"+provider+"?"+q.Encode(), nil)
	return f.serve(req)
}

// startFlow runs a successful authorize request and returns the inner state
// and the CSRF cookie.
func (f *fixture) startFlow(t *testing.T, q url.Values) (string, *http.Cookie) {
	t.Helper()
	rec := f.authorize("github", q)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	state := f.upstream.lastAuthParams().State
	require.NotEmpty(t, state)
	for _, c := range rec.Result().Cookies() {
		if c.Name == innerStateCookieName(state) {
			return state, c
		}
	}
	t.Fatalf("no CSRF cookie for state %s", state)
	return "", nil
}

func (f *fixture) callback(state string, cookie *http.Cookie, code string) *httptest.ResponseRecorder {
	q := url.Values{"state": {state}, "code": {code}}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/oauth/callback/github?"+q.Encode(), nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return f.serve(req)
}

// signIn runs authorize and callback and returns the issued code.
func (f *fixture) signIn(t *testing.T, q url.Values) string {
	t.Helper()
	state, cookie := f.startFlow(t, q)
	rec := f.callback(state, cookie, upstreamCode)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "app.example.com", loc.Host)
	require.Equal(t, testClientState, loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func (f *fixture) token(form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return f.serve(req)
}

func codeForm(code string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"client_id":     {testProjectID},
		"client_secret": {testClientKey},
		"code_verifier": {testVerifier},
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func (f *fixture) accessToken(t *testing.T, projectID, userID string) string {
	t.Helper()
	token, err := f.codec.Encode(tokens.AccessTokenClaims{ProjectID: projectID, UserID: userID}, time.Hour)
	require.NoError(t, err)
	return token
}
