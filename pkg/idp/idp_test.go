// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
	"github.com/stack-auth/stack-sub005/pkg/idp/adapter"
	keysmocks "github.com/stack-auth/stack-sub005/pkg/idp/keys/mocks"
	"github.com/stack-auth/stack-sub005/pkg/idp/mocks"
	"github.com/stack-auth/stack-sub005/pkg/tokens"
)

const (
	testClientID     = "app"
	testClientSecret = "app-secret"
	testRedirectURI  = "https://app.example.com/callback"
	testSignInURL    = "https://app.example.com/handler/sign-in"
	testProjectID    = "project-1"
	testUserID       = "user-1"
)

type testIDP struct {
	server   *httptest.Server
	issuer   string
	codec    *tokens.Codec
	adapter  *adapter.Adapter
	oauthCfg *oauth2.Config
}

// newTestIDP serves the provider at {server}/idp over an in-memory adapter.
func newTestIDP(t *testing.T) *testIDP {
	t.Helper()

	router := chi.NewRouter()
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	issuer := ts.URL + "/idp"

	hash, err := bcrypt.GenerateFromPassword([]byte(testClientSecret), bcrypt.MinCost)
	require.NoError(t, err)

	codec, err := tokens.NewCodec([]byte(testSecret), "https://api.example.com")
	require.NoError(t, err)

	a := adapter.New(adapter.NewMemoryBackend(adapter.WithMemoryCleanupInterval(time.Hour)))

	srv, err := New(context.Background(), Config{
		Issuer:    issuer,
		Secret:    []byte(testSecret),
		SignInURL: testSignInURL,
		Clients: []ClientConfig{{
			ID:           testClientID,
			SecretHash:   string(hash),
			RedirectURIs: []string{testRedirectURI},
		}},
	}, Dependencies{
		Adapter: a,
		Login:   NewCodecLoginVerifier(codec, testProjectID, ""),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	router.Mount("/idp", srv.Handler())
	router.Method(http.MethodGet, "/.well-known/jwks.json", srv.JWKSHandler())

	return &testIDP{
		server:  ts,
		issuer:  issuer,
		codec:   codec,
		adapter: a,
		oauthCfg: &oauth2.Config{
			ClientID:     testClientID,
			ClientSecret: testClientSecret,
			RedirectURL:  testRedirectURI,
			Scopes:       []string{oidc.ScopeOpenID, "offline_access"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   issuer + "/auth",
				TokenURL:  issuer + "/token",
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
	}
}

// browser does not follow redirects so that every hop can be inspected.
func (p *testIDP) browser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (p *testIDP) accessToken(t *testing.T, projectID, userID string) string {
	t.Helper()
	token, err := p.codec.Encode(tokens.AccessTokenClaims{ProjectID: projectID, UserID: userID}, 0)
	require.NoError(t, err)
	return token
}

func do(t *testing.T, client *http.Client, req *http.Request) *http.Response {
	t.Helper()
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func get(t *testing.T, client *http.Client, target string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	return do(t, client, req)
}

// callbackParams returns the query of a redirect to the client.
func callbackParams(t *testing.T, resp *http.Response) url.Values {
	t.Helper()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, testRedirectURI, location.Scheme+"://"+location.Host+location.Path)
	return location.Query()
}

// signIn walks the interaction and returns the authorization code.
func (p *testIDP) signIn(t *testing.T, client *http.Client, authURL, accessToken string) url.Values {
	t.Helper()

	resp := get(t, client, authURL)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	interactionURL := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(interactionURL, p.issuer+"/interaction/"), interactionURL)

	resp = get(t, client, interactionURL)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	signIn, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, testSignInURL, signIn.Scheme+"://"+signIn.Host+signIn.Path)
	returnTo := signIn.Query().Get("after_auth_return_to")
	assert.Equal(t, interactionURL+"/login", returnTo)

	resp = get(t, client, returnTo)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	req, err := http.NewRequest(http.MethodPost, returnTo, nil)
	require.NoError(t, err)
	req.Header.Set("X-Stack-Access-Token", accessToken)
	return callbackParams(t, do(t, client, req))
}

func TestIDP_AuthorizationCodeFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newTestIDP(t)
	client := p.browser(t)

	verifier := oauth2.GenerateVerifier()
	authURL := p.oauthCfg.AuthCodeURL("state-123456",
		oauth2.S256ChallengeOption(verifier), oidc.Nonce("nonce-123456"))

	params := p.signIn(t, client, authURL, p.accessToken(t, testProjectID, testUserID))
	assert.Equal(t, "state-123456", params.Get("state"))
	code := params.Get("code")
	require.NotEmpty(t, code, params.Encode())

	token, err := p.oauthCfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)
	assert.NotEmpty(t, token.RefreshToken)
	assert.Equal(t, "bearer", strings.ToLower(token.TokenType))

	t.Run("id token verifies against the published keys", func(t *testing.T) {
		provider, err := oidc.NewProvider(ctx, p.issuer)
		require.NoError(t, err)

		rawIDToken, ok := token.Extra("id_token").(string)
		require.True(t, ok)
		idToken, err := provider.Verifier(&oidc.Config{ClientID: testClientID}).Verify(ctx, rawIDToken)
		require.NoError(t, err)
		assert.Equal(t, testUserID, idToken.Subject)
		assert.Equal(t, "nonce-123456", idToken.Nonce)

		var claims struct {
			AuthTime int64 `json:"auth_time"`
		}
		require.NoError(t, idToken.Claims(&claims))
		assert.NotZero(t, claims.AuthTime)
	})

	t.Run("userinfo returns the subject", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, p.issuer+"/me", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
		resp := do(t, http.DefaultClient, req)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, testUserID, body["sub"])
	})

	t.Run("introspection reports the token active", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, p.issuer+"/token/introspection",
			strings.NewReader(url.Values{"token": {token.AccessToken}}.Encode()))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(testClientID, testClientSecret)
		resp := do(t, http.DefaultClient, req)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, true, body["active"])
		assert.Equal(t, testClientID, body["client_id"])
	})
}

func TestIDP_CodeIsSingleUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newTestIDP(t)

	verifier := oauth2.GenerateVerifier()
	authURL := p.oauthCfg.AuthCodeURL("state-123456", oauth2.S256ChallengeOption(verifier))
	code := p.signIn(t, p.browser(t), authURL, p.accessToken(t, testProjectID, testUserID)).Get("code")

	token, err := p.oauthCfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)

	_, err = p.oauthCfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, "invalid_grant", retrieveErr.ErrorCode)

	// Replaying the code revokes the tokens issued from it.
	req, err := http.NewRequest(http.MethodGet, p.issuer+"/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	resp := do(t, http.DefaultClient, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")
}

func TestIDP_PKCEIsVerified(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newTestIDP(t)

	authURL := p.oauthCfg.AuthCodeURL("state-123456", oauth2.S256ChallengeOption(oauth2.GenerateVerifier()))
	code := p.signIn(t, p.browser(t), authURL, p.accessToken(t, testProjectID, testUserID)).Get("code")

	_, err := p.oauthCfg.Exchange(ctx, code, oauth2.VerifierOption(oauth2.GenerateVerifier()))
	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, "invalid_grant", retrieveErr.ErrorCode)
}

func TestIDP_RefreshAndRevoke(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newTestIDP(t)

	verifier := oauth2.GenerateVerifier()
	authURL := p.oauthCfg.AuthCodeURL("state-123456", oauth2.S256ChallengeOption(verifier))
	code := p.signIn(t, p.browser(t), authURL, p.accessToken(t, testProjectID, testUserID)).Get("code")
	first, err := p.oauthCfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)

	refresh := func(refreshToken string) (*oauth2.Token, error) {
		return p.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	}

	second, err := refresh(first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// Refresh tokens rotate.
	_, err = refresh(first.RefreshToken)
	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, "invalid_grant", retrieveErr.ErrorCode)

	req, err := http.NewRequest(http.MethodPost, p.issuer+"/token/revocation",
		strings.NewReader(url.Values{"token": {second.RefreshToken}, "token_type_hint": {"refresh_token"}}.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(testClientID, testClientSecret)
	resp := do(t, http.DefaultClient, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = refresh(second.RefreshToken)
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, "invalid_grant", retrieveErr.ErrorCode)
}

func TestIDP_SessionReuse(t *testing.T) {
	t.Parallel()
	p := newTestIDP(t)
	client := p.browser(t)

	authURL := p.oauthCfg.AuthCodeURL("state-123456",
		oauth2.S256ChallengeOption(oauth2.GenerateVerifier()))
	p.signIn(t, client, authURL, p.accessToken(t, testProjectID, testUserID))

	// The session cookie authorizes the same client without another sign-in.
	params := callbackParams(t, get(t, client, p.oauthCfg.AuthCodeURL("state-654321",
		oauth2.S256ChallengeOption(oauth2.GenerateVerifier()),
		oauth2.SetAuthURLParam("prompt", "none"))))
	assert.NotEmpty(t, params.Get("code"))
	assert.Equal(t, "state-654321", params.Get("state"))

	// prompt=login ignores the session.
	resp := get(t, client, p.oauthCfg.AuthCodeURL("state-654321",
		oauth2.S256ChallengeOption(oauth2.GenerateVerifier()),
		oauth2.SetAuthURLParam("prompt", "login")))
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), p.issuer+"/interaction/"))
}

func TestIDP_PromptNoneWithoutSession(t *testing.T) {
	t.Parallel()
	p := newTestIDP(t)

	params := callbackParams(t, get(t, p.browser(t), p.oauthCfg.AuthCodeURL("state-123456",
		oauth2.S256ChallengeOption(oauth2.GenerateVerifier()),
		oauth2.SetAuthURLParam("prompt", "none"))))
	assert.Equal(t, "login_required", params.Get("error"))
	assert.Empty(t, params.Get("code"))
}

func TestIDP_InvalidAuthorizationRequest(t *testing.T) {
	t.Parallel()
	p := newTestIDP(t)

	// Unknown clients are not redirected anywhere.
	cfg := *p.oauthCfg
	cfg.ClientID = "unknown"
	resp := get(t, p.browser(t), cfg.AuthCodeURL("state-123456"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))
}

func TestIDP_Interaction(t *testing.T) {
	t.Parallel()
	p := newTestIDP(t)

	startInteraction := func(t *testing.T, client *http.Client) string {
		t.Helper()
		resp := get(t, client, p.oauthCfg.AuthCodeURL("state-123456",
			oauth2.S256ChallengeOption(oauth2.GenerateVerifier())))
		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		return resp.Header.Get("Location")
	}
	postLogin := func(t *testing.T, client *http.Client, target, accessToken string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, target, nil)
		require.NoError(t, err)
		if accessToken != "" {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}
		return do(t, client, req)
	}

	t.Run("unknown interaction", func(t *testing.T) {
		t.Parallel()
		resp := get(t, p.browser(t), p.issuer+"/interaction/unknown")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, apierrors.ErrInvalidArgument, resp.Header.Get(apierrors.KnownErrorHeader))

		resp = postLogin(t, p.browser(t), p.issuer+"/interaction/unknown/login", p.accessToken(t, testProjectID, testUserID))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("login without a signed-in user", func(t *testing.T) {
		t.Parallel()
		client := p.browser(t)
		interactionURL := startInteraction(t, client)

		resp := postLogin(t, client, interactionURL+"/login", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, apierrors.ErrUnparsableAccessToken, resp.Header.Get(apierrors.KnownErrorHeader))
	})

	t.Run("login with a user of another project", func(t *testing.T) {
		t.Parallel()
		client := p.browser(t)
		interactionURL := startInteraction(t, client)

		resp := postLogin(t, client, interactionURL+"/login", p.accessToken(t, "project-2", testUserID))
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("an interaction completes once", func(t *testing.T) {
		t.Parallel()
		client := p.browser(t)
		interactionURL := startInteraction(t, client)
		token := p.accessToken(t, testProjectID, testUserID)

		callbackParams(t, postLogin(t, client, interactionURL+"/login", token))

		resp := postLogin(t, client, interactionURL+"/login", token)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, apierrors.ErrInvalidArgument, resp.Header.Get(apierrors.KnownErrorHeader))

		resp = get(t, client, interactionURL)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestIDP_Discovery(t *testing.T) {
	t.Parallel()
	p := newTestIDP(t)

	resp := get(t, http.DefaultClient, p.issuer+"/.well-known/openid-configuration")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "public, max-age=3600", resp.Header.Get("Cache-Control"))

	var doc discoveryDocument
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, p.issuer, doc.Issuer)
	assert.Equal(t, p.issuer+"/auth", doc.AuthorizationEndpoint)
	assert.Equal(t, p.issuer+"/token", doc.TokenEndpoint)
	assert.Equal(t, p.issuer+"/me", doc.UserInfoEndpoint)
	assert.Equal(t, p.issuer+"/jwks", doc.JWKSURI)
	assert.Equal(t, []string{"ES256"}, doc.IDTokenSigningAlgValuesSupported)
	assert.Equal(t, []string{"S256"}, doc.CodeChallengeMethodsSupported)
	assert.ElementsMatch(t, DefaultClientScopes, doc.ScopesSupported)

	// The keys are also published at the API root.
	var idpKeys, rootKeys map[string]any
	resp = get(t, http.DefaultClient, p.issuer+"/jwks")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&idpKeys))
	resp = get(t, http.DefaultClient, p.server.URL+"/.well-known/jwks.json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rootKeys))
	assert.Equal(t, idpKeys, rootKeys)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	login := mocks.NewMockLoginVerifier(ctrl)

	newAdapter := func() *adapter.Adapter {
		a := adapter.New(adapter.NewMemoryBackend(adapter.WithMemoryCleanupInterval(time.Hour)))
		t.Cleanup(func() { _ = a.Close() })
		return a
	}

	tests := []struct {
		name        string
		mutateCfg   func(*Config)
		deps        func() Dependencies
		errContains string
	}{
		{
			name:        "invalid config",
			mutateCfg:   func(c *Config) { c.Issuer = "" },
			deps:        func() Dependencies { return Dependencies{Adapter: newAdapter(), Login: login} },
			errContains: "invalid idp config",
		},
		{
			name:        "missing adapter",
			deps:        func() Dependencies { return Dependencies{Login: login} },
			errContains: "protocol state adapter is required",
		},
		{
			name:        "missing login verifier",
			deps:        func() Dependencies { return Dependencies{Adapter: newAdapter()} },
			errContains: "login verifier is required",
		},
		{
			name:        "missing signing key file",
			mutateCfg:   func(c *Config) { c.SigningKeyFile = "/nonexistent/key.pem" },
			deps:        func() Dependencies { return Dependencies{Adapter: newAdapter(), Login: login} },
			errContains: "failed to create key provider",
		},
		{
			name: "valid",
			deps: func() Dependencies { return Dependencies{Adapter: newAdapter(), Login: login} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validIDPConfig()
			cfg.Clients[0].SecretHash, cfg.Clients[0].Secret = mustHash(t, "app-secret"), ""
			if tt.mutateCfg != nil {
				tt.mutateCfg(&cfg)
			}
			srv, err := New(context.Background(), cfg, tt.deps())
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, srv.Handler())
			assert.NotNil(t, srv.JWKSHandler())
		})
	}
}

func TestLoginHandler_UsesLoginVerifier(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	login := mocks.NewMockLoginVerifier(ctrl)
	login.EXPECT().VerifyLogin(gomock.Any()).Return("", errors.New("boom"))

	cfg := validIDPConfig()
	cfg.Clients[0].SecretHash, cfg.Clients[0].Secret = mustHash(t, "app-secret"), ""
	a := adapter.New(adapter.NewMemoryBackend(adapter.WithMemoryCleanupInterval(time.Hour)))
	srv, err := New(context.Background(), cfg, Dependencies{Adapter: a, Login: login})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/interaction/abc/login", nil))

	// Errors that are not known errors are rendered opaquely.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestKeyEndpoints_KeyProviderFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	keyProvider := keysmocks.NewMockKeyProvider(ctrl)
	keyProvider.EXPECT().PublicKeys(gomock.Any()).Return(nil, errors.New("key store unavailable")).Times(3)

	cfg := validIDPConfig()
	cfg.Clients[0].SecretHash, cfg.Clients[0].Secret = mustHash(t, "app-secret"), ""
	a := adapter.New(adapter.NewMemoryBackend(adapter.WithMemoryCleanupInterval(time.Hour)))
	srv, err := New(context.Background(), cfg, Dependencies{
		Adapter: a,
		Login:   mocks.NewMockLoginVerifier(ctrl),
		Keys:    keyProvider,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	for _, tc := range []struct {
		handler http.Handler
		path    string
	}{
		{srv.Handler(), "/jwks"},
		{srv.Handler(), "/.well-known/openid-configuration"},
		{srv.JWKSHandler(), "/.well-known/jwks.json"},
	} {
		rec := httptest.NewRecorder()
		tc.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code, tc.path)
		assert.NotContains(t, rec.Body.String(), "key store unavailable")
	}
}

func mustHash(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}
