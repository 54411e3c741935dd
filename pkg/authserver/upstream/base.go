// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
	"github.com/stack-auth/stack-sub005/pkg/logger"
)

const (
	// maxResponseSize bounds every upstream response body we read.
	maxResponseSize = 1 << 20

	// fallbackAccessTokenLifetime is used when a provider reports no expiry
	// and has no provider-specific default.
	fallbackAccessTokenLifetime = time.Hour

	userAgent = "stack-auth"
)

// Endpoints are the upstream URLs a provider talks to.
type Endpoints struct {
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// providerSpec is the static description of a concrete provider.
type providerSpec struct {
	id        string
	endpoints Endpoints
	baseScope string
	// extraAuthParams are appended to every authorization URL.
	extraAuthParams map[string]string
	// defaultAccessTokenLifetime applies when the token response carries no expiry.
	defaultAccessTokenLifetime time.Duration
	// discardIDToken drops id_token from token responses of plain OAuth 2.0
	// providers that return one anyway.
	discardIDToken bool
}

type postProcessFunc func(ctx context.Context, tokens *TokenSet) (*UserInfo, error)

// baseProvider implements the provider-independent part of the flow.
type baseProvider struct {
	spec        providerSpec
	oauth       *oauth2.Config
	httpClient  *http.Client
	limiter     *rate.Limiter
	postProcess postProcessFunc
	now         func() time.Time
}

func newBaseProvider(spec providerSpec, creds Credentials, opts Options, postProcess postProcessFunc) *baseProvider {
	if override, ok := opts.Endpoints[spec.id]; ok {
		spec.endpoints = override
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &baseProvider{
		spec: spec,
		oauth: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  CallbackURL(opts.BaseURL, spec.id),
			Endpoint: oauth2.Endpoint{
				AuthURL:   spec.endpoints.AuthURL,
				TokenURL:  spec.endpoints.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: strings.Fields(spec.baseScope),
		},
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(100, 200),
		postProcess: postProcess,
		now:         time.Now,
	}
}

// CallbackURL returns the redirect URI registered with upstream providers.
func CallbackURL(baseURL, providerID string) string {
	return strings.TrimSuffix(baseURL, "/") + "/api/v1/auth/oauth/callback/" + url.PathEscape(providerID)
}

// ID implements Provider.
func (p *baseProvider) ID() string {
	return p.spec.id
}

// Scope implements Provider.
func (p *baseProvider) Scope() string {
	return p.spec.baseScope
}

// AuthorizationURL implements Provider.
func (p *baseProvider) AuthorizationURL(params AuthorizationParams) (string, error) {
	if params.State == "" {
		return "", errors.New("state parameter is required")
	}
	if params.CodeVerifier == "" {
		return "", errors.New("code verifier is required")
	}

	cfg := *p.oauth
	cfg.Scopes = MergeScopes(p.spec.baseScope, params.ExtraScope)

	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(params.CodeVerifier),
		oauth2.AccessTypeOffline,
	}
	for k, v := range p.spec.extraAuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	logger.Debugw("building upstream authorization URL",
		"provider", p.spec.id,
		"authorization_endpoint", p.spec.endpoints.AuthURL,
		"has_extra_scope", params.ExtraScope != "",
	)

	return cfg.AuthCodeURL(params.State, opts...), nil
}

// Callback implements Provider.
func (p *baseProvider) Callback(ctx context.Context, params CallbackParams) (*CallbackResult, error) {
	if params.Error != "" {
		return nil, apierrors.NewUpstreamFailureError(
			fmt.Sprintf("%s returned an error: %s", p.spec.id, params.Error), nil)
	}
	if params.Code == "" {
		return nil, apierrors.NewInvalidArgumentError("authorization code is required", nil)
	}
	if params.ExpectedState != "" && params.State != params.ExpectedState {
		return nil, apierrors.NewInvalidArgumentError("state mismatch in upstream callback", nil)
	}

	logger.Infow("exchanging upstream authorization code",
		"provider", p.spec.id,
		"token_endpoint", p.spec.endpoints.TokenURL,
	)

	token, err := p.oauth.Exchange(p.clientContext(ctx), params.Code, oauth2.VerifierOption(params.CodeVerifier))
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			logger.Warnw("upstream rejected authorization code", "provider", p.spec.id)
			return nil, apierrors.NewError(apierrors.ErrInvalidAuthorizationCode,
				"the upstream authorization code is invalid or expired", err)
		}
		return nil, apierrors.NewUpstreamFailureError(
			fmt.Sprintf("%s token exchange failed", p.spec.id), err)
	}

	tokens, err := p.processToken(token)
	if err != nil {
		return nil, err
	}

	userInfo, err := p.postProcess(ctx, tokens)
	if err != nil {
		return nil, err
	}
	userInfo.AccessToken = tokens.AccessToken
	userInfo.RefreshToken = tokens.RefreshToken
	if err := ValidateUserInfo(userInfo); err != nil {
		return nil, err
	}

	logger.Infow("upstream callback completed",
		"provider", p.spec.id,
		"has_refresh_token", tokens.RefreshToken != "",
		"expires_at", tokens.ExpiresAt.Format(time.RFC3339),
	)

	return &CallbackResult{UserInfo: userInfo, TokenSet: tokens}, nil
}

// RefreshAccessToken implements Provider. x/oauth2 cannot send a scope with a
// refresh grant, so the request is made directly.
func (p *baseProvider) RefreshAccessToken(ctx context.Context, refreshToken, scope string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {p.oauth.ClientID},
		"client_secret": {p.oauth.ClientSecret},
	}
	if scope != "" {
		form.Set("scope", strings.Join(MergeScopes(scope), " "))
	}

	logger.Infow("refreshing upstream access token", "provider", p.spec.id)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.spec.endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, apierrors.NewUpstreamFailureError("token refresh request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, apierrors.NewUpstreamFailureError("failed to read token response", err)
	}

	result := gjson.ParseBytes(body)
	if resp.StatusCode != http.StatusOK || result.Get("error").Exists() {
		return nil, apierrors.NewUpstreamFailureError(
			fmt.Sprintf("%s token refresh failed with status %d: %s", p.spec.id, resp.StatusCode, result.Get("error").String()), nil)
	}

	tokens, err := p.processTokenFields(
		result.Get("access_token").String(),
		result.Get("refresh_token").String(),
		result.Get("id_token").String(),
		result.Get("scope").String(),
		result.Get("expires_in").Int(),
		result.Get("expires_at").Int(),
	)
	if err != nil {
		return nil, err
	}

	logger.Infow("upstream token refresh successful",
		"provider", p.spec.id,
		"has_new_refresh_token", tokens.RefreshToken != "",
	)
	return tokens, nil
}

func (p *baseProvider) processToken(token *oauth2.Token) (*TokenSet, error) {
	var idToken, scope string
	if v, ok := token.Extra("id_token").(string); ok {
		idToken = v
	}
	if v, ok := token.Extra("scope").(string); ok {
		scope = v
	}
	var expiresAt int64
	switch v := token.Extra("expires_at").(type) {
	case float64:
		expiresAt = int64(v)
	case string:
		expiresAt = gjson.Parse(v).Int()
	}

	expiresIn := token.ExpiresIn
	if expiresIn == 0 && !token.Expiry.IsZero() {
		expiresIn = int64(time.Until(token.Expiry).Seconds())
	}
	return p.processTokenFields(token.AccessToken, token.RefreshToken, idToken, scope, expiresIn, expiresAt)
}

// processTokenFields normalizes a token response. Expiry comes from
// expires_in, then expires_at, then the provider default, then one hour.
func (p *baseProvider) processTokenFields(
	accessToken, refreshToken, idToken, scope string, expiresIn, expiresAt int64,
) (*TokenSet, error) {
	if accessToken == "" {
		return nil, apierrors.NewUpstreamFailureError(
			fmt.Sprintf("no access token received from %s", p.spec.id), nil)
	}
	if p.spec.discardIDToken {
		idToken = ""
	}

	now := p.now()
	var exp time.Time
	switch {
	case expiresIn > 0:
		exp = now.Add(time.Duration(expiresIn) * time.Second)
	case expiresAt > 0:
		exp = time.Unix(expiresAt, 0)
	case p.spec.defaultAccessTokenLifetime > 0:
		exp = now.Add(p.spec.defaultAccessTokenLifetime)
	default:
		logger.Warnw("no expires_in or expires_at received from upstream provider, falling back to 1h",
			"provider", p.spec.id)
		exp = now.Add(fallbackAccessTokenLifetime)
	}

	return &TokenSet{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		IDToken:      idToken,
		Scope:        scope,
		ExpiresAt:    exp,
	}, nil
}

func (p *baseProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// getJSON fetches a provider API resource. An empty bearer token sends no
// Authorization header.
func (p *baseProvider) getJSON(ctx context.Context, endpoint, bearer string) (gjson.Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, apierrors.NewUpstreamFailureError(
			fmt.Sprintf("%s API request failed", p.spec.id), err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return gjson.Result{}, apierrors.NewUpstreamFailureError("failed to read upstream response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, apierrors.NewUpstreamFailureError(
			fmt.Sprintf("%s API returned status %d", p.spec.id, resp.StatusCode), nil)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, apierrors.NewUpstreamFailureError(
			fmt.Sprintf("%s API returned invalid JSON", p.spec.id), nil)
	}
	return gjson.ParseBytes(body), nil
}

// MergeScopes joins space-separated scope strings, dropping duplicates and
// keeping first-seen order.
func MergeScopes(scopes ...string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, s := range scopes {
		for _, scope := range strings.Fields(s) {
			if !seen[scope] {
				seen[scope] = true
				merged = append(merged, scope)
			}
		}
	}
	return merged
}
