// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package helpers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// accessTokenHeader carries the platform access token on API requests.
const accessTokenHeader = "X-Stack-Access-Token"

// Client is a browser-like HTTP client for walking the sign-in flows.
// It keeps cookies but does NOT follow redirects, so that tests can inspect
// every hop.
type Client struct {
	tb         testing.TB
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a client for the server at baseURL.
func NewClient(tb testing.TB, baseURL string) *Client {
	tb.Helper()

	jar, err := cookiejar.New(nil)
	require.NoError(tb, err)

	return &Client{
		tb:      tb,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: 10 * time.Second,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				// Don't follow redirects - we want to inspect them
				return http.ErrUseLastResponse
			},
		},
	}
}

// HTTPClient returns the underlying client, sharing the cookie jar.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Authorize starts a sign-in with the given upstream provider.
func (c *Client) Authorize(provider string, params url.Values) *http.Response {
	return c.Get(c.baseURL + "/api/v1/auth/oauth/authorize/" + provider + "?" + params.Encode())
}

// Callback returns from the upstream provider.
func (c *Client) Callback(provider, state, code string) *http.Response {
	q := url.Values{"state": {state}, "code": {code}}
	return c.Get(c.baseURL + "/api/v1/auth/oauth/callback/" + provider + "?" + q.Encode())
}

// Token posts params to the token endpoint and decodes the JSON response.
func (c *Client) Token(params url.Values) (map[string]any, int) {
	resp, err := c.httpClient.PostForm(c.baseURL+"/api/v1/auth/oauth/token", params)
	require.NoError(c.tb, err)
	return c.decode(resp)
}

// ConnectedAccountAccessToken fetches a fresh upstream access token for the
// user the platform access token belongs to.
func (c *Client) ConnectedAccountAccessToken(provider, accessToken string) (map[string]any, int) {
	req, err := http.NewRequest(http.MethodGet,
		c.baseURL+"/api/v1/connected-accounts/"+provider+"/access-token", nil)
	require.NoError(c.tb, err)
	req.Header.Set(accessTokenHeader, accessToken)

	resp, err := c.httpClient.Do(req)
	require.NoError(c.tb, err)
	return c.decode(resp)
}

// Login completes an identity provider interaction as the user the platform
// access token belongs to.
func (c *Client) Login(loginURL, accessToken string) *http.Response {
	req, err := http.NewRequest(http.MethodPost, loginURL, nil)
	require.NoError(c.tb, err)
	req.Header.Set(accessTokenHeader, accessToken)
	return c.do(req)
}

// GetJSON fetches path below the base URL and decodes the JSON response.
func (c *Client) GetJSON(path string) (map[string]any, int) {
	resp, err := c.httpClient.Get(c.baseURL + path)
	require.NoError(c.tb, err)
	return c.decode(resp)
}

// Get performs a GET request to an absolute URL.
func (c *Client) Get(target string) *http.Response {
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(c.tb, err)
	return c.do(req)
}

func (c *Client) do(req *http.Request) *http.Response {
	resp, err := c.httpClient.Do(req)
	require.NoError(c.tb, err)
	c.tb.Cleanup(func() {
		_ = resp.Body.Close()
	})
	return resp
}

func (c *Client) decode(resp *http.Response) (map[string]any, int) {
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(c.tb, err)

	var result map[string]any
	if len(body) > 0 {
		require.NoError(c.tb, json.Unmarshal(body, &result), string(body))
	}
	return result, resp.StatusCode
}

// RedirectQuery returns the query of the Location header of a redirect.
func RedirectQuery(tb testing.TB, resp *http.Response) (*url.URL, url.Values) {
	tb.Helper()
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(tb, err)
	return location, location.Query()
}
