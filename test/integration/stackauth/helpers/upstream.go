// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package helpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/stack-auth/stack-sub005/pkg/authserver/upstream"
)

// Values issued by the fake GitHub.
const (
	GitHubCode            = "gh-authorization-code"
	GitHubAccessToken     = "gho_first"
	GitHubRefreshedToken  = "gho_refreshed"
	GitHubRefreshToken    = "ghr_refresh"
	GitHubAccountID       = 4242
	GitHubLogin           = "octocat"
	GitHubEmail           = "octocat@example.com"
	gitHubAuthorizePath   = "/login/oauth/authorize"
	gitHubTokenPath       = "/login/oauth/access_token"
	gitHubUserPath        = "/user"
	gitHubUserEmailsPath  = "/user/emails"
	gitHubTokenTypeBearer = "bearer"
)

// FakeGitHub serves the subset of the GitHub OAuth and REST APIs the
// sign-in flow uses.
type FakeGitHub struct {
	server *httptest.Server

	mu        sync.Mutex
	verifiers []string
	refreshes int
}

// NewFakeGitHub starts a fake GitHub that is closed with the test.
func NewFakeGitHub(tb testing.TB) *FakeGitHub {
	tb.Helper()

	f := &FakeGitHub{}
	r := chi.NewRouter()
	r.Post(gitHubTokenPath, f.tokenHandler)
	r.Get(gitHubUserPath, f.requireToken(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":    GitHubAccountID,
			"login": GitHubLogin,
			"name":  "The Octocat",
		})
	}))
	r.Get(gitHubUserEmailsPath, f.requireToken(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"email": "old@example.com", "primary": false, "verified": true},
			{"email": GitHubEmail, "primary": true, "verified": true},
		})
	}))

	f.server = httptest.NewServer(r)
	tb.Cleanup(f.server.Close)
	return f
}

// Endpoints returns the endpoint overrides that point the GitHub provider
// at the fake.
func (f *FakeGitHub) Endpoints() map[string]upstream.Endpoints {
	return map[string]upstream.Endpoints{
		upstream.ProviderGitHub: {
			AuthURL:     f.server.URL + gitHubAuthorizePath,
			TokenURL:    f.server.URL + gitHubTokenPath,
			UserInfoURL: f.server.URL + gitHubUserPath,
		},
	}
}

// AuthorizeURL is the authorization endpoint of the fake.
func (f *FakeGitHub) AuthorizeURL() string {
	return f.server.URL + gitHubAuthorizePath
}

// Verifiers returns the PKCE verifiers sent with authorization code grants.
func (f *FakeGitHub) Verifiers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.verifiers...)
}

// Refreshes returns the number of refresh token grants served.
func (f *FakeGitHub) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func (f *FakeGitHub) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != GitHubCode {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		f.verifiers = append(f.verifiers, r.PostForm.Get("code_verifier"))
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  GitHubAccessToken,
			"refresh_token": GitHubRefreshToken,
			"token_type":    gitHubTokenTypeBearer,
			"scope":         "user:email",
			"expires_in":    28800,
		})
	case "refresh_token":
		if r.PostForm.Get("refresh_token") != GitHubRefreshToken {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_refresh_token"})
			return
		}
		f.refreshes++
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": GitHubRefreshedToken,
			"token_type":   gitHubTokenTypeBearer,
			"expires_in":   28800,
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (*FakeGitHub) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer " + GitHubAccessToken, "Bearer " + GitHubRefreshedToken:
			next(w, r)
		default:
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
