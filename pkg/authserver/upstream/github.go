// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
)

// ProviderGitHub is the id of the GitHub provider.
const ProviderGitHub = "github"

var githubSpec = providerSpec{
	id: ProviderGitHub,
	endpoints: Endpoints{
		AuthURL:     "https://github.com/login/oauth/authorize",
		TokenURL:    "https://github.com/login/oauth/access_token",
		UserInfoURL: "https://api.github.com/user",
	},
	baseScope: "user:email",
	// Expiring user tokens from GitHub Apps last eight hours. OAuth App tokens
	// carry no expiry at all.
	defaultAccessTokenLifetime: 8 * time.Hour,
}

// GitHubProvider signs users in with GitHub.
type GitHubProvider struct {
	*baseProvider
}

// NewGitHubProvider creates a GitHub provider.
func NewGitHubProvider(creds Credentials, opts Options) *GitHubProvider {
	p := &GitHubProvider{}
	p.baseProvider = newBaseProvider(githubSpec, creds, opts, p.postProcessUserInfo)
	return p
}

func (p *GitHubProvider) postProcessUserInfo(ctx context.Context, tokens *TokenSet) (*UserInfo, error) {
	user, err := p.getJSON(ctx, p.spec.endpoints.UserInfoURL, tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	// The public profile email is optional and unverified; the emails list
	// is authoritative.
	emails, err := p.getJSON(ctx, strings.TrimSuffix(p.spec.endpoints.UserInfoURL, "/")+"/emails", tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	email, verified := pickGitHubEmail(user.Get("email").String(), emails)
	if email == "" {
		return nil, apierrors.NewUpstreamFailureError(
			"GitHub did not return a verified email address for this account", nil)
	}

	return &UserInfo{
		AccountID:       user.Get("id").String(),
		DisplayName:     firstNonEmpty(user.Get("name").String(), user.Get("login").String()),
		Email:           email,
		EmailVerified:   verified,
		ProfileImageURL: user.Get("avatar_url").String(),
	}, nil
}

// pickGitHubEmail prefers the primary verified address, then the profile
// address if it is verified, then any verified address.
func pickGitHubEmail(profileEmail string, emails gjson.Result) (string, bool) {
	var primary, matching, anyVerified string
	emails.ForEach(func(_, e gjson.Result) bool {
		if !e.Get("verified").Bool() {
			return true
		}
		addr := e.Get("email").String()
		if e.Get("primary").Bool() && primary == "" {
			primary = addr
		}
		if profileEmail != "" && strings.EqualFold(addr, profileEmail) && matching == "" {
			matching = addr
		}
		if anyVerified == "" {
			anyVerified = addr
		}
		return true
	})

	if email := firstNonEmpty(primary, matching, anyVerified); email != "" {
		return email, true
	}
	return "", false
}
