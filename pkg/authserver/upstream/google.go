// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"

	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
)

// ProviderGoogle is the id of the Google provider.
const ProviderGoogle = "google"

var googleSpec = providerSpec{
	id: ProviderGoogle,
	endpoints: Endpoints{
		AuthURL:     "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:    "https://oauth2.googleapis.com/token",
		UserInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
	},
	baseScope: "openid email profile",
	// Google only returns a refresh token on the first consent unless asked again.
	extraAuthParams: map[string]string{"prompt": "consent"},
}

// GoogleProvider signs users in with Google.
type GoogleProvider struct {
	*baseProvider
}

// NewGoogleProvider creates a Google provider.
func NewGoogleProvider(creds Credentials, opts Options) *GoogleProvider {
	p := &GoogleProvider{}
	p.baseProvider = newBaseProvider(googleSpec, creds, opts, p.postProcessUserInfo)
	return p
}

func (p *GoogleProvider) postProcessUserInfo(ctx context.Context, tokens *TokenSet) (*UserInfo, error) {
	raw, err := p.getJSON(ctx, p.spec.endpoints.UserInfoURL, tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	if raw.Get("email").String() == "" {
		return nil, apierrors.NewUpstreamFailureError("Google did not return an email address", nil)
	}
	if !raw.Get("email_verified").Bool() {
		return nil, apierrors.NewUpstreamFailureError("Google account email address is not verified", nil)
	}

	return &UserInfo{
		AccountID:       raw.Get("sub").String(),
		DisplayName:     firstNonEmpty(raw.Get("name").String(), raw.Get("email").String()),
		Email:           raw.Get("email").String(),
		EmailVerified:   true,
		ProfileImageURL: raw.Get("picture").String(),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
