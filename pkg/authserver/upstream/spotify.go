// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"

	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
)

// ProviderSpotify is the id of the Spotify provider.
const ProviderSpotify = "spotify"

var spotifySpec = providerSpec{
	id: ProviderSpotify,
	endpoints: Endpoints{
		AuthURL:     "https://accounts.spotify.com/authorize",
		TokenURL:    "https://accounts.spotify.com/api/token",
		UserInfoURL: "https://api.spotify.com/v1/me",
	},
	baseScope: "user-read-email user-read-private",
}

// SpotifyProvider signs users in with Spotify.
type SpotifyProvider struct {
	*baseProvider
}

// NewSpotifyProvider creates a Spotify provider.
func NewSpotifyProvider(creds Credentials, opts Options) *SpotifyProvider {
	p := &SpotifyProvider{}
	p.baseProvider = newBaseProvider(spotifySpec, creds, opts, p.postProcessUserInfo)
	return p
}

func (p *SpotifyProvider) postProcessUserInfo(ctx context.Context, tokens *TokenSet) (*UserInfo, error) {
	raw, err := p.getJSON(ctx, p.spec.endpoints.UserInfoURL, tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	if raw.Get("email").String() == "" {
		return nil, apierrors.NewUpstreamFailureError("Spotify did not return an email address", nil)
	}

	return &UserInfo{
		AccountID:       raw.Get("id").String(),
		DisplayName:     firstNonEmpty(raw.Get("display_name").String(), raw.Get("id").String()),
		Email:           raw.Get("email").String(),
		EmailVerified:   false,
		ProfileImageURL: raw.Get("images.0.url").String(),
	}, nil
}
