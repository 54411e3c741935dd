// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"net/url"
	"strings"

	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
)

// ProviderFacebook is the id of the Facebook provider.
const ProviderFacebook = "facebook"

const facebookGraphVersionPath = "/v3.2/me"

var facebookSpec = providerSpec{
	id: ProviderFacebook,
	endpoints: Endpoints{
		AuthURL:     "https://facebook.com/v20.0/dialog/oauth/",
		TokenURL:    "https://graph.facebook.com/v20.0/oauth/access_token",
		UserInfoURL: "https://graph.facebook.com" + facebookGraphVersionPath,
	},
	baseScope:      "openid public_profile email",
	discardIDToken: true,
}

// FacebookProvider signs users in with Facebook.
type FacebookProvider struct {
	*baseProvider
}

// NewFacebookProvider creates a Facebook provider. A non-empty
// creds.FacebookConfigID selects a Facebook Login for Business configuration.
func NewFacebookProvider(creds Credentials, opts Options) *FacebookProvider {
	spec := facebookSpec
	if creds.FacebookConfigID != "" {
		spec.extraAuthParams = map[string]string{"config_id": creds.FacebookConfigID}
	}
	p := &FacebookProvider{}
	p.baseProvider = newBaseProvider(spec, creds, opts, p.postProcessUserInfo)
	return p
}

func (p *FacebookProvider) postProcessUserInfo(ctx context.Context, tokens *TokenSet) (*UserInfo, error) {
	me, err := url.Parse(p.spec.endpoints.UserInfoURL)
	if err != nil {
		return nil, err
	}
	q := me.Query()
	q.Set("access_token", tokens.AccessToken)
	q.Set("fields", "id,name,email")
	me.RawQuery = q.Encode()

	raw, err := p.getJSON(ctx, me.String(), "")
	if err != nil {
		return nil, err
	}
	if raw.Get("email").String() == "" {
		return nil, apierrors.NewUpstreamFailureError(
			`Facebook did not return an email address, the "email" permission is probably not enabled for this app`, nil)
	}

	id := raw.Get("id").String()
	var picture string
	if id != "" {
		graphBase := strings.TrimSuffix(p.spec.endpoints.UserInfoURL, facebookGraphVersionPath)
		pictureURL := graphBase + "/" + url.PathEscape(id) + "?" + url.Values{
			"access_token": {tokens.AccessToken},
			"fields":       {"picture.type(small)"},
		}.Encode()
		// The picture is cosmetic; a failed lookup does not fail the sign-in.
		if pic, err := p.getJSON(ctx, pictureURL, ""); err == nil {
			picture = pic.Get("picture.data.url").String()
		}
	}

	return &UserInfo{
		AccountID:       id,
		DisplayName:     raw.Get("name").String(),
		Email:           raw.Get("email").String(),
		EmailVerified:   false,
		ProfileImageURL: picture,
	}, nil
}
