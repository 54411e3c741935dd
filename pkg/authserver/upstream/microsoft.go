// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"net/mail"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
)

// ProviderMicrosoft is the id of the Microsoft provider.
const ProviderMicrosoft = "microsoft"

const microsoftDefaultTenant = "common"

func microsoftSpec(tenantID string) providerSpec {
	if tenantID == "" {
		tenantID = microsoftDefaultTenant
	}
	base := "https://login.microsoftonline.com/" + url.PathEscape(tenantID) + "/oauth2/v2.0"
	return providerSpec{
		id: ProviderMicrosoft,
		endpoints: Endpoints{
			AuthURL:     base + "/authorize",
			TokenURL:    base + "/token",
			UserInfoURL: "https://graph.microsoft.com/v1.0/me",
		},
		baseScope: "User.Read openid profile email offline_access",
	}
}

// MicrosoftProvider signs users in with a Microsoft Entra ID tenant.
type MicrosoftProvider struct {
	*baseProvider
}

// NewMicrosoftProvider creates a Microsoft provider for creds.TenantID.
func NewMicrosoftProvider(creds Credentials, opts Options) *MicrosoftProvider {
	p := &MicrosoftProvider{}
	p.baseProvider = newBaseProvider(microsoftSpec(creds.TenantID), creds, opts, p.postProcessUserInfo)
	return p
}

func (p *MicrosoftProvider) postProcessUserInfo(ctx context.Context, tokens *TokenSet) (*UserInfo, error) {
	raw, err := p.getJSON(ctx, p.spec.endpoints.UserInfoURL, tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	email := microsoftEmail(raw)
	if email == "" {
		return nil, apierrors.NewUpstreamFailureError(
			"Microsoft did not return a usable email address for this account", nil)
	}

	return &UserInfo{
		AccountID:     raw.Get("id").String(),
		DisplayName:   firstNonEmpty(raw.Get("displayName").String(), email),
		Email:         email,
		EmailVerified: false,
	}, nil
}

// microsoftEmail resolves the account email from mail, then an
// emailAddress identity, then the user principal name.
func microsoftEmail(raw gjson.Result) string {
	if m := raw.Get("mail").String(); isEmail(m) {
		return m
	}

	var fromIdentity string
	raw.Get("identities").ForEach(func(_, id gjson.Result) bool {
		if id.Get("signInType").String() == "emailAddress" && isEmail(id.Get("issuerAssignedId").String()) {
			fromIdentity = id.Get("issuerAssignedId").String()
			return false
		}
		return true
	})
	if fromIdentity != "" {
		return fromIdentity
	}

	// Guest accounts look like alice_example.com#EXT#@tenant.onmicrosoft.com.
	upn := raw.Get("userPrincipalName").String()
	if local, _, ok := strings.Cut(upn, "#EXT#"); ok {
		if i := strings.LastIndex(local, "_"); i > 0 {
			candidate := local[:i] + "@" + local[i+1:]
			if isEmail(candidate) {
				return candidate
			}
		}
		return ""
	}
	if isEmail(upn) {
		return upn
	}
	return ""
}

func isEmail(s string) bool {
	if s == "" {
		return false
	}
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}
