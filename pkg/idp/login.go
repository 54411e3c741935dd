// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package idp

//go:generate mockgen -destination=mocks/mock_login_verifier.go -package=mocks -source=login.go LoginVerifier

import (
	"net/http"
	"strings"

	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
	"github.com/stack-auth/stack-sub005/pkg/tokens"
)

// accessTokenHeader is the platform's own header for the user's access token.
const accessTokenHeader = "X-Stack-Access-Token"

// LoginVerifier identifies the platform user completing an interaction.
type LoginVerifier interface {
	// VerifyLogin returns the account id of the user signed in on r. It fails
	// with a known error when nobody is signed in.
	VerifyLogin(r *http.Request) (string, error)
}

// CodecLoginVerifier reads the platform access token of the request from the
// X-Stack-Access-Token header, the Authorization header or a cookie, in that
// order.
type CodecLoginVerifier struct {
	codec      *tokens.Codec
	projectID  string
	cookieName string
}

// NewCodecLoginVerifier creates a LoginVerifier over codec. A non-empty
// projectID rejects users of other projects. cookieName defaults to
// DefaultAccessTokenCookie.
func NewCodecLoginVerifier(codec *tokens.Codec, projectID, cookieName string) *CodecLoginVerifier {
	if cookieName == "" {
		cookieName = DefaultAccessTokenCookie
	}
	return &CodecLoginVerifier{codec: codec, projectID: projectID, cookieName: cookieName}
}

// VerifyLogin implements LoginVerifier.
func (v *CodecLoginVerifier) VerifyLogin(r *http.Request) (string, error) {
	claims, err := v.codec.Decode(v.accessToken(r))
	if err != nil {
		return "", err
	}
	if v.projectID != "" && claims.ProjectID != v.projectID {
		return "", apierrors.NewError(apierrors.ErrUnparsableAccessToken,
			"the access token belongs to another project", nil)
	}
	return claims.UserID, nil
}

func (v *CodecLoginVerifier) accessToken(r *http.Request) string {
	if token := r.Header.Get(accessTokenHeader); token != "" {
		return token
	}
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil {
		return cookie.Value
	}
	return ""
}

var _ LoginVerifier = (*CodecLoginVerifier)(nil)
