// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/oauth2"

	"github.com/stack-auth/stack-sub005/pkg/tokens"
)

// Strategy is the fosite token strategy of the authorization server.
// Authorization codes and refresh tokens are opaque HMAC tokens from the
// embedded strategy; access tokens are self-contained tokens from the codec.
type Strategy struct {
	oauth2.CoreStrategy

	codec *tokens.Codec
}

// NewStrategy wraps core, replacing its access token half with codec.
func NewStrategy(core oauth2.CoreStrategy, codec *tokens.Codec) *Strategy {
	return &Strategy{CoreStrategy: core, codec: codec}
}

// AccessTokenSignature returns the storage key of an access token. Access
// tokens are never stored, but fosite still asks for a signature.
func (*Strategy) AccessTokenSignature(_ context.Context, token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateAccessToken encodes the session's project and user with the codec.
func (s *Strategy) GenerateAccessToken(ctx context.Context, requester fosite.Requester) (string, string, error) {
	sess, ok := requester.GetSession().(*Session)
	if !ok {
		return "", "", fosite.ErrServerError.WithHint("unexpected session type")
	}

	var ttl time.Duration
	if exp := sess.GetExpiresAt(fosite.AccessToken); !exp.IsZero() {
		ttl = time.Until(exp)
		if ttl <= 0 {
			return "", "", fosite.ErrServerError.WithHint("access token lifespan must be positive")
		}
	}

	token, err := s.codec.Encode(tokens.AccessTokenClaims{ProjectID: sess.ProjectID, UserID: sess.UserID}, ttl)
	if err != nil {
		return "", "", fosite.ErrServerError.WithWrap(err).WithDebug(err.Error())
	}
	return token, s.AccessTokenSignature(ctx, token), nil
}

// ValidateAccessToken decodes the token with the codec.
func (s *Strategy) ValidateAccessToken(_ context.Context, _ fosite.Requester, token string) error {
	if _, err := s.codec.Decode(token); err != nil {
		if errors.Is(err, tokens.ErrAccessTokenExpired) {
			return fosite.ErrTokenExpired.WithWrap(err)
		}
		return fosite.ErrInvalidTokenFormat.WithWrap(err)
	}
	return nil
}

var _ oauth2.CoreStrategy = (*Strategy)(nil)
