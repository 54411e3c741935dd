// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens encodes and decodes the platform's self-contained access
// tokens.
//
// An access token is a nested JWT: an HS256-signed JWS carrying
// {projectId, sub, exp}, encrypted as a dir/A256GCM JWE. Both keys are
// derived with HKDF from a single server secret and the token audience, so a
// token minted for one audience is unparsable under any other.
package tokens

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/crypto/hkdf"

	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
)

const (
	// DefaultTTL is the access token lifetime when none is given.
	DefaultTTL = time.Hour

	// MinSecretLength is the minimum server secret length in bytes.
	MinSecretLength = 32

	keyLength = 32

	signInfoPrefix    = "stack-access-token/sign/"
	encryptInfoPrefix = "stack-access-token/encrypt/"
)

var (
	// ErrAccessTokenExpired is returned by Decode when the token verified but
	// its exp has passed.
	ErrAccessTokenExpired = apierrors.NewError(apierrors.ErrAccessTokenExpired,
		"the access token has expired, please refresh it and try again", nil)

	// ErrUnparsableAccessToken is returned by Decode for every other failure.
	ErrUnparsableAccessToken = apierrors.NewError(apierrors.ErrUnparsableAccessToken,
		"the access token is not valid", nil)
)

// AccessTokenClaims are the claims carried by an access token.
type AccessTokenClaims struct {
	ProjectID string
	UserID    string
	// ExpiresAt is set by Decode. It is ignored by Encode.
	ExpiresAt time.Time
}

type privateClaims struct {
	ProjectID string `json:"projectId"`
}

// Codec encodes and decodes access tokens for one audience.
type Codec struct {
	audience   string
	signer     jose.Signer
	encrypter  jose.Encrypter
	signKey    []byte
	encryptKey []byte
	defaultTTL time.Duration
	now        func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithDefaultTTL sets the lifetime used when Encode is called with ttl <= 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec derives the signing and encryption keys for audience from secret.
func NewCodec(secret []byte, audience string, opts ...Option) (*Codec, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("server secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	if audience == "" {
		return nil, errors.New("audience is required")
	}

	signKey, err := DeriveKey(secret, signInfoPrefix+audience)
	if err != nil {
		return nil, err
	}
	encryptKey, err := DeriveKey(secret, encryptInfoPrefix+audience)
	if err != nil {
		return nil, err
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: signKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: encryptKey},
		(&jose.EncrypterOptions{}).WithType("JWT").WithContentType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypter: %w", err)
	}

	c := &Codec{
		audience:   audience,
		signer:     signer,
		encrypter:  encrypter,
		signKey:    signKey,
		encryptKey: encryptKey,
		defaultTTL: DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DeriveKey derives a 32-byte key from secret using HKDF-SHA256 with info as
// the context string.
func DeriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Audience returns the audience the codec was built for.
func (c *Codec) Audience() string {
	return c.audience
}

// DefaultTTL returns the lifetime used when Encode is called with ttl <= 0.
func (c *Codec) DefaultTTL() time.Duration {
	return c.defaultTTL
}

// Encode mints an access token for claims valid for ttl.
func (c *Codec) Encode(claims AccessTokenClaims, ttl time.Duration) (string, error) {
	if claims.ProjectID == "" || claims.UserID == "" {
		return "", errors.New("projectId and userId are required")
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	now := c.now()
	std := jwt.Claims{
		Issuer:   c.audience,
		Subject:  claims.UserID,
		Audience: jwt.Audience{c.audience},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}

	token, err := jwt.SignedAndEncrypted(c.signer, c.encrypter).
		Claims(std).
		Claims(privateClaims{ProjectID: claims.ProjectID}).
		Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize access token: %w", err)
	}
	return token, nil
}

// Decode verifies token and returns its claims. It fails with
// ErrAccessTokenExpired only when the token is otherwise valid and past its
// exp, and with ErrUnparsableAccessToken for everything else.
func (c *Codec) Decode(token string) (*AccessTokenClaims, error) {
	nested, err := jwt.ParseSignedAndEncrypted(
		token,
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM},
		[]jose.SignatureAlgorithm{jose.HS256},
	)
	if err != nil {
		return nil, unparsable(err)
	}

	signed, err := nested.Decrypt(c.encryptKey)
	if err != nil {
		return nil, unparsable(err)
	}

	var std jwt.Claims
	var private privateClaims
	if err := signed.Claims(c.signKey, &std, &private); err != nil {
		return nil, unparsable(err)
	}

	if std.Expiry == nil {
		return nil, unparsable(errors.New("missing exp claim"))
	}
	err = std.ValidateWithLeeway(jwt.Expected{
		Issuer:      c.audience,
		AnyAudience: jwt.Audience{c.audience},
		Time:        c.now(),
	}, 0)
	if errors.Is(err, jwt.ErrExpired) {
		return nil, ErrAccessTokenExpired
	}
	if err != nil {
		return nil, unparsable(err)
	}

	if private.ProjectID == "" || std.Subject == "" {
		return nil, unparsable(errors.New("missing projectId or sub claim"))
	}

	return &AccessTokenClaims{
		ProjectID: private.ProjectID,
		UserID:    std.Subject,
		ExpiresAt: std.Expiry.Time(),
	}, nil
}

func unparsable(cause error) error {
	return apierrors.NewError(apierrors.ErrUnparsableAccessToken, ErrUnparsableAccessToken.Message, cause)
}
