// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys provides the keys that sign the ID tokens of the identity
// provider and publishes their public halves.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/stack-auth/stack-sub005/pkg/logger"
	"github.com/stack-auth/stack-sub005/pkg/tokens"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=provider.go KeyProvider

// KeyProvider provides signing keys for ID tokens.
type KeyProvider interface {
	// SigningKey returns the current signing key.
	SigningKey(ctx context.Context) (*SigningKeyData, error)

	// PublicKeys returns all public keys for the JWKS endpoint.
	// May return multiple keys during rotation periods.
	PublicKeys(ctx context.Context) ([]*PublicKeyData, error)
}

const (
	// derivationInfo is the HKDF info of the signing key seed.
	derivationInfo = "stack-idp/signing-key"

	// maxDerivationAttempts bounds the search for a valid P-256 scalar. A
	// 32-byte block is out of range with probability below 2^-32.
	maxDerivationAttempts = 16
)

// DerivedProvider signs with an ECDSA P-256 key derived from the server
// secret, so every instance sharing the secret publishes the same key.
type DerivedProvider struct {
	key *SigningKeyData
}

// NewDerivedProvider derives the signing key from secret.
func NewDerivedProvider(secret []byte) (*DerivedProvider, error) {
	if len(secret) < tokens.MinSecretLength {
		return nil, fmt.Errorf("secret must be at least %d bytes", tokens.MinSecretLength)
	}

	privateKey, err := deriveECKey(secret)
	if err != nil {
		return nil, err
	}
	keyID, err := DeriveKeyID(privateKey)
	if err != nil {
		return nil, err
	}

	logger.Debugw("derived ID token signing key", "key_id", keyID, "algorithm", DefaultAlgorithm)
	return &DerivedProvider{key: &SigningKeyData{
		KeyID:     keyID,
		Algorithm: DefaultAlgorithm,
		Key:       privateKey,
	}}, nil
}

func deriveECKey(secret []byte) (*ecdsa.PrivateKey, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(derivationInfo))
	scalar := make([]byte, 32)
	for range maxDerivationAttempts {
		if _, err := io.ReadFull(r, scalar); err != nil {
			return nil, fmt.Errorf("failed to derive signing key seed: %w", err)
		}
		if key, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), scalar); err == nil {
			return key, nil
		}
	}
	return nil, errors.New("failed to derive a valid P-256 signing key")
}

// SigningKey returns a copy of the derived key.
func (p *DerivedProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	k := *p.key
	return &k, nil
}

// PublicKeys returns the public half of the derived key.
func (p *DerivedProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	return []*PublicKeyData{publicKeyOf(p.key)}, nil
}

// FileProvider loads signing keys from PEM files.
// The signing key is used for signing new tokens.
// All keys (signing + fallback) are exposed via PublicKeys() for JWKS.
// Keys are loaded once at construction time; changes require restart.
type FileProvider struct {
	signingKey *SigningKeyData
	allKeys    []*SigningKeyData
}

// NewFileProvider loads the signing key and the fallback keys.
// Supports RSA (PKCS1/PKCS8) and ECDSA (SEC1/PKCS8) keys.
func NewFileProvider(signingKeyFile string, fallbackKeyFiles ...string) (*FileProvider, error) {
	if signingKeyFile == "" {
		return nil, errors.New("signing key file is required")
	}

	signingKey, err := loadKeyFromFile(signingKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	allKeys := []*SigningKeyData{signingKey}
	for _, path := range fallbackKeyFiles {
		key, err := loadKeyFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", path, err)
		}
		allKeys = append(allKeys, key)
	}

	return &FileProvider{
		signingKey: signingKey,
		allKeys:    allKeys,
	}, nil
}

func loadKeyFromFile(path string) (*SigningKeyData, error) {
	signer, err := LoadSigningKey(path)
	if err != nil {
		return nil, err
	}
	keyID, err := DeriveKeyID(signer)
	if err != nil {
		return nil, err
	}
	alg, err := DeriveAlgorithm(signer)
	if err != nil {
		return nil, err
	}
	return &SigningKeyData{KeyID: keyID, Algorithm: alg, Key: signer}, nil
}

// SigningKey returns a copy of the primary signing key.
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKeyData, error) {
	k := *p.signingKey
	return &k, nil
}

// PublicKeys returns public keys for all loaded keys (signing + fallback).
func (p *FileProvider) PublicKeys(_ context.Context) ([]*PublicKeyData, error) {
	pubKeys := make([]*PublicKeyData, 0, len(p.allKeys))
	for _, key := range p.allKeys {
		pubKeys = append(pubKeys, publicKeyOf(key))
	}
	return pubKeys, nil
}

func publicKeyOf(key *SigningKeyData) *PublicKeyData {
	return &PublicKeyData{
		KeyID:     key.KeyID,
		Algorithm: key.Algorithm,
		PublicKey: key.Key.Public(),
	}
}

// Compile-time interface checks.
var (
	_ KeyProvider = (*DerivedProvider)(nil)
	_ KeyProvider = (*FileProvider)(nil)
)
