// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// writePEM writes a PEM-encoded EC key to a temp file and returns its path.
func writePEM(t *testing.T, dir, filename string, der []byte) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func generateTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func TestDerivedProvider(t *testing.T) {
	t.Parallel()

	t.Run("is deterministic per secret", func(t *testing.T) {
		t.Parallel()
		a, err := NewDerivedProvider([]byte(testSecret))
		require.NoError(t, err)
		b, err := NewDerivedProvider([]byte(testSecret))
		require.NoError(t, err)
		c, err := NewDerivedProvider([]byte("another-secret-that-is-long-enough!"))
		require.NoError(t, err)

		ka, err := a.SigningKey(context.Background())
		require.NoError(t, err)
		kb, err := b.SigningKey(context.Background())
		require.NoError(t, err)
		kc, err := c.SigningKey(context.Background())
		require.NoError(t, err)

		assert.Equal(t, ka.KeyID, kb.KeyID)
		assert.NotEqual(t, ka.KeyID, kc.KeyID)
		assert.Equal(t, DefaultAlgorithm, ka.Algorithm)

		ecKey, ok := ka.Key.(*ecdsa.PrivateKey)
		require.True(t, ok)
		assert.Equal(t, elliptic.P256(), ecKey.Curve)
	})

	t.Run("signs verifiably", func(t *testing.T) {
		t.Parallel()
		p, err := NewDerivedProvider([]byte(testSecret))
		require.NoError(t, err)
		key, err := p.SigningKey(context.Background())
		require.NoError(t, err)

		digest := sha256.Sum256([]byte("payload"))
		sig, err := key.Key.Sign(rand.Reader, digest[:], crypto.SHA256)
		require.NoError(t, err)

		pubKeys, err := p.PublicKeys(context.Background())
		require.NoError(t, err)
		require.Len(t, pubKeys, 1)
		pub, ok := pubKeys[0].PublicKey.(*ecdsa.PublicKey)
		require.True(t, ok)
		assert.True(t, ecdsa.VerifyASN1(pub, digest[:], sig))
	})

	t.Run("rejects a short secret", func(t *testing.T) {
		t.Parallel()
		_, err := NewDerivedProvider([]byte("short"))
		require.ErrorContains(t, err, "at least 32 bytes")
	})
}

func TestFileProvider(t *testing.T) {
	t.Parallel()

	t.Run("loads signing and fallback keys", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		der, err := x509.MarshalECPrivateKey(generateTestKey(t))
		require.NoError(t, err)
		signing := writePEM(t, dir, "signing.pem", der)
		der, err = x509.MarshalECPrivateKey(generateTestKey(t))
		require.NoError(t, err)
		fallback := writePEM(t, dir, "old.pem", der)

		p, err := NewFileProvider(signing, fallback)
		require.NoError(t, err)

		key, err := p.SigningKey(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ES256", key.Algorithm)

		pubKeys, err := p.PublicKeys(context.Background())
		require.NoError(t, err)
		require.Len(t, pubKeys, 2)
		assert.Equal(t, key.KeyID, pubKeys[0].KeyID)
		assert.NotEqual(t, pubKeys[0].KeyID, pubKeys[1].KeyID)
	})

	t.Run("loads a PKCS8 P-384 key", func(t *testing.T) {
		t.Parallel()
		ecKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		require.NoError(t, err)
		der, err := x509.MarshalPKCS8PrivateKey(ecKey)
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "p384.pem")
		require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0600))

		p, err := NewFileProvider(path)
		require.NoError(t, err)
		key, err := p.SigningKey(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ES384", key.Algorithm)
	})

	t.Run("fails for a missing file", func(t *testing.T) {
		t.Parallel()
		_, err := NewFileProvider("/nonexistent/key.pem")
		require.ErrorContains(t, err, "failed to load signing key")
	})

	t.Run("fails for invalid PEM", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "bad.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a pem"), 0600))
		_, err := NewFileProvider(path)
		require.ErrorContains(t, err, "failed to decode PEM block")
	})

	t.Run("requires a signing key", func(t *testing.T) {
		t.Parallel()
		_, err := NewFileProvider("")
		require.ErrorContains(t, err, "signing key file is required")
	})
}

func TestNewProviderFromConfig(t *testing.T) {
	t.Parallel()

	p, err := NewProviderFromConfig(Config{Secret: []byte(testSecret)})
	require.NoError(t, err)
	assert.IsType(t, &DerivedProvider{}, p)

	dir := t.TempDir()
	der, err := x509.MarshalECPrivateKey(generateTestKey(t))
	require.NoError(t, err)
	p, err = NewProviderFromConfig(Config{SigningKeyFile: writePEM(t, dir, "k.pem", der)})
	require.NoError(t, err)
	assert.IsType(t, &FileProvider{}, p)
}

func TestPublicJWKS(t *testing.T) {
	t.Parallel()

	p, err := NewDerivedProvider([]byte(testSecret))
	require.NoError(t, err)
	signing, err := p.SigningKey(context.Background())
	require.NoError(t, err)

	set, err := PublicJWKS(context.Background(), p)
	require.NoError(t, err)
	data, err := json.Marshal(set)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"d"`, "private key material must not be published")

	// Parse with an independent JOSE implementation.
	parsed, err := jwk.Parse(data)
	require.NoError(t, err)
	require.Equal(t, 1, parsed.Len())

	key, ok := parsed.LookupKeyID(signing.KeyID)
	require.True(t, ok)
	thumbprint, err := key.Thumbprint(crypto.SHA256)
	require.NoError(t, err)
	assert.Equal(t, signing.KeyID, base64.RawURLEncoding.EncodeToString(thumbprint))

	var raw any
	require.NoError(t, jwk.Export(key, &raw))
	pub, ok := raw.(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.True(t, pub.Equal(signing.Key.Public()))
}
