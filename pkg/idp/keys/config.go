// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

// Config selects the source of the ID token signing keys.
type Config struct {
	// SigningKeyFile is a PEM-encoded private key used for signing new ID
	// tokens. When empty, the key is derived from Secret.
	SigningKeyFile string

	// FallbackKeyFiles are PEM-encoded keys that are published in the JWKS but
	// not used for signing, so that tokens signed before a rotation still
	// verify.
	FallbackKeyFiles []string

	// Secret is the server secret the key is derived from when no signing key
	// file is configured.
	Secret []byte
}

// NewProviderFromConfig creates the KeyProvider described by cfg.
func NewProviderFromConfig(cfg Config) (KeyProvider, error) {
	if cfg.SigningKeyFile != "" {
		return NewFileProvider(cfg.SigningKeyFile, cfg.FallbackKeyFiles...)
	}
	return NewDerivedProvider(cfg.Secret)
}
