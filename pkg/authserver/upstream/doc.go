// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream drives the client side of the OAuth 2.0 authorization code
// flow (with PKCE) against third-party identity providers used for federated
// sign-in.
//
// # Architecture
//
// Every provider implements the Provider interface:
//
//   - AuthorizationURL: build the upstream /authorize redirect
//   - Callback: redeem the upstream code and normalize the user's identity
//   - RefreshAccessToken: obtain a fresh upstream access token for a
//     connected account
//
// The shared OAuth mechanics live in baseProvider. Concrete providers (Google,
// GitHub, Facebook, Microsoft, Spotify) only contribute their fixed endpoints,
// base scope and a postProcessUserInfo hook that maps the provider's profile
// API into the canonical UserInfo shape. The hook output is checked by a JSON
// schema before it is returned, so malformed upstream data fails closed.
//
// # Usage
//
//	factory := upstream.NewFactory(shared, upstream.Options{BaseURL: "https://api.example.com"})
//	provider, err := factory.Provider(projectProviderConfig)
//
//	authURL, err := provider.AuthorizationURL(upstream.AuthorizationParams{
//	    CodeVerifier: verifier,
//	    State:        state,
//	})
//
//	// on callback
//	result, err := provider.Callback(ctx, upstream.CallbackParams{
//	    Code:          r.URL.Query().Get("code"),
//	    State:         r.URL.Query().Get("state"),
//	    CodeVerifier:  verifier,
//	    ExpectedState: state,
//	})
package upstream
