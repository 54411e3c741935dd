// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides the HTTP surface of the authorization server.
//
// A client starts a federated sign-in at the authorize endpoint. The request is
// validated against the project, parked as a pending authorization keyed by a
// fresh inner state, and the browser is sent to the upstream provider. The
// upstream callback consumes the pending authorization, resolves the platform
// user and issues an authorization code through the engine. The client then
// redeems the code with PKCE at the token endpoint.
//
// Routes are relative to the API version prefix:
//   - GET  /auth/oauth/authorize/{provider}
//   - GET  /auth/oauth/callback/{provider} (and POST)
//   - POST /auth/oauth/token
//   - GET  /connected-accounts/{provider}/access-token
package handlers
