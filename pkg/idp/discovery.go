// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ory/fosite"

	"github.com/stack-auth/stack-sub005/pkg/idp/keys"
	"github.com/stack-auth/stack-sub005/pkg/logger"
)

const (
	// jwksCacheMaxAge is the Cache-Control max-age of the JWKS endpoints.
	jwksCacheMaxAge = 3600

	// discoveryCacheMaxAge is the Cache-Control max-age of the discovery document.
	discoveryCacheMaxAge = 3600
)

// discoveryDocument is the OpenID Provider Metadata served at
// /.well-known/openid-configuration.
type discoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	ClaimsParameterSupported          bool     `json:"claims_parameter_supported"`
	RequestParameterSupported         bool     `json:"request_parameter_supported"`
}

// signingAlgorithms returns the algorithms of the published keys. OpenID
// Connect requires RS256 to be listed when nothing else is known.
func signingAlgorithms(set []*keys.PublicKeyData) []string {
	seen := make(map[string]bool)
	var algs []string
	for _, k := range set {
		if k.Algorithm != "" && !seen[k.Algorithm] {
			seen[k.Algorithm] = true
			algs = append(algs, k.Algorithm)
		}
	}
	if len(algs) == 0 {
		return []string{"RS256"}
	}
	return algs
}

// jwksHandler handles GET /jwks and GET /.well-known/jwks.json of the API
// root. It returns the public keys ID tokens can be verified with.
func (s *server) jwksHandler(w http.ResponseWriter, r *http.Request) {
	set, err := keys.PublicJWKS(r.Context(), s.keys)
	if err != nil {
		logger.Errorw("failed to load public keys", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	data, err := json.Marshal(set)
	if err != nil {
		logger.Errorw("failed to encode JWKS", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", jwksCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

// discoveryHandler handles GET /.well-known/openid-configuration.
func (s *server) discoveryHandler(w http.ResponseWriter, r *http.Request) {
	pub, err := s.keys.PublicKeys(r.Context())
	if err != nil {
		logger.Errorw("failed to load public keys", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	issuer := s.cfg.Issuer
	doc := discoveryDocument{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + "/auth",
		TokenEndpoint:          issuer + "/token",
		UserInfoEndpoint:       issuer + "/me",
		JWKSURI:                issuer + "/jwks",
		RevocationEndpoint:     issuer + "/token/revocation",
		IntrospectionEndpoint:  issuer + "/token/introspection",
		ScopesSupported:        s.supportedScopes(),
		ResponseTypesSupported: []string{"code"},
		ResponseModesSupported: []string{"query", "form_post"},
		GrantTypesSupported: []string{
			string(fosite.GrantTypeAuthorizationCode),
			string(fosite.GrantTypeRefreshToken),
		},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  signingAlgorithms(pub),
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		ClaimsSupported:                   []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "at_hash"},
	}

	data, err := json.Marshal(doc)
	if err != nil {
		logger.Errorw("failed to encode discovery document", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

// supportedScopes is the union of the scopes of the registered clients.
func (s *server) supportedScopes() []string {
	seen := make(map[string]bool)
	var scopes []string
	for _, c := range s.cfg.Clients {
		cs := c.Scopes
		if len(cs) == 0 {
			cs = DefaultClientScopes
		}
		for _, scope := range cs {
			if !seen[scope] {
				seen[scope] = true
				scopes = append(scopes, scope)
			}
		}
	}
	return scopes
}
