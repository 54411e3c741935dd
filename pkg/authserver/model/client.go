// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"net"
	"net/url"
	"strings"

	"github.com/ory/fosite"

	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
	"github.com/stack-auth/stack-sub005/pkg/projects"
)

// LocalhostRedirectURI is the implicit redirect URI of projects without
// domains that allow localhost.
const LocalhostRedirectURI = "http://localhost"

// AllowedScopes is the scope allow-list. Nothing else is ever granted.
var AllowedScopes = []string{"openid"}

// Client is the OAuth client view of a project. It is derived per request and
// never persisted.
type Client struct {
	fosite.DefaultClient

	// Project is the configuration the client was derived from.
	Project *projects.Project
}

func newClient(p *projects.Project) *Client {
	return &Client{
		DefaultClient: fosite.DefaultClient{
			ID:            p.ID,
			RedirectURIs:  redirectURIs(p),
			GrantTypes:    fosite.Arguments{"authorization_code", "refresh_token"},
			ResponseTypes: fosite.Arguments{"code"},
			Scopes:        AllowedScopes,
			// Publishable client keys are not confidential; PKCE protects the code.
			Public: true,
		},
		Project: p,
	}
}

// redirectURIs derives the redirect URIs of a project from its domains.
func redirectURIs(p *projects.Project) []string {
	uris := make([]string, 0, len(p.Domains)+1)
	for _, d := range p.Domains {
		uris = append(uris, strings.TrimSuffix(d.Domain, "/")+d.HandlerPath)
	}
	if len(uris) == 0 && p.AllowLocalhost {
		uris = append(uris, LocalhostRedirectURI)
	}
	return uris
}

// redirectAllowed reports whether raw is same-origin with and path-prefixed by
// one of the project's domains, or a loopback URL when localhost is allowed.
func redirectAllowed(p *projects.Project, raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}

	if p.AllowLocalhost && isLoopback(u.Hostname()) {
		return true
	}

	for _, d := range p.Domains {
		base, err := url.Parse(d.Domain)
		if err != nil || base.Host == "" {
			continue
		}
		if !strings.EqualFold(base.Scheme, u.Scheme) || !strings.EqualFold(base.Host, u.Host) {
			continue
		}
		if pathHasPrefix(u.Path, strings.TrimSuffix(base.Path, "/")+d.HandlerPath) {
			return true
		}
	}
	return false
}

// pathHasPrefix matches whole path segments, so "/handler" does not match
// "/handlerx".
func pathHasPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func invalidClientKey() error {
	return apierrors.NewError(apierrors.ErrInvalidPublishableClientKey,
		"the publishable client key is not valid for this project", nil)
}
