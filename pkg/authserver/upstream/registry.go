// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/caarlos0/env/v11"

	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
	"github.com/stack-auth/stack-sub005/pkg/projects"
)

// Credentials are the client credentials a provider authenticates with.
type Credentials struct {
	ClientID         string
	ClientSecret     string
	TenantID         string
	FacebookConfigID string
}

// SharedCredentials are the platform-wide credentials used by projects that
// enable a provider in "shared" mode.
type SharedCredentials struct {
	GoogleClientID        string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret    string `env:"GOOGLE_CLIENT_SECRET"`
	GitHubClientID        string `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret    string `env:"GITHUB_CLIENT_SECRET"`
	FacebookClientID      string `env:"FACEBOOK_CLIENT_ID"`
	FacebookClientSecret  string `env:"FACEBOOK_CLIENT_SECRET"`
	MicrosoftClientID     string `env:"MICROSOFT_CLIENT_ID"`
	MicrosoftClientSecret string `env:"MICROSOFT_CLIENT_SECRET"`
	MicrosoftTenantID     string `env:"MICROSOFT_TENANT_ID"`
	SpotifyClientID       string `env:"SPOTIFY_CLIENT_ID"`
	SpotifyClientSecret   string `env:"SPOTIFY_CLIENT_SECRET"`
}

// LoadSharedCredentials reads shared provider credentials from the environment.
func LoadSharedCredentials() (SharedCredentials, error) {
	var creds SharedCredentials
	if err := env.Parse(&creds); err != nil {
		return SharedCredentials{}, fmt.Errorf("parse shared provider credentials: %w", err)
	}
	return creds, nil
}

func (s SharedCredentials) forProvider(id string) (Credentials, bool) {
	var c Credentials
	switch id {
	case ProviderGoogle:
		c = Credentials{ClientID: s.GoogleClientID, ClientSecret: s.GoogleClientSecret}
	case ProviderGitHub:
		c = Credentials{ClientID: s.GitHubClientID, ClientSecret: s.GitHubClientSecret}
	case ProviderFacebook:
		c = Credentials{ClientID: s.FacebookClientID, ClientSecret: s.FacebookClientSecret}
	case ProviderMicrosoft:
		c = Credentials{ClientID: s.MicrosoftClientID, ClientSecret: s.MicrosoftClientSecret, TenantID: s.MicrosoftTenantID}
	case ProviderSpotify:
		c = Credentials{ClientID: s.SpotifyClientID, ClientSecret: s.SpotifyClientSecret}
	default:
		return Credentials{}, false
	}
	return c, c.ClientID != "" && c.ClientSecret != ""
}

// Options configures every provider built by a Factory.
type Options struct {
	// BaseURL is the public URL of this server. Upstream callbacks are
	// registered under it.
	BaseURL string

	// HTTPClient is used for all upstream requests.
	HTTPClient *http.Client

	// Endpoints overrides the built-in endpoints of a provider, keyed by
	// provider id.
	Endpoints map[string]Endpoints
}

type constructor func(Credentials, Options) Provider

var constructors = map[string]constructor{
	ProviderGoogle:    func(c Credentials, o Options) Provider { return NewGoogleProvider(c, o) },
	ProviderGitHub:    func(c Credentials, o Options) Provider { return NewGitHubProvider(c, o) },
	ProviderFacebook:  func(c Credentials, o Options) Provider { return NewFacebookProvider(c, o) },
	ProviderMicrosoft: func(c Credentials, o Options) Provider { return NewMicrosoftProvider(c, o) },
	ProviderSpotify:   func(c Credentials, o Options) Provider { return NewSpotifyProvider(c, o) },
}

// SupportedProviders returns the ids of all built-in providers.
func SupportedProviders() []string {
	ids := make([]string, 0, len(constructors))
	for id := range constructors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Factory builds providers from project configuration.
type Factory struct {
	shared SharedCredentials
	opts   Options
}

// NewFactory creates a Factory.
func NewFactory(shared SharedCredentials, opts Options) *Factory {
	return &Factory{shared: shared, opts: opts}
}

// Provider returns the provider described by cfg. Shared providers use the
// platform credentials; standard providers use the ones on cfg.
func (f *Factory) Provider(cfg *projects.ProviderConfig) (Provider, error) {
	build, ok := constructors[cfg.ID]
	if !ok {
		return nil, apierrors.NewError(apierrors.ErrOAuthProviderNotFoundOrNotEnabled,
			fmt.Sprintf("unsupported oauth provider %q", cfg.ID), nil)
	}

	var creds Credentials
	if cfg.IsShared() {
		shared, ok := f.shared.forProvider(cfg.ID)
		if !ok {
			return nil, apierrors.NewInternalError(
				fmt.Sprintf("shared credentials for %s are not configured", cfg.ID), nil)
		}
		creds = shared
	} else {
		creds = Credentials{
			ClientID:         cfg.ClientID,
			ClientSecret:     cfg.ClientSecret,
			TenantID:         cfg.TenantID,
			FacebookConfigID: cfg.FacebookConfigID,
		}
	}

	return build(creds, f.opts), nil
}
