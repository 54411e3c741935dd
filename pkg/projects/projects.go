// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package projects provides the tenant configuration the authorization server
// reads: trusted domains, publishable client keys and upstream OAuth provider
// settings.
package projects

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"sync"

	apierrors "github.com/stack-auth/stack-sub005/pkg/errors"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=projects.go Store

// ErrNotFound is returned when a project does not exist.
var ErrNotFound = apierrors.NewError(apierrors.ErrProjectNotFound, "project not found", nil)

// ProviderType selects where an upstream provider's client credentials come from.
type ProviderType string

const (
	// ProviderTypeShared uses the platform's own credentials from the environment.
	ProviderTypeShared ProviderType = "shared"
	// ProviderTypeStandard uses client credentials configured on the project.
	ProviderTypeStandard ProviderType = "standard"
)

// Domain is a trusted origin plus the path prefix of the client's OAuth handler.
type Domain struct {
	Domain      string `yaml:"domain" json:"domain" toml:"domain"`
	HandlerPath string `yaml:"handler_path" json:"handler_path" toml:"handler_path"`
}

// ProviderConfig is a project's configuration of one upstream provider.
type ProviderConfig struct {
	ID           string       `yaml:"id" json:"id" toml:"id"`
	Type         ProviderType `yaml:"type" json:"type" toml:"type"`
	Enabled      bool         `yaml:"enabled" json:"enabled" toml:"enabled"`
	ClientID     string       `yaml:"client_id,omitempty" json:"client_id,omitempty" toml:"client_id,omitempty"`
	ClientSecret string       `yaml:"client_secret,omitempty" json:"client_secret,omitempty" toml:"client_secret,omitempty"`
	// TenantID is the Microsoft Entra tenant. Empty means "common".
	TenantID string `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty" toml:"tenant_id,omitempty"`
	// FacebookConfigID selects a Facebook Login for Business configuration.
	FacebookConfigID string `yaml:"facebook_config_id,omitempty" json:"facebook_config_id,omitempty" toml:"facebook_config_id,omitempty"`
}

// IsShared reports whether the provider uses shared platform credentials.
func (p *ProviderConfig) IsShared() bool {
	return p.Type == "" || p.Type == ProviderTypeShared
}

// Project is a tenant of the platform.
type Project struct {
	ID                    string           `yaml:"id" json:"id" toml:"id"`
	DisplayName           string           `yaml:"display_name" json:"display_name" toml:"display_name"`
	Domains               []Domain         `yaml:"domains" json:"domains" toml:"domains"`
	AllowLocalhost        bool             `yaml:"allow_localhost" json:"allow_localhost" toml:"allow_localhost"`
	PublishableClientKeys []string         `yaml:"publishable_client_keys" json:"publishable_client_keys" toml:"publishable_client_keys"`
	OAuthProviders        []ProviderConfig `yaml:"oauth_providers" json:"oauth_providers" toml:"oauth_providers"`
}

// Provider returns the enabled provider configuration with the given id.
func (p *Project) Provider(id string) (*ProviderConfig, bool) {
	for i := range p.OAuthProviders {
		if p.OAuthProviders[i].ID == id && p.OAuthProviders[i].Enabled {
			return &p.OAuthProviders[i], true
		}
	}
	return nil, false
}

// HasPublishableClientKey reports whether key is one of the project's
// publishable client keys.
func (p *Project) HasPublishableClientKey(key string) bool {
	if key == "" {
		return false
	}
	for _, k := range p.PublishableClientKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// Validate checks the project is usable.
func (p *Project) Validate() error {
	if p.ID == "" {
		return errors.New("project id is required")
	}
	for _, d := range p.Domains {
		if d.Domain == "" {
			return fmt.Errorf("project %s: domain is required", p.ID)
		}
	}
	seen := make(map[string]bool, len(p.OAuthProviders))
	for _, op := range p.OAuthProviders {
		if seen[op.ID] {
			return fmt.Errorf("project %s: duplicate oauth provider %q", p.ID, op.ID)
		}
		seen[op.ID] = true
		if op.Type == ProviderTypeStandard && (op.ClientID == "" || op.ClientSecret == "") {
			return fmt.Errorf("project %s: oauth provider %q requires client_id and client_secret", p.ID, op.ID)
		}
	}
	return nil
}

func (p *Project) clone() *Project {
	c := *p
	c.Domains = slices.Clone(p.Domains)
	c.PublishableClientKeys = slices.Clone(p.PublishableClientKeys)
	c.OAuthProviders = slices.Clone(p.OAuthProviders)
	return &c
}

// Store resolves projects by id. Each call reads current configuration; callers
// must not cache the result across requests.
type Store interface {
	GetProject(ctx context.Context, id string) (*Project, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*Project
}

// NewMemoryStore creates a MemoryStore holding the given projects.
func NewMemoryStore(projects ...Project) (*MemoryStore, error) {
	s := &MemoryStore{projects: make(map[string]*Project, len(projects))}
	for i := range projects {
		if err := s.Put(&projects[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put adds or replaces a project.
func (s *MemoryStore) Put(p *Project) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p.clone()
	return nil
}

// GetProject implements Store.
func (s *MemoryStore) GetProject(_ context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.clone(), nil
}
