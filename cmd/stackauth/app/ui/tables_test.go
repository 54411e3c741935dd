// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ui

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stack-auth/stack-sub005/pkg/idp"
	"github.com/stack-auth/stack-sub005/pkg/projects"
)

func TestRenderProjectsTable(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		require.NoError(t, RenderProjectsTable(&out, nil))
		assert.Equal(t, "No projects configured.\n", out.String())
	})

	t.Run("lists enabled providers", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		require.NoError(t, RenderProjectsTable(&out, []projects.Project{{
			ID:      "internal",
			Domains: []projects.Domain{{Domain: "https://app.example.com", HandlerPath: "/handler"}},
			OAuthProviders: []projects.ProviderConfig{
				{ID: "github", Enabled: true},
				{ID: "google", Type: projects.ProviderTypeStandard, Enabled: true},
				{ID: "spotify", Enabled: false},
			},
		}}))

		body := out.String()
		assert.Contains(t, body, "internal")
		assert.Contains(t, body, "https://app.example.com/handler")
		assert.Contains(t, body, "github (shared)")
		assert.Contains(t, body, "google (standard)")
		assert.NotContains(t, body, "spotify")
	})
}

func TestRenderClientsTable(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, RenderClientsTable(&out, nil))
	assert.Equal(t, "No identity provider clients configured.\n", out.String())

	out.Reset()
	require.NoError(t, RenderClientsTable(&out, []idp.ClientConfig{
		{ID: "app", Secret: "s", RedirectURIs: []string{"https://client.example.com/callback"}},
		{ID: "cli", Public: true, RedirectURIs: []string{"http://127.0.0.1:8080/callback"}},
	}))
	body := out.String()
	assert.Contains(t, body, "confidential")
	assert.Contains(t, body, "public")
	assert.Contains(t, body, "https://client.example.com/callback")
}
