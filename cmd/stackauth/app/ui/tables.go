// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ui renders configuration summaries for the terminal.
package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/stack-auth/stack-sub005/pkg/idp"
	"github.com/stack-auth/stack-sub005/pkg/projects"
)

func newTable(w io.Writer, headers []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader(headers),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(len(headers), tw.AlignLeft)),
	)
	return table
}

// RenderProjectsTable renders the projects and their enabled providers.
func RenderProjectsTable(w io.Writer, seed []projects.Project) error {
	if len(seed) == 0 {
		_, _ = fmt.Fprintln(w, "No projects configured.")
		return nil
	}

	table := newTable(w, []string{"Project", "Domains", "Providers"})
	for _, p := range seed {
		domains := make([]string, 0, len(p.Domains))
		for _, d := range p.Domains {
			domains = append(domains, d.Domain+d.HandlerPath)
		}
		var providers []string
		for _, op := range p.OAuthProviders {
			if !op.Enabled {
				continue
			}
			kind := op.Type
			if op.IsShared() {
				kind = projects.ProviderTypeShared
			}
			providers = append(providers, fmt.Sprintf("%s (%s)", op.ID, kind))
		}
		if err := table.Append([]string{
			p.ID,
			strings.Join(domains, "\n"),
			strings.Join(providers, "\n"),
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

// RenderClientsTable renders the identity provider's clients.
func RenderClientsTable(w io.Writer, clients []idp.ClientConfig) error {
	if len(clients) == 0 {
		_, _ = fmt.Fprintln(w, "No identity provider clients configured.")
		return nil
	}

	table := newTable(w, []string{"Client", "Type", "Redirect URIs"})
	for _, c := range clients {
		kind := "confidential"
		if c.Public {
			kind = "public"
		}
		if err := table.Append([]string{
			c.ID,
			kind,
			strings.Join(c.RedirectURIs, "\n"),
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
