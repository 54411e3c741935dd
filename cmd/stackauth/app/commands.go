// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the stackauth command-line application.
package app

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stack-auth/stack-sub005/cmd/stackauth/app/ui"
	"github.com/stack-auth/stack-sub005/pkg/config"
	"github.com/stack-auth/stack-sub005/pkg/logger"
	"github.com/stack-auth/stack-sub005/pkg/projects"
	"github.com/stack-auth/stack-sub005/pkg/versions"
)

// NewRootCmd creates a new root command for the stackauth CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "stackauth",
		DisableAutoGenTag: true,
		Short:             "Stack Auth authorization server and OpenID Connect provider",
		Long: `stackauth serves the platform's OAuth 2.0 authorization server, which signs
users in through upstream providers (Google, GitHub, Facebook, Microsoft, Spotify)
and issues platform tokens to project clients, and the embedded OpenID Connect
provider that lets third-party applications sign users in with the platform.

Configuration is read from the file given with --config and from STACK_*
environment variables.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// newServeCmd creates the serve command
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the stackauth server",
		Long: `Start the API listener, serving the authorization server under /api/v1 and,
when enabled, the OpenID Connect provider under /api/v1/idp, and the metrics
listener. The server shuts down gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// newValidateCmd creates the validate command for checking configuration
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration file and environment overrides and check them for
semantic errors: missing or short secrets, invalid URLs, storage and
identity provider settings. The projects file, when configured, is loaded
and validated too.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printConfigSummary(cmd.OutOrStdout(), cfg)
		},
	}
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the version of stackauth",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			out := cmd.OutOrStdout()

			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			_, _ = fmt.Fprintf(out, "stackauth %s\n", info.Version)
			_, _ = fmt.Fprintf(out, "Commit: %s\n", info.Commit)
			_, _ = fmt.Fprintf(out, "Built: %s\n", info.BuildDate)
			_, _ = fmt.Fprintf(out, "Go version: %s\n", info.GoVersion)
			_, _ = fmt.Fprintf(out, "Platform: %s\n", info.Platform)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version information as JSON")

	return cmd
}

// loadConfig loads and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	configPath := viper.GetString("config")
	if configPath != "" {
		logger.Infof("Loading configuration from: %s", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

func printConfigSummary(out io.Writer, cfg *config.Config) error {
	var seed []projects.Project
	if cfg.ProjectsFile != "" {
		var err error
		seed, err = projects.LoadFile(cfg.ProjectsFile)
		if err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}

	_, _ = fmt.Fprintln(out, "✓ Configuration is valid")
	_, _ = fmt.Fprintf(out, "  Base URL: %s\n", cfg.BaseURL)
	_, _ = fmt.Fprintf(out, "  Storage: %s\n", cfg.Storage.Type)
	if cfg.IDP.Enabled {
		_, _ = fmt.Fprintf(out, "  Identity provider: %s (%d clients, %s adapter)\n",
			cfg.Issuer(), len(cfg.IDP.Clients), cfg.IDP.Adapter.Type)
	} else {
		_, _ = fmt.Fprintln(out, "  Identity provider: disabled")
	}
	if cfg.Telemetry.EnablePrometheusMetricsPath {
		_, _ = fmt.Fprintf(out, "  Metrics: %s/metrics\n", cfg.MetricsAddress)
	}

	if cfg.ProjectsFile != "" {
		_, _ = fmt.Fprintln(out)
		if err := ui.RenderProjectsTable(out, seed); err != nil {
			return err
		}
	}
	if cfg.IDP.Enabled {
		_, _ = fmt.Fprintln(out)
		return ui.RenderClientsTable(out, cfg.IDP.Clients)
	}
	return nil
}
