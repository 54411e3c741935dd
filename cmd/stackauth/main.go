// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the stackauth server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stack-auth/stack-sub005/cmd/stackauth/app"
	"github.com/stack-auth/stack-sub005/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	// Create a context that will be canceled on signal
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		logger.Sync()
		cancel()
		os.Exit(1)
	}
}
