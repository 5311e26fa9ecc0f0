// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/voltboard/pkg/logging"
	"github.com/AleutianAI/voltboard/pkg/telemetry"
	"github.com/AleutianAI/voltboard/services/dashboard/controller"
	"github.com/AleutianAI/voltboard/services/dashboard/history"
	"github.com/AleutianAI/voltboard/services/dashboard/storage/badger"
	"github.com/AleutianAI/voltboard/services/dashboard/transport"
	"github.com/AleutianAI/voltboard/services/dashboard/tui"
)

// runWatch starts the interactive dashboard.
//
// The logger runs in quiet mode: stderr belongs to the rendered screen,
// so everything goes to the log file under the data directory.
func runWatch(cmd *cobra.Command, args []string) error {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return errors.New("watch requires an interactive terminal")
	}

	logger := logging.New(logging.Config{
		Level:   config.logLevel(),
		LogDir:  filepath.Join(config.dataDir(), "logs"),
		Service: "voltboard",
		Quiet:   true,
	})
	defer logger.Close()

	ctx := context.Background()

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = "voltboard"
	tcfg.TraceExporter = config.Telemetry.Traces
	tcfg.MetricExporter = config.Telemetry.Metrics
	tcfg.OTLPEndpoint = config.Telemetry.OTLPEndpoint
	telemetryShutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	db, err := badger.Open(badger.Config{
		Path:       filepath.Join(config.dataDir(), "history"),
		SyncWrites: false,
		Logger:     logger.Slog(),
	})
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer db.Close()

	restored, err := history.Load(ctx, db, logger.Slog())
	if err != nil {
		// A damaged blob starts the session with an empty log; the
		// session itself still works.
		logger.Warn("history restore failed", "error", err)
	}
	persister := history.NewPersister(db, logger.Slog())
	defer persister.Stop()

	backend := config.Backend.URL
	if env := os.Getenv("VOLTBOARD_BACKEND_URL"); env != "" {
		backend = env
	}
	if backendURL != "" {
		backend = backendURL
	}
	client, err := transport.NewClient(transport.ClientConfig{
		BaseURL: backend,
		Logger:  logger.Slog(),
	})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	ctrl, err := controller.New(controller.Config{
		Transport:      client,
		Persister:      persister,
		InitialHistory: restored,
		Logger:         logger.Slog(),
	})
	if err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	defer ctrl.Close()

	// Pull the first snapshot immediately; the live subscription alone
	// would leave the table empty until something changes.
	ctrl.Refresh()

	logger.Info("dashboard starting", "backend", backend)
	program := tea.NewProgram(tui.New(ctrl), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("run dashboard: %w", err)
	}
	return nil
}
