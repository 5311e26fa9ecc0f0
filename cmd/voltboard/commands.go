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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath  string
	backendURL  string // CLI override for backend.url
	listenAddr  string // CLI override for serve.listen
	seedPath    string // CLI override for serve.seed
	noGenerator bool

	rootCmd = &cobra.Command{
		Use:   "voltboard",
		Short: "A live dashboard for grid voltage readings",
		Long: `Voltboard merges snapshot pulls, live pushes, and your own edits
				into one consistent view of a simulated voltage grid.`,
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Open the interactive dashboard against a running backend",
		RunE:  runWatch, // Defined in cmd_watch.go
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the simulated grid backend (REST + live push)",
		RunE:  runServe, // Defined in cmd_serve.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default: <data dir>/config.yaml)")

	watchCmd.Flags().StringVar(&backendURL, "backend", "", "Backend URL (overrides config)")

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Bind address (overrides config)")
	serveCmd.Flags().StringVar(&seedPath, "seed", "", "Seed YAML file of initial nodes (overrides config)")
	serveCmd.Flags().BoolVar(&noGenerator, "no-generator", false, "Disable the random walk generator")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
}
