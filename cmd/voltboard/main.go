// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command voltboard runs the live voltage dashboard and its simulated
// grid backend.
//
// Usage:
//
//	# Start the backend (REST + websocket push + telemetry generator)
//	voltboard serve
//
//	# Open the interactive dashboard against a running backend
//	voltboard watch
//	voltboard watch --backend http://localhost:8090
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var config Config

func main() {
	// Execute the root command. Cobra handles parsing the arguments.
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		config = DefaultCLIConfig()

		path := configPath
		explicit := path != ""
		if !explicit {
			path = config.defaultConfigPath()
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if explicit {
				log.Fatalf("Error reading config %s: %v", path, err)
			}
			// No config file is the common case; defaults apply.
			return
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			log.Fatalf("Error parsing config %s: %v", path, err)
		}
	}
}
