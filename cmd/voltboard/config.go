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
	"path/filepath"

	"github.com/AleutianAI/voltboard/pkg/logging"
)

// Config is the YAML-backed CLI configuration. Every field has a working
// default; an absent config file is not an error.
type Config struct {
	// Backend is the grid API root the dashboard talks to.
	Backend struct {
		URL string `yaml:"url"`
	} `yaml:"backend"`

	// Data is the local state directory (history database, logs).
	Data struct {
		Dir string `yaml:"dir"`
	} `yaml:"data"`

	Log struct {
		// Level is one of debug, info, warn, error.
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Telemetry struct {
		// Traces is the trace exporter: none, otlp, or stdout.
		Traces string `yaml:"traces"`
		// Metrics is the metric exporter: none, prometheus, or stdout.
		Metrics      string `yaml:"metrics"`
		OTLPEndpoint string `yaml:"otlp_endpoint"`
	} `yaml:"telemetry"`

	Serve struct {
		// Listen is the bind address for the grid backend.
		Listen string `yaml:"listen"`

		// Seed is an optional YAML file of initial nodes. The file is
		// watched; edits apply without a restart.
		Seed string `yaml:"seed"`

		// Interval between generator steps, e.g. "750ms".
		Interval string `yaml:"interval"`

		// SpikeChance is the probability a step jumps out of the safe
		// band.
		SpikeChance float64 `yaml:"spike_chance"`

		// Influx mirrors every published reading to InfluxDB when URL is
		// set.
		Influx struct {
			URL    string `yaml:"url"`
			Token  string `yaml:"token"`
			Org    string `yaml:"org"`
			Bucket string `yaml:"bucket"`
		} `yaml:"influx"`
	} `yaml:"serve"`
}

// DefaultCLIConfig returns the configuration used when no config file
// exists.
func DefaultCLIConfig() Config {
	var c Config
	c.Backend.URL = "http://localhost:8090"
	c.Data.Dir = "~/.voltboard"
	c.Log.Level = "info"
	c.Telemetry.Traces = "none"
	c.Telemetry.Metrics = "prometheus"
	c.Telemetry.OTLPEndpoint = "localhost:4317"
	c.Serve.Listen = ":8090"
	c.Serve.SpikeChance = 0.05
	return c
}

func (c Config) defaultConfigPath() string {
	return filepath.Join(logging.ExpandPath(c.Data.Dir), "config.yaml")
}

// dataDir returns the expanded state directory.
func (c Config) dataDir() string {
	return logging.ExpandPath(c.Data.Dir)
}

// logLevel maps the configured level string onto logging.Level,
// defaulting to info for anything unrecognized.
func (c Config) logLevel() logging.Level {
	switch c.Log.Level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
