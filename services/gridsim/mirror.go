// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gridsim

import (
	"context"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Mirror writes every applied reading to InfluxDB for offline analysis.
// The simulator works fine without it; writes are best-effort.
type Mirror struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	logger *slog.Logger
}

// MirrorConfig configures a Mirror.
type MirrorConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	Logger *slog.Logger
}

// NewMirror connects to InfluxDB and verifies it is healthy.
func NewMirror(ctx context.Context, cfg MirrorConfig) (*Mirror, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	logger.Info("connected to InfluxDB mirror",
		"url", cfg.URL,
		"org", cfg.Org,
		"bucket", cfg.Bucket,
		"status", health.Status)

	return &Mirror{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger: logger.With(slog.String("component", "gridsim_mirror")),
	}, nil
}

// Record writes one reading. Failures are logged, never surfaced; the
// mirror must not slow down or break the serving path.
func (m *Mirror) Record(ctx context.Context, n NodeState) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p := influxdb2.NewPoint(
		"grid_voltage",
		map[string]string{"node_id": n.ID},
		map[string]interface{}{"value": n.Value},
		n.ObservedAt,
	)
	if err := m.write.WritePoint(ctx, p); err != nil {
		m.logger.Warn("failed to mirror reading", "node_id", n.ID, "error", err)
	}
}

// Close releases the InfluxDB client.
func (m *Mirror) Close() {
	m.client.Close()
}
