// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ServiceName != "voltboard" {
		t.Errorf("ServiceName = %q, want voltboard", cfg.ServiceName)
	}
	if cfg.TraceExporter != "none" {
		t.Errorf("TraceExporter = %q, want none", cfg.TraceExporter)
	}
	if cfg.MetricExporter != "prometheus" {
		t.Errorf("MetricExporter = %q, want prometheus", cfg.MetricExporter)
	}
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // deliberately nil
	if _, err := Init(nil, DefaultConfig()); !errors.Is(err, ErrNilContext) {
		t.Errorf("Init(nil) error = %v, want ErrNilContext", err)
	}
}

func TestInit_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "none"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestInit_UnknownTraceExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "carrier-pigeon"
	cfg.MetricExporter = "none"

	if _, err := Init(context.Background(), cfg); !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("Init error = %v, want ErrUnknownExporter", err)
	}
}

func TestInit_UnknownMetricExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "carrier-pigeon"

	if _, err := Init(context.Background(), cfg); !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("Init error = %v, want ErrUnknownExporter", err)
	}
}

func TestInit_StdoutTracer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "stdout"
	cfg.MetricExporter = "none"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}
