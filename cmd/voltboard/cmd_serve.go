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
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/voltboard/pkg/logging"
	"github.com/AleutianAI/voltboard/pkg/telemetry"
	"github.com/AleutianAI/voltboard/services/gridsim"
)

// runServe starts the simulated grid backend and blocks until SIGINT or
// SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{
		Level:   config.logLevel(),
		LogDir:  filepath.Join(config.dataDir(), "logs"),
		Service: "gridsim",
		JSON:    config.Log.JSON,
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = "gridsim"
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

	store := gridsim.NewBackingStore()

	seed := config.Serve.Seed
	if seedPath != "" {
		seed = seedPath
	}
	if seed != "" {
		nodes, err := gridsim.LoadSeed(seed)
		if err != nil {
			return fmt.Errorf("load seed %s: %w", seed, err)
		}
		store.Seed(nodes)
		logger.Info("seeded grid", "file", seed, "nodes", len(nodes))
	}

	var mirror *gridsim.Mirror
	if config.Serve.Influx.URL != "" {
		mirror, err = gridsim.NewMirror(ctx, gridsim.MirrorConfig{
			URL:    config.Serve.Influx.URL,
			Token:  config.Serve.Influx.Token,
			Org:    config.Serve.Influx.Org,
			Bucket: config.Serve.Influx.Bucket,
			Logger: logger.Slog(),
		})
		if err != nil {
			return fmt.Errorf("connect influx mirror: %w", err)
		}
		defer mirror.Close()
	}

	hub := gridsim.NewHub(logger.Slog())
	server, err := gridsim.NewServer(gridsim.ServerConfig{
		Store:  store,
		Hub:    hub,
		Mirror: mirror,
		Logger: logger.Slog(),
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)

	listen := config.Serve.Listen
	if listenAddr != "" {
		listen = listenAddr
	}
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("grid backend listening", "addr", listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if !noGenerator {
		interval, err := time.ParseDuration(config.Serve.Interval)
		if err != nil || config.Serve.Interval == "" {
			interval = 0 // generator default
		}
		generator := gridsim.NewGenerator(gridsim.GeneratorConfig{
			Store:       store,
			Publish:     server.Publish,
			Interval:    interval,
			SpikeChance: config.Serve.SpikeChance,
			Logger:      logger.Slog(),
		})
		group.Go(func() error {
			return generator.Run(ctx)
		})
	}

	if seed != "" {
		group.Go(func() error {
			return gridsim.WatchSeed(ctx, seed, store, logger.Slog())
		})
	}

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("grid backend stopped")
	return nil
}
