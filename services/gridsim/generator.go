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
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var generatorSteps = promauto.NewCounter(prometheus.CounterOpts{
	Name: "voltboard_gridsim_generator_steps_total",
	Help: "Random-walk steps applied by the telemetry generator",
})

// Generator drives the simulated telemetry: a rate-limited random walk
// over the node set, each step broadcast to live subscribers.
type Generator struct {
	store   *BackingStore
	publish func(NodeState)
	limiter *rate.Limiter
	logger  *slog.Logger

	// spikeChance is the probability [0,1) that a step jumps outside the
	// safe band instead of walking by a small delta.
	spikeChance float64
}

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Store *BackingStore

	// Publish receives every applied step. Typically Server.Publish.
	Publish func(NodeState)

	// Interval between steps. Zero means 750ms.
	Interval time.Duration

	// SpikeChance is the out-of-safe-band jump probability. Zero means 5%.
	SpikeChance float64

	Logger *slog.Logger
}

// NewGenerator creates a generator. Store and Publish are required.
func NewGenerator(cfg GeneratorConfig) *Generator {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 750 * time.Millisecond
	}
	chance := cfg.SpikeChance
	if chance <= 0 {
		chance = 0.05
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		store:       cfg.Store,
		publish:     cfg.Publish,
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		logger:      logger.With(slog.String("component", "gridsim_generator")),
		spikeChance: chance,
	}
}

// Run steps the random walk until the context is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	g.logger.Info("telemetry generator started")
	for {
		if err := g.limiter.Wait(ctx); err != nil {
			g.logger.Info("telemetry generator stopped")
			return err
		}

		id, ok := g.store.RandomID()
		if !ok {
			continue
		}

		n, err := g.store.Step(id, g.delta())
		if err != nil {
			// The node was deleted between the pick and the step.
			continue
		}
		generatorSteps.Inc()
		g.publish(n)
	}
}

func (g *Generator) delta() int {
	if rand.Float64() < g.spikeChance {
		// Jump toward a rail; the store clamp keeps it physical.
		if rand.Intn(2) == 0 {
			return 20
		}
		return -20
	}
	return rand.Intn(5) - 2
}
