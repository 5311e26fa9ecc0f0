// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package controller orchestrates the three observation sources and owns
// the reconciled dashboard state.
//
// # Architecture
//
// A single goroutine owns the entity store, the history log, the alert
// register, and the view projector. Every inbound event — snapshot
// responses, live pushes, mutation responses, command requests, and timer
// expirations — is serialized through one ordered event queue feeding that
// goroutine, so no two merge/record operations ever interleave. This
// follows the "share memory by communicating" principle; there is not a
// single mutex over core state.
//
// The only suspension points are the asynchronous boundaries themselves:
// the snapshot request, mutation requests, and the live push wait all run
// in short-lived goroutines that re-enter the loop by posting a completion
// event. The loop itself never blocks on I/O.
//
// # Pause and Resume
//
// The controller is Active initially. Pausing unsubscribes the live push
// stream; resuming resubscribes. Both are idempotent. No replay of missed
// pushes is attempted on resume — the stream picks up only future pushes.
// Snapshot refresh and mutations are unaffected by pause state.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use; they communicate with
// the event loop over channels.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/voltboard/services/dashboard/alerts"
	"github.com/AleutianAI/voltboard/services/dashboard/history"
	"github.com/AleutianAI/voltboard/services/dashboard/observation"
	"github.com/AleutianAI/voltboard/services/dashboard/store"
	"github.com/AleutianAI/voltboard/services/dashboard/transport"
	"github.com/AleutianAI/voltboard/services/dashboard/view"
)

// ErrControllerClosed is returned when querying a closed controller.
var ErrControllerClosed = errors.New("controller is closed")

// ErrNilTransport is returned when constructing a controller without a
// transport.
var ErrNilTransport = errors.New("transport must not be nil")

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voltboard_controller_events_total",
		Help: "Total events processed by the controller loop, by type",
	}, []string{"type"})

	pushesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voltboard_controller_pushes_dropped_total",
		Help: "Push messages dropped because the stream was paused or stale",
	})

	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voltboard_controller_mutations_total",
		Help: "Mutation submissions by operation and status",
	}, []string{"operation", "status"})

	refreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voltboard_controller_refreshes_total",
		Help: "Snapshot refreshes by status",
	}, []string{"status"})
)

var tracer = otel.Tracer("voltboard.controller")

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// Commands arrive on the same ordered queue as completions, so a caller's
// pause takes effect exactly between two merges, never inside one.
type (
	cmdRefresh     struct{}
	cmdPause       struct{}
	cmdResume      struct{}
	cmdSubscribe   struct{} // internal: initial subscription kick-off
	cmdClearAlerts struct{}
	cmdUpdate      struct {
		id    string
		value int
	}
	cmdAdd    struct{ id string }
	cmdDelete struct{ id string }

	evPush struct {
		reading transport.Reading
		gen     uint64
	}
	evSubscribed struct {
		unsub transport.Unsubscribe
		gen   uint64
		err   error
	}
	evSnapshot struct {
		readings []transport.Reading
		err      error
	}
	evUpdateDone struct {
		id      string
		reading transport.Reading
		err     error
	}
	evAddDone struct {
		id      string
		reading transport.Reading
		err     error
	}
	evDeleteDone struct {
		id      string
		reading transport.Reading
		err     error
	}
	evAlertExpired struct {
		id  string
		gen uint64
	}
	evHighlightExpired struct{ seq uint64 }
)

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// Status is the controller's operational state exposed to the UI.
type Status struct {
	// Paused is true while the live push subscription is suspended.
	Paused bool

	// Refreshing is true while a snapshot request is in flight.
	Refreshing bool

	// Adding and Deleting gate duplicate submissions of their mutation
	// kind. Update mutations are intentionally not gated: concurrent
	// updates for different nodes may be in flight simultaneously.
	Adding   bool
	Deleting bool

	// LastTouched is the node id most recently merged, retained briefly
	// as a UI highlight hint.
	LastTouched string

	// Nodes and HistoryLen are current sizes, for display chrome.
	Nodes      int
	HistoryLen int
}

type queryKind int

const (
	querySnapshot queryKind = iota
	queryHistory
	queryAlerts
	queryStatus
)

type queryRequest struct {
	kind     queryKind
	window   time.Duration
	ids      []string
	resultCh chan queryResult
}

type queryResult struct {
	nodes   []observation.Observation
	entries []observation.Observation
	alerts  []alerts.Alert
	status  Status
}

// -----------------------------------------------------------------------------
// Controller
// -----------------------------------------------------------------------------

// defaultEventQueueSize is the buffer of the ordered event queue.
const defaultEventQueueSize = 256

// Config configures a Controller.
type Config struct {
	// Transport is the backend API. Required.
	Transport transport.Transport

	// Persister receives a history snapshot after every successful
	// record. Optional; nil disables persistence.
	Persister *history.Persister

	// InitialHistory seeds the history log, typically from
	// history.Load at startup.
	InitialHistory []observation.Observation

	// Logger for controller events. If nil, uses slog.Default().
	Logger *slog.Logger

	// Clock overrides the time source for optimistic timestamps.
	// Intended for tests. If nil, uses time.Now.
	Clock func() time.Time

	// AlertTTL and HighlightWindow override presentation timings.
	// Zero means the package defaults. Intended for tests.
	AlertTTL        time.Duration
	HighlightWindow time.Duration
}

// Controller merges snapshot, push, and mutation sources into one
// authoritative view.
type Controller struct {
	eventCh   chan any
	queryCh   chan queryRequest
	closeCh   chan struct{}
	closeOnce sync.Once
	doneCh    chan struct{}

	transport transport.Transport
	persister *history.Persister
	logger    *slog.Logger
	now       func() time.Time

	// Loop-owned state. Touched only by run().
	store     *store.Store
	log       *history.Log
	alerts    *alerts.Register
	projector *view.Projector

	paused     bool
	unsub      transport.Unsubscribe
	subGen     uint64
	refreshing bool
	adding     bool
	deleting   bool
	version    uint64

	watchers []chan struct{}
}

// New creates a controller, restores any initial history, and starts the
// event loop with an active live subscription.
//
// Outputs:
//   - *Controller: The running controller. Call Close when done.
//   - error: Non-nil if the configuration is invalid.
func New(cfg Config) (*Controller, error) {
	if cfg.Transport == nil {
		return nil, ErrNilTransport
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	c := &Controller{
		eventCh:   make(chan any, defaultEventQueueSize),
		queryCh:   make(chan queryRequest, 16),
		closeCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
		transport: cfg.Transport,
		persister: cfg.Persister,
		logger:    logger.With(slog.String("component", "stream_controller")),
		now:       now,
		store:     store.New(),
		log:       history.New(),
	}

	alertOpts := []alerts.Option{alerts.WithClock(now)}
	if cfg.AlertTTL > 0 {
		alertOpts = append(alertOpts, alerts.WithTTL(cfg.AlertTTL))
	}
	c.alerts = alerts.NewRegister(func(id string, gen uint64) {
		c.enqueue(evAlertExpired{id: id, gen: gen})
	}, alertOpts...)

	viewOpts := []view.Option{view.WithClock(now)}
	if cfg.HighlightWindow > 0 {
		viewOpts = append(viewOpts, view.WithHighlightWindow(cfg.HighlightWindow))
	}
	c.projector = view.New(c.store, c.log, func(seq uint64) {
		c.enqueue(evHighlightExpired{seq: seq})
	}, viewOpts...)

	if len(cfg.InitialHistory) > 0 {
		c.log.Restore(cfg.InitialHistory)
	}

	go c.run()
	c.enqueue(cmdSubscribe{})
	return c, nil
}

// enqueue posts an event onto the ordered queue, dropping it if the
// controller is closed.
func (c *Controller) enqueue(ev any) {
	select {
	case c.eventCh <- ev:
	case <-c.closeCh:
	}
}

// -----------------------------------------------------------------------------
// Public API — commands
// -----------------------------------------------------------------------------

// Refresh issues a full snapshot pull. The result is merged when it
// arrives; a fetch failure surfaces as a dismissible alert.
func (c *Controller) Refresh() { c.enqueue(cmdRefresh{}) }

// Pause suspends the live push subscription. Idempotent.
func (c *Controller) Pause() { c.enqueue(cmdPause{}) }

// Resume reactivates the live push subscription. Idempotent. Pushes
// emitted while paused are not replayed.
func (c *Controller) Resume() { c.enqueue(cmdResume{}) }

// UpdateVoltage submits an edit for a node. The clamped value is applied
// optimistically before the backing store confirms it; on failure the
// optimistic value stays in place (the next refresh corrects divergence)
// and an alert describes the failure.
func (c *Controller) UpdateVoltage(id string, value int) {
	c.enqueue(cmdUpdate{id: id, value: value})
}

// AddNode submits a node creation. Nothing is applied optimistically (the
// id may collide); on success the new entity and its first history record
// appear. Duplicate submissions while one is in flight are ignored.
func (c *Controller) AddNode(id string) { c.enqueue(cmdAdd{id: id}) }

// DeleteNode submits a node deletion. On success the entity, its history,
// and its alert are removed atomically. Duplicate submissions while one is
// in flight are ignored.
func (c *Controller) DeleteNode(id string) { c.enqueue(cmdDelete{id: id}) }

// ClearAlerts dismisses every visible alert.
func (c *Controller) ClearAlerts() { c.enqueue(cmdClearAlerts{}) }

// -----------------------------------------------------------------------------
// Public API — queries
// -----------------------------------------------------------------------------

func (c *Controller) query(ctx context.Context, req queryRequest) (queryResult, error) {
	select {
	case <-c.closeCh:
		return queryResult{}, ErrControllerClosed
	default:
	}

	req.resultCh = make(chan queryResult, 1)

	select {
	case <-ctx.Done():
		return queryResult{}, ctx.Err()
	case <-c.closeCh:
		return queryResult{}, ErrControllerClosed
	case c.queryCh <- req:
	}

	select {
	case <-ctx.Done():
		return queryResult{}, ctx.Err()
	case <-c.closeCh:
		return queryResult{}, ErrControllerClosed
	case res := <-req.resultCh:
		return res, nil
	}
}

// GetSnapshot returns the current observation per node, stably ordered.
func (c *Controller) GetSnapshot(ctx context.Context) ([]observation.Observation, error) {
	res, err := c.query(ctx, queryRequest{kind: querySnapshot})
	if err != nil {
		return nil, err
	}
	return res.nodes, nil
}

// GetHistory returns history entries within the wall-clock window (zero
// means unbounded), optionally restricted to a node subset.
func (c *Controller) GetHistory(ctx context.Context, window time.Duration, ids []string) ([]observation.Observation, error) {
	res, err := c.query(ctx, queryRequest{kind: queryHistory, window: window, ids: ids})
	if err != nil {
		return nil, err
	}
	return res.entries, nil
}

// GetAlerts returns the visible alert list, most recent first.
func (c *Controller) GetAlerts(ctx context.Context) ([]alerts.Alert, error) {
	res, err := c.query(ctx, queryRequest{kind: queryAlerts})
	if err != nil {
		return nil, err
	}
	return res.alerts, nil
}

// GetStatus returns the controller's operational state.
func (c *Controller) GetStatus(ctx context.Context) (Status, error) {
	res, err := c.query(ctx, queryRequest{kind: queryStatus})
	if err != nil {
		return Status{}, err
	}
	return res.status, nil
}

// IsPaused reports whether the live push subscription is suspended.
func (c *Controller) IsPaused(ctx context.Context) (bool, error) {
	st, err := c.GetStatus(ctx)
	return st.Paused, err
}

// Watch returns a channel that receives a coalesced signal whenever the
// reconciled state changes. The channel is never closed.
func (c *Controller) Watch() <-chan struct{} {
	ch := make(chan struct{}, 1)
	c.enqueue(func() { c.watchers = append(c.watchers, ch) })
	return ch
}

// Close stops the event loop, unsubscribes the live stream, and cancels
// all pending timers. Safe to call multiple times.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
	<-c.doneCh
}
