// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/voltboard/services/dashboard/alerts"
	"github.com/AleutianAI/voltboard/services/dashboard/observation"
	"github.com/AleutianAI/voltboard/services/dashboard/transport"
)

// backendAlertID is the reserved alert key for failures that concern the
// backend connection rather than a single node.
const backendAlertID = "backend"

// transportTimeout bounds every outbound request issued by the loop's
// helper goroutines.
const transportTimeout = 10 * time.Second

// run is the event loop. It is the only goroutine that touches the store,
// the history log, the alert register, and the projector.
func (c *Controller) run() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.closeCh:
			c.shutdown()
			return
		case ev := <-c.eventCh:
			eventsTotal.WithLabelValues(eventName(ev)).Inc()
			c.handle(ev)
		case req := <-c.queryCh:
			c.answer(req)
		}
	}
}

func (c *Controller) shutdown() {
	if c.unsub != nil {
		// Unsubscribe joins the reader goroutine, which may be blocked
		// posting a push to our (now unread) event queue. Detach it.
		unsub := c.unsub
		c.unsub = nil
		go unsub()
	}
	c.alerts.ClearAll()
	c.projector.Stop()
	c.logger.Info("controller stopped")
}

func eventName(ev any) string {
	switch ev.(type) {
	case cmdRefresh:
		return "refresh"
	case cmdPause:
		return "pause"
	case cmdResume:
		return "resume"
	case cmdSubscribe:
		return "subscribe"
	case cmdClearAlerts:
		return "clear_alerts"
	case cmdUpdate:
		return "update"
	case cmdAdd:
		return "add"
	case cmdDelete:
		return "delete"
	case evPush:
		return "push"
	case evSubscribed:
		return "subscribed"
	case evSnapshot:
		return "snapshot"
	case evUpdateDone:
		return "update_done"
	case evAddDone:
		return "add_done"
	case evDeleteDone:
		return "delete_done"
	case evAlertExpired:
		return "alert_expired"
	case evHighlightExpired:
		return "highlight_expired"
	default:
		return "internal"
	}
}

// -----------------------------------------------------------------------------
// Event handling
// -----------------------------------------------------------------------------

func (c *Controller) handle(ev any) {
	switch e := ev.(type) {
	case cmdRefresh:
		c.handleRefresh()
	case cmdPause:
		c.handlePause()
	case cmdResume:
		c.handleResume()
	case cmdSubscribe:
		c.startSubscribe()
	case cmdClearAlerts:
		if c.alerts.Len() > 0 {
			c.alerts.ClearAll()
			c.bump()
		}
	case cmdUpdate:
		c.handleUpdate(e.id, e.value)
	case cmdAdd:
		c.handleAdd(e.id)
	case cmdDelete:
		c.handleDelete(e.id)
	case evPush:
		c.handlePush(e)
	case evSubscribed:
		c.handleSubscribed(e)
	case evSnapshot:
		c.handleSnapshot(e)
	case evUpdateDone:
		c.handleUpdateDone(e)
	case evAddDone:
		c.handleAddDone(e)
	case evDeleteDone:
		c.handleDeleteDone(e)
	case evAlertExpired:
		if c.alerts.Expire(e.id, e.gen) {
			c.bump()
		}
	case evHighlightExpired:
		before := c.projector.LastTouched()
		c.projector.ExpireHighlight(e.seq)
		if c.projector.LastTouched() != before {
			c.notify()
		}
	case func():
		e()
	default:
		c.logger.Warn("unknown event", slog.Any("event", ev))
	}
}

// -----------------------------------------------------------------------------
// Live subscription
// -----------------------------------------------------------------------------

// startSubscribe dials the live stream in a helper goroutine. The
// generation stamp lets the loop discard the subscription (and any pushes
// it yields) if a pause arrived while the dial was in flight.
func (c *Controller) startSubscribe() {
	if c.paused || c.unsub != nil {
		return
	}
	c.subGen++
	gen := c.subGen

	go func() {
		unsub, err := c.transport.SubscribeLive(func(r transport.Reading) {
			c.enqueue(evPush{reading: r, gen: gen})
		})
		c.enqueue(evSubscribed{unsub: unsub, gen: gen, err: err})
	}()
}

func (c *Controller) handleSubscribed(e evSubscribed) {
	if e.err != nil {
		c.logger.Error("live subscription failed", slog.Any("error", e.err))
		c.alerts.Raise(backendAlertID, fmt.Sprintf("live stream unavailable: %v", e.err))
		c.bump()
		return
	}
	if e.gen != c.subGen || c.paused {
		// Paused (or re-subscribed) while the dial was in flight.
		if e.unsub != nil {
			go e.unsub()
		}
		return
	}
	c.unsub = e.unsub
	c.logger.Info("live stream subscribed")
}

func (c *Controller) handlePause() {
	if c.paused {
		return
	}
	c.paused = true
	c.subGen++ // invalidates in-flight dials and queued pushes
	if c.unsub != nil {
		unsub := c.unsub
		c.unsub = nil
		go unsub()
	}
	c.logger.Info("live stream paused")
	c.notify()
}

func (c *Controller) handleResume() {
	if !c.paused {
		return
	}
	c.paused = false
	c.startSubscribe()
	c.logger.Info("live stream resumed")
	c.notify()
}

func (c *Controller) handlePush(e evPush) {
	if c.paused || e.gen != c.subGen {
		pushesDroppedTotal.Inc()
		return
	}
	c.applyReading(e.reading, observation.OriginPush)
}

// -----------------------------------------------------------------------------
// Snapshot refresh
// -----------------------------------------------------------------------------

func (c *Controller) handleRefresh() {
	if c.refreshing {
		return
	}
	c.refreshing = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
		defer cancel()
		ctx, span := tracer.Start(ctx, "controller.refresh")
		defer span.End()

		readings, err := c.transport.FetchSnapshot(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "snapshot fetch failed")
		}
		span.SetAttributes(attribute.Int("readings", len(readings)))
		c.enqueue(evSnapshot{readings: readings, err: err})
	}()
}

func (c *Controller) handleSnapshot(e evSnapshot) {
	c.refreshing = false
	if e.err != nil {
		refreshesTotal.WithLabelValues("error").Inc()
		c.logger.Error("snapshot refresh failed", slog.Any("error", e.err))
		c.alerts.Raise(backendAlertID, fmt.Sprintf("refresh failed: %v", e.err))
		c.bump()
		return
	}
	refreshesTotal.WithLabelValues("ok").Inc()
	for _, r := range e.readings {
		c.applyReading(r, observation.OriginSnapshot)
	}
	c.notify()
}

// -----------------------------------------------------------------------------
// Mutations
// -----------------------------------------------------------------------------

func (c *Controller) handleUpdate(id string, value int) {
	if _, ok := c.store.Get(id); !ok {
		c.logger.Warn("update for unknown node ignored", slog.String("node_id", id))
		return
	}

	clamped := observation.Clamp(value)
	c.applyObservation(observation.Observation{
		ID:         id,
		Value:      clamped,
		ObservedAt: c.now(),
		Origin:     observation.OriginOptimisticMutation,
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
		defer cancel()
		ctx, span := tracer.Start(ctx, "controller.update_voltage")
		span.SetAttributes(attribute.String("node.id", id), attribute.Int("voltage", clamped))
		defer span.End()

		reading, err := c.transport.SubmitUpdate(ctx, id, clamped)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "update rejected")
		}
		c.enqueue(evUpdateDone{id: id, reading: reading, err: err})
	}()
}

func (c *Controller) handleUpdateDone(e evUpdateDone) {
	if e.err != nil {
		mutationsTotal.WithLabelValues("update", "error").Inc()
		c.logger.Error("voltage update failed", slog.String("node_id", e.id), slog.Any("error", e.err))
		// The optimistic value stays in place; the next refresh
		// reconciles any divergence.
		c.alerts.Raise(e.id, fmt.Sprintf("update failed: %v", e.err))
		c.bump()
		return
	}
	mutationsTotal.WithLabelValues("update", "ok").Inc()
	if _, ok := c.store.Get(e.id); !ok {
		// Node was deleted while the update was in flight.
		c.logger.Debug("confirmation for deleted node dropped", slog.String("node_id", e.id))
		return
	}
	c.applyReading(e.reading, observation.OriginConfirmedMutation)
}

func (c *Controller) handleAdd(id string) {
	if c.adding {
		return
	}
	c.adding = true
	c.notify()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
		defer cancel()
		ctx, span := tracer.Start(ctx, "controller.add_node")
		span.SetAttributes(attribute.String("node.id", id))
		defer span.End()

		reading, err := c.transport.SubmitAdd(ctx, id)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "add rejected")
		}
		c.enqueue(evAddDone{id: id, reading: reading, err: err})
	}()
}

func (c *Controller) handleAddDone(e evAddDone) {
	c.adding = false
	if e.err != nil {
		mutationsTotal.WithLabelValues("add", "error").Inc()
		c.logger.Error("node add failed", slog.String("node_id", e.id), slog.Any("error", e.err))
		c.alerts.Raise(e.id, fmt.Sprintf("add failed: %v", e.err))
		c.bump()
		return
	}
	mutationsTotal.WithLabelValues("add", "ok").Inc()
	// The server assigns the authoritative reading (and may normalize the
	// id), so the insert is driven off the response, not the request.
	c.applyReading(e.reading, observation.OriginConfirmedMutation)
	c.notify()
}

func (c *Controller) handleDelete(id string) {
	if c.deleting {
		return
	}
	c.deleting = true
	c.notify()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
		defer cancel()
		ctx, span := tracer.Start(ctx, "controller.delete_node")
		span.SetAttributes(attribute.String("node.id", id))
		defer span.End()

		reading, err := c.transport.SubmitDelete(ctx, id)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "delete rejected")
		}
		c.enqueue(evDeleteDone{id: id, reading: reading, err: err})
	}()
}

func (c *Controller) handleDeleteDone(e evDeleteDone) {
	c.deleting = false
	if e.err != nil {
		mutationsTotal.WithLabelValues("delete", "error").Inc()
		c.logger.Error("node delete failed", slog.String("node_id", e.id), slog.Any("error", e.err))
		c.alerts.Raise(e.id, fmt.Sprintf("delete failed: %v", e.err))
		c.bump()
		return
	}
	mutationsTotal.WithLabelValues("delete", "ok").Inc()

	// Entity, history, and alert are removed in the same loop iteration,
	// so no query can observe a partially-deleted node.
	removed := c.store.Remove(e.id)
	purged := c.log.Purge(e.id)
	c.alerts.Clear(e.id)
	if purged > 0 && c.persister != nil {
		c.persister.Save(c.log.All())
	}
	if removed || purged > 0 {
		c.logger.Info("node deleted",
			slog.String("node_id", e.id),
			slog.Int("history_purged", purged))
	}
	c.bump()
}

// -----------------------------------------------------------------------------
// Merge pipeline
// -----------------------------------------------------------------------------

// applyReading clamps a wire reading and feeds it through the merge
// pipeline. Out-of-hard-range values are clamped silently; clamping is not
// an error condition.
func (c *Controller) applyReading(r transport.Reading, origin observation.Origin) bool {
	clamped := observation.Clamp(r.Value)
	if clamped != r.Value {
		c.logger.Debug("reading clamped",
			slog.String("node_id", r.ID),
			slog.Int("raw", r.Value),
			slog.Int("clamped", clamped))
	}
	return c.applyObservation(observation.Observation{
		ID:         r.ID,
		Value:      clamped,
		ObservedAt: r.ObservedAt,
		Origin:     origin,
	})
}

// applyObservation is the single choke point through which every
// observation enters the store and the history log.
//
// The history record is attempted regardless of the merge outcome: an
// observation the store rejects as stale is still a distinct reading worth
// logging, and only the (id, timestamp, value) dedup key filters it.
func (c *Controller) applyObservation(obs observation.Observation) bool {
	res := c.store.Merge(obs)
	recorded := c.log.Record(obs)

	if recorded && c.persister != nil {
		c.persister.Save(c.log.All())
	}
	if res.Applied {
		c.projector.Touch(obs.ID)
		if msg := alerts.Evaluate(obs.ID, obs.Value); msg != "" {
			c.alerts.Raise(obs.ID, msg)
		}
	}
	if res.Applied || recorded {
		c.bump()
	}
	return res.Applied
}

// bump invalidates memoized projections and wakes watchers.
func (c *Controller) bump() {
	c.version++
	c.notify()
}

// notify delivers a coalesced change signal to every watcher without
// blocking the loop.
func (c *Controller) notify() {
	for _, ch := range c.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

func (c *Controller) answer(req queryRequest) {
	var res queryResult
	switch req.kind {
	case querySnapshot:
		res.nodes = c.projector.NodeList(c.version)
	case queryHistory:
		res.entries = c.projector.VisibleHistory(c.version, req.window, req.ids)
	case queryAlerts:
		res.alerts = c.alerts.Visible()
	case queryStatus:
		res.status = Status{
			Paused:      c.paused,
			Refreshing:  c.refreshing,
			Adding:      c.adding,
			Deleting:    c.deleting,
			LastTouched: c.projector.LastTouched(),
			Nodes:       c.store.Len(),
			HistoryLen:  c.log.Len(),
		}
	}
	req.resultCh <- res
}
