// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package alerts derives and expires transient human-readable warnings.
//
// An alert exists for a node while its current voltage sits outside the
// safe range, or while a failed transport/mutation operation needs the
// operator's attention. Alerts are UI notices, not state: each one
// auto-expires after a fixed wall-clock delay whether or not the underlying
// condition persists, and the visible list is capped to the most recent
// few.
//
// Expiry is modelled as an explicitly scheduled, cancelable callback owned
// by this package — not as a rendering side effect. The callback does not
// mutate register state itself; it hands the node id to the onExpire hook,
// which the stream controller uses to re-enter its serialized event loop.
//
// # Thread Safety
//
// NOT safe for concurrent use. All methods must run on the stream
// controller's event loop. The scheduled callbacks only invoke the onExpire
// hook, which is safe by construction.
package alerts

import (
	"fmt"
	"time"

	"github.com/AleutianAI/voltboard/services/dashboard/observation"
)

const (
	// TTL is how long an alert stays registered before auto-expiring.
	TTL = 5 * time.Second

	// VisibleCap is the maximum number of alerts shown at once.
	VisibleCap = 5
)

// Evaluate derives the warning message for a node's current voltage.
//
// Pure function: returns the empty string while the value is inside the
// safe range.
func Evaluate(id string, value int) string {
	if observation.InSafeRange(value) {
		return ""
	}
	if value < observation.SafeMin {
		return fmt.Sprintf("node %s voltage %dV below safe minimum %dV", id, value, observation.SafeMin)
	}
	return fmt.Sprintf("node %s voltage %dV above safe maximum %dV", id, value, observation.SafeMax)
}

// Alert is one visible warning.
type Alert struct {
	// ID is the node the warning concerns.
	ID string

	// Message is the human-readable warning text.
	Message string

	// RaisedAt is when the warning was (re-)registered.
	RaisedAt time.Time
}

// Register holds the currently visible alerts and their expiry timers.
type Register struct {
	alerts map[string]Alert
	order  []string // most-recent-first
	timers map[string]*time.Timer

	// gens counts registrations per id, monotonically. Each scheduled
	// expiry carries the generation it was armed for; Expire discards a
	// fire whose generation is no longer current. Entries are never
	// deleted, otherwise an id's counter could restart and collide with
	// an orphaned timer from an evicted registration.
	gens map[string]uint64

	ttl      time.Duration
	cap      int
	onExpire func(id string, gen uint64)
	now      func() time.Time
}

// Option customizes a Register.
type Option func(*Register)

// WithTTL overrides the expiry delay. Intended for tests.
func WithTTL(ttl time.Duration) Option {
	return func(r *Register) { r.ttl = ttl }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Register) { r.now = now }
}

// NewRegister creates an empty alert register.
//
// Inputs:
//   - onExpire: Invoked (from a timer goroutine) when an alert's TTL
//     elapses, with the id and the registration generation the timer was
//     armed for. The stream controller passes a hook that enqueues an
//     expiry event; the event handler then calls Expire on the loop with
//     the same pair. Must not be nil.
func NewRegister(onExpire func(id string, gen uint64), opts ...Option) *Register {
	r := &Register{
		alerts:   make(map[string]Alert),
		timers:   make(map[string]*time.Timer),
		gens:     make(map[string]uint64),
		ttl:      TTL,
		cap:      VisibleCap,
		onExpire: onExpire,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Raise inserts or overwrites the alert for a node with a fresh expiry
// timer. When the visible list is already at capacity, the oldest visible
// alert is evicted; its timer keeps running, but its fire carries a stale
// generation and Expire discards it, even if the same id has been raised
// again by then.
func (r *Register) Raise(id, message string) {
	if t, ok := r.timers[id]; ok {
		t.Stop()
	}

	if _, present := r.alerts[id]; !present && len(r.order) >= r.cap {
		oldest := r.order[len(r.order)-1]
		r.order = r.order[:len(r.order)-1]
		delete(r.alerts, oldest)
		delete(r.timers, oldest)
	}

	r.alerts[id] = Alert{ID: id, Message: message, RaisedAt: r.now()}
	r.promote(id)

	gen := r.gens[id] + 1
	r.gens[id] = gen
	r.timers[id] = time.AfterFunc(r.ttl, func() { r.onExpire(id, gen) })
}

// promote moves id to the front of the visibility order.
func (r *Register) promote(id string) {
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.order = append([]string{id}, r.order...)
}

// Expire removes a node's alert if the firing registration is still the
// current one. A late expiry for an evicted, cleared, or since re-raised
// alert is a no-op.
//
// Outputs:
//   - bool: True if an alert was removed.
func (r *Register) Expire(id string, gen uint64) bool {
	if r.gens[id] != gen {
		return false
	}
	if _, ok := r.alerts[id]; !ok {
		return false
	}
	r.drop(id)
	return true
}

// Clear removes a node's alert and cancels its timer. Used when the node
// itself is deleted. No-op if absent.
func (r *Register) Clear(id string) {
	if t, ok := r.timers[id]; ok {
		t.Stop()
	}
	r.drop(id)
}

// ClearAll dismisses every alert and cancels all timers.
func (r *Register) ClearAll() {
	for _, t := range r.timers {
		t.Stop()
	}
	r.alerts = make(map[string]Alert)
	r.timers = make(map[string]*time.Timer)
	r.order = r.order[:0]
}

func (r *Register) drop(id string) {
	delete(r.alerts, id)
	delete(r.timers, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Get returns the current alert for a node.
func (r *Register) Get(id string) (Alert, bool) {
	a, ok := r.alerts[id]
	return a, ok
}

// Visible returns the alert list, most recent first, capped for display.
// The result is a copy.
func (r *Register) Visible() []Alert {
	out := make([]Alert, 0, len(r.order))
	for _, id := range r.order {
		if a, ok := r.alerts[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Len returns the number of registered alerts.
func (r *Register) Len() int {
	return len(r.alerts)
}
