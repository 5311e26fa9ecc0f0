// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package view derives renderable data from the entity store and history
// log for consumption by the UI layer.
//
// The projector is pure and memoized: projections are recomputed only when
// the reconciled state actually changed (tracked by a version counter the
// stream controller bumps on every applied mutation), never on a mere
// re-evaluation tick.
//
// The "last touched" highlight is presentation state owned here: the node
// id most recently merged, retained for a fixed short window as a UI hint,
// then cleared by an explicitly scheduled cancelable callback. No other
// component reasons about it.
//
// # Thread Safety
//
// NOT safe for concurrent use. All methods run on the stream controller's
// event loop; the highlight timer callback only invokes the expiry hook.
package view

import (
	"time"

	"github.com/AleutianAI/voltboard/services/dashboard/history"
	"github.com/AleutianAI/voltboard/services/dashboard/observation"
	"github.com/AleutianAI/voltboard/services/dashboard/store"
)

// HighlightWindow is how long a just-merged node stays highlighted.
const HighlightWindow = 500 * time.Millisecond

// historyKey identifies one memoized history projection.
type historyKey struct {
	version uint64
	window  time.Duration
	ids     string // joined id list; cheap comparable stand-in
}

// Projector computes display projections over the core's state.
type Projector struct {
	store *store.Store
	log   *history.Log

	onHighlightExpire func(seq uint64)
	highlightID       string
	highlightSeq      uint64
	highlightTimer    *time.Timer
	highlightWindow   time.Duration

	nodesVersion uint64
	nodesMemo    []observation.Observation
	nodesValid   bool

	histKey   historyKey
	histMemo  []observation.Observation
	histValid bool

	now func() time.Time
}

// Option customizes a Projector.
type Option func(*Projector)

// WithHighlightWindow overrides the highlight duration. Intended for tests.
func WithHighlightWindow(d time.Duration) Option {
	return func(p *Projector) { p.highlightWindow = d }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Projector) { p.now = now }
}

// New creates a projector over the given store and log.
//
// Inputs:
//   - st, log: The state to project. The projector only reads them.
//   - onHighlightExpire: Invoked (from a timer goroutine) when the
//     highlight window elapses. The stream controller passes a hook that
//     re-enters its event loop and calls ExpireHighlight with the same
//     sequence number. Must not be nil.
func New(st *store.Store, log *history.Log, onHighlightExpire func(seq uint64), opts ...Option) *Projector {
	p := &Projector{
		store:             st,
		log:               log,
		onHighlightExpire: onHighlightExpire,
		highlightWindow:   HighlightWindow,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NodeList returns the entity store snapshot as a stable-ordered sequence.
// Recomputed only when version differs from the previous call's.
func (p *Projector) NodeList(version uint64) []observation.Observation {
	if p.nodesValid && p.nodesVersion == version {
		return p.nodesMemo
	}
	p.nodesMemo = p.store.Snapshot()
	p.nodesVersion = version
	p.nodesValid = true
	return p.nodesMemo
}

// VisibleHistory returns log entries no older than window, optionally
// restricted to a node subset. Recomputed only when the version or the
// query parameters change.
//
// A zero window means no age bound.
func (p *Projector) VisibleHistory(version uint64, window time.Duration, ids []string) []observation.Observation {
	key := historyKey{version: version, window: window, ids: joinIDs(ids)}
	if p.histValid && p.histKey == key {
		return p.histMemo
	}

	f := history.Filter{IDs: ids}
	if window > 0 {
		f.Since = p.now().Add(-window)
	}
	p.histMemo = p.log.Query(f)
	p.histKey = key
	p.histValid = true
	return p.histMemo
}

// Touch marks a node as most recently merged and (re)starts the highlight
// clear timer, canceling any pending one.
func (p *Projector) Touch(id string) {
	if p.highlightTimer != nil {
		p.highlightTimer.Stop()
	}
	p.highlightID = id
	p.highlightSeq++

	seq := p.highlightSeq
	p.highlightTimer = time.AfterFunc(p.highlightWindow, func() {
		p.onHighlightExpire(seq)
	})
}

// ExpireHighlight clears the highlight if seq still identifies the current
// touch. A stale expiry (the node was re-touched meanwhile) is a no-op.
func (p *Projector) ExpireHighlight(seq uint64) {
	if seq != p.highlightSeq {
		return
	}
	p.highlightID = ""
}

// LastTouched returns the currently highlighted node id, or empty string.
func (p *Projector) LastTouched() string {
	return p.highlightID
}

// Stop cancels any pending highlight timer.
func (p *Projector) Stop() {
	if p.highlightTimer != nil {
		p.highlightTimer.Stop()
	}
}

func joinIDs(ids []string) string {
	switch len(ids) {
	case 0:
		return ""
	case 1:
		return ids[0]
	}
	out := ids[0]
	for _, id := range ids[1:] {
		out += "\x00" + id
	}
	return out
}
