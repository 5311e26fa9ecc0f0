// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history maintains the bounded, deduplicated, time-ordered log of
// observed states used for charting and range alerts.
//
// # Deduplication
//
// The log's identity for an entry is the composite key (id, observedAt,
// value). Re-delivery of the same fact — a duplicate push during a refetch,
// a snapshot that mostly repeats unchanged values — is silently absorbed.
// Origin deliberately does not participate: the same fact reported by two
// sources is still one fact.
//
// An optimistic mutation and its later confirmation are NOT duplicates of
// each other (they carry different timestamps in general); both stay in the
// log, preserving an accurate audit trail of what the UI showed when.
//
// # Capacity
//
// The log holds at most MaxEntries observations with ring-buffer semantics:
// the oldest entry is evicted first. A new node starts its series at its
// first real observation and never acquires synthetic back-filled history.
//
// # Thread Safety
//
// NOT safe for concurrent use. The stream controller mutates the log
// exclusively on its event loop; the persister (persist.go) receives
// immutable snapshots and is the only piece of this package that runs off
// that loop.
package history

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/voltboard/services/dashboard/observation"
)

// MaxEntries is the capacity of the history log.
const MaxEntries = 200

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	historyRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voltboard_history_records_total",
		Help: "Total number of observations recorded into history",
	})

	historyDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voltboard_history_duplicates_total",
		Help: "Total number of re-delivered observations absorbed by dedup",
	})

	historyEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voltboard_history_evictions_total",
		Help: "Total number of entries evicted at capacity",
	})

	historySizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voltboard_history_size",
		Help: "Current number of entries in the history log",
	})
)

// -----------------------------------------------------------------------------
// Log
// -----------------------------------------------------------------------------

// Filter selects a subset of the log for querying.
//
// The zero value matches everything.
type Filter struct {
	// Since excludes entries observed before this instant. Zero means
	// no lower bound.
	Since time.Time

	// IDs restricts results to these nodes. Nil or empty means all nodes.
	IDs []string
}

func (f Filter) matches(obs observation.Observation) bool {
	if !f.Since.IsZero() && obs.ObservedAt.Before(f.Since) {
		return false
	}
	if len(f.IDs) == 0 {
		return true
	}
	for _, id := range f.IDs {
		if obs.ID == id {
			return true
		}
	}
	return false
}

// Log is the bounded deduplicated observation log.
type Log struct {
	entries []observation.Observation
	seen    map[observation.Key]struct{}
	max     int
}

// New creates an empty log with the standard capacity.
func New() *Log {
	return NewWithCapacity(MaxEntries)
}

// NewWithCapacity creates an empty log holding at most max entries.
// A non-positive max falls back to MaxEntries.
func NewWithCapacity(max int) *Log {
	if max <= 0 {
		max = MaxEntries
	}
	return &Log{
		entries: make([]observation.Observation, 0, max),
		seen:    make(map[observation.Key]struct{}, max),
		max:     max,
	}
}

// Record appends an observation unless its composite key was already seen.
//
// Outputs:
//   - bool: True when the entry was appended; false for a silently
//     absorbed re-delivery.
func (l *Log) Record(obs observation.Observation) bool {
	key := obs.Key()
	if _, dup := l.seen[key]; dup {
		historyDuplicatesTotal.Inc()
		return false
	}

	if len(l.entries) >= l.max {
		oldest := l.entries[0]
		delete(l.seen, oldest.Key())
		l.entries = l.entries[1:]
		historyEvictionsTotal.Inc()
	}

	l.entries = append(l.entries, obs)
	l.seen[key] = struct{}{}

	historyRecordsTotal.Inc()
	historySizeGauge.Set(float64(len(l.entries)))
	return true
}

// Query returns the entries matching the filter, in recorded order. The
// result is a copy; iterating or mutating it never touches the log.
func (l *Log) Query(f Filter) []observation.Observation {
	out := make([]observation.Observation, 0, len(l.entries))
	for _, obs := range l.entries {
		if f.matches(obs) {
			out = append(out, obs)
		}
	}
	return out
}

// All returns a copy of every entry in recorded order.
func (l *Log) All() []observation.Observation {
	out := make([]observation.Observation, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the current number of entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// Purge removes every entry for a deleted node.
//
// Outputs:
//   - int: Number of entries removed.
func (l *Log) Purge(id string) int {
	kept := l.entries[:0]
	removed := 0
	for _, obs := range l.entries {
		if obs.ID == id {
			delete(l.seen, obs.Key())
			removed++
			continue
		}
		kept = append(kept, obs)
	}
	l.entries = kept
	if removed > 0 {
		historySizeGauge.Set(float64(len(l.entries)))
	}
	return removed
}

// Restore replaces the log's contents with previously persisted entries,
// preserving order, rebuilding the dedup index, and honouring capacity
// (oldest entries beyond capacity are dropped).
func (l *Log) Restore(entries []observation.Observation) {
	if len(entries) > l.max {
		entries = entries[len(entries)-l.max:]
	}

	l.entries = l.entries[:0]
	clear(l.seen)
	for _, obs := range entries {
		key := obs.Key()
		if _, dup := l.seen[key]; dup {
			continue
		}
		l.entries = append(l.entries, obs)
		l.seen[key] = struct{}{}
	}
	historySizeGauge.Set(float64(len(l.entries)))
}
