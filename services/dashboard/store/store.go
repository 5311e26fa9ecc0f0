// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store holds the latest known observation per node.
//
// The entity store is pure state plus a merge function. It never performs
// I/O and it never talks to the other core components; the stream
// controller is the only writer, and it calls merge on the single
// event-processing goroutine, so no locking happens here.
//
// # Merge Contract
//
// An observation replaces the stored one for its node when any of these
// hold:
//
//   - the node is unknown (insert)
//   - the new observedAt is strictly newer than the stored one
//   - the new origin is a confirmed mutation and the stored one is an
//     optimistic mutation for the same node
//
// The third rule exists because an optimistic entry is a provisional local
// guess: the backing store's confirmation is authoritative for that node
// even when clock skew makes its timestamp equal to, or older than, the
// guess.
//
// # Thread Safety
//
// NOT safe for concurrent use. All access must happen on the stream
// controller's event loop.
package store

import (
	"sort"

	"github.com/AleutianAI/voltboard/services/dashboard/observation"
)

// MergeResult describes the outcome of a merge call.
type MergeResult struct {
	// Applied is true when the store now holds the merged observation.
	Applied bool

	// Replaced is true when an existing entry was superseded (false for
	// a fresh insert or a rejected merge).
	Replaced bool

	// Previous is the superseded observation. Only meaningful when
	// Replaced is true; its Origin is what alert bookkeeping inspects.
	Previous observation.Observation
}

// Store maps node ids to their current observation.
type Store struct {
	entries map[string]observation.Observation
}

// New creates an empty entity store.
func New() *Store {
	return &Store{
		entries: make(map[string]observation.Observation),
	}
}

// Merge applies an observation to the store per the merge contract.
//
// Inputs:
//   - obs: A pre-clamped observation. The ingestion path is responsible
//     for clamping; an out-of-range value here is rejected outright.
//
// Outputs:
//   - MergeResult: Applied is false when the observation was stale or
//     out of range.
func (s *Store) Merge(obs observation.Observation) MergeResult {
	if obs.Value < observation.HardMin || obs.Value > observation.HardMax {
		return MergeResult{}
	}

	cur, ok := s.entries[obs.ID]
	if !ok {
		s.entries[obs.ID] = obs
		return MergeResult{Applied: true}
	}

	newer := obs.ObservedAt.After(cur.ObservedAt)
	confirmsGuess := obs.Origin == observation.OriginConfirmedMutation &&
		cur.Origin == observation.OriginOptimisticMutation

	if !newer && !confirmsGuess {
		return MergeResult{}
	}

	s.entries[obs.ID] = obs
	return MergeResult{Applied: true, Replaced: true, Previous: cur}
}

// Get returns the current observation for a node.
func (s *Store) Get(id string) (observation.Observation, bool) {
	obs, ok := s.entries[id]
	return obs, ok
}

// Remove deletes a node's entry. Removing an absent id is a no-op.
//
// Outputs:
//   - bool: True if an entry was removed.
func (s *Store) Remove(id string) bool {
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}

// Len returns the number of tracked nodes.
func (s *Store) Len() int {
	return len(s.entries)
}

// Snapshot returns an immutable copy of the full mapping, ordered by node
// id so projections render stably across recomputes.
func (s *Store) Snapshot() []observation.Observation {
	out := make([]observation.Observation, 0, len(s.entries))
	for _, obs := range s.entries {
		out = append(out, obs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
