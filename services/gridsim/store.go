// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gridsim is the simulated grid backend: an authoritative
// in-memory node store exposed over REST and a live WebSocket push
// stream, with a random-walk generator standing in for real telemetry.
//
// The dashboard treats this service as the source of truth. Every
// mutation response carries the authoritative reading the store actually
// applied, which may differ from what the caller asked for.
package gridsim

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/voltboard/services/dashboard/observation"
)

// ErrUnknownNode is returned for operations on ids the store has never
// seen or has deleted.
var ErrUnknownNode = errors.New("unknown node")

// ErrDuplicateNode is returned when adding an id that already exists.
var ErrDuplicateNode = errors.New("node already exists")

// NodeState is the authoritative record for one grid node.
type NodeState struct {
	ID         string
	Value      int
	ObservedAt time.Time
}

// BackingStore holds the authoritative node set.
//
// Thread Safety: Safe for concurrent use.
type BackingStore struct {
	mu    sync.RWMutex
	nodes map[string]NodeState
	now   func() time.Time
}

// NewBackingStore creates an empty store.
func NewBackingStore() *BackingStore {
	return &BackingStore{
		nodes: make(map[string]NodeState),
		now:   time.Now,
	}
}

// Snapshot returns every node, sorted by id.
func (b *BackingStore) Snapshot() []NodeState {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]NodeState, 0, len(b.nodes))
	for _, n := range b.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a single node.
func (b *BackingStore) Get(id string) (NodeState, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, ok := b.nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (b *BackingStore) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes)
}

// Update sets a node's value, clamped to the physical voltage range, and
// stamps the observation time. The applied state is returned.
func (b *BackingStore) Update(id string, value int) (NodeState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[id]
	if !ok {
		return NodeState{}, fmt.Errorf("update %s: %w", id, ErrUnknownNode)
	}
	n.Value = observation.Clamp(value)
	n.ObservedAt = b.now().UTC()
	b.nodes[id] = n
	return n, nil
}

// Add creates a node with a starting value inside the safe band. An empty
// id gets a generated one.
func (b *BackingStore) Add(id string) (NodeState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id == "" {
		id = "node-" + uuid.NewString()[:8]
	}
	if _, exists := b.nodes[id]; exists {
		return NodeState{}, fmt.Errorf("add %s: %w", id, ErrDuplicateNode)
	}
	n := NodeState{
		ID:         id,
		Value:      observation.SafeMin + rand.Intn(observation.SafeMax-observation.SafeMin+1),
		ObservedAt: b.now().UTC(),
	}
	b.nodes[id] = n
	return n, nil
}

// Delete removes a node and returns its final state.
func (b *BackingStore) Delete(id string) (NodeState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[id]
	if !ok {
		return NodeState{}, fmt.Errorf("delete %s: %w", id, ErrUnknownNode)
	}
	delete(b.nodes, id)
	return n, nil
}

// Step applies a bounded random walk to one existing node and returns the
// new state. Used by the telemetry generator.
func (b *BackingStore) Step(id string, delta int) (NodeState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[id]
	if !ok {
		return NodeState{}, fmt.Errorf("step %s: %w", id, ErrUnknownNode)
	}
	n.Value = observation.Clamp(n.Value + delta)
	n.ObservedAt = b.now().UTC()
	b.nodes[id] = n
	return n, nil
}

// RandomID returns a uniformly chosen node id, or false when empty.
func (b *BackingStore) RandomID() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.nodes) == 0 {
		return "", false
	}
	k := rand.Intn(len(b.nodes))
	for id := range b.nodes {
		if k == 0 {
			return id, true
		}
		k--
	}
	return "", false
}

// Seed upserts the given nodes, stamping each with the current time.
// Existing nodes not named in the seed are left alone.
func (b *BackingStore) Seed(nodes []SeedNode) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	at := b.now().UTC()
	for _, s := range nodes {
		b.nodes[s.ID] = NodeState{
			ID:         s.ID,
			Value:      observation.Clamp(s.Value),
			ObservedAt: at,
		}
	}
	return len(nodes)
}
