// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observation defines the atomic unit of data flowing through the
// VoltBoard reconciliation core.
//
// Every value the dashboard learns about — whether from a full snapshot
// fetch, a live push, or a local edit — is normalized into an Observation
// before it touches any stateful component. The origin of an observation is
// retained for merge tie-breaking and alert bookkeeping only; it is never
// displayed.
//
// # Value Ranges
//
// All voltages are clamped to the hard range [HardMin, HardMax] at the
// ingestion boundary. The narrower safe range [SafeMin, SafeMax] is the
// non-alerting interval; a node whose current value lies outside it raises
// a warning.
//
// # Thread Safety
//
// Observation values are immutable after creation and safe to share.
package observation

import (
	"fmt"
	"time"
)

// Voltage bounds. The hard range is an absolute clamp applied on ingestion;
// the safe range is the non-alerting sub-interval.
const (
	// HardMin is the lowest voltage the system will store.
	HardMin = 220

	// HardMax is the highest voltage the system will store.
	HardMax = 239

	// SafeMin is the lowest non-alerting voltage.
	SafeMin = 223

	// SafeMax is the highest non-alerting voltage.
	SafeMax = 237
)

// Origin identifies which source produced an observation.
//
// Origin participates in merge tie-breaking (a ConfirmedMutation supersedes
// an OptimisticMutation for the same node regardless of timestamps) and in
// alert bookkeeping. It is not presentation data.
type Origin int

const (
	// OriginSnapshot marks values delivered by a full pull-based refresh.
	OriginSnapshot Origin = iota

	// OriginPush marks values delivered by the live one-at-a-time stream.
	OriginPush

	// OriginOptimisticMutation marks a locally applied provisional edit,
	// shown immediately before the backing store confirms it.
	OriginOptimisticMutation

	// OriginConfirmedMutation marks the backing store's authoritative
	// response to a previously submitted edit.
	OriginConfirmedMutation
)

// String returns the wire name of the origin.
func (o Origin) String() string {
	switch o {
	case OriginSnapshot:
		return "snapshot"
	case OriginPush:
		return "push"
	case OriginOptimisticMutation:
		return "optimistic"
	case OriginConfirmedMutation:
		return "confirmed"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

// ParseOrigin converts a wire name back into an Origin.
//
// Outputs:
//   - Origin: The parsed origin.
//   - error: Non-nil if the name is unknown.
func ParseOrigin(s string) (Origin, error) {
	switch s {
	case "snapshot":
		return OriginSnapshot, nil
	case "push":
		return OriginPush, nil
	case "optimistic":
		return OriginOptimisticMutation, nil
	case "confirmed":
		return OriginConfirmedMutation, nil
	default:
		return 0, fmt.Errorf("unknown observation origin %q", s)
	}
}

// Observation is one timestamped voltage for one node from a specific origin.
//
// Thread Safety: Immutable after creation.
type Observation struct {
	// ID is the opaque node identity, stable for the node's lifetime.
	ID string `json:"id"`

	// Value is the measured voltage, pre-clamped to [HardMin, HardMax]
	// by the ingestion path.
	Value int `json:"value"`

	// ObservedAt is when the producing source observed the value. The
	// server assigns it for snapshot and push observations; the local
	// clock assigns it for optimistic mutations.
	ObservedAt time.Time `json:"observed_at"`

	// Origin identifies the producing source.
	Origin Origin `json:"origin"`
}

// Key is the composite deduplication identity of an observation.
//
// Two observations with equal keys are re-deliveries of the same fact and
// are absorbed silently by the history log. The timestamp participates at
// millisecond precision, matching the persisted record's Unix-millisecond
// timestamp so that a reloaded entry deduplicates against its live
// original. The wire carries nanoseconds; same-value readings within the
// same millisecond therefore coalesce into one history entry.
type Key struct {
	ID         string
	ObservedAt int64 // Unix milliseconds UTC
	Value      int
}

// Key returns the deduplication key for this observation.
func (o Observation) Key() Key {
	return Key{
		ID:         o.ID,
		ObservedAt: o.ObservedAt.UnixMilli(),
		Value:      o.Value,
	}
}

// Clamp constrains a requested voltage to the hard range.
//
// Out-of-range input is not an error: it is silently clamped, and the
// clamped value is what the system stores and displays.
func Clamp(v int) int {
	if v < HardMin {
		return HardMin
	}
	if v > HardMax {
		return HardMax
	}
	return v
}

// InSafeRange reports whether a voltage lies inside the non-alerting band.
func InSafeRange(v int) bool {
	return v >= SafeMin && v <= SafeMax
}
