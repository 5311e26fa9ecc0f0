// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transport defines the abstract interface the reconciliation core
// consumes, plus the HTTP/WebSocket client implementing it against the grid
// backend.
//
// The core never sees raw wire shapes. Every inbound record is validated
// and normalized into a Reading at this boundary; anything malformed is
// rejected here with an error rather than leaking a half-formed value into
// the entity store.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Reading is a normalized backend record: one node's value at one instant.
// Origin is not wire data — the stream controller stamps it based on which
// path delivered the reading.
type Reading struct {
	ID         string
	Value      int
	ObservedAt time.Time
}

// Unsubscribe tears down a live subscription. Safe to call once.
type Unsubscribe func()

// Transport is the abstract request/response and publish/subscribe API the
// core consumes. Implementations must be safe for concurrent use.
type Transport interface {
	// FetchSnapshot pulls the full current state of every node.
	FetchSnapshot(ctx context.Context) ([]Reading, error)

	// SubscribeLive starts delivering server-initiated pushes to
	// onMessage, one at a time, until the returned Unsubscribe is called.
	// Messages may be delivered from an internal goroutine.
	SubscribeLive(onMessage func(Reading)) (Unsubscribe, error)

	// SubmitUpdate asks the backing store to set a node's value and
	// returns the authoritative resulting reading.
	SubmitUpdate(ctx context.Context, id string, value int) (Reading, error)

	// SubmitAdd asks the backing store to create a node and returns its
	// first reading.
	SubmitAdd(ctx context.Context, id string) (Reading, error)

	// SubmitDelete asks the backing store to remove a node and returns
	// its final reading.
	SubmitDelete(ctx context.Context, id string) (Reading, error)
}

// wireReading is the JSON shape the grid backend speaks. Timestamps travel
// as RFC 3339 strings.
type wireReading struct {
	ID         string `json:"id" validate:"required"`
	Value      int    `json:"value"`
	ObservedAt string `json:"observed_at" validate:"required"`
}

// validate is shared across normalizations; the validator is thread-safe
// and caches struct metadata.
var validate = validator.New()

// normalize validates a wire record and converts it into a Reading.
func normalize(w wireReading) (Reading, error) {
	if err := validate.Struct(w); err != nil {
		return Reading{}, fmt.Errorf("invalid reading: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, w.ObservedAt)
	if err != nil {
		return Reading{}, fmt.Errorf("invalid reading timestamp %q: %w", w.ObservedAt, err)
	}
	return Reading{ID: w.ID, Value: w.Value, ObservedAt: at.UTC()}, nil
}
