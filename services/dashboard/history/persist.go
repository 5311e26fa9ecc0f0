// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/voltboard/services/dashboard/observation"
	"github.com/AleutianAI/voltboard/services/dashboard/storage/badger"
)

// blobKey is the single well-known storage key holding the serialized log.
// No schema versioning: the load path tolerates a missing blob by starting
// empty, and a malformed blob is treated the same way.
var blobKey = []byte("history/log")

var persistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "voltboard_history_persist_failures_total",
	Help: "Total number of skipped history saves",
})

// persistedRecord is the durable wire shape of one observation.
// Timestamps are Unix milliseconds UTC.
type persistedRecord struct {
	ID         string `json:"id"`
	Value      int    `json:"value"`
	ObservedAt int64  `json:"observed_at"`
	Origin     string `json:"origin"`
}

func toRecords(entries []observation.Observation) []persistedRecord {
	out := make([]persistedRecord, len(entries))
	for i, obs := range entries {
		out[i] = persistedRecord{
			ID:         obs.ID,
			Value:      obs.Value,
			ObservedAt: obs.ObservedAt.UnixMilli(),
			Origin:     obs.Origin.String(),
		}
	}
	return out
}

func fromRecords(records []persistedRecord) []observation.Observation {
	out := make([]observation.Observation, 0, len(records))
	for _, r := range records {
		origin, err := observation.ParseOrigin(r.Origin)
		if err != nil {
			// Unknown origin in an old blob; skip the record rather
			// than fail the whole load.
			continue
		}
		out = append(out, observation.Observation{
			ID:         r.ID,
			Value:      r.Value,
			ObservedAt: time.UnixMilli(r.ObservedAt).UTC(),
			Origin:     origin,
		})
	}
	return out
}

// Persister writes history snapshots to the embedded database off the event
// loop.
//
// Description:
//
//	The stream controller hands the persister an immutable copy of the log
//	after every successful record. Saves are fire-and-forget: the hand-off
//	channel keeps only the most recent snapshot (intermediate states are
//	superseded anyway), and a failed write merely skips that save.
//
// Thread Safety: Safe for concurrent use.
type Persister struct {
	db     *badger.DB
	saveCh chan []observation.Observation
	stopCh chan struct{}
	doneCh chan struct{}
	logger *slog.Logger
}

// NewPersister creates and starts a persister on the given database.
//
// Inputs:
//   - db: The opened database. Must not be nil. The persister does not
//     own it; the caller closes it after Stop returns.
//   - logger: Logger instance. If nil, uses slog.Default().
func NewPersister(db *badger.DB, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Persister{
		db:     db,
		saveCh: make(chan []observation.Observation, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger.With(slog.String("component", "history_persister")),
	}
	go p.run()
	return p
}

func (p *Persister) run() {
	defer close(p.doneCh)
	for {
		select {
		case <-p.stopCh:
			// Flush the last pending snapshot before exiting.
			select {
			case snapshot := <-p.saveCh:
				p.write(snapshot)
			default:
			}
			return
		case snapshot := <-p.saveCh:
			p.write(snapshot)
		}
	}
}

func (p *Persister) write(snapshot []observation.Observation) {
	blob, err := json.Marshal(toRecords(snapshot))
	if err != nil {
		persistFailuresTotal.Inc()
		p.logger.Warn("skipping history save", slog.String("error", err.Error()))
		return
	}
	if err := p.db.Put(context.Background(), blobKey, blob); err != nil {
		persistFailuresTotal.Inc()
		p.logger.Warn("skipping history save", slog.String("error", err.Error()))
	}
}

// Save schedules a snapshot for persistence. Never blocks: if a save is
// already pending it is replaced by this newer snapshot.
func (p *Persister) Save(snapshot []observation.Observation) {
	for {
		select {
		case p.saveCh <- snapshot:
			return
		default:
			// Drop the stale pending snapshot and retry with ours.
			select {
			case <-p.saveCh:
			default:
			}
		}
	}
}

// Stop flushes any pending save and halts the background goroutine.
// Safe to call once; the persister cannot be restarted.
func (p *Persister) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

// Load reads the last durable snapshot.
//
// Outputs:
//   - []observation.Observation: The persisted entries in recorded order.
//     Nil (with nil error) when no blob exists yet.
//   - error: Non-nil only for I/O failures; a corrupt blob loads as empty.
func Load(ctx context.Context, db *badger.DB, logger *slog.Logger) ([]observation.Observation, error) {
	if logger == nil {
		logger = slog.Default()
	}

	blob, found, err := db.Get(ctx, blobKey)
	if err != nil {
		return nil, fmt.Errorf("load history blob: %w", err)
	}
	if !found {
		return nil, nil
	}

	var records []persistedRecord
	if err := json.Unmarshal(blob, &records); err != nil {
		logger.Warn("history blob is malformed, starting empty",
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	return fromRecords(records), nil
}
