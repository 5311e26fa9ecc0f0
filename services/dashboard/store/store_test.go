// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"testing"
	"time"

	"github.com/AleutianAI/voltboard/services/dashboard/observation"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func obs(id string, value int, at time.Time, origin observation.Origin) observation.Observation {
	return observation.Observation{ID: id, Value: value, ObservedAt: at, Origin: origin}
}

func TestStore_Merge(t *testing.T) {
	t.Run("inserts unknown node", func(t *testing.T) {
		s := New()
		res := s.Merge(obs("1", 230, t0, observation.OriginSnapshot))
		if !res.Applied || res.Replaced {
			t.Errorf("Merge result = %+v, want applied insert", res)
		}
		if got, _ := s.Get("1"); got.Value != 230 {
			t.Errorf("stored value = %d, want 230", got.Value)
		}
	})

	t.Run("strictly newer observation replaces", func(t *testing.T) {
		s := New()
		s.Merge(obs("1", 230, t0, observation.OriginSnapshot))
		res := s.Merge(obs("1", 235, t0.Add(time.Second), observation.OriginPush))
		if !res.Applied || !res.Replaced {
			t.Fatalf("Merge result = %+v, want applied replacement", res)
		}
		if res.Previous.Value != 230 {
			t.Errorf("Previous.Value = %d, want 230", res.Previous.Value)
		}
	})

	t.Run("equal timestamp is rejected", func(t *testing.T) {
		s := New()
		s.Merge(obs("1", 230, t0, observation.OriginSnapshot))
		res := s.Merge(obs("1", 235, t0, observation.OriginPush))
		if res.Applied {
			t.Error("equal-timestamp merge applied, want rejection")
		}
		if got, _ := s.Get("1"); got.Value != 230 {
			t.Errorf("stored value = %d, want 230", got.Value)
		}
	})

	t.Run("older observation is rejected", func(t *testing.T) {
		s := New()
		s.Merge(obs("1", 230, t0, observation.OriginPush))
		res := s.Merge(obs("1", 225, t0.Add(-time.Minute), observation.OriginSnapshot))
		if res.Applied {
			t.Error("stale merge applied, want rejection")
		}
	})

	t.Run("confirmed overrides optimistic regardless of timestamp", func(t *testing.T) {
		s := New()
		s.Merge(obs("2", 225, t0, observation.OriginOptimisticMutation))

		// Confirmation carries an OLDER server timestamp; it must still win.
		res := s.Merge(obs("2", 227, t0.Add(-time.Second), observation.OriginConfirmedMutation))
		if !res.Applied {
			t.Fatal("confirmed mutation rejected against optimistic entry")
		}
		if res.Previous.Origin != observation.OriginOptimisticMutation {
			t.Errorf("Previous.Origin = %v, want optimistic", res.Previous.Origin)
		}
		if got, _ := s.Get("2"); got.Value != 227 {
			t.Errorf("stored value = %d, want 227", got.Value)
		}
	})

	t.Run("confirmed does not override non-optimistic without newer timestamp", func(t *testing.T) {
		s := New()
		s.Merge(obs("3", 230, t0, observation.OriginPush))
		res := s.Merge(obs("3", 231, t0, observation.OriginConfirmedMutation))
		if res.Applied {
			t.Error("confirmed mutation overrode a non-optimistic entry at equal timestamp")
		}
	})

	t.Run("out-of-range value is rejected", func(t *testing.T) {
		s := New()
		res := s.Merge(obs("4", 300, t0, observation.OriginPush))
		if res.Applied {
			t.Error("out-of-range merge applied")
		}
		if s.Len() != 0 {
			t.Errorf("Len() = %d, want 0", s.Len())
		}
	})

	t.Run("idempotent re-merge is rejected", func(t *testing.T) {
		s := New()
		o := obs("5", 230, t0, observation.OriginSnapshot)
		first := s.Merge(o)
		second := s.Merge(o)
		if !first.Applied {
			t.Fatal("first merge rejected")
		}
		if second.Applied {
			t.Error("second identical merge applied, want rejection")
		}
	})
}

func TestStore_Remove(t *testing.T) {
	s := New()
	s.Merge(obs("1", 230, t0, observation.OriginSnapshot))

	if !s.Remove("1") {
		t.Error("Remove(existing) = false")
	}
	if s.Remove("1") {
		t.Error("Remove(absent) = true, want no-op")
	}
	if _, ok := s.Get("1"); ok {
		t.Error("entry survived removal")
	}
}

func TestStore_Snapshot(t *testing.T) {
	s := New()
	s.Merge(obs("b", 230, t0, observation.OriginSnapshot))
	s.Merge(obs("a", 231, t0, observation.OriginSnapshot))
	s.Merge(obs("c", 232, t0, observation.OriginSnapshot))

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len(snapshot) = %d, want 3", len(snap))
	}
	for i, want := range []string{"a", "b", "c"} {
		if snap[i].ID != want {
			t.Errorf("snapshot[%d].ID = %q, want %q", i, snap[i].ID, want)
		}
	}

	// Mutating the snapshot must not touch the store.
	snap[0].Value = 0
	if got, _ := s.Get("a"); got.Value != 231 {
		t.Error("snapshot mutation leaked into store")
	}
}
