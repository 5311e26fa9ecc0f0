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
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/voltboard/services/dashboard/observation"
	"github.com/AleutianAI/voltboard/services/dashboard/transport"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// fakeTransport is an in-memory Transport with scriptable responses.
type fakeTransport struct {
	mu sync.Mutex

	snapshot    []transport.Reading
	snapshotErr error

	updateResp func(id string, value int) (transport.Reading, error)
	addResp    func(id string) (transport.Reading, error)
	deleteErr  error

	onMessage func(transport.Reading)
	subID     int

	subscribes int
	updates    int
	deletes    int
}

func (f *fakeTransport) FetchSnapshot(ctx context.Context) ([]transport.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	out := make([]transport.Reading, len(f.snapshot))
	copy(out, f.snapshot)
	return out, nil
}

func (f *fakeTransport) SubscribeLive(onMessage func(transport.Reading)) (transport.Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	f.subID++
	id := f.subID
	f.onMessage = onMessage
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.subID == id {
			f.onMessage = nil
		}
	}, nil
}

func (f *fakeTransport) SubmitUpdate(ctx context.Context, id string, value int) (transport.Reading, error) {
	f.mu.Lock()
	fn := f.updateResp
	f.updates++
	f.mu.Unlock()
	if fn == nil {
		return transport.Reading{ID: id, Value: value, ObservedAt: time.Now().UTC()}, nil
	}
	return fn(id, value)
}

func (f *fakeTransport) SubmitAdd(ctx context.Context, id string) (transport.Reading, error) {
	f.mu.Lock()
	fn := f.addResp
	f.mu.Unlock()
	if fn == nil {
		return transport.Reading{ID: id, Value: 230, ObservedAt: time.Now().UTC()}, nil
	}
	return fn(id)
}

func (f *fakeTransport) SubmitDelete(ctx context.Context, id string) (transport.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.deleteErr != nil {
		return transport.Reading{}, f.deleteErr
	}
	return transport.Reading{ID: id}, nil
}

// push delivers a reading through the currently active live subscription,
// if any.
func (f *fakeTransport) push(r transport.Reading) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

func (f *fakeTransport) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onMessage != nil
}

var _ transport.Transport = (*fakeTransport)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, ft *fakeTransport) *Controller {
	t.Helper()
	c, err := New(Config{Transport: ft, Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	// The initial subscription is asynchronous; wait for it so tests can
	// push immediately.
	require.Eventually(t, ft.subscribed, waitFor, tick)
	return c
}

func reading(id string, value int, at time.Time) transport.Reading {
	return transport.Reading{ID: id, Value: value, ObservedAt: at}
}

func nodeValue(t *testing.T, c *Controller, id string) (int, bool) {
	t.Helper()
	nodes, err := c.GetSnapshot(context.Background())
	require.NoError(t, err)
	for _, n := range nodes {
		if n.ID == id {
			return n.Value, true
		}
	}
	return 0, false
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNilTransport)
}

func TestController_RefreshPopulatesStore(t *testing.T) {
	base := time.Now().UTC()
	ft := &fakeTransport{snapshot: []transport.Reading{
		reading("node-1", 230, base),
		reading("node-2", 225, base),
	}}
	c := newTestController(t, ft)

	c.Refresh()

	require.Eventually(t, func() bool {
		nodes, err := c.GetSnapshot(context.Background())
		return err == nil && len(nodes) == 2
	}, waitFor, tick)

	v, ok := nodeValue(t, c, "node-1")
	require.True(t, ok)
	require.Equal(t, 230, v)

	entries, err := c.GetHistory(context.Background(), 0, nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestController_RefreshFailureRaisesAlert(t *testing.T) {
	ft := &fakeTransport{snapshotErr: errors.New("backend down")}
	c := newTestController(t, ft)

	c.Refresh()

	require.Eventually(t, func() bool {
		al, err := c.GetAlerts(context.Background())
		if err != nil || len(al) != 1 {
			return false
		}
		return al[0].ID == backendAlertID
	}, waitFor, tick)

	// The failed refresh must not have touched the store.
	nodes, err := c.GetSnapshot(context.Background())
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestController_PushOutOfRangeClampsAndAlerts(t *testing.T) {
	base := time.Now().UTC()
	ft := &fakeTransport{snapshot: []transport.Reading{reading("node-1", 230, base)}}
	c := newTestController(t, ft)

	c.Refresh()
	require.Eventually(t, func() bool {
		_, ok := nodeValue(t, c, "node-1")
		return ok
	}, waitFor, tick)

	ft.push(reading("node-1", 241, base.Add(time.Second)))

	require.Eventually(t, func() bool {
		v, ok := nodeValue(t, c, "node-1")
		return ok && v == observation.HardMax
	}, waitFor, tick)

	al, err := c.GetAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, al, 1)
	require.Equal(t, "node-1", al[0].ID)

	entries, err := c.GetHistory(context.Background(), 0, []string{"node-1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, observation.HardMax, entries[len(entries)-1].Value)
}

func TestController_StalePushRejectedButRecorded(t *testing.T) {
	base := time.Now().UTC()
	ft := &fakeTransport{snapshot: []transport.Reading{reading("node-1", 230, base)}}
	c := newTestController(t, ft)

	c.Refresh()
	require.Eventually(t, func() bool {
		_, ok := nodeValue(t, c, "node-1")
		return ok
	}, waitFor, tick)

	// Older than the snapshot observation: rejected by the store, still
	// recorded in history.
	ft.push(reading("node-1", 228, base.Add(-time.Second)))

	require.Eventually(t, func() bool {
		entries, err := c.GetHistory(context.Background(), 0, []string{"node-1"})
		return err == nil && len(entries) == 2
	}, waitFor, tick)

	v, _ := nodeValue(t, c, "node-1")
	require.Equal(t, 230, v)
}

func TestController_DuplicatePushRecordedOnce(t *testing.T) {
	base := time.Now().UTC()
	ft := &fakeTransport{}
	c := newTestController(t, ft)

	r := reading("node-1", 231, base)
	ft.push(r)
	require.Eventually(t, func() bool {
		_, ok := nodeValue(t, c, "node-1")
		return ok
	}, waitFor, tick)

	ft.push(r)
	ft.push(r)

	// Give the loop a chance to process the duplicates, then confirm a
	// single record survived.
	require.Never(t, func() bool {
		entries, err := c.GetHistory(context.Background(), 0, nil)
		return err == nil && len(entries) > 1
	}, 50*time.Millisecond, tick)
}

func TestController_UpdateVoltage(t *testing.T) {
	base := time.Now().UTC()

	t.Run("confirmation overrides optimistic despite older timestamp", func(t *testing.T) {
		release := make(chan struct{})
		ft := &fakeTransport{
			snapshot: []transport.Reading{reading("node-2", 230, base)},
			updateResp: func(id string, value int) (transport.Reading, error) {
				<-release
				// Server clock lags the client clock.
				return reading(id, value, base.Add(-time.Minute)), nil
			},
		}
		c := newTestController(t, ft)

		c.Refresh()
		require.Eventually(t, func() bool {
			_, ok := nodeValue(t, c, "node-2")
			return ok
		}, waitFor, tick)

		c.UpdateVoltage("node-2", 300)

		// Optimistic value (clamped) is visible before the server answers.
		require.Eventually(t, func() bool {
			v, ok := nodeValue(t, c, "node-2")
			return ok && v == observation.HardMax
		}, waitFor, tick)

		close(release)

		require.Eventually(t, func() bool {
			nodes, err := c.GetSnapshot(context.Background())
			if err != nil || len(nodes) != 1 {
				return false
			}
			return nodes[0].Origin == observation.OriginConfirmedMutation
		}, waitFor, tick)

		// Snapshot + optimistic + confirmed.
		entries, err := c.GetHistory(context.Background(), 0, []string{"node-2"})
		require.NoError(t, err)
		require.Len(t, entries, 3)
		require.Equal(t, observation.OriginOptimisticMutation, entries[1].Origin)
		require.Equal(t, observation.OriginConfirmedMutation, entries[2].Origin)
	})

	t.Run("failure keeps optimistic value and raises alert", func(t *testing.T) {
		ft := &fakeTransport{
			snapshot: []transport.Reading{reading("node-2", 230, base)},
			updateResp: func(id string, value int) (transport.Reading, error) {
				return transport.Reading{}, errors.New("write conflict")
			},
		}
		c := newTestController(t, ft)

		c.Refresh()
		require.Eventually(t, func() bool {
			_, ok := nodeValue(t, c, "node-2")
			return ok
		}, waitFor, tick)

		c.UpdateVoltage("node-2", 236)

		require.Eventually(t, func() bool {
			al, err := c.GetAlerts(context.Background())
			return err == nil && len(al) == 1 && al[0].ID == "node-2"
		}, waitFor, tick)

		v, _ := nodeValue(t, c, "node-2")
		require.Equal(t, 236, v)
	})

	t.Run("unknown node is ignored", func(t *testing.T) {
		ft := &fakeTransport{}
		c := newTestController(t, ft)

		c.UpdateVoltage("ghost", 230)

		require.Never(t, func() bool {
			ft.mu.Lock()
			defer ft.mu.Unlock()
			return ft.updates > 0
		}, 50*time.Millisecond, tick)
	})
}

func TestController_DeleteNodePurgesEverything(t *testing.T) {
	base := time.Now().UTC()
	ft := &fakeTransport{snapshot: []transport.Reading{
		reading("node-3", 230, base),
		reading("node-4", 225, base),
	}}
	c := newTestController(t, ft)

	c.Refresh()
	require.Eventually(t, func() bool {
		nodes, err := c.GetSnapshot(context.Background())
		return err == nil && len(nodes) == 2
	}, waitFor, tick)

	// Give node-3 an alert to verify it is cleared with the node.
	ft.push(reading("node-3", 240, base.Add(time.Second)))
	require.Eventually(t, func() bool {
		al, err := c.GetAlerts(context.Background())
		return err == nil && len(al) == 1
	}, waitFor, tick)

	c.DeleteNode("node-3")

	require.Eventually(t, func() bool {
		_, ok := nodeValue(t, c, "node-3")
		return !ok
	}, waitFor, tick)

	entries, err := c.GetHistory(context.Background(), 0, []string{"node-3"})
	require.NoError(t, err)
	require.Empty(t, entries)

	al, err := c.GetAlerts(context.Background())
	require.NoError(t, err)
	require.Empty(t, al)

	// The sibling node is untouched.
	entries, err = c.GetHistory(context.Background(), 0, []string{"node-4"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestController_LateConfirmationAfterDeleteIsDropped(t *testing.T) {
	base := time.Now().UTC()
	release := make(chan struct{})
	ft := &fakeTransport{
		snapshot: []transport.Reading{reading("node-5", 230, base)},
		updateResp: func(id string, value int) (transport.Reading, error) {
			<-release
			return reading(id, value, time.Now().UTC()), nil
		},
	}
	c := newTestController(t, ft)

	c.Refresh()
	require.Eventually(t, func() bool {
		_, ok := nodeValue(t, c, "node-5")
		return ok
	}, waitFor, tick)

	c.UpdateVoltage("node-5", 235)
	c.DeleteNode("node-5")

	require.Eventually(t, func() bool {
		_, ok := nodeValue(t, c, "node-5")
		return !ok
	}, waitFor, tick)

	close(release)

	// The confirmation lands after the delete and must not resurrect the
	// node.
	require.Never(t, func() bool {
		_, ok := nodeValue(t, c, "node-5")
		return ok
	}, 100*time.Millisecond, tick)
}

func TestController_PauseResume(t *testing.T) {
	base := time.Now().UTC()
	ft := &fakeTransport{}
	c := newTestController(t, ft)

	ft.push(reading("node-1", 230, base))
	require.Eventually(t, func() bool {
		_, ok := nodeValue(t, c, "node-1")
		return ok
	}, waitFor, tick)

	c.Pause()
	c.Pause() // idempotent

	require.Eventually(t, func() bool {
		paused, err := c.IsPaused(context.Background())
		return err == nil && paused
	}, waitFor, tick)

	// Pushes while paused are dropped, not buffered.
	ft.push(reading("node-1", 236, base.Add(time.Second)))

	require.Never(t, func() bool {
		v, _ := nodeValue(t, c, "node-1")
		return v == 236
	}, 100*time.Millisecond, tick)

	c.Resume()
	c.Resume() // idempotent

	require.Eventually(t, func() bool {
		paused, err := c.IsPaused(context.Background())
		return err == nil && !paused
	}, waitFor, tick)
	require.Eventually(t, ft.subscribed, waitFor, tick)

	// The missed push is not replayed; only new pushes arrive.
	v, _ := nodeValue(t, c, "node-1")
	require.Equal(t, 230, v)

	ft.push(reading("node-1", 234, base.Add(2*time.Second)))
	require.Eventually(t, func() bool {
		v, _ := nodeValue(t, c, "node-1")
		return v == 234
	}, waitFor, tick)
}

func TestController_AlertExpiresAfterTTL(t *testing.T) {
	base := time.Now().UTC()
	ft := &fakeTransport{}
	c, err := New(Config{
		Transport: ft,
		Logger:    testLogger(),
		AlertTTL:  30 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.Eventually(t, ft.subscribed, waitFor, tick)

	ft.push(reading("node-1", 240, base))

	require.Eventually(t, func() bool {
		al, err := c.GetAlerts(context.Background())
		return err == nil && len(al) == 1
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		al, err := c.GetAlerts(context.Background())
		return err == nil && len(al) == 0
	}, waitFor, tick)

	// The node itself is untouched by the expiry.
	v, ok := nodeValue(t, c, "node-1")
	require.True(t, ok)
	require.Equal(t, observation.HardMax, v)
}

func TestController_ClearAlerts(t *testing.T) {
	base := time.Now().UTC()
	ft := &fakeTransport{}
	c := newTestController(t, ft)

	ft.push(reading("node-1", 240, base))
	ft.push(reading("node-2", 221, base))

	require.Eventually(t, func() bool {
		al, err := c.GetAlerts(context.Background())
		return err == nil && len(al) == 2
	}, waitFor, tick)

	c.ClearAlerts()

	require.Eventually(t, func() bool {
		al, err := c.GetAlerts(context.Background())
		return err == nil && len(al) == 0
	}, waitFor, tick)
}

func TestController_WatchSignalsChanges(t *testing.T) {
	base := time.Now().UTC()
	ft := &fakeTransport{}
	c := newTestController(t, ft)

	ch := c.Watch()

	ft.push(reading("node-1", 230, base))

	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatal("no change signal after push")
	}
}

func TestController_InitialHistoryRestored(t *testing.T) {
	base := time.Now().UTC()
	seed := []observation.Observation{
		{ID: "node-1", Value: 228, ObservedAt: base.Add(-time.Hour), Origin: observation.OriginSnapshot},
		{ID: "node-1", Value: 229, ObservedAt: base.Add(-30 * time.Minute), Origin: observation.OriginPush},
	}
	ft := &fakeTransport{}
	c, err := New(Config{Transport: ft, Logger: testLogger(), InitialHistory: seed})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	entries, err := c.GetHistory(context.Background(), 0, nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Restored entries participate in dedup like live ones.
	require.Eventually(t, ft.subscribed, waitFor, tick)
	ft.push(reading("node-1", 229, base.Add(-30*time.Minute)))
	require.Never(t, func() bool {
		entries, err := c.GetHistory(context.Background(), 0, nil)
		return err == nil && len(entries) > 2
	}, 50*time.Millisecond, tick)
}

func TestController_CloseRejectsQueries(t *testing.T) {
	ft := &fakeTransport{}
	c, err := New(Config{Transport: ft, Logger: testLogger()})
	require.NoError(t, err)

	c.Close()
	c.Close() // idempotent

	_, err = c.GetSnapshot(context.Background())
	require.ErrorIs(t, err, ErrControllerClosed)
	_, err = c.GetAlerts(context.Background())
	require.ErrorIs(t, err, ErrControllerClosed)
}
