// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gridsim

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

var (
	broadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voltboard_gridsim_broadcasts_total",
		Help: "Readings pushed to live subscribers",
	})
	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voltboard_gridsim_subscribers",
		Help: "Currently connected live subscribers",
	})
	slowClientsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voltboard_gridsim_slow_clients_dropped_total",
		Help: "Subscribers disconnected because their send buffer filled",
	})
)

// clientBuffer is the per-subscriber send queue. A subscriber that falls
// this far behind is disconnected rather than allowed to stall broadcasts.
const clientBuffer = 64

const writeTimeout = 5 * time.Second

type wsClient struct {
	conn *websocket.Conn
	send chan wireNode
}

// Hub fans node readings out to every connected live subscriber.
//
// Thread Safety: Safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger.With(slog.String("component", "gridsim_hub")),
	}
}

// Broadcast pushes one reading to every subscriber. Slow subscribers are
// dropped, never waited on.
func (h *Hub) Broadcast(n NodeState) {
	msg := toWire(n)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slowClientsDropped.Inc()
			h.dropLocked(c)
		}
	}
	broadcastsTotal.Inc()
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	subscribersGauge.Set(float64(len(h.clients)))
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	subscribersGauge.Set(float64(len(h.clients)))
}

// HandleLive upgrades the request to a WebSocket and streams readings
// until the client disconnects.
func (h *Hub) HandleLive() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()
		h.logger.Info("live subscriber connected", "remote", ws.RemoteAddr().String())

		client := &wsClient{conn: ws, send: make(chan wireNode, clientBuffer)}
		h.add(client)
		defer h.remove(client)

		go func() {
			for msg := range client.send {
				_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := ws.WriteJSON(msg); err != nil {
					h.logger.Warn("failed to write reading to subscriber", "error", err)
					_ = ws.Close()
					return
				}
			}
			// Hub dropped us; unblock the read loop below.
			_ = ws.Close()
		}()

		// Subscribers only listen. Reads exist to observe disconnects.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				h.logger.Info("live subscriber disconnected", "error", err.Error())
				return
			}
		}
	}
}
