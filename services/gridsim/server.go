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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/voltboard/pkg/validation"
)

// wireNode is the JSON shape every endpoint and the push stream speak.
// Timestamps travel as RFC 3339 strings.
type wireNode struct {
	ID         string `json:"id"`
	Value      int    `json:"value"`
	ObservedAt string `json:"observed_at"`
}

func toWire(n NodeState) wireNode {
	return wireNode{
		ID:         n.ID,
		Value:      n.Value,
		ObservedAt: n.ObservedAt.UTC().Format(time.RFC3339Nano),
	}
}

type updateRequest struct {
	Value int `json:"value"`
}

type addRequest struct {
	ID string `json:"id"`
}

// Server wires the backing store, the push hub, and the optional InfluxDB
// mirror behind the REST API.
type Server struct {
	store  *BackingStore
	hub    *Hub
	mirror *Mirror
	logger *slog.Logger
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Store  *BackingStore
	Hub    *Hub
	Mirror *Mirror // optional
	Logger *slog.Logger
}

// NewServer creates a Server. Store and Hub are required.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil || cfg.Hub == nil {
		return nil, errors.New("store and hub are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  cfg.Store,
		hub:    cfg.Hub,
		mirror: cfg.Mirror,
		logger: logger.With(slog.String("component", "gridsim")),
	}, nil
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("gridsim-service"))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "voltboard-gridsim", "nodes": s.store.Len()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.GET("/nodes", s.handleListNodes)
	api.POST("/nodes", s.handleAddNode)
	api.PUT("/nodes/:id", s.handleUpdateNode)
	api.DELETE("/nodes/:id", s.handleDeleteNode)

	router.GET("/ws/live", s.hub.HandleLive())
	return router
}

// Publish fans a state change out to live subscribers and the metrics
// mirror. Mirroring is fire-and-forget.
func (s *Server) Publish(n NodeState) {
	s.hub.Broadcast(n)
	if s.mirror != nil {
		go s.mirror.Record(context.Background(), n)
	}
}

func (s *Server) handleListNodes(c *gin.Context) {
	nodes := s.store.Snapshot()
	out := make([]wireNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toWire(n))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleUpdateNode(c *gin.Context) {
	id, err := validation.SanitizeNodeID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid node id", "details": err.Error()})
		return
	}

	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	n, err := s.store.Update(id, req.Value)
	if err != nil {
		if errors.Is(err, ErrUnknownNode) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown node", "id": id})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info("node updated", "node_id", id, "value", n.Value)
	s.Publish(n)
	c.JSON(http.StatusOK, toWire(n))
}

func (s *Server) handleAddNode(c *gin.Context) {
	var req addRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.ID != "" {
		id, err := validation.SanitizeNodeID(req.ID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid node id", "details": err.Error()})
			return
		}
		req.ID = id
	}

	n, err := s.store.Add(req.ID)
	if err != nil {
		if errors.Is(err, ErrDuplicateNode) {
			c.JSON(http.StatusConflict, gin.H{"error": "Node already exists", "id": req.ID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info("node added", "node_id", n.ID, "value", n.Value)
	s.Publish(n)
	c.JSON(http.StatusCreated, toWire(n))
}

func (s *Server) handleDeleteNode(c *gin.Context) {
	id, err := validation.SanitizeNodeID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid node id", "details": err.Error()})
		return
	}

	n, err := s.store.Delete(id)
	if err != nil {
		if errors.Is(err, ErrUnknownNode) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown node", "id": id})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Deletions are not broadcast: a push would look like a fresh reading
	// and re-create the node on subscribers.
	s.logger.Info("node deleted", "node_id", id)
	c.JSON(http.StatusOK, toWire(n))
}
