// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSubscriptionActive is returned when SubscribeLive is called while a
// previous subscription has not been unsubscribed.
var ErrSubscriptionActive = errors.New("live subscription already active")

// HTTPClient allows injecting mock HTTP clients for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements Transport against the grid backend's REST + WebSocket
// API.
//
// Thread Safety: Safe for concurrent use. At most one live subscription
// may be active at a time.
type Client struct {
	baseURL string
	http    HTTPClient
	logger  *slog.Logger

	mu         sync.Mutex
	liveActive bool
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the backend root, e.g. "http://localhost:8090".
	BaseURL string

	// HTTPClient overrides the HTTP client. If nil, a client with a
	// 10-second timeout is used.
	HTTPClient HTTPClient

	// Logger for transport events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewClient creates a transport client for the given backend.
//
// Outputs:
//   - *Client: The client. Never nil.
//   - error: Non-nil if the base URL is empty or unparsable.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		logger:  logger.With(slog.String("component", "transport")),
	}, nil
}

// FetchSnapshot pulls the full node list from GET /api/v1/nodes.
func (c *Client) FetchSnapshot(ctx context.Context) ([]Reading, error) {
	var wire []wireReading
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/nodes", nil, &wire); err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}

	readings := make([]Reading, 0, len(wire))
	for _, w := range wire {
		r, err := normalize(w)
		if err != nil {
			// One malformed record poisons neither the rest of the
			// snapshot nor the refresh; log and continue.
			c.logger.Warn("dropping malformed snapshot record",
				slog.String("id", w.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// SubmitUpdate sets a node's value via PUT /api/v1/nodes/{id}.
func (c *Client) SubmitUpdate(ctx context.Context, id string, value int) (Reading, error) {
	body := map[string]int{"value": value}
	var wire wireReading
	if err := c.doJSON(ctx, http.MethodPut, "/api/v1/nodes/"+url.PathEscape(id), body, &wire); err != nil {
		return Reading{}, fmt.Errorf("submit update for %s: %w", id, err)
	}
	return normalize(wire)
}

// SubmitAdd creates a node via POST /api/v1/nodes.
func (c *Client) SubmitAdd(ctx context.Context, id string) (Reading, error) {
	body := map[string]string{"id": id}
	var wire wireReading
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/nodes", body, &wire); err != nil {
		return Reading{}, fmt.Errorf("submit add for %s: %w", id, err)
	}
	return normalize(wire)
}

// SubmitDelete removes a node via DELETE /api/v1/nodes/{id}.
func (c *Client) SubmitDelete(ctx context.Context, id string) (Reading, error) {
	var wire wireReading
	if err := c.doJSON(ctx, http.MethodDelete, "/api/v1/nodes/"+url.PathEscape(id), nil, &wire); err != nil {
		return Reading{}, fmt.Errorf("submit delete for %s: %w", id, err)
	}
	return normalize(wire)
}

// SubscribeLive dials the backend's websocket and delivers each pushed
// reading to onMessage from a reader goroutine.
//
// Description:
//
//	The returned Unsubscribe closes the connection, which unblocks the
//	reader goroutine. No replay is requested on resubscription: the
//	stream delivers only pushes emitted after the dial.
func (c *Client) SubscribeLive(onMessage func(Reading)) (Unsubscribe, error) {
	c.mu.Lock()
	if c.liveActive {
		c.mu.Unlock()
		return nil, ErrSubscriptionActive
	}
	c.liveActive = true
	c.mu.Unlock()

	wsURL, err := c.liveURL()
	if err != nil {
		c.clearLive()
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		c.clearLive()
		return nil, fmt.Errorf("dial live stream: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var w wireReading
			if err := conn.ReadJSON(&w); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Info("live stream closed", slog.String("error", err.Error()))
				}
				return
			}
			r, err := normalize(w)
			if err != nil {
				c.logger.Warn("dropping malformed push",
					slog.String("id", w.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			onMessage(r)
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			conn.Close()
			<-done
			c.clearLive()
		})
	}
	return unsubscribe, nil
}

func (c *Client) clearLive() {
	c.mu.Lock()
	c.liveActive = false
	c.mu.Unlock()
}

func (c *Client) liveURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/live"
	return u.String(), nil
}

// doJSON issues one request and decodes the JSON response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Verify Client implements Transport.
var _ Transport = (*Client)(nil)
