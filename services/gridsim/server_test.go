package gridsim

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T, nodes ...SeedNode) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewBackingStore()
	store.Seed(nodes)

	srv, err := NewServer(ServerConfig{
		Store:  store,
		Hub:    NewHub(logger),
		Logger: logger,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func decodeNode(t *testing.T, body io.Reader) wireNode {
	t.Helper()
	var n wireNode
	require.NoError(t, json.NewDecoder(body).Decode(&n))
	return n
}

func TestServer_ListNodes(t *testing.T) {
	_, ts := testServer(t,
		SeedNode{ID: "node-1", Value: 230},
		SeedNode{ID: "node-2", Value: 225},
	)

	resp, err := http.Get(ts.URL + "/api/v1/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var nodes []wireNode
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&nodes))
	require.Len(t, nodes, 2)
	require.Equal(t, "node-1", nodes[0].ID)

	// Timestamps must be parsable RFC 3339.
	_, err = time.Parse(time.RFC3339Nano, nodes[0].ObservedAt)
	require.NoError(t, err)
}

func TestServer_UpdateNode(t *testing.T) {
	_, ts := testServer(t, SeedNode{ID: "node-1", Value: 230})

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/nodes/node-1",
		bytes.NewBufferString(`{"value": 300}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	n := decodeNode(t, resp.Body)
	require.Equal(t, 239, n.Value, "server must clamp to the physical range")
}

func TestServer_UpdateUnknownNode(t *testing.T) {
	_, ts := testServer(t)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/nodes/ghost",
		bytes.NewBufferString(`{"value": 230}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_UpdateRejectsBadID(t *testing.T) {
	_, ts := testServer(t)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/nodes/bad!id",
		bytes.NewBufferString(`{"value": 230}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_AddNode(t *testing.T) {
	t.Run("with explicit id", func(t *testing.T) {
		_, ts := testServer(t)

		resp, err := http.Post(ts.URL+"/api/v1/nodes", "application/json",
			bytes.NewBufferString(`{"id": "node-9"}`))
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusCreated, resp.StatusCode)
		n := decodeNode(t, resp.Body)
		require.Equal(t, "node-9", n.ID)
	})

	t.Run("with generated id", func(t *testing.T) {
		_, ts := testServer(t)

		resp, err := http.Post(ts.URL+"/api/v1/nodes", "application/json",
			bytes.NewBufferString(`{}`))
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusCreated, resp.StatusCode)
		n := decodeNode(t, resp.Body)
		require.True(t, strings.HasPrefix(n.ID, "node-"))
	})

	t.Run("duplicate conflicts", func(t *testing.T) {
		_, ts := testServer(t, SeedNode{ID: "node-1", Value: 230})

		resp, err := http.Post(ts.URL+"/api/v1/nodes", "application/json",
			bytes.NewBufferString(`{"id": "node-1"}`))
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestServer_DeleteNode(t *testing.T) {
	srv, ts := testServer(t, SeedNode{ID: "node-1", Value: 230})

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/nodes/node-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	n := decodeNode(t, resp.Body)
	require.Equal(t, "node-1", n.ID)
	require.Equal(t, 0, srv.store.Len())
}

func TestServer_LivePushOnUpdate(t *testing.T) {
	srv, ts := testServer(t, SeedNode{ID: "node-1", Value: 230})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The handler registers the subscriber after the upgrade completes.
	require.Eventually(t, func() bool {
		return srv.hub.Subscribers() == 1
	}, 2*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/nodes/node-1",
		bytes.NewBufferString(`{"value": 235}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var n wireNode
	require.NoError(t, conn.ReadJSON(&n))
	require.Equal(t, "node-1", n.ID)
	require.Equal(t, 235, n.Value)
}

func TestServer_Healthz(t *testing.T) {
	_, ts := testServer(t, SeedNode{ID: "node-1", Value: 230})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}
