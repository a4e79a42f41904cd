package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"vesselmesh/pkg/attest"
	"vesselmesh/pkg/identity"
	"vesselmesh/pkg/mesh"
	"vesselmesh/pkg/transport"
)

func newTestControlNode(t *testing.T) *mesh.Node {
	t.Helper()

	id, err := identity.LoadOrCreate(t.TempDir(), "ctl")
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	store, err := identity.NewStore(filepath.Join(t.TempDir(), "vessels.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	attestor, err := attest.NewDevAttestor([]byte("test"))
	if err != nil {
		t.Fatalf("new attestor: %v", err)
	}

	hub := transport.NewMemoryHub()
	cfg := mesh.DefaultConfig()
	cfg.NodeName = "ctl"
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.SweepInterval = 100 * time.Millisecond

	node := mesh.NewNode(id, store, attestor, hub.Attach(id.PeerID), cfg, zerolog.Nop())
	go node.Run(context.Background())
	t.Cleanup(node.Stop)
	return node
}

func TestControlAPIStatusAndAgents(t *testing.T) {
	t.Parallel()

	node := newTestControlNode(t)
	c := &controlAPIServer{node: node, rate: make(map[string]rateWindow)}

	statusReq := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	statusRec := httptest.NewRecorder()
	c.handleStatus(statusRec, statusReq)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", statusRec.Code, statusRec.Body.String())
	}
	var status struct {
		PeerID     string `json:"peer_id"`
		NodeName   string `json:"node_name"`
		AgentCount int    `json:"agent_count"`
	}
	if err := json.Unmarshal(statusRec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status body: %v", err)
	}
	if status.PeerID == "" || status.NodeName != "ctl" {
		t.Fatalf("unexpected status body: %+v", status)
	}
	if status.AgentCount != 0 {
		t.Fatalf("expected no agents, got %d", status.AgentCount)
	}

	agentsReq := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	agentsRec := httptest.NewRecorder()
	c.handleAgents(agentsRec, agentsReq)
	if agentsRec.Code != http.StatusOK {
		t.Fatalf("agents status=%d body=%s", agentsRec.Code, agentsRec.Body.String())
	}

	wrongMethodReq := httptest.NewRequest(http.MethodPost, "/v1/status", nil)
	wrongMethodRec := httptest.NewRecorder()
	c.handleStatus(wrongMethodRec, wrongMethodReq)
	if wrongMethodRec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", wrongMethodRec.Code)
	}
}

func TestControlAPISpawnErrorPaths(t *testing.T) {
	t.Parallel()

	node := newTestControlNode(t)
	c := &controlAPIServer{node: node, rate: make(map[string]rateWindow)}

	// Wrong method
	methodReq := httptest.NewRequest(http.MethodGet, "/v1/spawn", nil)
	methodRec := httptest.NewRecorder()
	c.handleSpawn(methodRec, methodReq)
	if methodRec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", methodRec.Code)
	}

	// Invalid JSON
	badJSONReq := httptest.NewRequest(http.MethodPost, "/v1/spawn", strings.NewReader(`{"name":`))
	badJSONRec := httptest.NewRecorder()
	c.handleSpawn(badJSONRec, badJSONReq)
	if badJSONRec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", badJSONRec.Code)
	}

	// Missing fields
	missingReq := httptest.NewRequest(http.MethodPost, "/v1/spawn", strings.NewReader(`{"name":"","payload":""}`))
	missingRec := httptest.NewRecorder()
	c.handleSpawn(missingRec, missingReq)
	if missingRec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d body=%s", missingRec.Code, missingRec.Body.String())
	}

	// Valid request, but the node has no peers to hold fragments.
	noPeersReq := httptest.NewRequest(http.MethodPost, "/v1/spawn",
		strings.NewReader(`{"name":"auron","payload":"state","threshold":2,"total":3}`))
	noPeersRec := httptest.NewRecorder()
	c.handleSpawn(noPeersRec, noPeersReq)
	if noPeersRec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without peers, got %d body=%s", noPeersRec.Code, noPeersRec.Body.String())
	}
}

func TestControlAPIAuthTokenAndRateLimit(t *testing.T) {
	t.Parallel()

	c := &controlAPIServer{
		token: "secret-token",
		rate:  make(map[string]rateWindow),
	}

	protected := c.withAuth(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
	})

	unauthReq := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	unauthReq.RemoteAddr = "127.0.0.1:5000"
	unauthRec := httptest.NewRecorder()
	protected(unauthRec, unauthReq)
	if unauthRec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %d", unauthRec.Code)
	}

	authReq := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	authReq.RemoteAddr = "127.0.0.1:5000"
	authReq.Header.Set("X-VesselMesh-Token", "secret-token")
	authRec := httptest.NewRecorder()
	protected(authRec, authReq)
	if authRec.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid token, got %d", authRec.Code)
	}

	for i := 0; i < controlRateLimitCount; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
		req.RemoteAddr = "10.0.0.2:6000"
		req.Header.Set("X-VesselMesh-Token", "secret-token")
		rec := httptest.NewRecorder()
		protected(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 before limit, got %d on iteration %d", rec.Code, i)
		}
	}

	overReq := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	overReq.RemoteAddr = "10.0.0.2:6000"
	overReq.Header.Set("X-VesselMesh-Token", "secret-token")
	overRec := httptest.NewRecorder()
	protected(overRec, overReq)
	if overRec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit, got %d", overRec.Code)
	}
}
