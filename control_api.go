package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vesselmesh/pkg/mesh"
)

type controlAPIServer struct {
	node  *mesh.Node
	token string
	log   zerolog.Logger
	srv   *http.Server
	mu    sync.Mutex
	rate  map[string]rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

const (
	controlRateLimitCount  = 120
	controlRateLimitWindow = time.Minute
	controlShutdownTimeout = 3 * time.Second
)

func startControlAPI(listenAddr string, node *mesh.Node, token string, log zerolog.Logger) (*controlAPIServer, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	c := &controlAPIServer{
		node:  node,
		token: strings.TrimSpace(token),
		log:   log.With().Str("component", "control_api").Logger(),
		rate:  make(map[string]rateWindow),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", c.withAuth(c.handleStatus))
	mux.HandleFunc("/v1/peers", c.withAuth(c.handlePeers))
	mux.HandleFunc("/v1/agents", c.withAuth(c.handleAgents))
	mux.HandleFunc("/v1/spawn", c.withAuth(c.handleSpawn))
	mux.HandleFunc("/v1/kill", c.withAuth(c.handleKill))

	c.srv = &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := c.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.log.Error().Err(err).Msg("listen error")
		}
	}()
	return c, nil
}

func (c *controlAPIServer) Stop() error {
	if c == nil || c.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlShutdownTimeout)
	defer cancel()
	return c.srv.Shutdown(ctx)
}

func (c *controlAPIServer) withAuth(next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.allowRequest(r) {
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"error": "rate limit exceeded"})
			return
		}
		if c.token != "" {
			in := []byte(strings.TrimSpace(r.Header.Get("X-VesselMesh-Token")))
			expected := []byte(c.token)
			if len(in) != len(expected) || subtle.ConstantTimeCompare(in, expected) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (c *controlAPIServer) allowRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		host = strings.TrimSpace(r.RemoteAddr)
		if host == "" {
			host = "unknown"
		}
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.rate[host]
	if w.start.IsZero() || now.Sub(w.start) >= controlRateLimitWindow {
		w = rateWindow{start: now, count: 0}
	}
	if w.count >= controlRateLimitCount {
		c.rate[host] = w
		return false
	}
	w.count++
	c.rate[host] = w
	return true
}

func (c *controlAPIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	st, err := c.node.Status()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peer_id":          st.PeerID,
		"node_name":        st.NodeName,
		"peer_count":       len(st.PeerLastSeen),
		"agent_count":      len(st.Summary.Vessels),
		"pending_respawns": st.Pending,
		"measurement":      fmt.Sprintf("%x", st.Quote.Measurement),
	})
}

func (c *controlAPIServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	st, err := c.node.Status()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": err.Error()})
		return
	}
	type peerEntry struct {
		PeerID         string `json:"peer_id"`
		LastSeenMillis int64  `json:"last_seen_ms"`
	}
	peers := make([]peerEntry, 0, len(st.PeerLastSeen))
	for peerID, age := range st.PeerLastSeen {
		peers = append(peers, peerEntry{PeerID: peerID, LastSeenMillis: age.Milliseconds()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(peers), "peers": peers})
}

func (c *controlAPIServer) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	st, err := c.node.Status()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(st.Summary.Vessels),
		"agents": st.Summary.Vessels,
	})
}

func (c *controlAPIServer) handleSpawn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		Name      string `json:"name"`
		Payload   string `json:"payload"`
		Threshold int    `json:"threshold"`
		Total     int    `json:"total"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "name is required"})
		return
	}
	if req.Payload == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "payload is required"})
		return
	}
	vs, err := c.node.Spawn(name, []byte(req.Payload), req.Threshold, req.Total)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"agent":  vs.Lineage(),
		"vessel": vs.Current,
		"next":   vs.Next,
	})
}

// handleKill stops the node's mesh participation. Its hosted agents go silent
// and the cluster reincarnates them elsewhere; this is the operator's way of
// exercising the failure path on purpose.
func (c *controlAPIServer) handleKill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	c.log.Warn().Msg("kill requested via control API")
	go c.node.Stop()
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
