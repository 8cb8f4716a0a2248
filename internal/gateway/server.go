// Package gateway is the loopback WebSocket transport: origin/auth
// gating, per-connection single-writer serialization, and the JSON-RPC
// style method dispatcher.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Server owns the HTTP mux, the WS upgrader, and the set of connected
// clients. Grounded on the teacher's internal/gateway/server.go.
type Server struct {
	host, port string
	authToken  string
	allowed    map[string]bool
	startedAt  time.Time

	upgrader websocket.Upgrader
	dispatch *Dispatcher
	bus      *Bus

	mu      sync.Mutex
	clients map[*Client]bool
}

func NewServer(host string, port int, authToken string, allowedOrigins []string, dispatch *Dispatcher, bus *Bus) *Server {
	allowed := map[string]bool{}
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Server{
		host:      host,
		port:      fmt.Sprintf("%d", port),
		authToken: authToken,
		allowed:   allowed,
		startedAt: time.Now(),
		dispatch:  dispatch,
		bus:       bus,
		clients:   map[*Client]bool{},
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// checkOrigin allows requests with no Origin header (non-browser
// clients) and any Origin that resolves to a loopback host; an
// explicit allow-list, if configured, is also honored.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.allowed[origin] {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return host == "localhost"
}

func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, s.port)
	slog.Info("gateway listening", "addr", addr)
	return http.ListenAndServe(addr, s.BuildMux())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	s.upgrader.CheckOrigin = func(*http.Request) bool { return true } // already checked above
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := newClient(conn, s.authToken, s.dispatch, s.bus)
	s.registerClient(client)
	defer s.unregisterClient(client)

	client.run()
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}
