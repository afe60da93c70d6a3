// Package server exposes the current frame slot to network clients over
// one of two protocols: an HTTP multipart image stream or a WebSocket
// binary-frame broadcast. Every accepted connection is handled by its own
// goroutine; connections only ever read the slot, so a slow or dead
// client never affects the capture side or other clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"strzcam.com/ipcam/frame"
)

type Protocol string

const (
	ProtocolHTTP      Protocol = "http"
	ProtocolWebSocket Protocol = "websocket"
)

// StateFunc reports the engine state and failure reason for /status.
type StateFunc func() (state, reason string)

// Config tunes the per-connection delivery loops.
type Config struct {
	Protocol     Protocol
	WaitTimeout  time.Duration // slot wait bound, paces cancellation checks
	WriteTimeout time.Duration // slow consumers past this are disconnected
	State        StateFunc
}

// Server serves one streaming session. It delivers frames from the slot
// until the slot is closed, then lets every connection drain out cleanly.
type Server struct {
	slot     *frame.Slot
	cfg      Config
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	started  time.Time

	mu      sync.Mutex
	clients map[string]struct{}
}

func New(slot *frame.Slot, cfg Config) *Server {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.State == nil {
		cfg.State = func() (string, string) { return "unknown", "" }
	}

	s := &Server{
		slot: slot,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now(),
		clients: make(map[string]struct{}),
	}

	mux := http.NewServeMux()
	switch cfg.Protocol {
	case ProtocolWebSocket:
		mux.HandleFunc("/", s.serveWebSocket)
	default:
		mux.HandleFunc("/", s.serveIndex)
		mux.HandleFunc("/stream", s.serveStream)
		mux.HandleFunc("/snapshot", s.serveSnapshot)
	}
	mux.HandleFunc("/status", s.serveStatus)

	s.httpSrv = &http.Server{Handler: mux}
	return s
}

// Serve accepts connections on l until Shutdown or Close.
func (s *Server) Serve(l net.Listener) error {
	err := s.httpSrv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting and waits for active connections to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Close force-closes the listener and all active connections.
func (s *Server) Close() error {
	return s.httpSrv.Close()
}

// ClientCount returns the number of active streaming connections.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) addClient(id string) {
	s.mu.Lock()
	s.clients[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

func (s *Server) setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Live Stream</title></head>
<body>
    <img src="/stream" width="100%">
</body>
</html>`))
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")

	state, reason := s.cfg.State()
	json.NewEncoder(w).Encode(map[string]any{
		"state":    state,
		"reason":   reason,
		"sequence": s.slot.Seq(),
		"clients":  s.ClientCount(),
		"uptime_s": int(time.Since(s.started).Seconds()),
	})
}

// LocalIP returns the address of the outbound network interface, falling
// back to the loopback address when the host is offline. The dial never
// sends a packet, UDP connect only binds a local address.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// URL renders the advertised stream address for a session.
func URL(protocol Protocol, host string, port int) string {
	if protocol == ProtocolWebSocket {
		return fmt.Sprintf("ws://%s:%d/", host, port)
	}
	return fmt.Sprintf("http://%s:%d/stream", host, port)
}
