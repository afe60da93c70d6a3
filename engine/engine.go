// Package engine orchestrates a streaming session: it opens the source,
// runs the capture loop and the protocol listener as independently
// cancellable tasks, and tears everything down on stop or on capture
// failure without leaking device handles or hanging client connections.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"strzcam.com/ipcam/capture"
	"strzcam.com/ipcam/frame"
	"strzcam.com/ipcam/server"
	"strzcam.com/ipcam/source"
)

// State is the engine lifecycle state. It is mutated only by the engine.
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the engine state. Reason is set only for Failed.
type Status struct {
	State  State
	Reason string
}

// Config describes one streaming session.
type Config struct {
	Source       source.Config
	Protocol     server.Protocol
	Host         string // advertised host, defaults to the local interface address
	Port         int    // 0 picks an ephemeral port
	FPS          int
	Quality      int
	DrainTimeout time.Duration

	// Retry policy for the capture loop; zero values take the capture
	// package defaults.
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

var (
	ErrNotConfigured  = errors.New("engine: not configured")
	ErrAlreadyRunning = errors.New("engine: session already active, stop it first")
)

// Engine is the session controller. All methods are safe for concurrent use.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	cfgSet bool
	state  State
	reason string

	// openSource is swapped out in tests.
	openSource func(source.Config) (source.Source, error)

	src         source.Source
	slot        *frame.Slot
	srv         *server.Server
	cancel      context.CancelFunc
	captureDone chan struct{}

	// startDone is closed when an in-flight Start settles, so Stop can
	// wait for it instead of racing past a session about to come up.
	startDone chan struct{}
}

func New() *Engine {
	return &Engine{openSource: source.Open}
}

// Configure validates and stores the session configuration. Reconfiguring
// an active session is rejected: callers stop first, there is no hot
// reload.
func (e *Engine) Configure(cfg Config) error {
	if err := validate(&cfg); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Idle && e.state != Failed {
		return ErrAlreadyRunning
	}
	e.cfg = cfg
	e.cfgSet = true
	return nil
}

func validate(cfg *Config) error {
	switch cfg.Source.Kind {
	case source.KindCamera:
	case source.KindVideo, source.KindImage:
		if cfg.Source.Path == "" {
			return fmt.Errorf("engine: source kind %q requires a file path", cfg.Source.Kind)
		}
	default:
		return fmt.Errorf("engine: unknown source kind %q", cfg.Source.Kind)
	}

	switch cfg.Protocol {
	case server.ProtocolHTTP, server.ProtocolWebSocket:
	default:
		return fmt.Errorf("engine: unknown protocol %q", cfg.Protocol)
	}

	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("engine: invalid port %d", cfg.Port)
	}
	if cfg.FPS < 0 || cfg.FPS > 60 {
		return fmt.Errorf("engine: fps %d out of range", cfg.FPS)
	}
	if cfg.FPS == 0 {
		cfg.FPS = 15
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	return nil
}

// Start opens the source, binds the listener and spawns the capture loop
// and the accept loop. It returns the advertised stream URL. Failures to
// open the source or bind the port are reported synchronously and leave
// the engine idle.
func (e *Engine) Start() (string, error) {
	e.mu.Lock()
	if !e.cfgSet {
		e.mu.Unlock()
		return "", ErrNotConfigured
	}
	if e.state != Idle && e.state != Failed {
		e.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	e.state = Starting
	e.reason = ""
	started := make(chan struct{})
	e.startDone = started
	cfg := e.cfg
	e.mu.Unlock()
	defer close(started)

	src, err := e.openSource(cfg.Source)
	if err != nil {
		e.setState(Idle, "")
		return "", fmt.Errorf("engine: start: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		src.Close()
		e.setState(Idle, "")
		return "", fmt.Errorf("engine: start: bind port %d: %w", cfg.Port, err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	slot := frame.NewSlot()
	srv := server.New(slot, server.Config{
		Protocol:    cfg.Protocol,
		WaitTimeout: time.Second,
		State: func() (string, string) {
			st := e.Status()
			return st.State.String(), st.Reason
		},
	})

	captureCfg := capture.DefaultConfig()
	captureCfg.Interval = time.Second / time.Duration(cfg.FPS)
	if cfg.Quality > 0 {
		captureCfg.Quality = cfg.Quality
	}
	if cfg.MaxRetries > 0 {
		captureCfg.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryDelay > 0 {
		captureCfg.RetryDelay = cfg.RetryDelay
	}
	if cfg.MaxRetryDelay > 0 {
		captureCfg.MaxRetryDelay = cfg.MaxRetryDelay
	}
	loop := capture.New(src, slot, captureCfg)

	ctx, cancel := context.WithCancel(context.Background())
	captureDone := make(chan struct{})

	e.mu.Lock()
	e.src = src
	e.slot = slot
	e.srv = srv
	e.cancel = cancel
	e.captureDone = captureDone
	e.state = Running
	e.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil {
			slog.Error("listener failed", "error", err)
		}
	}()

	go func() {
		defer close(captureDone)
		if err := loop.Run(ctx); err != nil {
			e.fail(err)
		}
	}()

	host := cfg.Host
	if host == "" {
		host = server.LocalIP()
	}
	url := server.URL(cfg.Protocol, host, port)
	slog.Info("session started",
		"source", cfg.Source.Kind,
		"protocol", cfg.Protocol,
		"url", url,
	)
	return url, nil
}

// fail tears the session down after the capture loop gave up. Open client
// connections are drained cleanly; the failure reason stays retrievable
// through Status until the next start.
func (e *Engine) fail(cause error) {
	e.mu.Lock()
	if e.state != Running {
		e.mu.Unlock()
		return
	}
	e.state = Failed
	e.reason = cause.Error()
	src, slot, srv, cancel := e.src, e.slot, e.srv, e.cancel
	drain := e.cfg.DrainTimeout
	e.src, e.slot, e.srv, e.cancel = nil, nil, nil, nil
	e.mu.Unlock()

	slog.Error("capture failed, ending session", "reason", cause)

	cancel()
	slot.Close()
	shutdownServer(srv, drain)
	if err := src.Close(); err != nil {
		slog.Warn("closing source after failure", "error", err)
	}
}

// Stop ends the active session: no frame is published and no client is
// accepted after it returns, and all handles are released. A Stop that
// races a concurrent Start waits for the start to settle and then tears
// the session down. Idempotent.
func (e *Engine) Stop() error {
	e.mu.Lock()
	for e.state == Starting {
		started := e.startDone
		e.mu.Unlock()
		<-started
		e.mu.Lock()
	}
	switch e.state {
	case Idle, Stopping:
		e.mu.Unlock()
		return nil
	case Failed:
		// Resources were already released by fail; just become restartable.
		e.state = Idle
		e.reason = ""
		e.mu.Unlock()
		return nil
	}
	e.state = Stopping
	src, slot, srv, cancel, captureDone := e.src, e.slot, e.srv, e.cancel, e.captureDone
	drain := e.cfg.DrainTimeout
	e.src, e.slot, e.srv, e.cancel, e.captureDone = nil, nil, nil, nil, nil
	e.mu.Unlock()

	cancel()
	if captureDone != nil {
		select {
		case <-captureDone:
		case <-time.After(drain):
			slog.Warn("capture loop did not stop within drain timeout")
		}
	}
	slot.Close()
	shutdownServer(srv, drain)
	err := src.Close()

	e.setState(Idle, "")
	slog.Info("session stopped")
	return err
}

func shutdownServer(srv *server.Server, drain time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("graceful drain timed out, force closing connections", "error", err)
		srv.Close()
	}
}

// Status returns the current lifecycle snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{State: e.state, Reason: e.reason}
}

// ClientCount returns the number of connected clients, zero when no
// session is active.
func (e *Engine) ClientCount() int {
	e.mu.Lock()
	srv := e.srv
	e.mu.Unlock()
	if srv == nil {
		return 0
	}
	return srv.ClientCount()
}

func (e *Engine) setState(s State, reason string) {
	e.mu.Lock()
	e.state = s
	e.reason = reason
	e.mu.Unlock()
}
