// Package server composes the container agent's subsystems (control-socket
// mux, PTY supervisor, filesystem watcher registry, port scanner, proxy
// bridge and REST surface) into one HTTP server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/eseiker/agent8-container-agent/internal/auth"
	"github.com/eseiker/agent8-container-agent/internal/config"
	"github.com/eseiker/agent8-container-agent/internal/fswatch"
	"github.com/eseiker/agent8-container-agent/internal/idgen"
	"github.com/eseiker/agent8-container-agent/internal/mux"
	"github.com/eseiker/agent8-container-agent/internal/orchestrator"
	"github.com/eseiker/agent8-container-agent/internal/portscan"
	"github.com/eseiker/agent8-container-agent/internal/proxybridge"
	"github.com/eseiker/agent8-container-agent/internal/ptysup"
	"github.com/eseiker/agent8-container-agent/internal/restapi"
)

// Server is the container agent's HTTP/WebSocket server.
type Server struct {
	config *config.Config

	httpServer *http.Server
	upgrader   websocket.Upgrader

	mux          *mux.Mux
	scanner      *portscan.Scanner
	watchers     *fswatch.Registry
	processes    *ptysup.Supervisor
	bridge       *proxybridge.Bridge
	rest         *restapi.Handlers
	authVerifier *auth.Verifier
	orchFuture   *orchestrator.Future
}

// New builds the server and wires every subsystem together, but does not
// start listening or scanning yet.
func New(cfg *config.Config) (*Server, error) {
	authVerifier := auth.New(cfg.JWKSEndpoint, cfg.JWTAudience, cfg.JWTIssuer, cfg.AuthServerURL)

	processes := ptysup.New(cfg.PTYHelperPath, cfg.COEP)
	watchers := fswatch.New(cfg.WorkspaceRoot, cfg.WatchStabilityThreshold, cfg.WatchPollInterval)
	scanner := portscan.New(cfg.PortScanInterval, append(cfg.PortScanExclude, uint16(cfg.Port)))

	m := mux.New(cfg.WorkspaceRoot, processes, watchers, authVerifier)

	orchFuture := orchestrator.NewFuture()
	bridge := proxybridge.New(orchFuture, cfg.ProxyWSPort, cfg.DefaultPreviewPort, cfg.AllowedOrigins)
	rest := restapi.New(orchFuture, authVerifier, cfg.FlyAppName, cfg.FlyImageRef)

	s := &Server{
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WSReadBufferSize,
			WriteBufferSize: cfg.WSWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return config.OriginAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
			},
		},
		mux:          m,
		scanner:      scanner,
		watchers:     watchers,
		processes:    processes,
		bridge:       bridge,
		rest:         rest,
		authVerifier: authVerifier,
		orchFuture:   orchFuture,
	}

	s.wireProcessEvents()
	s.wirePortEvents()

	httpMux := http.NewServeMux()
	s.setupRoutes(httpMux)

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     restapi.CORSMiddleware(httpMux),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
		// WriteTimeout is intentionally left unset: it applies to the
		// underlying net.Conn before the handler runs, which would kill
		// long-lived hijacked WebSocket connections.
	}

	return s, nil
}

// wireProcessEvents routes PTY output/exit into the mux as process events,
// addressed to whichever control sockets are currently subscribed to pid.
func (s *Server) wireProcessEvents() {
	s.processes.OnOutput(func(pid int, stream string, data []byte) {
		subs := s.processes.Subscribers(pid)
		if len(subs) == 0 {
			return
		}
		s.mux.BroadcastProcessEvent(subs, mux.EventEnvelope{
			ID:    idgen.Token7(),
			Event: "process",
			Data: map[string]interface{}{
				"pid":    pid,
				"stream": stream,
				"data":   string(data),
			},
		})
	})

	s.processes.OnExit(func(pid int, code int) {
		subs := s.processes.Subscribers(pid)
		s.mux.BroadcastProcessEvent(subs, mux.EventEnvelope{
			ID:    idgen.Token7(),
			Event: "process",
			Data: map[string]interface{}{
				"pid":    pid,
				"stream": "exit",
				"data":   fmt.Sprintf("%d", code),
			},
		})
	})
}

// wirePortEvents routes port-scanner added/removed callbacks to every
// connected control socket, since port visibility has no per-pid owner.
func (s *Server) wirePortEvents() {
	s.scanner.OnAdded(func(port uint16) {
		s.mux.BroadcastToAll(mux.EventEnvelope{
			ID:    idgen.Token7(),
			Event: "port",
			Data: map[string]interface{}{
				"port": port,
				"type": "open",
				"url":  s.previewURL(port),
			},
		})
	})

	s.scanner.OnRemoved(func(port uint16) {
		s.mux.BroadcastToAll(mux.EventEnvelope{
			ID:    idgen.Token7(),
			Event: "port",
			Data: map[string]interface{}{
				"port": port,
				"type": "close",
			},
		})
	})
}

// previewURL builds the externally-reachable preview URL for a port this
// agent's own scanner just found listening, routed back through this
// machine's own proxy entry so a browser can reach it without a direct
// network path to the container.
func (s *Server) previewURL(port uint16) string {
	if s.config.AppHost == "" || s.config.FlyMachineID == "" {
		return ""
	}
	return fmt.Sprintf("https://%s/proxy/%s/preview/?port=%d", s.config.AppHost, s.config.FlyMachineID, port)
}

func (s *Server) setupRoutes(m *http.ServeMux) {
	m.HandleFunc("GET /health", s.handleHealth)
	// The control WebSocket is the root path per the external interface
	// ("ws://<agent>:<port>/"); {$} keeps it from swallowing /proxy/ and
	// the REST routes registered below.
	m.HandleFunc("GET /{$}", s.handleControlWS)
	m.Handle("/proxy/", s.bridge)
	s.rest.Register(m)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"healthy"}`)
}

func (s *Server) handleControlWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("control websocket upgrade failed", "error", err)
		return
	}
	s.mux.Accept(ws)
}

// resolveOrchestrator constructs the Fly Machines client and resolves the
// orchestrator future. Runs in the background since the orchestrator need
// not be reachable before the HTTP server starts serving.
func (s *Server) resolveOrchestrator() {
	client := orchestrator.NewFlyClient(s.config.FlyAPIToken, s.config.FlyAppName, s.config.FlyImageRef)
	s.orchFuture.Resolve(client)
}

// Start begins port scanning, resolves the orchestrator client, and starts
// serving HTTP/WebSocket traffic. Blocks until the listener stops.
func (s *Server) Start() error {
	go s.scanner.Start()
	go s.resolveOrchestrator()

	slog.Info("starting container agent", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down: all tracked child processes are
// killed, all filesystem watchers are closed, port scanning stops, and the
// HTTP listener is shut down within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.scanner.Stop()
	s.watchers.CloseAll()
	s.processes.KillAll()
	return s.httpServer.Shutdown(ctx)
}
