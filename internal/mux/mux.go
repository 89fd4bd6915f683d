package mux

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/eseiker/agent8-container-agent/internal/fswatch"
)

// ProcessBackend is the process-supervisor surface the Mux depends on.
type ProcessBackend interface {
	Spawn(command string, args []string, cols, rows int) (int, error)
	Input(pid int, data []byte) error
	Resize(pid, cols, rows int) error
	Kill(pid int) error
	Subscribe(pid int, subscriberID string) error
	Unsubscribe(subscriberID string)
}

// WatchBackend is the filesystem-watcher-registry surface the Mux depends on.
type WatchBackend interface {
	Watch(patterns []string, opts fswatch.Options, sub fswatch.Subscriber) (string, error)
	WatchPaths(include []string, sub fswatch.Subscriber) (string, error)
	Unsubscribe(sub fswatch.Subscriber)
}

// AuthVerifier validates an opaque bearer token.
type AuthVerifier interface {
	Verify(token string) bool
}

// Mux owns every accepted control connection and the shared subsystem
// backends every connection's handlers dispatch into.
type Mux struct {
	workspaceRoot string
	processes     ProcessBackend
	watches       WatchBackend
	auth          AuthVerifier

	mu        sync.RWMutex
	activeWs  map[string]*Conn
}

// New creates a Mux wired to its three subsystem collaborators.
func New(workspaceRoot string, processes ProcessBackend, watches WatchBackend, auth AuthVerifier) *Mux {
	m := &Mux{
		workspaceRoot: workspaceRoot,
		processes:     processes,
		watches:       watches,
		auth:          auth,
		activeWs:      make(map[string]*Conn),
	}
	return m
}

// BroadcastProcessEvent delivers a process output/exit event to every
// connection currently subscribed to pid, per subscriberIDs (wsIds).
func (m *Mux) BroadcastProcessEvent(subscriberIDs []string, ev EventEnvelope) {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(subscriberIDs))
	for _, id := range subscriberIDs {
		if c, ok := m.activeWs[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.sendEvent(ev)
	}
}

// BroadcastToAll delivers ev to every currently connected control socket,
// used for port-scanner events which have no per-pid subscriber set.
func (m *Mux) BroadcastToAll(ev EventEnvelope) {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.activeWs))
	for _, c := range m.activeWs {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.sendEvent(ev)
	}
}

// Accept registers ws as a new control connection, assigns it a wsId, and
// runs its read loop until the socket closes. Accept blocks until then.
func (m *Mux) Accept(ws *websocket.Conn) {
	c := newConn(ws, m)

	m.mu.Lock()
	m.activeWs[c.wsId] = c
	m.mu.Unlock()

	c.readLoop()

	m.mu.Lock()
	delete(m.activeWs, c.wsId)
	m.mu.Unlock()

	m.watches.Unsubscribe(c)
	m.processes.Unsubscribe(c.wsId)
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var req RequestEnvelope
		if err := json.Unmarshal(data, &req); err != nil {
			slog.Debug("dropping unparseable frame", "wsId", c.wsId, "error", err)
			continue
		}

		go c.dispatch(req)
	}
}

func (c *Conn) dispatch(req RequestEnvelope) {
	var header OperationHeader
	if err := json.Unmarshal(req.Operation, &header); err != nil {
		c.send(fail(req.ID, ErrInvalidOperation, "malformed operation"))
		return
	}

	resp := c.handle(req.ID, header.Type, req.Operation)
	c.send(resp)
}

func (c *Conn) handle(id, opType string, raw json.RawMessage) (resp ResponseEnvelope) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("handler panic", "wsId", c.wsId, "type", opType, "panic", p)
			resp = fail(id, ErrInternal, "internal error")
		}
	}()

	switch opType {
	case "readFile", "writeFile", "rm", "readdir", "mkdir", "stat", "mount":
		return c.handleFS(id, opType, raw)
	case "spawn", "input", "kill", "resize":
		return c.handleProcess(id, opType, raw)
	case "watch", "watch-paths":
		return c.handleWatch(id, opType, raw)
	case "auth":
		return c.handleAuth(id, raw)
	default:
		return fail(id, ErrInvalidOperation, "unknown operation type: "+opType)
	}
}
