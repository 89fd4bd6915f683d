package mux

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/eseiker/agent8-container-agent/internal/fswatch"
	"github.com/eseiker/agent8-container-agent/internal/idgen"
)

// Conn is the per-connection state for one accepted control WebSocket.
type Conn struct {
	wsId string
	ws   *websocket.Conn
	mux  *Mux

	writeMu sync.Mutex

	watcherMu  sync.Mutex
	watcherIDs map[string]struct{}

	authMu    sync.RWMutex
	authToken string
}

func newConn(ws *websocket.Conn, m *Mux) *Conn {
	return &Conn{
		wsId:       idgen.Token7(),
		ws:         ws,
		mux:        m,
		watcherIDs: make(map[string]struct{}),
	}
}

// ID implements fswatch.Subscriber.
func (c *Conn) ID() string { return c.wsId }

// NotifyFSEvent implements fswatch.Subscriber, mapping a registry event to
// the wire's file-change/rename event envelope.
func (c *Conn) NotifyFSEvent(ev fswatch.Event) {
	kind := ev.Kind
	eventName := "file-change"
	if kind == "rename" {
		eventName = "file-change"
	}
	c.sendEvent(EventEnvelope{
		ID:    idgen.Token7(),
		Event: eventName,
		Data: map[string]interface{}{
			"watcherId": ev.WatcherID,
			"type":      kind,
			"filename":  ev.Filename,
		},
	})
}

func (c *Conn) addWatcher(id string) {
	c.watcherMu.Lock()
	c.watcherIDs[id] = struct{}{}
	c.watcherMu.Unlock()
}

func (c *Conn) setAuthToken(token string) {
	c.authMu.Lock()
	c.authToken = token
	c.authMu.Unlock()
}

func (c *Conn) send(resp ResponseEnvelope) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "wsId", c.wsId, "error", err)
		return
	}
	c.writeRaw(data)
}

func (c *Conn) sendEvent(ev EventEnvelope) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal event", "wsId", c.wsId, "error", err)
		return
	}
	c.writeRaw(data)
}

func (c *Conn) writeRaw(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("write failed", "wsId", c.wsId, "error", err)
	}
}
