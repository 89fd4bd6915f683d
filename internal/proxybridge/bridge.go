// Package proxybridge implements the dual-mode proxy gateway: WebSocket
// requests are bridged bidirectionally to an upstream agent, and HTTP
// preview requests are forwarded with net/http/httputil.
package proxybridge

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/eseiker/agent8-container-agent/internal/config"
	"github.com/eseiker/agent8-container-agent/internal/orchestrator"
)

// Bridge resolves a machineId to an upstream address and forwards traffic
// to it, routing requests under /proxy/<machineId>/...
type Bridge struct {
	orchestrator       *orchestrator.Future
	upgrader           websocket.Upgrader
	dialer             *websocket.Dialer
	wsPort             int
	defaultPreviewPort int
}

// New creates a Bridge. wsPort is the fixed upstream control port;
// defaultPreviewPort is used when the preview request omits the `port`
// query parameter. allowedOrigins gates the WebSocket upgrade the same way
// the control mux's upgrader does.
func New(future *orchestrator.Future, wsPort, defaultPreviewPort int, allowedOrigins []string) *Bridge {
	return &Bridge{
		orchestrator: future,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return config.OriginAllowed(allowedOrigins, r.Header.Get("Origin"))
			},
		},
		dialer:             websocket.DefaultDialer,
		wsPort:             wsPort,
		defaultPreviewPort: defaultPreviewPort,
	}
}

// ServeHTTP implements the /proxy/<machineId>/... route.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	machineID, rest, ok := parseProxyPath(r.URL.Path)
	if !ok {
		http.Error(w, "machine id required", http.StatusBadRequest)
		return
	}

	client := b.orchestrator.Await()
	ip, err := client.GetMachineIP(machineID)
	if err != nil {
		if err == orchestrator.ErrMachineNotFound {
			http.Error(w, "unknown machine", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to resolve machine", http.StatusBadGateway)
		return
	}

	isPreview := false
	if after, found := strings.CutPrefix(rest, "preview/"); found {
		isPreview = true
		rest = after
	} else if rest == "preview" {
		isPreview = true
		rest = ""
	}

	if isPreview {
		b.servePreview(w, r, ip, rest)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		b.serveWebSocketBridge(w, r, ip, rest)
		return
	}

	// Non-upgrade request to a non-preview path has no defined target port;
	// treat as a preview request against the default port for leniency.
	b.servePreview(w, r, ip, rest)
}

func (b *Bridge) servePreview(w http.ResponseWriter, r *http.Request, ip, rest string) {
	port := b.defaultPreviewPort
	if q := r.URL.Query().Get("port"); q != "" {
		if p, err := strconv.Atoi(q); err == nil && p > 0 && p <= 65535 {
			port = p
		}
	}

	target, err := url.Parse(fmt.Sprintf("http://[%s]:%d/%s", ip, port, strings.TrimPrefix(rest, "/")))
	if err != nil {
		http.Error(w, "failed to build proxy target", http.StatusInternalServerError)
		return
	}

	// The reverse proxy joins its target path with the request path, so the
	// target carries only scheme and host and the request path is replaced
	// by <rest>; otherwise the /proxy/<machineId>/... prefix would be sent on.
	proxy := httputil.NewSingleHostReverseProxy(&url.URL{Scheme: target.Scheme, Host: target.Host})
	proxy.ErrorHandler = func(rw http.ResponseWriter, req *http.Request, proxyErr error) {
		http.Error(rw, fmt.Sprintf("proxy error: %v", proxyErr), http.StatusBadGateway)
	}
	r.URL.Path = target.Path
	r.URL.RawPath = ""
	proxy.ServeHTTP(w, r)
}

func (b *Bridge) serveWebSocketBridge(w http.ResponseWriter, r *http.Request, ip, rest string) {
	targetURL := fmt.Sprintf("ws://[%s]:%d/%s", ip, b.wsPort, strings.TrimPrefix(rest, "/"))

	upstream, _, err := b.dialer.Dial(targetURL, nil)
	if err != nil {
		http.Error(w, "failed to reach upstream", http.StatusBadGateway)
		return
	}

	client, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = upstream.Close()
		slog.Debug("proxy upgrade failed", "error", err)
		return
	}

	bridgePair(client, upstream)
}

// bridgePair forwards messages bidirectionally until either side closes or
// errors, at which point the other side is closed too.
func bridgePair(client, upstream *websocket.Conn) {
	done := make(chan struct{}, 2)

	pump := func(from, to *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			msgType, data, err := from.ReadMessage()
			if err != nil {
				return
			}
			if err := to.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}

	go pump(client, upstream)
	go pump(upstream, client)

	<-done
	_ = client.Close()
	_ = upstream.Close()
	<-done
}

// parseProxyPath extracts machineId and the remainder of the path from
// "/proxy/<machineId>/<rest...>".
func parseProxyPath(path string) (machineID, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/proxy/")
	if trimmed == path {
		return "", "", false
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		return "", "", false
	}
	if len(parts) == 1 {
		return parts[0], "", true
	}
	return parts[0], parts[1], true
}
