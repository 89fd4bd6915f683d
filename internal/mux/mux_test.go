package mux

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eseiker/agent8-container-agent/internal/fswatch"
)

type fakeProcessBackend struct{}

func (fakeProcessBackend) Spawn(command string, args []string, cols, rows int) (int, error) {
	return 4242, nil
}
func (fakeProcessBackend) Input(pid int, data []byte) error { return nil }
func (fakeProcessBackend) Resize(pid, cols, rows int) error { return nil }
func (fakeProcessBackend) Kill(pid int) error                { return nil }
func (fakeProcessBackend) Subscribe(pid int, subscriberID string) error { return nil }
func (fakeProcessBackend) Unsubscribe(subscriberID string)   {}

type fakeWatchBackend struct{}

func (fakeWatchBackend) Watch(patterns []string, opts fswatch.Options, sub fswatch.Subscriber) (string, error) {
	return "abc1234", nil
}
func (fakeWatchBackend) WatchPaths(include []string, sub fswatch.Subscriber) (string, error) {
	return "abc1234", nil
}
func (fakeWatchBackend) Unsubscribe(sub fswatch.Subscriber) {}

type fakeAuth struct{ valid bool }

func (f fakeAuth) Verify(token string) bool { return f.valid }

func newTestServer(t *testing.T, m *Mux) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		m.Accept(ws)
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func TestRequestCorrelationOrderIndependent(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := New(root, fakeProcessBackend{}, fakeWatchBackend{}, fakeAuth{valid: true})
	srv, url := newTestServer(t, m)
	defer srv.Close()

	client := dial(t, url)
	defer client.Close()

	send(t, client, RequestEnvelope{ID: "x1", Operation: rawOp(t, `{"type":"stat","path":"a"}`)})
	send(t, client, RequestEnvelope{ID: "x2", Operation: rawOp(t, `{"type":"stat","path":"b"}`)})

	got := map[string]ResponseEnvelope{}
	for i := 0; i < 2; i++ {
		var resp ResponseEnvelope
		if err := client.ReadJSON(&resp); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		got[resp.ID] = resp
	}

	if !got["x1"].Success {
		t.Fatalf("expected x1 to succeed, got %+v", got["x1"])
	}
	if got["x2"].Success {
		t.Fatalf("expected x2 to fail, got %+v", got["x2"])
	}
	if got["x2"].Error == nil || got["x2"].Error.Code != ErrFilesystemFailed {
		t.Fatalf("expected FILESYSTEM_OPERATION_FAILED, got %+v", got["x2"].Error)
	}
}

func TestWriteFileThenReadFileRoundTrips(t *testing.T) {
	root := t.TempDir()
	m := New(root, fakeProcessBackend{}, fakeWatchBackend{}, fakeAuth{valid: true})
	srv, url := newTestServer(t, m)
	defer srv.Close()

	client := dial(t, url)
	defer client.Close()

	send(t, client, RequestEnvelope{ID: "w1", Operation: rawOp(t, `{"type":"writeFile","path":"f.txt","content":"hello world"}`)})
	var writeResp ResponseEnvelope
	if err := client.ReadJSON(&writeResp); err != nil {
		t.Fatal(err)
	}
	if !writeResp.Success {
		t.Fatalf("writeFile failed: %+v", writeResp)
	}

	send(t, client, RequestEnvelope{ID: "r1", Operation: rawOp(t, `{"type":"readFile","path":"f.txt"}`)})
	var readResp ResponseEnvelope
	if err := client.ReadJSON(&readResp); err != nil {
		t.Fatal(err)
	}
	data, ok := readResp.Data.(map[string]interface{})
	if !ok || data["content"] != "hello world" {
		t.Fatalf("unexpected readFile response: %+v", readResp)
	}
}

func TestUnknownOperationType(t *testing.T) {
	root := t.TempDir()
	m := New(root, fakeProcessBackend{}, fakeWatchBackend{}, fakeAuth{valid: true})
	srv, url := newTestServer(t, m)
	defer srv.Close()

	client := dial(t, url)
	defer client.Close()

	send(t, client, RequestEnvelope{ID: "q1", Operation: rawOp(t, `{"type":"doesNotExist"}`)})
	var resp ResponseEnvelope
	if err := client.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ErrInvalidOperation {
		t.Fatalf("expected INVALID_OPERATION, got %+v", resp)
	}
}

func TestAuthFailureReturnsAuthError(t *testing.T) {
	root := t.TempDir()
	m := New(root, fakeProcessBackend{}, fakeWatchBackend{}, fakeAuth{valid: false})
	srv, url := newTestServer(t, m)
	defer srv.Close()

	client := dial(t, url)
	defer client.Close()

	send(t, client, RequestEnvelope{ID: "a1", Operation: rawOp(t, `{"type":"auth","token":"bad"}`)})
	var resp ResponseEnvelope
	if err := client.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ErrAuth {
		t.Fatalf("expected auth_error, got %+v", resp)
	}
}

func TestSpawnSubscribesAndReturnsPid(t *testing.T) {
	root := t.TempDir()
	m := New(root, fakeProcessBackend{}, fakeWatchBackend{}, fakeAuth{valid: true})
	srv, url := newTestServer(t, m)
	defer srv.Close()

	client := dial(t, url)
	defer client.Close()

	send(t, client, RequestEnvelope{ID: "s1", Operation: rawOp(t, `{"type":"spawn","command":"echo","args":["hello"]}`)})
	var resp ResponseEnvelope
	if err := client.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Fatalf("spawn failed: %+v", resp)
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok || data["pid"] != float64(4242) {
		t.Fatalf("unexpected spawn response: %+v", resp)
	}
}

func send(t *testing.T, c *websocket.Conn, req RequestEnvelope) {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
}

func rawOp(t *testing.T, s string) json.RawMessage {
	t.Helper()
	return json.RawMessage(s)
}
