package ptysup

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSpawnRoutesOutputAndExit(t *testing.T) {
	s := New("testdata/fakehelper.sh", "require-corp")

	var mu sync.Mutex
	var gotOutput []byte
	outputSeen := make(chan struct{}, 1)
	s.OnOutput(func(pid int, stream string, data []byte) {
		mu.Lock()
		gotOutput = append(gotOutput, data...)
		mu.Unlock()
		select {
		case outputSeen <- struct{}{}:
		default:
		}
	})

	exited := make(chan int, 1)
	s.OnExit(func(pid int, code int) {
		exited <- code
	})

	pid, err := s.Spawn("unused", nil, 80, 24)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if pid == 0 {
		t.Fatalf("expected non-zero pid")
	}

	if err := s.Input(pid, []byte("hello\n")); err != nil {
		t.Fatalf("Input: %v", err)
	}

	select {
	case <-outputSeen:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for output")
	}

	if err := s.Kill(pid); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case code := <-exited:
		if code != 0 {
			t.Fatalf("expected exit code 0, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for exit")
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(string(gotOutput), "hello") {
		t.Fatalf("expected echoed output to contain 'hello', got %q", string(gotOutput))
	}
}

func TestUnknownPidOperationsFail(t *testing.T) {
	s := New("testdata/fakehelper.sh", "require-corp")

	if err := s.Input(99999, []byte("x")); err == nil {
		t.Fatalf("expected error for unknown pid")
	}
	if err := s.Resize(99999, 10, 10); err == nil {
		t.Fatalf("expected error for unknown pid")
	}
	if err := s.Kill(99999); err == nil {
		t.Fatalf("expected error for unknown pid")
	}
}

func TestUnsubscribeDoesNotKillProcess(t *testing.T) {
	s := New("testdata/fakehelper.sh", "require-corp")
	s.OnOutput(func(pid int, stream string, data []byte) {})
	s.OnExit(func(pid int, code int) {})

	pid, err := s.Spawn("unused", nil, 80, 24)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := s.Subscribe(pid, "conn-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	s.Unsubscribe("conn-1")

	if err := s.Resize(pid, 100, 40); err != nil {
		t.Fatalf("expected process to still be tracked after Unsubscribe: %v", err)
	}

	_ = s.Kill(pid)
}
