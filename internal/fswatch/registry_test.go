package fswatch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeSub struct {
	id     string
	mu     sync.Mutex
	events []Event
}

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) NotifyFSEvent(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeSub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestWatchDebouncesRapidWrites(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(dir, "src", "a.ts")
	if err := os.WriteFile(target, []byte("v0"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := New(dir, 150*time.Millisecond, 20*time.Millisecond)
	sub := &fakeSub{id: "s1"}

	watcherID, err := reg.Watch([]string{"src/*.ts"}, Options{}, sub)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if watcherID == "" {
		t.Fatalf("expected non-empty watcherId")
	}

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(target, []byte("v"+string(rune('1'+i))), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(15 * time.Millisecond)
	}

	time.Sleep(400 * time.Millisecond)

	if got := sub.count(); got != 1 {
		t.Fatalf("expected exactly one debounced change event, got %d", got)
	}

	reg.Unsubscribe(sub)
}

func TestTwoRegistrationsGetIndependentWatcherIDs(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := New(dir, 50*time.Millisecond, 10*time.Millisecond)
	sub1 := &fakeSub{id: "s1"}
	sub2 := &fakeSub{id: "s2"}

	id1, err := reg.Watch([]string{"*.txt"}, Options{}, sub1)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := reg.Watch([]string{"*.txt"}, Options{}, sub2)
	if err != nil {
		t.Fatal(err)
	}

	if id1 == id2 {
		t.Fatalf("expected independent watcherIds, got same id %q twice", id1)
	}

	reg.Unsubscribe(sub1)
	reg.Unsubscribe(sub2)
}

func TestUnsubscribeDropsEmptyWatcher(t *testing.T) {
	dir := t.TempDir()
	reg := New(dir, 50*time.Millisecond, 10*time.Millisecond)
	sub := &fakeSub{id: "solo"}

	watcherID, err := reg.WatchPaths([]string{"**/*"}, sub)
	if err != nil {
		t.Fatal(err)
	}

	reg.Unsubscribe(sub)

	reg.mu.Lock()
	_, exists := reg.watchers[watcherID]
	reg.mu.Unlock()
	if exists {
		t.Fatalf("expected watcher record to be dropped after last subscriber left")
	}
}
