// Package fswatch implements the filesystem watcher registry: glob
// expansion, debounced change events, and subscriber fan-out per watcher.
package fswatch

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/eseiker/agent8-container-agent/internal/idgen"
)

// Event is a logical, workspace-relative filesystem change notification.
type Event struct {
	WatcherID string
	Kind      string // "change" | "rename" | passthrough op name
	Filename  string
}

// Subscriber receives fanned-out events for watchers it has joined.
type Subscriber interface {
	// ID distinguishes subscribers within a watcher's set; typically the
	// connection's wsId.
	ID() string
	NotifyFSEvent(ev Event)
}

// Options configures a single watch registration.
type Options struct {
	Persistent bool
}

// Registry owns every active OS-level watcher and the logical watcherId ->
// subscriber-set mapping. One watcherId corresponds to exactly one
// fsnotify.Watcher.
type Registry struct {
	workspaceRoot     string
	stabilityThreshold time.Duration
	pollInterval       time.Duration

	mu       sync.Mutex
	watchers map[string]*watcherEntry
}

type watcherEntry struct {
	watcherID   string
	fsWatcher   *fsnotify.Watcher
	subscribers map[string]Subscriber
	cancel      chan struct{}

	settleMu sync.Mutex
	settling map[string]*time.Timer
}

// New creates an empty registry rooted at workspaceRoot.
func New(workspaceRoot string, stabilityThreshold, pollInterval time.Duration) *Registry {
	return &Registry{
		workspaceRoot:      workspaceRoot,
		stabilityThreshold: stabilityThreshold,
		pollInterval:       pollInterval,
		watchers:           make(map[string]*watcherEntry),
	}
}

// Watch glob-expands patterns against the workspace root, begins watching
// the resulting files, and registers sub as a subscriber. It returns the
// new watcherId. Registering two watchers with identical patterns produces
// two independent watcherIds.
func (r *Registry) Watch(patterns []string, opts Options, sub Subscriber) (string, error) {
	files, err := r.expand(patterns)
	if err != nil {
		return "", err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return "", err
	}

	dirs := dedupeDirs(files)
	for _, d := range dirs {
		if err := fsw.Add(d); err != nil {
			_ = fsw.Close()
			return "", err
		}
	}

	watcherID := idgen.Token7()
	entry := &watcherEntry{
		watcherID:   watcherID,
		fsWatcher:   fsw,
		subscribers: map[string]Subscriber{sub.ID(): sub},
		cancel:      make(chan struct{}),
		settling:    make(map[string]*time.Timer),
	}

	r.mu.Lock()
	r.watchers[watcherID] = entry
	r.mu.Unlock()

	go r.runLoop(entry)

	return watcherID, nil
}

// WatchPaths is the watch-paths convenience variant: include is treated as
// a pattern list with Persistent: true.
func (r *Registry) WatchPaths(include []string, sub Subscriber) (string, error) {
	return r.Watch(include, Options{Persistent: true}, sub)
}

// Unsubscribe removes sub from every watcher it belongs to. Watchers whose
// subscriber set becomes empty are closed and dropped.
func (r *Registry) Unsubscribe(sub Subscriber) {
	r.mu.Lock()
	var drained []*watcherEntry
	for id, entry := range r.watchers {
		delete(entry.subscribers, sub.ID())
		if len(entry.subscribers) == 0 {
			drained = append(drained, entry)
			delete(r.watchers, id)
		}
	}
	r.mu.Unlock()

	for _, entry := range drained {
		close(entry.cancel)
		_ = entry.fsWatcher.Close()
	}
}

// CloseAll closes every active watcher, used on agent shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := make([]*watcherEntry, 0, len(r.watchers))
	for id, entry := range r.watchers {
		entries = append(entries, entry)
		delete(r.watchers, id)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		close(entry.cancel)
		_ = entry.fsWatcher.Close()
	}
}

// expand glob-expands each pattern against the workspace root into a
// concrete file list, ignoring the initial set so registration never
// produces a change storm for pre-existing files.
func (r *Registry) expand(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(os.DirFS(r.workspaceRoot), pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			abs := filepath.Join(r.workspaceRoot, m)
			if _, ok := seen[abs]; ok {
				continue
			}
			seen[abs] = struct{}{}
			out = append(out, abs)
		}
	}
	sort.Strings(out)
	return out, nil
}

// dedupeDirs returns the unique set of directories that must be registered
// with fsnotify to observe changes to the given files (fsnotify watches
// directories, not individual files, for create/rename visibility).
func dedupeDirs(files []string) []string {
	seen := make(map[string]struct{})
	var dirs []string
	for _, f := range files {
		dir := filepath.Dir(f)
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// runLoop maps raw fsnotify events to logical events and applies
// awaitWriteFinish debouncing before fanning out.
func (r *Registry) runLoop(entry *watcherEntry) {
	for {
		select {
		case <-entry.cancel:
			return
		case err, ok := <-entry.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Warn("fswatch error", "watcherId", entry.watcherID, "error", err)
		case ev, ok := <-entry.fsWatcher.Events:
			if !ok {
				return
			}
			r.handleRawEvent(entry, ev)
		}
	}
}

func (r *Registry) handleRawEvent(entry *watcherEntry, ev fsnotify.Event) {
	rel, err := filepath.Rel(r.workspaceRoot, ev.Name)
	if err != nil {
		rel = ev.Name
	}

	switch {
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
		r.debounce(entry, rel, "change")
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		r.fanOut(entry, Event{WatcherID: entry.watcherID, Kind: "rename", Filename: rel})
	default:
		r.fanOut(entry, Event{WatcherID: entry.watcherID, Kind: ev.Op.String(), Filename: rel})
	}
}

// debounce implements awaitWriteFinish: every write/create event re-arms a
// per-file timer, and a change event fires only once stabilityThreshold has
// passed without another such event. The file is not re-stat'd, and
// pollInterval is not used by this timer.
func (r *Registry) debounce(entry *watcherEntry, rel, kind string) {
	entry.settleMu.Lock()
	defer entry.settleMu.Unlock()

	if t, ok := entry.settling[rel]; ok {
		t.Stop()
	}

	entry.settling[rel] = time.AfterFunc(r.stabilityThreshold, func() {
		entry.settleMu.Lock()
		delete(entry.settling, rel)
		entry.settleMu.Unlock()
		r.fanOut(entry, Event{WatcherID: entry.watcherID, Kind: kind, Filename: rel})
	})
}

// fanOut delivers ev to every current subscriber of entry. Individual
// subscriber failures never abort delivery to the rest.
func (r *Registry) fanOut(entry *watcherEntry, ev Event) {
	r.mu.Lock()
	subs := make([]Subscriber, 0, len(entry.subscribers))
	for _, s := range entry.subscribers {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					slog.Warn("fswatch subscriber panicked", "error", p)
				}
			}()
			s.NotifyFSEvent(ev)
		}()
	}
}
