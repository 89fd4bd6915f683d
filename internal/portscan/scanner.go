// Package portscan periodically enumerates listening TCP ports and reports
// additions and removals to subscribers.
package portscan

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// AddedHandler is called once per port that newly appears in LISTEN state.
type AddedHandler func(port uint16)

// RemovedHandler is called once per port that was previously reported and
// has stopped listening.
type RemovedHandler func(port uint16)

// Scanner ticks at a fixed interval, diffs the set of listening TCP ports
// against the previous tick, and notifies subscribers of the difference.
// Within a single tick, all "added" callbacks run before any "removed"
// callback.
type Scanner struct {
	interval     time.Duration
	exclude      map[uint16]struct{}
	snapshotFunc func(exclude map[uint16]struct{}) (map[uint16]struct{}, error)

	mu        sync.Mutex
	prev      map[uint16]struct{}
	onAdded   []AddedHandler
	onRemoved []RemovedHandler

	done chan struct{}
}

// New creates a Scanner that excludes the given ports (e.g. the agent's
// own listening port) from every snapshot.
func New(interval time.Duration, exclude []uint16) *Scanner {
	excl := make(map[uint16]struct{}, len(exclude))
	for _, p := range exclude {
		excl[p] = struct{}{}
	}
	return &Scanner{
		interval:     interval,
		exclude:      excl,
		snapshotFunc: listeningTCPPorts,
		prev:         make(map[uint16]struct{}),
		done:         make(chan struct{}),
	}
}

// OnAdded registers a callback invoked whenever a port starts listening.
func (s *Scanner) OnAdded(cb AddedHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAdded = append(s.onAdded, cb)
}

// OnRemoved registers a callback invoked whenever a port stops listening.
func (s *Scanner) OnRemoved(cb RemovedHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemoved = append(s.onRemoved, cb)
}

// Start runs the scan loop until Stop is called. Intended to be run in its
// own goroutine.
func (s *Scanner) Start() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// Stop terminates the scan loop.
func (s *Scanner) Stop() {
	close(s.done)
}

func (s *Scanner) tick() {
	current, err := s.snapshotFunc(s.exclude)
	if err != nil {
		slog.Warn("port scan failed, treating as unchanged", "error", err)
		return
	}

	s.mu.Lock()
	prev := s.prev
	var added, removed []uint16
	for p := range current {
		if _, ok := prev[p]; !ok {
			added = append(added, p)
		}
	}
	for p := range prev {
		if _, ok := current[p]; !ok {
			removed = append(removed, p)
		}
	}
	s.prev = current
	addedHandlers := append([]AddedHandler(nil), s.onAdded...)
	removedHandlers := append([]RemovedHandler(nil), s.onRemoved...)
	s.mu.Unlock()

	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })

	for _, p := range added {
		for _, cb := range addedHandlers {
			cb(p)
		}
	}
	for _, p := range removed {
		for _, cb := range removedHandlers {
			cb(p)
		}
	}
}

// listeningTCPPorts returns the current set of locally listening TCP ports
// (IPv4 and IPv6), excluding any configured exclusions.
func listeningTCPPorts(exclude map[uint16]struct{}) (map[uint16]struct{}, error) {
	conns, err := psnet.Connections("tcp")
	if err != nil {
		return nil, err
	}

	current := make(map[uint16]struct{})
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		port := uint16(c.Laddr.Port)
		if _, excluded := exclude[port]; excluded {
			continue
		}
		current[port] = struct{}{}
	}
	return current, nil
}
