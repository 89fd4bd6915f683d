package orchestrator

import "sync"

// Future resolves to a Client exactly once; handlers await it rather than
// referencing a global singleton, so the HTTP server can start accepting
// connections before the orchestrator is reachable.
type Future struct {
	once   sync.Once
	ready  chan struct{}
	client Client
}

// NewFuture creates an unresolved Future.
func NewFuture() *Future {
	return &Future{ready: make(chan struct{})}
}

// Resolve sets the Future's value. Only the first call has any effect.
func (f *Future) Resolve(c Client) {
	f.once.Do(func() {
		f.client = c
		close(f.ready)
	})
}

// Await blocks until Resolve has been called and returns the client.
func (f *Future) Await() Client {
	<-f.ready
	return f.client
}
