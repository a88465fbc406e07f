// Package sessions is the process-wide registry of live stream connections:
// who is connected, since when, and how to shut each connection down.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Info describes one live connection. UserID is empty until the connection
// completes its authorization handshake.
type Info struct {
	ConnectionID string
	UserID       string
	OpenedAt     time.Time
}

type entry struct {
	info   Info
	cancel func()
	done   chan struct{}
	once   sync.Once
}

func (e *entry) release() {
	e.once.Do(func() { close(e.done) })
}

// Registry holds the connection map behind a mutex. It is the only
// process-wide mutable state of the streaming core besides the
// service-client singletons.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Add registers a connection under its id. cancel is invoked during
// Shutdown to ask the connection's session to close. The returned release
// must be called when the connection ends; calling it more than once is
// harmless. Connection ids are fresh UUIDs, so a collision means a stale
// entry whose owner died without releasing — it is cancelled and replaced.
func (r *Registry) Add(info Info, cancel func()) (release func()) {
	if r == nil {
		return func() {}
	}
	if cancel == nil {
		cancel = func() {}
	}

	e := &entry{info: info, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if r.entries == nil {
		r.entries = make(map[string]*entry)
	}
	stale := r.entries[info.ConnectionID]
	r.entries[info.ConnectionID] = e
	r.mu.Unlock()

	if stale != nil {
		stale.cancel()
		stale.release()
	}

	return func() {
		r.mu.Lock()
		if r.entries[info.ConnectionID] == e {
			delete(r.entries, info.ConnectionID)
		}
		r.mu.Unlock()
		e.release()
	}
}

// SetUser records the user id once the connection authorizes.
func (r *Registry) SetUser(connectionID, userID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if e, ok := r.entries[connectionID]; ok {
		e.info.UserID = userID
	}
	r.mu.Unlock()
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot lists the live connections, oldest first.
func (r *Registry) Snapshot() []Info {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].OpenedAt.Before(infos[j].OpenedAt) })
	return infos
}

// Shutdown cancels every live connection and waits for each to release,
// bounded by ctx. It reports whether the registry fully drained.
func (r *Registry) Shutdown(ctx context.Context) bool {
	if r == nil {
		return true
	}

	r.mu.Lock()
	waiting := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		waiting = append(waiting, e)
	}
	r.mu.Unlock()

	for _, e := range waiting {
		e.cancel()
	}
	for _, e := range waiting {
		select {
		case <-e.done:
		case <-ctx.Done():
			return false
		}
	}
	return true
}
