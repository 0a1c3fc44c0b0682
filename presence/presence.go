// Package presence tracks which users currently hold a live connection.
// At most one connection per user: a new registration wins and the old
// connection is closed.
package presence

import (
	"net"
	"sync"
)

type Registry struct {
	mu    sync.RWMutex
	conns map[string]net.Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]net.Conn)}
}

// Register binds conn to the user, replacing any prior connection.
// The replaced connection is closed inside the critical section so two
// racing handshakes resolve to exactly one live owner.
func (r *Registry) Register(username string, conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.conns[username]; ok && old != conn {
		old.Close()
	}
	r.conns[username] = conn
}

// Unregister removes the mapping only if it still points at conn, so a
// late disconnect of a replaced connection cannot evict the winner.
// No-op when the user is absent.
func (r *Registry) Unregister(username string, conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.conns[username]; ok && cur == conn {
		delete(r.conns, username)
	}
}

// Lookup returns the live connection for the user. Absence is a normal
// outcome, not an error.
func (r *Registry) Lookup(username string) (net.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[username]
	return conn, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot copies the current registrations, for shutdown broadcasts and
// stats reporting.
func (r *Registry) Snapshot() map[string]net.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]net.Conn, len(r.conns))
	for user, conn := range r.conns {
		out[user] = conn
	}
	return out
}
