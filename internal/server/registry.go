package server

import (
	"log/slog"
	"sync"

	"github.com/alertr/alertrd/internal/asyncsender"
	"github.com/alertr/alertrd/internal/session"
)

// Registry tracks every Active session, keyed by (username, nodeType). A new
// session registering under a key already in use supersedes the old one: the
// teacher's ws.Hub.register/unregister pair (internal/ws/hub.go) inspired the
// mutex-guarded map, generalized here to support eviction-on-collision since
// the protocol allows exactly one live connection per (username, nodeType).
type Registry struct {
	mu       sync.Mutex
	sessions map[session.Key]*session.Session
	senders  map[*session.Session]*asyncsender.Queue
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[session.Key]*session.Session),
		senders:  make(map[*session.Session]*asyncsender.Queue),
	}
}

// AsyncSender returns the single AsyncSender queue for s, creating it on
// first use. C8 and C9 share this so a session never has more than one
// exchange in flight regardless of which component is pushing (spec.md §4.9).
func (r *Registry) AsyncSender(s *session.Session) *asyncsender.Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.senders[s]
	if !ok {
		q = asyncsender.New(s)
		r.senders[s] = q
	}
	return q
}

// Register adds s under its registry key, closing and evicting any prior
// session holding the same key (spec.md §4.3 "reconnection supersedes").
func (r *Registry) Register(s *session.Session) {
	key := s.RegistryKey()

	r.mu.Lock()
	prev, ok := r.sessions[key]
	r.sessions[key] = s
	r.mu.Unlock()

	if ok && prev != s {
		slog.Info("registry: superseding prior session", "username", key.Username, "nodeType", key.NodeType)
		prev.Close()
	}
}

// Unregister removes s, but only if it is still the current holder of its
// key — a session superseded by a newer one must not evict the newcomer
// when its own Run loop unwinds.
func (r *Registry) Unregister(s *session.Session) {
	key := s.RegistryKey()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[key]; ok && cur == s {
		delete(r.sessions, key)
	}
	delete(r.senders, s)
}

// Lookup returns the active session registered under key, if any.
func (r *Registry) Lookup(key session.Key) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// All returns a snapshot slice of every currently registered session.
func (r *Registry) All() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ByNodeType returns every registered session of the given node type, used
// by the manager-update executer to broadcast snapshots and by cmd/server
// to sample per-type session counts.
func (r *Registry) ByNodeType(nodeType string) []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*session.Session
	for key, s := range r.sessions {
		if string(key.NodeType) == nodeType {
			out = append(out, s)
		}
	}
	return out
}

// ByID returns the registered session whose Node().ID equals nodeID, if any.
func (r *Registry) ByID(nodeID int64) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.Node().ID == nodeID {
			return s, true
		}
	}
	return nil, false
}

// Count returns the number of currently registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
