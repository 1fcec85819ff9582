// Package session implements the per-connection protocol engine (spec.md
// §4.4): handshake, framing, request dispatch, and state write-through.
//
// The design echoes the teacher's WebSocket hub client (internal/ws.client):
// a registered, mutex-guarded connection object reachable from other
// components, with a dedicated read loop and a write path serialized by a
// per-connection mutex. Here the mutex also serializes server-initiated
// request/reply exchanges driven by internal/asyncsender, since the wire
// protocol allows only one in-flight exchange per direction.
package session

import (
	"context"
	"crypto/tls"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alertr/alertrd/internal/asyncsender"
	"github.com/alertr/alertrd/internal/model"
	"github.com/alertr/alertrd/internal/protocol"
	"github.com/alertr/alertrd/internal/storage"
	"github.com/alertr/alertrd/internal/userbackend"
)

// State is a Session's position in its forward-only handshake state machine.
type State int32

const (
	Accepted State = iota
	Versioned
	Authenticated
	Registered
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Versioned:
		return "versioned"
	case Authenticated:
		return "authenticated"
	case Registered:
		return "registered"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Registry lets a Session register itself (superseding any prior session for
// the same username/node-type) and remove itself on close, without holding
// a direct reference to the server's internals (spec.md §9 "cyclic
// session<->server references").
type Registry interface {
	Register(s *Session)
	Unregister(s *Session)
}

// Signals lets a Session wake the two long-running executers without
// importing them (breaks an import cycle: both executers hold Sessions via
// the registry).
type Signals interface {
	SignalSensorAlert()
	MarkManagerDirty()
}

// Deps bundles a Session's external collaborators.
type Deps struct {
	Storage        storage.Storage
	UserBackend    userbackend.UserBackend
	Registry       Registry
	Signals        Signals
	ServerVersion  float64 // major.minor; only the integer part is checked
	ReceiveTimeout time.Duration
	Clock          func() time.Time

	// OptionHandler, if set, is invoked for every manager "option" RPC this
	// session receives, after any requested TimeDelay has elapsed (handled
	// by the session's own AsyncSender queue, not synchronously in the read
	// loop). The core wires it to the server-wide Options store
	// (internal/server).
	OptionHandler func(protocol.OptionPayload)
}

// Session is one accepted, authenticated TLS connection to a remote node.
type Session struct {
	conn net.Conn
	deps Deps

	state atomic.Int32

	writeMu sync.Mutex
	reply   *replyWaiter // non-nil while an AsyncSender awaits a specific reply

	lastRecv atomic.Int64 // unix nanos, written by the read loop on every successful frame

	// delayed serializes this session's own scheduled local work (currently
	// just the option RPC's delayed toggle) independent of whatever Queue the
	// registry hands out for cross-component pushes, so the read loop is
	// never blocked waiting out a manager's requested delay (spec.md §4.4).
	delayed *asyncsender.Queue

	mu         sync.Mutex // guards the fields below
	node       model.Node
	registered bool
	closed     bool
}

type replyWaiter struct {
	message string
	ch      chan protocol.Envelope
}

// New wraps an accepted connection in a Session. Call Run to start serving it.
func New(conn net.Conn, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	s := &Session{conn: conn, deps: deps}
	s.delayed = asyncsender.New(s)
	s.state.Store(int32(Accepted))
	s.lastRecv.Store(deps.Clock().UnixNano())
	return s
}

// State returns the session's current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Node returns the identity this session registered as. Only meaningful
// once State() >= Registered.
func (s *Session) Node() model.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node
}

// LastRecv returns the last time a complete frame was read from the peer.
func (s *Session) LastRecv() time.Time {
	return time.Unix(0, s.lastRecv.Load())
}

// Key identifies a session for registry supersession purposes.
type Key struct {
	Username string
	NodeType model.NodeType
}

// RegistryKey returns this session's supersession key. Only meaningful once
// registered.
func (s *Session) RegistryKey() Key {
	n := s.Node()
	return Key{Username: n.Username, NodeType: n.NodeType}
}

// Close closes the underlying connection. Safe to call more than once and
// concurrently with Run.
func (s *Session) Close() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return
	}
	s.state.Store(int32(Closed))
	s.conn.Close() //nolint:errcheck
}

// Run drives the session to completion: handshake, then steady-state RPC
// dispatch, until the peer disconnects, a protocol error occurs, or ctx is
// cancelled. Always unregisters and marks the node disconnected on return.
func (s *Session) Run(ctx context.Context) {
	defer s.finish(ctx)

	if err := s.handshake(); err != nil {
		slog.Info("session: handshake failed", "remote", s.conn.RemoteAddr(), "err", err)
		return
	}

	s.deps.Registry.Register(s)
	s.state.Store(int32(Active))
	s.deps.Signals.MarkManagerDirty()

	for {
		if tc, ok := s.conn.(*tls.Conn); ok {
			_ = tc.SetReadDeadline(s.deps.Clock().Add(s.deps.ReceiveTimeout))
		} else {
			_ = s.conn.SetReadDeadline(s.deps.Clock().Add(s.deps.ReceiveTimeout))
		}

		var env protocol.Envelope
		if err := protocol.ReadFrame(s.conn, &env); err != nil {
			slog.Debug("session: read ended", "node", s.node.Username, "err", err)
			return
		}
		s.lastRecv.Store(s.deps.Clock().UnixNano())

		if s.routeToPendingReply(env) {
			continue
		}

		if err := s.dispatch(ctx, env); err != nil {
			slog.Info("session: dispatch error", "node", s.node.Username, "message", env.Message, "err", err)
			return
		}
	}
}

func (s *Session) finish(ctx context.Context) {
	s.Close()
	s.deps.Registry.Unregister(s)

	s.mu.Lock()
	node := s.node
	registered := s.registered
	s.mu.Unlock()

	if registered {
		if err := s.deps.Storage.SetNodeConnected(ctx, node.ID, false); err != nil {
			slog.Error("session: mark disconnected failed", "node", node.Username, "err", err)
		}
		s.deps.Signals.MarkManagerDirty()
	}
}

// routeToPendingReply delivers env to an outstanding AsyncSender wait if its
// message name matches, and reports whether it did so. The wire protocol
// permits only one in-flight exchange per direction, so a frame whose name
// matches the awaited reply is unambiguously that reply, never a new
// peer-initiated request of the same name arriving out of turn.
func (s *Session) routeToPendingReply(env protocol.Envelope) bool {
	s.writeMu.Lock()
	w := s.reply
	if w != nil && w.message == env.Message {
		s.reply = nil
	} else {
		w = nil
	}
	s.writeMu.Unlock()

	if w == nil {
		return false
	}
	w.ch <- env
	return true
}

// majorVersion truncates a major.minor version float to its integer major
// component.
func majorVersion(v float64) int {
	return int(math.Floor(v))
}
