// Package asyncsender implements the AsyncSender component (spec.md §4.9):
// a one-shot worker per outbound push so a Session's read loop is never
// blocked waiting on a reply it itself did not request. Grounded on the
// teacher's per-client send channel + writePump (server/internal/ws/hub.go):
// the same bounded-channel-plus-drain-goroutine shape, adapted from a
// fire-and-forget broadcast to a request/reply exchange via Session.Push.
package asyncsender

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alertr/alertrd/internal/protocol"
)

// queueDepth bounds how many outbound pushes a single session may have
// buffered before backpressure kicks in.
const queueDepth = 8

// job is one queued unit of work for a session: either an outbound push
// (message/payload set) or a scheduled local callback (fn set).
type job struct {
	message    string
	payload    interface{}
	idempotent bool // true if a newer job of the same message may replace this one (e.g. "status")
	fn         func()
}

// Pusher is the subset of *session.Session an AsyncSender needs. Kept as an
// interface so this package never imports internal/session's concrete type,
// matching the session.Signals/Registry indirection pattern elsewhere.
type Pusher interface {
	Push(ctx context.Context, message string, payload interface{}) (protocol.Envelope, error)
}

// Queue serializes outbound pushes for one session onto exactly one
// in-flight worker. A pending idempotent message replaces an earlier pending
// one of the same type; when the queue is full the oldest pending job, of
// any kind, is dropped. A Queue is safe for concurrent use.
type Queue struct {
	pusher Pusher

	mu      sync.Mutex
	pending []job
	running bool
}

// New returns a Queue that dispatches through pusher.
func New(pusher Pusher) *Queue {
	return &Queue{pusher: pusher}
}

// Enqueue queues message/payload for delivery and returns immediately. If
// idempotent is true and an undelivered job for the same message is already
// queued, that older job is dropped in favor of this one — sending two
// stale "status" snapshots back to back wastes a round trip neither side
// needs.
func (q *Queue) Enqueue(message string, payload interface{}, idempotent bool) {
	q.mu.Lock()
	if idempotent {
		kept := q.pending[:0]
		for _, j := range q.pending {
			if j.message != message {
				kept = append(kept, j)
			}
		}
		q.pending = kept
	}
	q.appendLocked(job{message: message, payload: payload, idempotent: idempotent}, message)
	started := q.startLocked()
	q.mu.Unlock()

	if started {
		go q.run()
	}
}

// Schedule runs fn after delay, serialized onto the same per-session worker
// Enqueue uses, so a manager's delayed option toggle (spec.md §4.4 "option")
// never races a concurrent outbound push and never blocks the session's own
// read loop while it waits out the delay. delay<=0 runs fn on the next drain
// pass with no timer involved.
func (q *Queue) Schedule(delay time.Duration, fn func()) {
	if fn == nil {
		return
	}
	if delay <= 0 {
		q.enqueueFn(fn)
		return
	}
	time.AfterFunc(delay, func() { q.enqueueFn(fn) })
}

func (q *Queue) enqueueFn(fn func()) {
	q.mu.Lock()
	q.appendLocked(job{fn: fn}, "scheduled")
	started := q.startLocked()
	q.mu.Unlock()

	if started {
		go q.run()
	}
}

// appendLocked appends j, dropping the oldest queued job first if the queue
// is already at capacity. Callers hold q.mu.
func (q *Queue) appendLocked(j job, incoming string) {
	if len(q.pending) >= queueDepth {
		dropped := q.pending[0]
		q.pending = q.pending[1:]
		slog.Warn("asyncsender: queue full, dropping oldest push", "dropped", dropped.message, "incoming", incoming)
	}
	q.pending = append(q.pending, j)
}

// startLocked reports whether the caller must spawn the drain goroutine;
// callers hold q.mu.
func (q *Queue) startLocked() bool {
	if q.running {
		return false
	}
	q.running = true
	return true
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if j.fn != nil {
			j.fn()
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		_, err := q.pusher.Push(ctx, j.message, j.payload)
		cancel()
		if err != nil {
			slog.Debug("asyncsender: push failed", "message", j.message, "err", err)
		}
	}
}

// Len reports the number of undelivered jobs, for diagnostics and tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
