package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alertr/alertrd/internal/protocol"
)

// defaultPushTimeout bounds how long a server-initiated exchange waits for
// the peer's reply before the session is considered unresponsive.
const defaultPushTimeout = 10 * time.Second

// Push sends a server-initiated request and waits for the matching reply.
// It is the primitive internal/asyncsender builds on (spec.md §4.9): the
// wire protocol allows only one in-flight exchange per direction, so Push
// itself refuses a second concurrent call — callers serialize per-session
// through their own queue and never rely on this guard in the common case.
func (s *Session) Push(ctx context.Context, message string, payload interface{}) (protocol.Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("session: encode push payload: %w", err)
	}

	ch := make(chan protocol.Envelope, 1)

	s.writeMu.Lock()
	if s.reply != nil {
		s.writeMu.Unlock()
		return protocol.Envelope{}, fmt.Errorf("session: push already in flight")
	}
	s.reply = &replyWaiter{message: message, ch: ch}

	env := protocol.Envelope{
		ClientTime: float64(s.deps.Clock().Unix()),
		Message:    message,
		Payload:    body,
	}
	if err := protocol.WriteFrame(s.conn, env); err != nil {
		s.reply = nil
		s.writeMu.Unlock()
		return protocol.Envelope{}, fmt.Errorf("session: write push: %w", err)
	}
	s.writeMu.Unlock()

	timeout := defaultPushTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		s.clearReplyWaiter(ch)
		return protocol.Envelope{}, fmt.Errorf("session: push %q timed out waiting for reply", message)
	case <-ctx.Done():
		s.clearReplyWaiter(ch)
		return protocol.Envelope{}, ctx.Err()
	}
}

// clearReplyWaiter removes the pending waiter if it is still ours — it may
// already have been delivered and cleared by routeToPendingReply in the
// instant before the timeout/cancellation fired.
func (s *Session) clearReplyWaiter(ch chan protocol.Envelope) {
	s.writeMu.Lock()
	if s.reply != nil && s.reply.ch == ch {
		s.reply = nil
	}
	s.writeMu.Unlock()
}
