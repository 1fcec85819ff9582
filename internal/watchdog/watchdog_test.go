package watchdog

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alertr/alertrd/internal/model"
	"github.com/alertr/alertrd/internal/notifier"
	"github.com/alertr/alertrd/internal/session"
	"github.com/alertr/alertrd/internal/storage"
	"github.com/alertr/alertrd/internal/storage/memstore"
	"github.com/alertr/alertrd/internal/userbackend"
)

type stubUserBackend struct{}

func (stubUserBackend) Authenticate(string, string) (model.NodeType, error) {
	return "", userbackend.ErrInvalidCredentials
}

type stubRegistry struct{}

func (stubRegistry) Register(*session.Session)   {}
func (stubRegistry) Unregister(*session.Session) {}

type stubSignals struct{}

func (stubSignals) SignalSensorAlert() {}
func (stubSignals) MarkManagerDirty()  {}

// newTestSession builds a *session.Session whose LastRecv is pinned to
// lastRecv via an injected clock, without driving any handshake traffic —
// the watchdog only inspects LastRecv/Close/Node, none of which require an
// active connection.
func newTestSession(t *testing.T, lastRecv time.Time) *session.Session {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })

	deps := session.Deps{
		Storage:     memstore.New(),
		UserBackend: stubUserBackend{},
		Registry:    stubRegistry{},
		Signals:     stubSignals{},
		Clock:       func() time.Time { return lastRecv },
	}
	return session.New(server, deps)
}

type fakeSessions struct {
	sessions []*session.Session
}

func (f fakeSessions) All() []*session.Session { return f.sessions }

func TestWatchdog_EvictsStaleSession(t *testing.T) {
	now := time.Now()
	stale := newTestSession(t, now.Add(-time.Hour))

	wd := New(fakeSessions{sessions: []*session.Session{stale}}, memstore.New(), notifier.New(notifier.Config{}), time.Minute)
	wd.Now = func() time.Time { return now }
	wd.sweep(context.Background())

	if stale.State() != session.Closed {
		t.Errorf("State after sweep: got %v, want Closed", stale.State())
	}
}

func TestWatchdog_KeepsLiveSession(t *testing.T) {
	now := time.Now()
	live := newTestSession(t, now)

	wd := New(fakeSessions{sessions: []*session.Session{live}}, memstore.New(), notifier.New(notifier.Config{}), time.Minute)
	wd.Now = func() time.Time { return now }
	wd.sweep(context.Background())

	if live.State() == session.Closed {
		t.Error("expected a recently-active session to survive the sweep")
	}
}

func TestWatchdog_NotifiesOncePerPersistentNode(t *testing.T) {
	now := time.Now()
	stale := newTestSession(t, now.Add(-time.Hour))

	wd := New(fakeSessions{sessions: []*session.Session{stale}}, memstore.New(), notifier.New(notifier.Config{}), time.Minute)
	wd.Now = func() time.Time { return now }

	node := model.Node{ID: 1, Username: "persistent-node", Persistent: true}
	wd.notifyUnreachable(node)
	wd.notifyUnreachable(node)

	wd.mu.Lock()
	count := wd.failCount[node.ID]
	notified := wd.notified[node.ID]
	wd.mu.Unlock()

	if count != 2 {
		t.Errorf("failCount: got %d, want 2 (both calls counted)", count)
	}
	if !notified {
		t.Error("expected node to be marked notified")
	}
}

// TestWatchdog_NotifiesPersistentNodeAbsentFromRegistry covers spec.md §4.6's
// second clause: a persistent node that Storage knows about but that has no
// live session at all (not evicted this sweep, simply never registered) must
// still get a communication alert.
func TestWatchdog_NotifiesPersistentNodeAbsentFromRegistry(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	nodeID, err := st.UpsertNode(ctx, storage.NodeRegistration{
		Node: model.Node{Username: "keypad1", NodeType: model.NodeTypeAlert, Persistent: true},
	})
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	now := time.Now()
	wd := New(fakeSessions{}, st, notifier.New(notifier.Config{}), time.Minute)
	wd.Now = func() time.Time { return now }

	wd.sweep(ctx)

	wd.mu.Lock()
	notified := wd.notified[nodeID]
	count := wd.failCount[nodeID]
	wd.mu.Unlock()

	if !notified {
		t.Error("expected the persistent, session-less node to be notified as unreachable")
	}
	if count != 1 {
		t.Errorf("failCount: got %d, want 1", count)
	}
}

func TestWatchdog_ClearReachableForgetsNode(t *testing.T) {
	now := time.Now()
	live := newTestSession(t, now)

	wd := New(fakeSessions{sessions: []*session.Session{live}}, memstore.New(), notifier.New(notifier.Config{}), time.Minute)
	wd.Now = func() time.Time { return now }

	node := live.Node()
	node.ID = 42
	wd.mu.Lock()
	wd.notified[node.ID] = true
	wd.failCount[node.ID] = 3
	wd.mu.Unlock()

	wd.clearReachable(map[int64]bool{42: true})

	wd.mu.Lock()
	defer wd.mu.Unlock()
	if wd.notified[42] {
		t.Error("expected node 42 to be forgotten after clearReachable")
	}
}
