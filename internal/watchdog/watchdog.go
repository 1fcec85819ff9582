// Package watchdog implements the connection watchdog (spec.md §4.6,
// component C7): a periodic liveness sweep over registered sessions plus
// debounced "node unreachable"/"node reachable again" notifications for
// persistent nodes. Grounded on the teacher's store.Store.Run ticker-eviction
// loop (server/internal/store/store.go), generalized from an unconditional
// evict to a timeout-close plus one-shot notification per unreachable node.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alertr/alertrd/internal/metrics"
	"github.com/alertr/alertrd/internal/model"
	"github.com/alertr/alertrd/internal/notifier"
	"github.com/alertr/alertrd/internal/session"
	"github.com/alertr/alertrd/internal/storage"
)

// Sessions is the subset of *server.Registry the watchdog needs.
type Sessions interface {
	All() []*session.Session
}

// Watchdog periodically closes sessions that have gone quiet past their
// connection timeout and notifies once per unreachable persistent node.
type Watchdog struct {
	Sessions           Sessions
	Storage            storage.Storage
	Notifier           *notifier.Notifier
	ConnectionTimeout  time.Duration
	Now                func() time.Time

	// Metrics, if set, counts evictions and unreachable-node notifications.
	Metrics *metrics.Metrics

	mu        sync.Mutex
	notified  map[int64]bool // nodeID -> already sent "unreachable"
	failCount map[int64]int  // nodeID -> consecutive sweeps unreachable
}

// New returns a Watchdog ready to Run.
func New(sessions Sessions, st storage.Storage, n *notifier.Notifier, connectionTimeout time.Duration) *Watchdog {
	return &Watchdog{
		Sessions:          sessions,
		Storage:           st,
		Notifier:          n,
		ConnectionTimeout: connectionTimeout,
		Now:               time.Now,
		notified:          make(map[int64]bool),
		failCount:         make(map[int64]int),
	}
}

// Run sweeps at min(connectionTimeout/2, 10s) until ctx is cancelled
// (spec.md §4.6).
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.ConnectionTimeout / 2
	if interval > 10*time.Second {
		interval = 10 * time.Second
	}
	if interval <= 0 {
		interval = time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.sweep(ctx)
		}
	}
}

// sweep implements both clauses of spec.md §4.6: sessions silent past
// ConnectionTimeout are closed, and — separately — every persistent node
// with no live session at all (whether just evicted above or already
// disconnected before this sweep ran) gets a debounced unreachable
// notification cross-referenced against Storage, not just the registry.
func (w *Watchdog) sweep(ctx context.Context) {
	now := w.Now()
	live := make(map[int64]bool)

	for _, s := range w.Sessions.All() {
		node := s.Node()

		if now.Sub(s.LastRecv()) > w.ConnectionTimeout {
			slog.Info("watchdog: closing unresponsive session",
				"username", node.Username, "nodeType", node.NodeType, "lastRecv", s.LastRecv())
			s.Close()
			if w.Metrics != nil {
				w.Metrics.IncWatchdogEvictions()
			}
			continue
		}

		live[node.ID] = true
	}

	w.notifyAbsentPersistentNodes(ctx, live)
	w.clearReachable(live)
}

// notifyAbsentPersistentNodes notifies for every persistent node Storage
// knows about that has no live session, regardless of whether it just timed
// out above or was never connected to begin with this run.
func (w *Watchdog) notifyAbsentPersistentNodes(ctx context.Context, live map[int64]bool) {
	snapshot, err := w.Storage.Snapshot(ctx)
	if err != nil {
		slog.Error("watchdog: snapshot failed", "err", err)
		return
	}
	for _, n := range snapshot.Nodes {
		if n.Persistent && !live[n.ID] {
			w.notifyUnreachable(n)
		}
	}
}

// notifyUnreachable sends the alert exactly once per node until it is seen
// connected again (spec.md §4.6 debounce requirement).
func (w *Watchdog) notifyUnreachable(node model.Node) {
	w.mu.Lock()
	w.failCount[node.ID]++
	count := w.failCount[node.ID]
	already := w.notified[node.ID]
	w.notified[node.ID] = true
	w.mu.Unlock()

	if already {
		return
	}
	if w.Metrics != nil {
		w.Metrics.IncWatchdogNotifications()
	}
	w.Notifier.SendCommunicationAlert(node.Username, count)
}

// clearReachable sends the "clear" notification for any previously-flagged
// node that is connected again, and forgets it.
func (w *Watchdog) clearReachable(live map[int64]bool) {
	w.mu.Lock()
	flagged := make([]int64, 0, len(w.notified))
	for id := range w.notified {
		flagged = append(flagged, id)
	}
	w.mu.Unlock()

	for _, id := range flagged {
		if !live[id] {
			continue
		}
		w.mu.Lock()
		delete(w.notified, id)
		delete(w.failCount, id)
		username := w.usernameFor(id)
		w.mu.Unlock()
		w.Notifier.SendCommunicationAlertClear(username)
	}
}

// usernameFor looks up the username for a node currently in Sessions, used
// only for the "reachable again" notification text.
func (w *Watchdog) usernameFor(nodeID int64) string {
	for _, s := range w.Sessions.All() {
		if n := s.Node(); n.ID == nodeID {
			return n.Username
		}
	}
	return ""
}
