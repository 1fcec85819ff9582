// Package managerupdate implements the ManagerUpdateExecuter (spec.md §4.8,
// component C9): a single long-running worker that coalesces state-change
// signals into a periodic full-state fan-out to every connected manager.
// Grounded directly on the teacher's ws.Hub.Run ticker/broadcast loop
// (server/internal/ws/hub.go), generalized from a fixed-interval broadcast
// to a dirty-flag-plus-forced-interval wake so a change is never delayed
// past one forcedInterval but repeated signals collapse into one fan-out.
package managerupdate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alertr/alertrd/internal/asyncsender"
	"github.com/alertr/alertrd/internal/metrics"
	"github.com/alertr/alertrd/internal/protocol"
	"github.com/alertr/alertrd/internal/session"
	"github.com/alertr/alertrd/internal/storage"
)

// DefaultForcedInterval is the fallback wake period when no dirty signal
// has arrived (spec.md §4.8 "default 60 s").
const DefaultForcedInterval = 60 * time.Second

// SessionRegistry resolves connected manager sessions and their shared
// AsyncSender queue. Satisfied by *server.Registry.
type SessionRegistry interface {
	ByNodeType(nodeType string) []*session.Session
	AsyncSender(s *session.Session) *asyncsender.Queue
}

// Signals is the wake-up source. Satisfied by *server.Signals.
type Signals interface {
	ManagerDirtyCh() <-chan struct{}
}

// Executer is the C9 worker.
type Executer struct {
	Storage        storage.Storage
	Sessions       SessionRegistry
	Signals        Signals
	ForcedInterval time.Duration

	// Metrics, if set, counts each status push delivered to a manager.
	Metrics *metrics.Metrics

	mu    sync.Mutex
	dirty bool
}

// New returns an Executer ready to Run.
func New(st storage.Storage, sessions SessionRegistry, signals Signals, forcedInterval time.Duration) *Executer {
	if forcedInterval <= 0 {
		forcedInterval = DefaultForcedInterval
	}
	return &Executer{Storage: st, Sessions: sessions, Signals: signals, ForcedInterval: forcedInterval}
}

// MarkDirty flags that state has changed since the last fan-out. The flag
// is bookkeeping only: Run wakes on the manager-dirty signal and the forced
// interval, never on the flag, so calling MarkDirty does not by itself
// cause a broadcast.
func (e *Executer) MarkDirty() {
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
}

// Run blocks, broadcasting state snapshots to managers whenever dirty or on
// the forced interval, until ctx is cancelled (spec.md §4.8).
func (e *Executer) Run(ctx context.Context) {
	t := time.NewTicker(e.ForcedInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.Signals.ManagerDirtyCh():
			e.MarkDirty()
			e.broadcastIfDirty(ctx)
		case <-t.C:
			e.broadcastIfDirty(ctx)
		}
	}
}

// broadcastIfDirty clears dirty and then broadcasts a snapshot to every
// connected manager, whether or not dirty was set. If the snapshot fails it
// sets dirty again and returns without sending.
func (e *Executer) broadcastIfDirty(ctx context.Context) {
	e.mu.Lock()
	e.dirty = false
	e.mu.Unlock()

	managers := e.Sessions.ByNodeType("manager")
	if len(managers) == 0 {
		return
	}

	snapshot, err := e.Storage.Snapshot(ctx)
	if err != nil {
		slog.Error("managerupdate: snapshot failed", "err", err)
		e.MarkDirty() // don't lose the signal; retry next wake
		return
	}

	payload := protocol.StatusPayload{
		Nodes:    toNodeWire(snapshot.Nodes),
		Sensors:  toSensorWire(snapshot.Sensors),
		Alerts:   toAlertWire(snapshot.Alerts),
		Managers: toManagerWire(snapshot.Managers),
	}

	for _, mgr := range managers {
		e.Sessions.AsyncSender(mgr).Enqueue(protocol.MsgStatus, payload, true)
		if e.Metrics != nil {
			e.Metrics.IncManagerBroadcastsSent()
		}
	}
	slog.Debug("managerupdate: broadcast sent", "managers", len(managers))
}
