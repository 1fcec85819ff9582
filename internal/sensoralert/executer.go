// Package sensoralert implements the SensorAlertExecuter (spec.md §4.7,
// component C8): the single long-running worker that owns rule-tree
// evaluation state and fans finalized alert levels out to connected alert
// nodes. Grounded on the teacher's alerts.Engine.Evaluate
// (server/internal/alerts/engine.go) for the fire/notify shape, generalized
// from a single-pass condition check to the ordered rule-chain evaluator in
// internal/rules.
package sensoralert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alertr/alertrd/internal/asyncsender"
	"github.com/alertr/alertrd/internal/metrics"
	"github.com/alertr/alertrd/internal/model"
	"github.com/alertr/alertrd/internal/notifier"
	"github.com/alertr/alertrd/internal/protocol"
	"github.com/alertr/alertrd/internal/rules"
	"github.com/alertr/alertrd/internal/session"
	"github.com/alertr/alertrd/internal/storage"
)

// tickInterval is the coarse periodic wake for time-based rule predicates
// (spec.md §4.7 "(c) coarse periodic tick (≤1s)").
const tickInterval = 1 * time.Second

// SessionRegistry resolves connected alert-node sessions and their shared
// AsyncSender queue. Satisfied by *server.Registry.
type SessionRegistry interface {
	ByID(nodeID int64) (*session.Session, bool)
	AsyncSender(s *session.Session) *asyncsender.Queue
}

// Signals is the wake-up source. Satisfied by *server.Signals.
type Signals interface {
	SensorAlertCh() <-chan struct{}
}

// Dirty marks manager state stale after a firing changes observable state.
type Dirty interface {
	MarkManagerDirty()
}

// Executer is the C8 worker.
type Executer struct {
	Levels   []*rules.AlertLevel
	Storage  storage.Storage
	Notifier *notifier.Notifier
	Sessions SessionRegistry
	Signals  Signals
	Dirty    Dirty

	// Metrics, if set, receives pending-queue depth and firing counts.
	Metrics *metrics.Metrics
}

// New returns an Executer ready to Run. levels must be indexed by the same
// Level field the stored SensorAlerts reference.
func New(levels []*rules.AlertLevel, st storage.Storage, n *notifier.Notifier, sessions SessionRegistry, signals Signals, dirty Dirty) *Executer {
	return &Executer{
		Levels:   levels,
		Storage:  st,
		Notifier: n,
		Sessions: sessions,
		Signals:  signals,
		Dirty:    dirty,
	}
}

func (e *Executer) levelByNumber(n int) *rules.AlertLevel {
	for _, l := range e.Levels {
		if l.Level == n {
			return l
		}
	}
	return nil
}

// Run blocks, evaluating rules whenever signalled or on the coarse tick,
// until ctx is cancelled (spec.md §4.7).
func (e *Executer) Run(ctx context.Context) {
	t := time.NewTicker(tickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.Signals.SensorAlertCh():
			e.cycle(ctx)
		case <-t.C:
			e.cycle(ctx)
		}
	}
}

// cycle runs one full evaluation pass (spec.md §4.7 steps 1-6), retrying the
// initial fetch with exponential backoff on storage error.
func (e *Executer) cycle(ctx context.Context) {
	pending, err := e.fetchPending(ctx)
	if err != nil {
		slog.Error("sensoralert: giving up on this cycle", "err", err)
		return
	}
	if e.Metrics != nil {
		e.Metrics.SetSensorAlertsPending(len(pending))
	}
	if len(pending) == 0 {
		return
	}

	byLevel := make(map[int][]model.SensorAlert)
	for _, a := range pending {
		for _, level := range a.AlertLevels {
			byLevel[level] = append(byLevel[level], a)
		}
	}

	now := time.Now()
	fired := false
	for levelNum, alerts := range byLevel {
		level := e.levelByNumber(levelNum)
		if level == nil {
			continue
		}

		if !level.TriggerAlways {
			nodes, err := e.Storage.ConnectedAlertNodesForLevel(ctx, levelNum)
			if err != nil {
				slog.Error("sensoralert: connected node lookup failed", "level", levelNum, "err", err)
				continue
			}
			if len(nodes) == 0 {
				continue // alerts for this level are still consumed below
			}
		}

		if !level.RulesActivated {
			e.fireLevel(ctx, level, alerts)
			fired = true
			continue
		}

		if rules.UpdateLevel(level, now, e.Storage) {
			e.fireLevel(ctx, level, alerts)
			fired = true
		}
	}

	ids := make([]int64, 0, len(pending))
	for _, a := range pending {
		ids = append(ids, a.ID)
	}
	if err := e.Storage.DeleteSensorAlerts(ctx, ids); err != nil {
		slog.Error("sensoralert: delete consumed alerts failed", "err", err)
	}

	if fired && e.Dirty != nil {
		e.Dirty.MarkManagerDirty()
	}
}

func (e *Executer) fetchPending(ctx context.Context) ([]model.SensorAlert, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // retry indefinitely within this cycle; ctx bounds total time

	var pending []model.SensorAlert
	op := func() error {
		var err error
		pending, err = e.Storage.PendingSensorAlerts(ctx)
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	return pending, err
}

// fireLevel pushes a sensoralert fan-out to every connected alert node
// subscribed to level, and sends the SMTP notification if configured
// (spec.md §4.7 step 5).
func (e *Executer) fireLevel(ctx context.Context, level *rules.AlertLevel, alerts []model.SensorAlert) {
	nodeIDs, err := e.Storage.ConnectedAlertNodesForLevel(ctx, level.Level)
	if err != nil {
		slog.Error("sensoralert: fan-out lookup failed", "level", level.Level, "err", err)
		return
	}

	payload := protocol.SensorAlertPayload{State: 1, AlertLevels: []int{level.Level}}

	for _, nodeID := range nodeIDs {
		s, ok := e.Sessions.ByID(nodeID)
		if !ok {
			continue
		}
		e.Sessions.AsyncSender(s).Enqueue(protocol.MsgSensorAlert, payload, false)
	}

	slog.Info("sensoralert: level fired", "level", level.Level, "name", level.Name, "sensors", len(alerts), "targets", len(nodeIDs))
	if e.Metrics != nil {
		e.Metrics.IncSensorAlertsFired(level.Level)
	}

	if level.SMTPActivated {
		descriptions := make([]string, 0, len(alerts))
		for _, a := range alerts {
			descriptions = append(descriptions, fmt.Sprintf("sensor %d on node %d", a.SensorID, a.NodeID))
		}
		e.Notifier.SendSensorAlert(level.Level, level.Name, descriptions)
	}
}
