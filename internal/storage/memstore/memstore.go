// Package memstore is an in-process implementation of storage.Storage,
// suitable for tests and small single-node deployments that don't need
// durability across restarts (spec.md explicitly places cross-restart
// durability out of scope).
//
// The design mirrors the teacher's snapshot store (an RWMutex-guarded map
// with an injectable clock for deterministic tests) generalized to the
// richer node/sensor/alert/manager/sensor-alert schema the core needs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alertr/alertrd/internal/model"
	"github.com/alertr/alertrd/internal/storage"
)

type sensorKey struct {
	username       string
	remoteSensorID int
}

type alertKey struct {
	username      string
	remoteAlertID int
}

// Store is a thread-safe in-memory implementation of storage.Storage.
type Store struct {
	mu sync.RWMutex

	nodes       map[int64]*model.Node
	nodeByUser  map[string]int64
	sensors     map[int64]*model.Sensor
	sensorByKey map[sensorKey]int64
	alerts      map[int64]*model.Alert
	alertByKey  map[alertKey]int64
	managers    map[int64]*model.Manager // keyed by node id

	pending map[int64]model.SensorAlert

	nextNodeID, nextSensorID, nextAlertID, nextManagerID, nextSensorAlertID int64

	now func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		nodes:       make(map[int64]*model.Node),
		nodeByUser:  make(map[string]int64),
		sensors:     make(map[int64]*model.Sensor),
		sensorByKey: make(map[sensorKey]int64),
		alerts:      make(map[int64]*model.Alert),
		alertByKey:  make(map[alertKey]int64),
		managers:    make(map[int64]*model.Manager),
		pending:     make(map[int64]model.SensorAlert),
		now:         time.Now,
	}
}

// SetClock overrides the store's time source. For tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) UpsertNode(_ context.Context, reg storage.NodeRegistration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodeID, exists := s.nodeByUser[reg.Node.Username]
	var n *model.Node
	if exists {
		n = s.nodes[nodeID]
	} else {
		s.nextNodeID++
		nodeID = s.nextNodeID
		n = &model.Node{ID: nodeID}
		s.nodes[nodeID] = n
		s.nodeByUser[reg.Node.Username] = nodeID
	}

	n.Username = reg.Node.Username
	n.Hostname = reg.Node.Hostname
	n.NodeType = reg.Node.NodeType
	n.Instance = reg.Node.Instance
	n.Version = reg.Node.Version
	n.Rev = reg.Node.Rev
	n.Persistent = reg.Node.Persistent

	switch reg.Node.NodeType {
	case model.NodeTypeSensor:
		seen := make(map[int]bool, len(reg.Sensors))
		for _, sn := range reg.Sensors {
			seen[sn.RemoteSensorID] = true
			key := sensorKey{reg.Node.Username, sn.RemoteSensorID}
			id, ok := s.sensorByKey[key]
			var target *model.Sensor
			if ok {
				target = s.sensors[id]
			} else {
				s.nextSensorID++
				id = s.nextSensorID
				target = &model.Sensor{ID: id}
				s.sensors[id] = target
				s.sensorByKey[key] = id
			}
			cp := sn
			cp.ID = id
			cp.NodeID = nodeID
			*target = cp
		}
		// Sensors the node no longer reports are dropped.
		for key, id := range s.sensorByKey {
			if key.username == reg.Node.Username && !seen[key.remoteSensorID] {
				delete(s.sensors, id)
				delete(s.sensorByKey, key)
			}
		}

	case model.NodeTypeAlert:
		seen := make(map[int]bool, len(reg.Alerts))
		for _, al := range reg.Alerts {
			seen[al.RemoteAlertID] = true
			key := alertKey{reg.Node.Username, al.RemoteAlertID}
			id, ok := s.alertByKey[key]
			var target *model.Alert
			if ok {
				target = s.alerts[id]
			} else {
				s.nextAlertID++
				id = s.nextAlertID
				target = &model.Alert{ID: id}
				s.alerts[id] = target
				s.alertByKey[key] = id
			}
			cp := al
			cp.ID = id
			cp.NodeID = nodeID
			*target = cp
		}
		for key, id := range s.alertByKey {
			if key.username == reg.Node.Username && !seen[key.remoteAlertID] {
				delete(s.alerts, id)
				delete(s.alertByKey, key)
			}
		}

	case model.NodeTypeManager:
		m, ok := s.managers[nodeID]
		if !ok {
			s.nextManagerID++
			m = &model.Manager{ID: s.nextManagerID}
			s.managers[nodeID] = m
		}
		m.NodeID = nodeID
		if reg.Manager != nil {
			m.Description = reg.Manager.Description
		}
	}

	return nodeID, nil
}

func (s *Store) SetNodeConnected(_ context.Context, nodeID int64, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("memstore: unknown node %d", nodeID)
	}
	n.Connected = connected
	return nil
}

func (s *Store) UpdateSensorState(_ context.Context, nodeID int64, remoteSensorID int, state int, data model.SensorData, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("memstore: unknown node %d", nodeID)
	}
	key := sensorKey{n.Username, remoteSensorID}
	id, ok := s.sensorByKey[key]
	if !ok {
		return fmt.Errorf("memstore: unknown sensor %s/%d", n.Username, remoteSensorID)
	}
	sn := s.sensors[id]
	sn.State = state
	sn.Data = data
	sn.LastStateUpdated = when.Unix()
	return nil
}

func (s *Store) SensorAlertLevels(_ context.Context, nodeID int64, remoteSensorID int) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("memstore: unknown node %d", nodeID)
	}
	id, ok := s.sensorByKey[sensorKey{n.Username, remoteSensorID}]
	if !ok {
		return nil, fmt.Errorf("memstore: unknown sensor %s/%d", n.Username, remoteSensorID)
	}
	return append([]int(nil), s.sensors[id].AlertLevels...), nil
}

func (s *Store) SensorTriggered(username string, remoteSensorID int) (bool, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sensorByKey[sensorKey{username, remoteSensorID}]
	if !ok {
		return false, time.Time{}, false
	}
	sn := s.sensors[id]
	return sn.State == 1, time.Unix(sn.LastStateUpdated, 0), true
}

func (s *Store) AppendSensorAlert(_ context.Context, a model.SensorAlert) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSensorAlertID++
	a.ID = s.nextSensorAlertID
	s.pending[a.ID] = a
	return a.ID, nil
}

func (s *Store) PendingSensorAlerts(_ context.Context) ([]model.SensorAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SensorAlert, 0, len(s.pending))
	for _, a := range s.pending {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteSensorAlerts(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.pending, id)
	}
	return nil
}

func (s *Store) Snapshot(_ context.Context) (storage.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := storage.Snapshot{
		Nodes:    make([]model.Node, 0, len(s.nodes)),
		Sensors:  make([]model.Sensor, 0, len(s.sensors)),
		Alerts:   make([]model.Alert, 0, len(s.alerts)),
		Managers: make([]model.Manager, 0, len(s.managers)),
	}
	for _, n := range s.nodes {
		out.Nodes = append(out.Nodes, *n)
	}
	for _, sn := range s.sensors {
		out.Sensors = append(out.Sensors, *sn)
	}
	for _, a := range s.alerts {
		out.Alerts = append(out.Alerts, *a)
	}
	for _, m := range s.managers {
		out.Managers = append(out.Managers, *m)
	}
	return out, nil
}

func (s *Store) ReferencedAlertLevels(_ context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int]bool)
	for _, sn := range s.sensors {
		for _, l := range sn.AlertLevels {
			seen[l] = true
		}
	}
	for _, a := range s.alerts {
		for _, l := range a.AlertLevels {
			seen[l] = true
		}
	}
	out := make([]int, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Ints(out)
	return out, nil
}

func (s *Store) ConnectedAlertNodesForLevel(_ context.Context, level int) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	connected := make(map[int64]bool)
	for id, n := range s.nodes {
		if n.NodeType == model.NodeTypeAlert && n.Connected {
			connected[id] = true
		}
	}

	out := make([]int64, 0)
	for _, a := range s.alerts {
		if !connected[a.NodeID] {
			continue
		}
		if a.HasLevel(level) {
			out = append(out, a.NodeID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return dedupe(out), nil
}

func dedupe(ids []int64) []int64 {
	out := ids[:0]
	var last int64 = -1
	first := true
	for _, id := range ids {
		if first || id != last {
			out = append(out, id)
		}
		last = id
		first = false
	}
	return out
}

func (s *Store) Close() error { return nil }
