// Package storage defines the contract the core uses for all durable state
// (spec.md §4.1) and provides two concrete implementations: memstore (an
// in-process map, used in tests and single-node deployments) and sqlstore
// (database/sql backed by sqlite or mysql).
//
// Every method may fail transiently; callers treat an error as recoverable —
// log it and retry on the next tick or the next RPC (spec.md §7).
package storage

import (
	"context"
	"time"

	"github.com/alertr/alertrd/internal/model"
)

// NodeRegistration is the upsert payload sent during a node's handshake
// registration step. Fields beyond the embedded Node vary by node type;
// Sensors/Alerts/Manager carry the node-type-specific child records.
type NodeRegistration struct {
	Node     model.Node
	Sensors  []model.Sensor  // populated when Node.NodeType == sensor
	Alerts   []model.Alert   // populated when Node.NodeType == alert
	Manager  *model.Manager  // populated when Node.NodeType == manager
}

// Snapshot is a full read of authoritative state, used for manager fan-out.
type Snapshot struct {
	Nodes    []model.Node
	Sensors  []model.Sensor
	Alerts   []model.Alert
	Managers []model.Manager
}

// Storage is the contract the core requires of a persistence backend.
type Storage interface {
	// UpsertNode registers or updates a node and its children, keyed by
	// username. Calling with an identical payload a second time
	// must leave storage unchanged (spec.md P6).
	UpsertNode(ctx context.Context, reg NodeRegistration) (nodeID int64, err error)

	// SetNodeConnected marks a node (dis)connected. The persistence flag is
	// written by UpsertNode, not here.
	SetNodeConnected(ctx context.Context, nodeID int64, connected bool) error

	// UpdateSensorState writes through a sensor's state/data change and
	// records LastStateUpdated.
	UpdateSensorState(ctx context.Context, nodeID int64, remoteSensorID int, state int, data model.SensorData, when time.Time) error

	// SensorAlertLevels returns the configured alert levels for the sensor
	// identified by nodeID + remoteSensorID, used to stamp an incoming
	// sensoralert RPC with the levels C8 partitions on.
	SensorAlertLevels(ctx context.Context, nodeID int64, remoteSensorID int) ([]int, error)

	// SensorTriggered answers whether the sensor identified by its owning
	// node's username and remote sensor id is in triggered state (State==1)
	// and since when. ok is false if unknown. Satisfies rules.SensorLookup.
	SensorTriggered(username string, remoteSensorID int) (triggered bool, since time.Time, ok bool)

	// AppendSensorAlert durably stores a new sensor alert, returning its
	// assigned monotonic id.
	AppendSensorAlert(ctx context.Context, a model.SensorAlert) (id int64, err error)

	// PendingSensorAlerts returns all unconsumed sensor alerts in ascending
	// id order.
	PendingSensorAlerts(ctx context.Context) ([]model.SensorAlert, error)

	// DeleteSensorAlerts atomically removes the given ids. Either all are
	// removed or none are (spec.md §4.1).
	DeleteSensorAlerts(ctx context.Context, ids []int64) error

	// Snapshot reads a full consistent view of nodes/sensors/alerts/managers
	// for manager fan-out.
	Snapshot(ctx context.Context) (Snapshot, error)

	// ReferencedAlertLevels enumerates every alert level referenced by any
	// stored Sensor or Alert, for the startup cross-check against configured
	// levels (spec.md §3 invariants).
	ReferencedAlertLevels(ctx context.Context) ([]int, error)

	// ConnectedAlertNodesForLevel returns the node ids of currently
	// connected alert nodes whose configured alert levels include level.
	ConnectedAlertNodesForLevel(ctx context.Context, level int) ([]int64, error)

	Close() error
}
