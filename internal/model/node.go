// Package model holds the server's authoritative data types: nodes, sensors,
// alerts, managers and sensor alerts. Types here are plain data —
// persistence lives behind internal/storage, and alert levels, their rule
// trees and rule evaluation state live in internal/rules.
package model

// NodeType identifies the role a connected peer plays in the system.
type NodeType string

const (
	NodeTypeSensor  NodeType = "sensor"
	NodeTypeAlert   NodeType = "alert"
	NodeTypeManager NodeType = "manager"
	NodeTypeServer  NodeType = "server"
)

// Node is a remote peer known to the server, whether currently connected or not.
type Node struct {
	ID         int64
	Username   string
	Hostname   string
	NodeType   NodeType
	Instance   string
	Version    float64
	Rev        int
	Persistent bool
	Connected  bool
}

// DataType identifies the shape of a sensor's optional reading.
type DataType int

const (
	DataTypeNone DataType = iota
	DataTypeInt
	DataTypeFloat
)

// SensorData carries a typed sensor reading. Only the field matching Type is valid.
type SensorData struct {
	Type  DataType
	Int   int64
	Float float64
}

// Sensor is one sensor instance owned by a sensor Node.
type Sensor struct {
	ID               int64
	NodeID           int64
	RemoteSensorID   int
	Description      string
	State            int // 0 or 1
	LastStateUpdated int64
	AlertDelay       int
	AlertLevels      []int
	DataType         DataType
	Data             SensorData
}

// Alert is one alert-generating instance owned by an alert Node.
type Alert struct {
	ID             int64
	NodeID         int64
	RemoteAlertID  int
	Description    string
	AlertLevels    []int
}

// Manager is the identity record for a manager Node.
type Manager struct {
	ID          int64
	NodeID      int64
	Description string
}

// HasLevel reports whether level is among the sensor's configured alert levels.
func (s *Sensor) HasLevel(level int) bool {
	for _, l := range s.AlertLevels {
		if l == level {
			return true
		}
	}
	return false
}

// HasLevel reports whether level is among the alert's configured alert levels.
func (a *Alert) HasLevel(level int) bool {
	for _, l := range a.AlertLevels {
		if l == level {
			return true
		}
	}
	return false
}
