package managerupdate

import (
	"github.com/alertr/alertrd/internal/model"
	"github.com/alertr/alertrd/internal/protocol"
)

func toNodeWire(nodes []model.Node) []protocol.NodeStatusWire {
	out := make([]protocol.NodeStatusWire, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, protocol.NodeStatusWire{
			ID:         n.ID,
			Username:   n.Username,
			Hostname:   n.Hostname,
			NodeType:   string(n.NodeType),
			Instance:   n.Instance,
			Persistent: n.Persistent,
			Connected:  n.Connected,
		})
	}
	return out
}

func toSensorWire(sensors []model.Sensor) []protocol.SensorStatusWire {
	out := make([]protocol.SensorStatusWire, 0, len(sensors))
	for _, sn := range sensors {
		out = append(out, protocol.SensorStatusWire{
			ID:               sn.ID,
			NodeID:           sn.NodeID,
			RemoteSensorID:   sn.RemoteSensorID,
			Description:      sn.Description,
			State:            sn.State,
			LastStateUpdated: sn.LastStateUpdated,
			AlertLevels:      sn.AlertLevels,
			DataType:         int(sn.DataType),
			DataInt:          sn.Data.Int,
			DataFloat:        sn.Data.Float,
		})
	}
	return out
}

func toAlertWire(alerts []model.Alert) []protocol.AlertStatusWire {
	out := make([]protocol.AlertStatusWire, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, protocol.AlertStatusWire{
			ID:            a.ID,
			NodeID:        a.NodeID,
			RemoteAlertID: a.RemoteAlertID,
			Description:   a.Description,
			AlertLevels:   a.AlertLevels,
		})
	}
	return out
}

func toManagerWire(managers []model.Manager) []protocol.ManagerStatusWire {
	out := make([]protocol.ManagerStatusWire, 0, len(managers))
	for _, m := range managers {
		out = append(out, protocol.ManagerStatusWire{ID: m.ID, NodeID: m.NodeID, Description: m.Description})
	}
	return out
}
