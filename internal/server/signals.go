package server

// Signals is the coalescing wake-up mechanism shared by every session and
// the two long-running executers (internal/sensoralert, internal/managerupdate).
// Each channel is buffered to depth 1: a pending, undelivered wake-up already
// says "there is new work", so a second signal before the executer wakes is a
// no-op rather than a queued duplicate. Grounded on the teacher's ws.Hub.Run
// ticker loop (internal/ws/hub.go), generalized from a fixed interval to an
// edge-triggered signal so evaluation happens immediately on new data instead
// of waiting for the next tick.
type Signals struct {
	sensorAlert  chan struct{}
	managerDirty chan struct{}
}

// NewSignals returns a ready-to-use Signals.
func NewSignals() *Signals {
	return &Signals{
		sensorAlert:  make(chan struct{}, 1),
		managerDirty: make(chan struct{}, 1),
	}
}

// SignalSensorAlert wakes the sensor-alert executer. Implements session.Signals.
func (s *Signals) SignalSensorAlert() {
	select {
	case s.sensorAlert <- struct{}{}:
	default:
	}
}

// MarkManagerDirty wakes the manager-update executer. Implements session.Signals.
func (s *Signals) MarkManagerDirty() {
	select {
	case s.managerDirty <- struct{}{}:
	default:
	}
}

// SensorAlertCh is read by the sensor-alert executer's wait loop.
func (s *Signals) SensorAlertCh() <-chan struct{} { return s.sensorAlert }

// ManagerDirtyCh is read by the manager-update executer's wait loop.
func (s *Signals) ManagerDirtyCh() <-chan struct{} { return s.managerDirty }
