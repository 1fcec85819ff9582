package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alertr/alertrd/internal/model"
	"github.com/alertr/alertrd/internal/protocol"
)

// dispatch handles one steady-state, peer-initiated request and writes its
// reply. An error return closes the session (spec.md §4.4 framing rules).
func (s *Session) dispatch(ctx context.Context, env protocol.Envelope) error {
	switch env.Message {
	case protocol.MsgPing:
		return s.handlePing(env)
	case protocol.MsgSensorAlert:
		return s.handleSensorAlert(ctx, env)
	case protocol.MsgStateChange:
		return s.handleStateChange(ctx, env)
	case protocol.MsgSensorAlertsOff:
		return s.handleSensorAlertsOff(env)
	case protocol.MsgOption:
		return s.handleOption(env)
	case protocol.MsgSensorError:
		return s.handleSensorError(env)
	default:
		s.writeReply(env.Message, protocol.ResultError, "unknown message")
		return fmt.Errorf("session: unknown message %q", env.Message)
	}
}

func (s *Session) handlePing(_ protocol.Envelope) error {
	s.writeReply(protocol.MsgPing, protocol.ResultOK, "")
	return nil
}

func (s *Session) handleSensorAlert(ctx context.Context, env protocol.Envelope) error {
	var p protocol.SensorAlertPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.writeReply(protocol.MsgSensorAlert, protocol.ResultError, "malformed payload")
		return fmt.Errorf("session: decode sensoralert: %w", err)
	}

	node := s.Node()
	alert := model.SensorAlert{
		NodeID:          node.ID,
		State:           p.State,
		HasOptionalData: p.HasOptionalData,
		ChangeState:     p.ChangeState,
		HasLatestData:   p.HasLatestData,
		DataType:        model.DataType(p.DataType),
		Data:            model.SensorData{Type: model.DataType(p.DataType), Int: p.DataInt, Float: p.DataFloat},
		TimeReceived:    time.Now().Unix(),
	}
	if p.HasOptionalData && len(p.OptionalData) > 0 {
		_ = json.Unmarshal(p.OptionalData, &alert.OptionalData)
	}

	if levels, err := s.deps.Storage.SensorAlertLevels(ctx, node.ID, p.RemoteSensorID); err == nil {
		alert.AlertLevels = levels
	}

	if _, err := s.deps.Storage.AppendSensorAlert(ctx, alert); err != nil {
		s.writeReply(protocol.MsgSensorAlert, protocol.ResultError, "storage error")
		return fmt.Errorf("session: append sensor alert: %w", err)
	}

	s.deps.Signals.SignalSensorAlert()
	s.writeReply(protocol.MsgSensorAlert, protocol.ResultOK, "")
	return nil
}

func (s *Session) handleStateChange(ctx context.Context, env protocol.Envelope) error {
	var p protocol.StateChangePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.writeReply(protocol.MsgStateChange, protocol.ResultError, "malformed payload")
		return fmt.Errorf("session: decode statechange: %w", err)
	}

	node := s.Node()
	data := model.SensorData{Type: model.DataType(p.DataType), Int: p.DataInt, Float: p.DataFloat}
	if err := s.deps.Storage.UpdateSensorState(ctx, node.ID, p.RemoteSensorID, p.State, data, time.Now()); err != nil {
		s.writeReply(protocol.MsgStateChange, protocol.ResultError, "storage error")
		return fmt.Errorf("session: update sensor state: %w", err)
	}

	s.deps.Signals.MarkManagerDirty()
	s.writeReply(protocol.MsgStateChange, protocol.ResultOK, "")
	return nil
}

// handleSensorAlertsOff acknowledges an alert node's local "alerts
// silenced" push; the core only needs to record the acknowledgement, it
// does not change authoritative state.
func (s *Session) handleSensorAlertsOff(_ protocol.Envelope) error {
	s.writeReply(protocol.MsgSensorAlertsOff, protocol.ResultOK, "")
	return nil
}

// handleOption is a manager-initiated request to toggle a server option,
// optionally after TimeDelay seconds. The toggle itself runs on the
// session's own AsyncSender queue (Queue.Schedule), so a nonzero delay never
// blocks this read loop from servicing other requests in the meantime
// (spec.md §4.4, SPEC_FULL.md "Option RPC with delayed dispatch").
func (s *Session) handleOption(env protocol.Envelope) error {
	var p protocol.OptionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.writeReply(protocol.MsgOption, protocol.ResultError, "malformed payload")
		return fmt.Errorf("session: decode option: %w", err)
	}

	if s.deps.OptionHandler != nil {
		delay := time.Duration(p.TimeDelay * float64(time.Second))
		s.delayed.Schedule(delay, func() { s.deps.OptionHandler(p) })
	}

	s.writeReply(protocol.MsgOption, protocol.ResultOK, "")
	return nil
}

func (s *Session) handleSensorError(_ protocol.Envelope) error {
	s.writeReply(protocol.MsgSensorError, protocol.ResultOK, "")
	return nil
}
