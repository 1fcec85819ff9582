package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alertr/alertrd/internal/model"
	"github.com/alertr/alertrd/internal/protocol"
	"github.com/alertr/alertrd/internal/storage"
)

// handshake runs the mandatory four-step exchange (spec.md §4.4). The peer
// initiates every step; the server only replies.
func (s *Session) handshake() error {
	if err := s.handleRegVersion(); err != nil {
		return err
	}
	if err := s.handleAuthentication(); err != nil {
		return err
	}
	if err := s.handleRegistration(); err != nil {
		return err
	}
	return s.sendStatus()
}

func (s *Session) readRequest(expected string) (protocol.Envelope, error) {
	var env protocol.Envelope
	if err := protocol.ReadFrame(s.conn, &env); err != nil {
		return env, err
	}
	s.lastRecv.Store(s.deps.Clock().UnixNano())
	if env.Message != expected {
		s.replyAndClose(env.Message, protocol.ResultError, fmt.Sprintf("expected %s", expected))
		return env, fmt.Errorf("session: expected %q, got %q", expected, env.Message)
	}
	return env, nil
}

func (s *Session) replyAndClose(message, result, errMsg string) {
	s.writeReply(message, result, errMsg)
}

func (s *Session) writeReply(message, result, errMsg string) {
	payload, _ := json.Marshal(protocol.ReplyPayload{Result: result, Message: errMsg})
	env := protocol.Envelope{
		ClientTime: float64(s.deps.Clock().Unix()),
		Message:    message,
		Payload:    payload,
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = protocol.WriteFrame(s.conn, env)
}

func (s *Session) handleRegVersion() error {
	env, err := s.readRequest(protocol.MsgRegVersion)
	if err != nil {
		return err
	}

	var p protocol.RegVersionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.writeReply(protocol.MsgRegVersion, protocol.ResultError, "malformed payload")
		return fmt.Errorf("session: decode regversion: %w", err)
	}

	if majorVersion(p.Version) != majorVersion(s.deps.ServerVersion) {
		s.writeReply(protocol.MsgRegVersion, protocol.ResultVersionMisfit, "")
		return fmt.Errorf("session: version misfit: peer %v, server %v", p.Version, s.deps.ServerVersion)
	}
	if p.Version != s.deps.ServerVersion {
		// Minor/rev skew is tolerated but worth a log line for operators.
		s.logVersionSkew(p.Version, p.Rev)
	}

	s.writeReply(protocol.MsgRegVersion, protocol.ResultOK, "")
	s.state.Store(int32(Versioned))
	return nil
}

func (s *Session) logVersionSkew(peerVersion float64, peerRev int) {
	slog.Warn("session: minor/rev version skew tolerated",
		"peerVersion", peerVersion, "peerRev", peerRev, "serverVersion", s.deps.ServerVersion)
}

func (s *Session) handleAuthentication() error {
	env, err := s.readRequest(protocol.MsgAuthentication)
	if err != nil {
		return err
	}

	var p protocol.AuthenticationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.writeReply(protocol.MsgAuthentication, protocol.ResultError, "malformed payload")
		return fmt.Errorf("session: decode authentication: %w", err)
	}

	nodeType, authErr := s.deps.UserBackend.Authenticate(p.Username, p.Password)
	if authErr != nil {
		s.writeReply(protocol.MsgAuthentication, protocol.ResultExpired, "")
		return fmt.Errorf("session: authentication failed for %q: %w", p.Username, authErr)
	}

	s.mu.Lock()
	s.node.Username = p.Username
	s.node.NodeType = nodeType
	s.mu.Unlock()

	s.writeReply(protocol.MsgAuthentication, protocol.ResultOK, "")
	s.state.Store(int32(Authenticated))
	return nil
}

func (s *Session) handleRegistration() error {
	env, err := s.readRequest(protocol.MsgRegistration)
	if err != nil {
		return err
	}

	var p protocol.RegistrationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.writeReply(protocol.MsgRegistration, protocol.ResultError, "malformed payload")
		return fmt.Errorf("session: decode registration: %w", err)
	}
	if p.Hostname == "" {
		s.writeReply(protocol.MsgRegistration, protocol.ResultError, "expected hostname")
		return fmt.Errorf("session: registration missing hostname")
	}

	s.mu.Lock()
	username := s.node.Username
	nodeType := s.node.NodeType
	s.mu.Unlock()

	reg := storage.NodeRegistration{
		Node: model.Node{
			Username:   username,
			Hostname:   p.Hostname,
			NodeType:   nodeType,
			Instance:   p.Instance,
			Version:    p.Version,
			Rev:        p.Rev,
			Persistent: p.Persistent != 0,
		},
	}

	switch nodeType {
	case model.NodeTypeSensor:
		if len(p.Sensors) == 0 {
			s.writeReply(protocol.MsgRegistration, protocol.ResultError, "expected sensors")
			return fmt.Errorf("session: sensor registration with no sensors")
		}
		for _, w := range p.Sensors {
			reg.Sensors = append(reg.Sensors, model.Sensor{
				RemoteSensorID: w.RemoteSensorID,
				Description:    w.Description,
				AlertDelay:     w.AlertDelay,
				AlertLevels:    w.AlertLevels,
				DataType:       model.DataType(w.DataType),
			})
		}
	case model.NodeTypeAlert:
		if len(p.Alerts) == 0 {
			s.writeReply(protocol.MsgRegistration, protocol.ResultError, "expected alerts")
			return fmt.Errorf("session: alert registration with no alerts")
		}
		for _, w := range p.Alerts {
			reg.Alerts = append(reg.Alerts, model.Alert{
				RemoteAlertID: w.RemoteAlertID,
				Description:   w.Description,
				AlertLevels:   w.AlertLevels,
			})
		}
	case model.NodeTypeManager:
		desc := ""
		if p.Manager != nil {
			desc = p.Manager.Description
		}
		reg.Manager = &model.Manager{Description: desc}
	}

	ctx := context.Background()
	nodeID, err := s.deps.Storage.UpsertNode(ctx, reg)
	if err != nil {
		s.writeReply(protocol.MsgRegistration, protocol.ResultError, "storage error")
		return fmt.Errorf("session: upsert node: %w", err)
	}
	if err := s.deps.Storage.SetNodeConnected(ctx, nodeID, true); err != nil {
		slog.Error("session: mark connected failed", "node", username, "err", err)
	}

	s.mu.Lock()
	s.node.ID = nodeID
	s.node.Persistent = reg.Node.Persistent
	s.node.Connected = true
	s.registered = true
	s.mu.Unlock()

	s.writeReply(protocol.MsgRegistration, protocol.ResultOK, "")
	s.state.Store(int32(Registered))
	return nil
}

func (s *Session) sendStatus() error {
	payload, _ := json.Marshal(protocol.ReplyPayload{Result: protocol.ResultOK})
	env := protocol.Envelope{ClientTime: float64(s.deps.Clock().Unix()), Message: protocol.MsgStatus, Payload: payload}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.WriteFrame(s.conn, env)
}
