package server

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/alertr/alertrd/internal/model"
	"github.com/alertr/alertrd/internal/protocol"
	"github.com/alertr/alertrd/internal/session"
	"github.com/alertr/alertrd/internal/storage/memstore"
	"github.com/alertr/alertrd/internal/userbackend"
)

type fixedUserBackend map[string]model.NodeType

func (f fixedUserBackend) Authenticate(username, password string) (model.NodeType, error) {
	nodeType, ok := f[username]
	if !ok {
		return "", userbackend.ErrInvalidCredentials
	}
	return nodeType, nil
}

// registerSession drives a full handshake for username/nodeType over an
// in-memory pipe and returns the now-Active *session.Session plus the
// client-side conn (closing it ends the session's Run loop).
func registerSession(t *testing.T, reg *Registry, signals *Signals, username string, nodeType model.NodeType) (*session.Session, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	deps := session.Deps{
		Storage:        memstore.New(),
		UserBackend:    fixedUserBackend{username: nodeType},
		Registry:       reg,
		Signals:        signals,
		ServerVersion:  protocol.ProtocolVersion,
		ReceiveTimeout: time.Second,
	}
	s := session.New(serverConn, deps)

	go s.Run(context.Background())

	send(t, clientConn, protocol.MsgRegVersion, protocol.RegVersionPayload{Version: protocol.ProtocolVersion})
	recv(t, clientConn)

	send(t, clientConn, protocol.MsgAuthentication, protocol.AuthenticationPayload{Username: username, Password: "x"})
	recv(t, clientConn)

	reg2 := protocol.RegistrationPayload{Hostname: "h"}
	switch nodeType {
	case model.NodeTypeSensor:
		reg2.Sensors = []protocol.SensorWire{{RemoteSensorID: 1, AlertLevels: []int{1}}}
	case model.NodeTypeAlert:
		reg2.Alerts = []protocol.AlertWire{{RemoteAlertID: 1, AlertLevels: []int{1}}}
	case model.NodeTypeManager:
		reg2.Manager = &protocol.ManagerWire{Description: "mgr"}
	}
	send(t, clientConn, protocol.MsgRegistration, reg2)
	recv(t, clientConn)
	recv(t, clientConn) // trailing status push

	// Give Run's post-handshake goroutine state a moment to settle.
	time.Sleep(20 * time.Millisecond)
	return s, clientConn
}

func send(t *testing.T, conn net.Conn, message string, payload interface{}) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env := protocol.Envelope{ClientTime: float64(time.Now().Unix()), Message: message, Payload: body}
	if err := protocol.WriteFrame(conn, env); err != nil {
		t.Fatalf("WriteFrame(%s): %v", message, err)
	}
}

func recv(t *testing.T, conn net.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := protocol.ReadFrame(conn, &env); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return env
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	signals := NewSignals()

	s, _ := registerSession(t, reg, signals, "alice", model.NodeTypeSensor)

	got, ok := reg.Lookup(session.Key{Username: "alice", NodeType: model.NodeTypeSensor})
	if !ok || got != s {
		t.Fatalf("Lookup: got (%v, %v), want (%v, true)", got, ok, s)
	}
	if reg.Count() != 1 {
		t.Errorf("Count: got %d, want 1", reg.Count())
	}
}

func TestRegistry_ByNodeType(t *testing.T) {
	reg := NewRegistry()
	signals := NewSignals()

	registerSession(t, reg, signals, "sensor-a", model.NodeTypeSensor)
	registerSession(t, reg, signals, "mgr-a", model.NodeTypeManager)

	sensors := reg.ByNodeType("sensor")
	if len(sensors) != 1 {
		t.Fatalf("ByNodeType(sensor): got %d entries, want 1", len(sensors))
	}
	managers := reg.ByNodeType("manager")
	if len(managers) != 1 {
		t.Fatalf("ByNodeType(manager): got %d entries, want 1", len(managers))
	}
}

func TestRegistry_ByID(t *testing.T) {
	reg := NewRegistry()
	signals := NewSignals()

	s, _ := registerSession(t, reg, signals, "sensor-b", model.NodeTypeSensor)
	nodeID := s.Node().ID

	got, ok := reg.ByID(nodeID)
	if !ok || got != s {
		t.Fatalf("ByID(%d): got (%v, %v), want (%v, true)", nodeID, got, ok, s)
	}
}

func TestRegistry_NewSessionSupersedesOld(t *testing.T) {
	reg := NewRegistry()
	signals := NewSignals()

	first, firstConn := registerSession(t, reg, signals, "dup", model.NodeTypeSensor)
	registerSession(t, reg, signals, "dup", model.NodeTypeSensor)

	time.Sleep(20 * time.Millisecond)
	if first.State() != session.Closed {
		t.Errorf("first session State after being superseded: got %v, want Closed", first.State())
	}
	firstConn.Close()

	if reg.Count() != 1 {
		t.Errorf("Count after supersession: got %d, want 1", reg.Count())
	}
}

func TestRegistry_AsyncSenderIsSharedPerSession(t *testing.T) {
	reg := NewRegistry()
	signals := NewSignals()

	s, _ := registerSession(t, reg, signals, "sensor-c", model.NodeTypeSensor)

	q1 := reg.AsyncSender(s)
	q2 := reg.AsyncSender(s)
	if q1 != q2 {
		t.Error("AsyncSender: expected the same queue instance across calls for one session")
	}
}
