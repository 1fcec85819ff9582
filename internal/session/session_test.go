package session

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alertr/alertrd/internal/model"
	"github.com/alertr/alertrd/internal/protocol"
	"github.com/alertr/alertrd/internal/storage/memstore"
	"github.com/alertr/alertrd/internal/userbackend"
)

// fakeUserBackend authenticates one fixed user.
type fakeUserBackend struct{}

func (fakeUserBackend) Authenticate(username, password string) (model.NodeType, error) {
	if username == "sensor1" && password == "secret" {
		return model.NodeTypeSensor, nil
	}
	return "", userbackend.ErrInvalidCredentials
}

// fakeRegistry records Register/Unregister calls without any supersession
// logic, enough to observe that the handshake reached Active.
type fakeRegistry struct {
	mu          sync.Mutex
	registered  []*Session
	unregistered []*Session
}

func (r *fakeRegistry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, s)
}

func (r *fakeRegistry) Unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = append(r.unregistered, s)
}

type fakeSignals struct {
	mu                sync.Mutex
	sensorAlertCount  int
	managerDirtyCount int
}

func (f *fakeSignals) SignalSensorAlert() {
	f.mu.Lock()
	f.sensorAlertCount++
	f.mu.Unlock()
}

func (f *fakeSignals) MarkManagerDirty() {
	f.mu.Lock()
	f.managerDirtyCount++
	f.mu.Unlock()
}

func newTestSession(t *testing.T) (*Session, net.Conn, *fakeRegistry) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })

	reg := &fakeRegistry{}
	deps := Deps{
		Storage:        memstore.New(),
		UserBackend:    fakeUserBackend{},
		Registry:       reg,
		Signals:        &fakeSignals{},
		ServerVersion:  protocol.ProtocolVersion,
		ReceiveTimeout: time.Second,
	}
	return New(server, deps), client, reg
}

func sendFrame(t *testing.T, conn net.Conn, message string, payload interface{}) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := protocol.Envelope{ClientTime: float64(time.Now().Unix()), Message: message, Payload: body}
	if err := protocol.WriteFrame(conn, env); err != nil {
		t.Fatalf("WriteFrame(%s): %v", message, err)
	}
}

func readReply(t *testing.T, conn net.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := protocol.ReadFrame(conn, &env); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	return env
}

func replyResult(t *testing.T, env protocol.Envelope) string {
	t.Helper()
	var p protocol.ReplyPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal reply payload: %v", err)
	}
	return p.Result
}

func doHandshake(t *testing.T, conn net.Conn) {
	t.Helper()
	sendFrame(t, conn, protocol.MsgRegVersion, protocol.RegVersionPayload{Version: protocol.ProtocolVersion})
	if r := replyResult(t, readReply(t, conn)); r != protocol.ResultOK {
		t.Fatalf("regversion reply: got %q, want ok", r)
	}

	sendFrame(t, conn, protocol.MsgAuthentication, protocol.AuthenticationPayload{Username: "sensor1", Password: "secret"})
	if r := replyResult(t, readReply(t, conn)); r != protocol.ResultOK {
		t.Fatalf("authentication reply: got %q, want ok", r)
	}

	sendFrame(t, conn, protocol.MsgRegistration, protocol.RegistrationPayload{
		Hostname: "host1",
		Sensors:  []protocol.SensorWire{{RemoteSensorID: 1, Description: "door", AlertLevels: []int{1}}},
	})
	if r := replyResult(t, readReply(t, conn)); r != protocol.ResultOK {
		t.Fatalf("registration reply: got %q, want ok", r)
	}

	statusEnv := readReply(t, conn)
	if statusEnv.Message != protocol.MsgStatus {
		t.Fatalf("post-handshake message: got %q, want %q", statusEnv.Message, protocol.MsgStatus)
	}
}

func TestSession_HandshakeReachesActive(t *testing.T) {
	s, client, reg := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	doHandshake(t, client)

	// Give Run's loop a moment to record Active before we close the pipe.
	time.Sleep(20 * time.Millisecond)
	if got := s.State(); got != Active {
		t.Errorf("State after handshake: got %v, want %v", got, Active)
	}
	if s.Node().NodeType != model.NodeTypeSensor {
		t.Errorf("NodeType: got %q, want sensor", s.Node().NodeType)
	}

	client.Close()
	<-done

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.registered) != 1 {
		t.Errorf("Register calls: got %d, want 1", len(reg.registered))
	}
	if len(reg.unregistered) != 1 {
		t.Errorf("Unregister calls: got %d, want 1", len(reg.unregistered))
	}
}

func TestSession_WrongPasswordClosesSession(t *testing.T) {
	s, client, _ := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	sendFrame(t, client, protocol.MsgRegVersion, protocol.RegVersionPayload{Version: protocol.ProtocolVersion})
	readReply(t, client)

	sendFrame(t, client, protocol.MsgAuthentication, protocol.AuthenticationPayload{Username: "sensor1", Password: "wrong"})
	if r := replyResult(t, readReply(t, client)); r != protocol.ResultExpired {
		t.Errorf("authentication reply with wrong password: got %q, want %q", r, protocol.ResultExpired)
	}

	<-done
	if got := s.State(); got != Closed {
		t.Errorf("State after failed auth: got %v, want %v", got, Closed)
	}
}

func TestSession_VersionMisfitClosesSession(t *testing.T) {
	s, client, _ := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	sendFrame(t, client, protocol.MsgRegVersion, protocol.RegVersionPayload{Version: protocol.ProtocolVersion + 1})
	if r := replyResult(t, readReply(t, client)); r != protocol.ResultVersionMisfit {
		t.Errorf("regversion reply with major mismatch: got %q, want %q", r, protocol.ResultVersionMisfit)
	}

	<-done
	if got := s.State(); got != Closed {
		t.Errorf("State after version misfit: got %v, want %v", got, Closed)
	}
}

func TestSession_RegistryKeyMatchesAuthenticatedIdentity(t *testing.T) {
	s, client, _ := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	doHandshake(t, client)
	time.Sleep(20 * time.Millisecond)

	key := s.RegistryKey()
	if key.Username != "sensor1" || key.NodeType != model.NodeTypeSensor {
		t.Errorf("RegistryKey: got %+v, want {sensor1 sensor}", key)
	}

	client.Close()
	<-done
}

func TestHandleOption_AppliesAfterDelayWithoutBlockingReadLoop(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })

	var mu sync.Mutex
	var got protocol.OptionPayload
	applied := make(chan struct{})

	deps := Deps{
		Storage:        memstore.New(),
		UserBackend:    fakeUserBackend{},
		Registry:       &fakeRegistry{},
		Signals:        &fakeSignals{},
		ServerVersion:  protocol.ProtocolVersion,
		ReceiveTimeout: time.Second,
		OptionHandler: func(p protocol.OptionPayload) {
			mu.Lock()
			got = p
			mu.Unlock()
			close(applied)
		},
	}
	s := New(server, deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	doHandshake(t, client)

	sendFrame(t, client, protocol.MsgOption, protocol.OptionPayload{Type: "alertSystemActive", Value: 1, TimeDelay: 0.1})
	if r := replyResult(t, readReply(t, client)); r != protocol.ResultOK {
		t.Fatalf("option reply: got %q, want ok", r)
	}

	select {
	case <-applied:
		t.Fatal("OptionHandler ran before the requested delay elapsed")
	default:
	}

	// The read loop must still service other requests while the option's
	// delay is pending — it runs on the session's own AsyncSender, not
	// inline in Run's loop.
	sendFrame(t, client, protocol.MsgPing, struct{}{})
	if r := replyResult(t, readReply(t, client)); r != protocol.ResultOK {
		t.Fatalf("ping reply while option delay pending: got %q, want ok", r)
	}

	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("expected OptionHandler to run after the requested delay")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Type != "alertSystemActive" || got.Value != 1 {
		t.Errorf("OptionHandler payload: got %+v, want {alertSystemActive 1 ...}", got)
	}

	client.Close()
	<-done
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		Accepted:      "accepted",
		Versioned:     "versioned",
		Authenticated: "authenticated",
		Registered:    "registered",
		Active:        "active",
		Closed:        "closed",
		State(99):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String(): got %q, want %q", state, got, want)
		}
	}
}
