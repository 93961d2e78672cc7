package control

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ecosim.dev/internal/protocol"
	"ecosim.dev/internal/sim/world"
)

type fakeController struct {
	mu       sync.Mutex
	calls    []string
	startErr error
	spawnID  uint64
	spawnErr error
	paramErr error

	subMu sync.Mutex
	subs  map[string]chan []byte
}

func newFakeController() *fakeController {
	return &fakeController{spawnID: 3, subs: map[string]chan []byte{}}
}

func (f *fakeController) note(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeController) Start() error { f.note("start"); return f.startErr }
func (f *fakeController) StopSim() error {
	f.note("stop")
	return nil
}

func (f *fakeController) SpawnAgent(kind string, pos *[2]int) (uint64, error) {
	f.note("spawn:" + kind)
	return f.spawnID, f.spawnErr
}

func (f *fakeController) SetParameter(name string, value float64) error {
	f.note("set:" + name)
	return f.paramErr
}

func (f *fakeController) IntroduceFood(pos [2]int, amount int) error {
	f.note("food")
	return nil
}

func (f *fakeController) Subscribe(id string) <-chan []byte {
	ch := make(chan []byte, 8)
	f.subMu.Lock()
	f.subs[id] = ch
	f.subMu.Unlock()
	return ch
}

func (f *fakeController) Unsubscribe(id string) {
	f.subMu.Lock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
	f.subMu.Unlock()
}

func (f *fakeController) State() world.State  { return world.StateIdle }
func (f *fakeController) CurrentTick() uint64 { return 9 }

func (f *fakeController) WorldParams() protocol.WorldParams {
	return protocol.WorldParams{Width: 40, Height: 40, TickIntervalMs: 200}
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []string
}

func (a *recordingAuditor) RecordCommand(session, cmd, status, code string) {
	a.mu.Lock()
	a.entries = append(a.entries, cmd+"/"+status)
	a.mu.Unlock()
}

func newControlConn(t *testing.T, ctrl Controller, audit Auditor) *websocket.Conn {
	t.Helper()
	srv := NewServer(ctrl, audit, log.New(io.Discard, "", 0))
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bootstrap", srv.BootstrapHandler())
	mux.HandleFunc("/v1/control", srv.WSHandler())
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/control"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, cmd protocol.CommandMsg) protocol.AckMsg {
	t.Helper()
	b, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var ack protocol.AckMsg
	if err := json.Unmarshal(msg, &ack); err != nil {
		t.Fatal(err)
	}
	return ack
}

func command(id, cmd string) protocol.CommandMsg {
	return protocol.CommandMsg{
		Type:            protocol.TypeCommand,
		ProtocolVersion: protocol.Version,
		ID:              id,
		Cmd:             cmd,
	}
}

func TestBootstrap(t *testing.T) {
	ctrl := newFakeController()
	srv := NewServer(ctrl, nil, log.New(io.Discard, "", 0))
	ts := httptest.NewServer(srv.BootstrapHandler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var boot BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&boot); err != nil {
		t.Fatal(err)
	}
	if boot.ProtocolVersion != protocol.Version || boot.State != "idle" || boot.Tick != 9 {
		t.Fatalf("bootstrap = %+v", boot)
	}
}

func TestStartStopAcked(t *testing.T) {
	ctrl := newFakeController()
	conn := newControlConn(t, ctrl, nil)

	ack := roundTrip(t, conn, command("c1", protocol.CmdStart))
	if ack.Status != protocol.StatusOK || ack.ID != "c1" {
		t.Fatalf("ack = %+v", ack)
	}
	ack = roundTrip(t, conn, command("c2", protocol.CmdStop))
	if ack.Status != protocol.StatusOK || ack.ID != "c2" {
		t.Fatalf("ack = %+v", ack)
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.calls) != 2 || ctrl.calls[0] != "start" || ctrl.calls[1] != "stop" {
		t.Fatalf("calls = %v", ctrl.calls)
	}
}

func TestSpawnAckCarriesAgentID(t *testing.T) {
	ctrl := newFakeController()
	conn := newControlConn(t, ctrl, nil)

	cmd := command("c1", protocol.CmdSpawnAgent)
	cmd.Kind = protocol.KindPredator
	cmd.Pos = &[2]int{2, 2}
	ack := roundTrip(t, conn, cmd)
	if ack.Status != protocol.StatusOK || ack.AgentID != 3 {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestFaultCodePropagated(t *testing.T) {
	ctrl := newFakeController()
	ctrl.startErr = world.Faultf(protocol.ErrControl, "cannot start in state running")
	conn := newControlConn(t, ctrl, nil)

	ack := roundTrip(t, conn, command("c1", protocol.CmdStart))
	if ack.Status != protocol.StatusError || ack.Code != protocol.ErrControl {
		t.Fatalf("ack = %+v", ack)
	}
	if ack.Detail == "" {
		t.Fatal("error ack without detail")
	}
}

func TestUnknownCommandRejected(t *testing.T) {
	ctrl := newFakeController()
	conn := newControlConn(t, ctrl, nil)

	ack := roundTrip(t, conn, command("c1", "EXPLODE"))
	if ack.Status != protocol.StatusError || ack.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestBadProtocolVersionRejected(t *testing.T) {
	ctrl := newFakeController()
	conn := newControlConn(t, ctrl, nil)

	cmd := command("c1", protocol.CmdStart)
	cmd.ProtocolVersion = "0.9"
	ack := roundTrip(t, conn, cmd)
	if ack.Status != protocol.StatusError || ack.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("ack = %+v", ack)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.calls) != 0 {
		t.Fatalf("calls = %v, want none", ctrl.calls)
	}
}

func TestSubscribeStreamsSnapshots(t *testing.T) {
	ctrl := newFakeController()
	conn := newControlConn(t, ctrl, nil)

	ack := roundTrip(t, conn, command("c1", protocol.CmdSubscribe))
	if ack.Status != protocol.StatusOK {
		t.Fatalf("ack = %+v", ack)
	}

	ctrl.subMu.Lock()
	if len(ctrl.subs) != 1 {
		ctrl.subMu.Unlock()
		t.Fatal("no subscription registered")
	}
	var ch chan []byte
	for _, c := range ctrl.subs {
		ch = c
	}
	ctrl.subMu.Unlock()

	ch <- []byte(`{"type":"SNAPSHOT","protocol_version":"1.0","tick":5}`)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeSnapshot {
		t.Fatalf("got %s, want SNAPSHOT", msg)
	}
}

func TestCommandsInterleavedWithSubscription(t *testing.T) {
	// Commands before and after SUBSCRIBE share the session; the writer
	// must keep acking while snapshots stream.
	ctrl := newFakeController()
	conn := newControlConn(t, ctrl, nil)

	if ack := roundTrip(t, conn, command("c1", protocol.CmdStart)); ack.Status != protocol.StatusOK {
		t.Fatalf("start ack = %+v", ack)
	}
	if ack := roundTrip(t, conn, command("c2", protocol.CmdSubscribe)); ack.Status != protocol.StatusOK {
		t.Fatalf("subscribe ack = %+v", ack)
	}

	ctrl.subMu.Lock()
	var ch chan []byte
	for _, c := range ctrl.subs {
		ch = c
	}
	ctrl.subMu.Unlock()
	if ch == nil {
		t.Fatal("no subscription registered")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			ch <- []byte(`{"type":"SNAPSHOT","protocol_version":"1.0","tick":1}`)
		}
	}()

	var acks, snaps int
	for acks < 3 {
		id := "c" + string(rune('3'+acks))
		b, err := json.Marshal(command(id, protocol.CmdStop))
		if err != nil {
			t.Fatal(err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			t.Fatal(err)
		}
		for {
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				t.Fatal(err)
			}
			if base.Type == protocol.TypeSnapshot {
				snaps++
				continue
			}
			var ack protocol.AckMsg
			if err := json.Unmarshal(msg, &ack); err != nil {
				t.Fatal(err)
			}
			if ack.Status != protocol.StatusOK || ack.ID != id {
				t.Fatalf("ack = %+v", ack)
			}
			acks++
			break
		}
	}
	<-done
	for snaps == 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("no snapshot delivered: %v", err)
		}
		if base, err := protocol.DecodeBase(msg); err == nil && base.Type == protocol.TypeSnapshot {
			snaps++
		}
	}
}

func TestAuditorRecordsCommands(t *testing.T) {
	ctrl := newFakeController()
	ctrl.paramErr = world.Faultf(protocol.ErrValidation, "unknown parameter")
	audit := &recordingAuditor{}
	conn := newControlConn(t, ctrl, audit)

	roundTrip(t, conn, command("c1", protocol.CmdStart))
	cmd := command("c2", protocol.CmdSetParameter)
	cmd.Name = "bogus"
	roundTrip(t, conn, cmd)

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.entries) != 2 {
		t.Fatalf("entries = %v", audit.entries)
	}
	if audit.entries[0] != protocol.CmdStart+"/"+protocol.StatusOK {
		t.Fatalf("first entry = %q", audit.entries[0])
	}
	if audit.entries[1] != protocol.CmdSetParameter+"/"+protocol.StatusError {
		t.Fatalf("second entry = %q", audit.entries[1])
	}
}
