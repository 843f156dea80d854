package room

import (
	"testing"

	"github.com/agentworkforce/pagerelay/internal/protocol"
	"github.com/agentworkforce/pagerelay/internal/session"
)

type fakeTransport struct {
	connected bool
	emitted   []protocol.Message
	listeners []func(bool)
}

func (f *fakeTransport) Connected() bool { return f.connected }

func (f *fakeTransport) Emit(msg protocol.Message) bool {
	if !f.connected {
		return false
	}
	f.emitted = append(f.emitted, msg)
	return true
}

func (f *fakeTransport) OnStateChange(fn func(bool)) {
	f.listeners = append(f.listeners, fn)
}

func (f *fakeTransport) setConnected(connected bool) {
	f.connected = connected
	for _, fn := range f.listeners {
		fn(connected)
	}
}

func testSession() session.Session {
	return session.Session{UserID: "u1", UserName: "Ada", Token: "token"}
}

func TestJoinWaitsForConnection(t *testing.T) {
	tr := &fakeTransport{}
	m := NewMembership(tr, testSession(), nil)
	var joined []string
	m.OnJoined(func(projectID string) { joined = append(joined, projectID) })

	m.Join("p1")
	if m.ProjectID() != "p1" {
		t.Fatalf("expected optimistic intent p1, got %q", m.ProjectID())
	}
	if m.Active() || len(tr.emitted) != 0 || len(joined) != 0 {
		t.Fatalf("expected no join before connection")
	}

	tr.setConnected(true)
	if !m.Active() {
		t.Fatalf("expected membership to be active after connect")
	}
	if len(tr.emitted) != 1 {
		t.Fatalf("expected one join emission, got %d", len(tr.emitted))
	}
	join, ok := tr.emitted[0].(protocol.UserJoin)
	if !ok || join.ProjectID != "p1" || join.UserID != "u1" || join.UserName != "Ada" {
		t.Fatalf("unexpected join message %#v", tr.emitted[0])
	}
	if len(joined) != 1 || joined[0] != "p1" {
		t.Fatalf("expected joined callback for p1, got %v", joined)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	tr := &fakeTransport{connected: true}
	m := NewMembership(tr, testSession(), nil)
	m.Join("p1")
	m.Join("p1")
	if len(tr.emitted) != 1 {
		t.Fatalf("expected a single join emission, got %d", len(tr.emitted))
	}
}

func TestSwitchingProjectsLeavesFirst(t *testing.T) {
	tr := &fakeTransport{connected: true}
	m := NewMembership(tr, testSession(), nil)
	m.Join("q")
	m.Join("p")

	if len(tr.emitted) != 3 {
		t.Fatalf("expected join, leave, join; got %d messages", len(tr.emitted))
	}
	leave, ok := tr.emitted[1].(protocol.UserLeave)
	if !ok || leave.ProjectID != "q" {
		t.Fatalf("expected leave for q second, got %#v", tr.emitted[1])
	}
	join, ok := tr.emitted[2].(protocol.UserJoin)
	if !ok || join.ProjectID != "p" {
		t.Fatalf("expected join for p last, got %#v", tr.emitted[2])
	}
	if m.ProjectID() != "p" || !m.Active() {
		t.Fatalf("expected active membership in p")
	}
}

func TestLeaveClearsStateEvenWhenDisconnected(t *testing.T) {
	tr := &fakeTransport{connected: true}
	m := NewMembership(tr, testSession(), nil)
	m.Join("p1")
	tr.setConnected(false)
	m.Leave()
	if m.ProjectID() != "" || m.Active() {
		t.Fatalf("expected cleared membership")
	}
	for _, msg := range tr.emitted {
		if _, ok := msg.(protocol.UserLeave); ok {
			t.Fatalf("leave must not be emitted while disconnected")
		}
	}
}

func TestEmitGatedOnActiveMembership(t *testing.T) {
	tr := &fakeTransport{connected: true}
	m := NewMembership(tr, testSession(), nil)
	if m.Emit(protocol.PageRequestSync{ProjectID: "p1"}) {
		t.Fatalf("expected emit to be gated without membership")
	}
	m.Join("p1")
	if !m.Emit(protocol.PageRequestSync{ProjectID: "p1"}) {
		t.Fatalf("expected emit once joined")
	}
}

func TestReconnectRejoins(t *testing.T) {
	tr := &fakeTransport{connected: true}
	m := NewMembership(tr, testSession(), nil)
	joins := 0
	m.OnJoined(func(string) { joins++ })
	m.Join("p1")
	tr.setConnected(false)
	if m.Active() {
		t.Fatalf("expected inactive while disconnected")
	}
	tr.setConnected(true)
	if !m.Active() || joins != 2 {
		t.Fatalf("expected rejoin after reconnect, joins=%d", joins)
	}
}
