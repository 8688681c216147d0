package service_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/adwski/webrtc-chat/backend/model"
	"github.com/adwski/webrtc-chat/backend/relay"
	"github.com/adwski/webrtc-chat/backend/service"
	store "github.com/adwski/webrtc-chat/backend/storage/memory"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

type fixture struct {
	svc *service.Service
}

func newFixture() *fixture {
	logger := zerolog.Nop()
	return &fixture{
		svc: service.NewService(service.Config{
			Registry:   store.NewRegistry(),
			MessageLog: store.NewMessageLog(),
			Relay:      relay.New(&logger),
			Logger:     &logger,
		}),
	}
}

type client struct {
	id   string
	wire model.Wire
}

func (f *fixture) connect(id string) *client {
	wire := model.NewWire()
	f.svc.OpenSession(id, wire)
	return &client{id: id, wire: wire}
}

// drain returns every event currently queued for the client. All service
// operations are synchronous, so queued events are always complete.
func (c *client) drain() []model.Envelope {
	var out []model.Envelope
	for {
		select {
		case env := <-c.wire.TX:
			out = append(out, env)
		default:
			return out
		}
	}
}

// expect pops queued events until one of the wanted type shows up.
func (c *client) expect(t *testing.T, typ string) model.Envelope {
	t.Helper()
	for {
		select {
		case env := <-c.wire.TX:
			if env.Type == typ {
				return env
			}
		default:
			t.Fatalf("no %s event queued for %s", typ, c.id)
			return model.Envelope{}
		}
	}
}

func decodeInto(t *testing.T, env model.Envelope, v any) {
	t.Helper()
	if err := json.Unmarshal(env.Payload, v); err != nil {
		t.Fatalf("cannot decode %s payload: %v", env.Type, err)
	}
}

func countType(envs []model.Envelope, typ string) int {
	var n int
	for _, env := range envs {
		if env.Type == typ {
			n++
		}
	}
	return n
}

func TestJoinAcknowledgesAndPublishesPresence(t *testing.T) {
	f := newFixture()
	a := f.connect("c1")

	f.svc.Join("c1", "Alice", "general")

	var msg model.Message
	decodeInto(t, a.expect(t, model.EventRoomMessage), &msg)
	if msg.Name != model.SystemName || msg.From != model.SystemOrigin {
		t.Errorf("join message must be system-authored: %s", spew.Sdump(msg))
	}
	if msg.Text != "Alice присоединился к комнате" {
		t.Errorf("unexpected join message text: %q", msg.Text)
	}
	if !strings.HasPrefix(msg.ID, "join-c1-") {
		t.Errorf("unexpected join message id: %q", msg.ID)
	}

	var members []model.Connection
	decodeInto(t, a.expect(t, model.EventRoomMembers), &members)
	if len(members) != 1 || members[0].Name != "Alice" {
		t.Errorf("unexpected roster: %s", spew.Sdump(members))
	}

	var ack model.JoinedAck
	decodeInto(t, a.expect(t, model.EventJoinedAck), &ack)
	if ack.ConnectionID != "c1" || ack.Room != "general" {
		t.Errorf("unexpected ack: %s", spew.Sdump(ack))
	}
}

func TestJoinDefaults(t *testing.T) {
	f := newFixture()
	a := f.connect("c1")

	f.svc.Join("c1", "", "")

	var ack model.JoinedAck
	decodeInto(t, a.expect(t, model.EventJoinedAck), &ack)
	if ack.Room != service.DefaultRoom {
		t.Errorf("expected default room, got %q", ack.Room)
	}

	history := f.svc.History(service.DefaultRoom)
	if len(history) != 1 || !strings.Contains(history[0].Text, "Anonymous") {
		t.Errorf("expected anonymous join message: %s", spew.Sdump(history))
	}
}

// Full scenario: Alice and Bob meet in general, chat, then Bob's transport
// drops and Alice watches him go.
func TestChatScenario(t *testing.T) {
	f := newFixture()
	a := f.connect("c1")
	f.svc.Join("c1", "Alice", "general")
	a.drain()

	b := f.connect("c2")
	f.svc.Join("c2", "Bob", "general")

	var roster []model.Connection
	decodeInto(t, a.expect(t, model.EventRoomMembers), &roster)
	if len(roster) != 2 || roster[0].Name != "Alice" || roster[1].Name != "Bob" {
		t.Fatalf("unexpected roster for Alice: %s", spew.Sdump(roster))
	}
	decodeInto(t, b.expect(t, model.EventRoomMembers), &roster)
	if len(roster) != 2 {
		t.Fatalf("unexpected roster for Bob: %s", spew.Sdump(roster))
	}
	a.drain()
	b.drain()

	f.svc.Submit("c1", "general", "hi")
	for _, c := range []*client{a, b} {
		var msg model.Message
		decodeInto(t, c.expect(t, model.EventRoomMessage), &msg)
		if msg.Name != "Alice" || msg.Text != "hi" || msg.RoomID != "general" || msg.From != "c1" {
			t.Errorf("unexpected message for %s: %s", c.id, spew.Sdump(msg))
		}
	}

	f.svc.CloseSession("c2")

	var left model.Message
	decodeInto(t, a.expect(t, model.EventRoomMessage), &left)
	if left.Text != "Bob покинул комнату" || left.From != model.SystemOrigin {
		t.Errorf("unexpected leave message: %s", spew.Sdump(left))
	}
	decodeInto(t, a.expect(t, model.EventRoomMembers), &roster)
	if len(roster) != 1 || roster[0].Name != "Alice" {
		t.Errorf("stale roster after disconnect: %s", spew.Sdump(roster))
	}
	if evs := b.drain(); countType(evs, model.EventRoomMessage) != 0 {
		t.Errorf("departed connection must not receive the leave broadcast: %s", spew.Sdump(evs))
	}
}

func TestSubmitEmptyTextRejected(t *testing.T) {
	f := newFixture()
	a := f.connect("c1")
	f.svc.Join("c1", "Alice", "general")
	a.drain()

	f.svc.Submit("c1", "general", "")

	var opErr model.OperationError
	decodeInto(t, a.expect(t, model.EventError), &opErr)
	if opErr.Code != model.CodeValidation {
		t.Errorf("expected validation error, got: %s", spew.Sdump(opErr))
	}

	for _, msg := range f.svc.History("general") {
		if msg.From == "c1" {
			t.Errorf("rejected message reached history: %s", spew.Sdump(msg))
		}
	}
}

func TestSubmitNotJoinedIsNoop(t *testing.T) {
	f := newFixture()
	a := f.connect("c1")

	f.svc.Submit("c1", "general", "hi")

	if evs := a.drain(); len(evs) != 0 {
		t.Errorf("unexpected events: %s", spew.Sdump(evs))
	}
	if history := f.svc.History("general"); len(history) != 0 {
		t.Errorf("unexpected history: %s", spew.Sdump(history))
	}
}

func TestJoinSwitchesRoom(t *testing.T) {
	f := newFixture()
	a := f.connect("c1")

	f.svc.Join("c1", "Alice", "red")
	a.drain()
	f.svc.Join("c1", "Alice", "blue")

	var ack model.JoinedAck
	decodeInto(t, a.expect(t, model.EventJoinedAck), &ack)
	if ack.Room != "blue" {
		t.Fatalf("expected ack for blue, got %q", ack.Room)
	}

	red := f.svc.History("red")
	if len(red) != 2 || !strings.HasPrefix(red[1].ID, "leave-c1-") {
		t.Errorf("expected join+leave in old room: %s", spew.Sdump(red))
	}
	if red[1].Text != "Alice покинул комнату" {
		t.Errorf("unexpected leave text: %q", red[1].Text)
	}
}

func TestLeaveThenDisconnectEmitsSingleLeave(t *testing.T) {
	f := newFixture()
	f.connect("c1")
	f.svc.Join("c1", "Alice", "general")

	f.svc.Leave("c1")
	f.svc.CloseSession("c1")

	var leaves int
	for _, msg := range f.svc.History("general") {
		if strings.HasPrefix(msg.ID, "leave-") {
			leaves++
		}
	}
	if leaves != 1 {
		t.Errorf("expected exactly one leave message, got %d", leaves)
	}
}

func TestListMembersGoesToSenderOnly(t *testing.T) {
	f := newFixture()
	a := f.connect("c1")
	b := f.connect("c2")
	f.svc.Join("c1", "Alice", "general")
	f.svc.Join("c2", "Bob", "general")
	a.drain()
	b.drain()

	f.svc.ListMembers("c1", "general")

	var members []model.Connection
	decodeInto(t, a.expect(t, model.EventRoomMembers), &members)
	if len(members) != 2 {
		t.Errorf("unexpected snapshot: %s", spew.Sdump(members))
	}
	if evs := b.drain(); len(evs) != 0 {
		t.Errorf("snapshot leaked to another connection: %s", spew.Sdump(evs))
	}
}

func TestCallFlow(t *testing.T) {
	f := newFixture()
	a := f.connect("c1")
	b := f.connect("c2")
	f.svc.Join("c1", "Alice", "general")
	f.svc.Join("c2", "Bob", "general")
	a.drain()
	b.drain()

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	f.svc.InitiateCall("c1", "c2", offer)

	var incoming model.IncomingCall
	decodeInto(t, b.expect(t, model.EventIncomingCall), &incoming)
	if incoming.From != "c1" || incoming.Name != "Alice" {
		t.Fatalf("unexpected incoming call: %s", spew.Sdump(incoming))
	}
	if string(incoming.Payload) != string(offer) {
		t.Errorf("offer payload not passed verbatim: %s", incoming.Payload)
	}

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	f.svc.AcceptCall("c2", "c1", answer)

	accepted := a.expect(t, model.EventCallAccepted)
	if string(accepted.Payload) != string(answer) {
		t.Errorf("answer payload not passed verbatim: %s", accepted.Payload)
	}

	candidate := json.RawMessage(`{"candidate":"foo","sdpMid":"0"}`)
	f.svc.RelayICECandidate("c1", "c2", candidate)

	ice := b.expect(t, model.EventICECandidate)
	if string(ice.Payload) != string(candidate) {
		t.Errorf("candidate not passed verbatim: %s", ice.Payload)
	}

	f.svc.EndCall("c1", "c2")

	var ended model.CallEnded
	decodeInto(t, b.expect(t, model.EventCallEnded), &ended)
	if ended.From != "c1" {
		t.Errorf("unexpected call end notification: %s", spew.Sdump(ended))
	}
}

func TestInitiateCallTargetNotFound(t *testing.T) {
	f := newFixture()
	a := f.connect("c1")
	f.svc.Join("c1", "Alice", "general")
	a.drain()

	f.svc.InitiateCall("c1", "ghost", json.RawMessage(`{}`))

	var opErr model.OperationError
	decodeInto(t, a.expect(t, model.EventError), &opErr)
	if opErr.Code != model.CodeTargetNotFound {
		t.Errorf("expected target_not_found, got: %s", spew.Sdump(opErr))
	}
}

func TestICECandidateTargetNotFound(t *testing.T) {
	f := newFixture()
	a := f.connect("c1")
	f.svc.Join("c1", "Alice", "general")
	a.drain()

	f.svc.RelayICECandidate("c1", "ghost", json.RawMessage(`{}`))

	var opErr model.OperationError
	decodeInto(t, a.expect(t, model.EventError), &opErr)
	if opErr.Code != model.CodeTargetNotFound {
		t.Errorf("expected target_not_found, got: %s", spew.Sdump(opErr))
	}
}

func TestCallerDisconnectNotifiesCalleeOnce(t *testing.T) {
	f := newFixture()
	a := f.connect("c1")
	b := f.connect("c2")
	f.svc.Join("c1", "Alice", "general")
	f.svc.Join("c2", "Bob", "general")

	f.svc.InitiateCall("c1", "c2", json.RawMessage(`{}`))
	f.svc.AcceptCall("c2", "c1", json.RawMessage(`{}`))
	a.drain()
	b.drain()

	f.svc.CloseSession("c1")

	evs := b.drain()
	if n := countType(evs, model.EventCallEnded); n != 1 {
		t.Fatalf("expected exactly one callEnded, got %d: %s", n, spew.Sdump(evs))
	}

	// the link is gone, ending again only acks the (dead) peer
	f.svc.EndCall("c2", "c1")
	if evs = b.drain(); countType(evs, model.EventCallEnded) != 1 {
		t.Errorf("expected ack for vanished peer: %s", spew.Sdump(evs))
	}
}

func TestEndCallAcksWhenCalleeGone(t *testing.T) {
	f := newFixture()
	a := f.connect("c1")
	b := f.connect("c2")
	f.svc.Join("c1", "Alice", "general")
	f.svc.Join("c2", "Bob", "general")

	f.svc.InitiateCall("c1", "c2", json.RawMessage(`{}`))
	f.svc.CloseSession("c2")
	a.drain()
	b.drain()

	f.svc.EndCall("c1", "c2")

	var ended model.CallEnded
	decodeInto(t, a.expect(t, model.EventCallEnded), &ended)
	if ended.From != "c2" {
		t.Errorf("ack must name the vanished peer: %s", spew.Sdump(ended))
	}
}
