package service

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/adwski/webrtc-chat/backend/model"
	"github.com/rs/zerolog"
)

const (
	DefaultRoom = "general"
	DefaultName = "Anonymous"
)

type (
	Registry interface {
		Register(conn model.Connection)
		Unregister(connID string) (model.Connection, bool)
		Get(connID string) (model.Connection, bool)
		MembersOf(room string) []model.Connection
	}

	MessageLog interface {
		Append(msg model.Message)
		History(room string) []model.Message
	}

	Relay interface {
		Connect(connID string, wire model.Wire)
		Disconnect(connID string)
		Deliver(dst string, env model.Envelope) error
		DeliverAll(dsts []string, env model.Envelope)
		Link(caller, callee string)
		Unlink(caller string) (string, bool)
		UnlinkTarget(connID string)
	}

	// Service is the single mutation path for the registry and the message
	// log. Every inbound event runs to completion under one mutex, so in-room
	// delivery order always matches server-side processing order.
	Service struct {
		mx       sync.Mutex
		registry Registry
		messages MessageLog
		relay    Relay
		logger   zerolog.Logger
	}

	Config struct {
		Registry   Registry
		MessageLog MessageLog
		Relay      Relay
		Logger     *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		registry: cfg.Registry,
		messages: cfg.MessageLog,
		relay:    cfg.Relay,
		logger:   cfg.Logger.With().Str("component", "service").Logger(),
	}
}

// OpenSession attaches the outbound wire of a freshly upgraded connection.
// The connection is not a room member until it sends a join event.
func (svc *Service) OpenSession(connID string, wire model.Wire) {
	svc.relay.Connect(connID, wire)
}

// CloseSession handles transport-level disconnect: the leave path followed by
// port removal. Safe to call for connections that never joined.
func (svc *Service) CloseSession(connID string) {
	svc.mx.Lock()
	if conn, ok := svc.registry.Unregister(connID); ok {
		svc.depart(conn)
	}
	svc.mx.Unlock()
	svc.relay.Disconnect(connID)
}

// Join places the connection into room, leaving its previous room first if it
// had one. A connection is never counted in two rooms at once.
func (svc *Service) Join(connID, name, room string) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if name == "" {
		name = DefaultName
	}
	if room == "" {
		room = DefaultRoom
	}

	if prev, ok := svc.registry.Unregister(connID); ok && prev.Room != room {
		svc.depart(prev)
	}
	conn := model.Connection{ID: connID, Name: name, Room: room}
	svc.registry.Register(conn)

	joined := model.NewJoinMessage(connID, name, room, nowMilli())
	svc.messages.Append(joined)
	svc.broadcast(room, model.EventRoomMessage, joined)
	svc.publishPresence(room)
	svc.send(connID, model.EventJoinedAck, model.JoinedAck{ConnectionID: connID, Room: room})

	svc.logger.Debug().
		Str("connID", connID).
		Str("name", name).
		Str("room", room).
		Msg("connection joined room")
}

// Leave handles an explicit leaveRoom event. The port stays connected so the
// client may join again. Unknown connections are a no-op, not an error: the
// event is indistinguishable from a race against a just-processed disconnect.
func (svc *Service) Leave(connID string) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if conn, ok := svc.registry.Unregister(connID); ok {
		svc.depart(conn)
	}
}

// depart emits the synthesized leave message, refreshes presence and tears
// down any call the connection was party to. The caller must have already
// unregistered the connection and must hold svc.mx.
func (svc *Service) depart(conn model.Connection) {
	left := model.NewLeaveMessage(conn.ID, conn.Name, conn.Room, nowMilli())
	svc.messages.Append(left)
	svc.broadcast(conn.Room, model.EventRoomMessage, left)
	svc.publishPresence(conn.Room)

	if callee, ok := svc.relay.Unlink(conn.ID); ok {
		svc.send(callee, model.EventCallEnded, model.CallEnded{From: conn.ID})
	}
	svc.relay.UnlinkTarget(conn.ID)

	svc.logger.Debug().
		Str("connID", conn.ID).
		Str("name", conn.Name).
		Str("room", conn.Room).
		Msg("connection left room")
}

// Submit validates, appends and fans out one chat message. The author fields
// come from the registry record; the sender receives its own message back so
// its view matches the authoritative log.
func (svc *Service) Submit(connID, room, text string) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if room == "" || text == "" {
		svc.sendError(connID, model.CodeValidation, "room and text must not be empty")
		return
	}
	conn, ok := svc.registry.Get(connID)
	if !ok {
		return
	}

	msg := model.NewChatMessage(conn, room, text, nowMilli())
	svc.messages.Append(msg)
	svc.broadcast(room, model.EventRoomMessage, msg)

	svc.logger.Debug().
		Str("connID", connID).
		Str("room", room).
		Msg("message relayed")
}

// ListMembers sends the roster snapshot of room to the requester only.
func (svc *Service) ListMembers(connID, room string) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if room == "" {
		room = DefaultRoom
	}
	svc.send(connID, model.EventRoomMembers, svc.registry.MembersOf(room))
}

// History returns the ordered message log of room.
func (svc *Service) History(room string) []model.Message {
	return svc.messages.History(room)
}

// InitiateCall records the call link and forwards the opaque offer to the
// callee together with the caller's id and display name.
func (svc *Service) InitiateCall(from, to string, payload json.RawMessage) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if to == "" {
		svc.sendError(from, model.CodeValidation, "call target must not be empty")
		return
	}
	caller, ok := svc.registry.Get(from)
	if !ok {
		return
	}
	if _, ok = svc.registry.Get(to); !ok {
		svc.sendError(from, model.CodeTargetNotFound, "call target is not online")
		return
	}

	svc.relay.Link(from, to)
	svc.send(to, model.EventIncomingCall, model.IncomingCall{
		From:    from,
		Name:    caller.Name,
		Payload: payload,
	})
	svc.logger.Debug().Str("from", from).Str("to", to).Msg("call initiated")
}

// AcceptCall forwards the opaque answer back to the caller.
func (svc *Service) AcceptCall(from, to string, payload json.RawMessage) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if to == "" {
		svc.sendError(from, model.CodeValidation, "call target must not be empty")
		return
	}
	if _, ok := svc.registry.Get(to); !ok {
		svc.sendError(from, model.CodeTargetNotFound, "caller is no longer online")
		return
	}
	svc.deliver(to, model.Envelope{Type: model.EventCallAccepted, Payload: payload})
	svc.logger.Debug().Str("from", from).Str("to", to).Msg("call accepted")
}

// RelayICECandidate forwards one candidate verbatim.
func (svc *Service) RelayICECandidate(from, to string, candidate json.RawMessage) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if to == "" {
		svc.sendError(from, model.CodeValidation, "candidate target must not be empty")
		return
	}
	if _, ok := svc.registry.Get(to); !ok {
		svc.sendError(from, model.CodeTargetNotFound, "candidate target is not online")
		return
	}
	svc.deliver(to, model.Envelope{Type: model.EventICECandidate, Payload: candidate})
}

// EndCall clears the link held by from and notifies the peer. A peer that
// already vanished is acknowledged back to from rather than reported as an
// error, the caller cannot know the callee is gone.
func (svc *Service) EndCall(from, to string) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if to == "" {
		svc.sendError(from, model.CodeValidation, "call target must not be empty")
		return
	}
	svc.relay.Unlink(from)

	if _, ok := svc.registry.Get(to); !ok {
		svc.send(from, model.EventCallEnded, model.CallEnded{From: to})
		return
	}
	svc.send(to, model.EventCallEnded, model.CallEnded{From: from})
	svc.logger.Debug().Str("from", from).Str("to", to).Msg("call ended")
}

// broadcast fans a payload out to every current member of room.
func (svc *Service) broadcast(room, typ string, v any) {
	env, err := model.NewEnvelope(typ, v)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", typ).Msg("failed to build broadcast envelope")
		return
	}
	svc.relay.DeliverAll(memberIDs(svc.registry.MembersOf(room)), env)
}

// publishPresence recomputes the roster of room and delivers it to every
// member. Must run after every membership mutation.
func (svc *Service) publishPresence(room string) {
	members := svc.registry.MembersOf(room)
	env, err := model.NewEnvelope(model.EventRoomMembers, members)
	if err != nil {
		svc.logger.Error().Err(err).Msg("failed to build presence envelope")
		return
	}
	svc.relay.DeliverAll(memberIDs(members), env)
}

func (svc *Service) send(connID, typ string, v any) {
	env, err := model.NewEnvelope(typ, v)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", typ).Msg("failed to build envelope")
		return
	}
	svc.deliver(connID, env)
}

func (svc *Service) deliver(connID string, env model.Envelope) {
	if err := svc.relay.Deliver(connID, env); err != nil {
		svc.logger.Debug().
			Str("connID", connID).
			Str("type", env.Type).
			Msg("cannot deliver, port not found")
	}
}

func (svc *Service) sendError(connID, code, detail string) {
	svc.send(connID, model.EventError, model.OperationError{Code: code, Detail: detail})
}

func memberIDs(members []model.Connection) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return ids
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}
