package model

import (
	"encoding/json"
	"fmt"
)

// Event types accepted from clients.
const (
	EventJoin         = "join"
	EventLeaveRoom    = "leaveRoom"
	EventSendMessage  = "sendMessage"
	EventListMembers  = "listMembers"
	EventCallInitiate = "callInitiate"
	EventCallAccept   = "callAccept"
	EventICECandidate = "iceCandidate"
	EventCallEnd      = "callEnd"
)

// Event types sent by server.
const (
	EventJoinedAck    = "joinedAck"
	EventRoomMessage  = "roomMessage"
	EventRoomMembers  = "roomMembers"
	EventIncomingCall = "incomingCall"
	EventCallAccepted = "callAccepted"
	EventCallEnded    = "callEnded"
	EventError        = "operationError"
)

// Error codes carried by operationError events.
const (
	CodeValidation     = "validation"
	CodeTargetNotFound = "target_not_found"
)

const (
	// SystemOrigin is the sentinel origin id of server-synthesized messages.
	SystemOrigin = "system"
	// SystemName is the display name such messages are authored under.
	SystemName = "Система"
)

// Connection is one live transport session joined to a room.
type Connection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Room string `json:"room"`
}

// Message is immutable once appended to a room log.
type Message struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Text      string `json:"text"`
	From      string `json:"socketId"`
	RoomID    string `json:"roomId"`
	CreatedAt int64  `json:"createdAt"`
}

// NewChatMessage builds a message authored by conn. ID and timestamp are
// server-assigned, client-supplied ones are never trusted.
func NewChatMessage(conn Connection, room, text string, ts int64) Message {
	return Message{
		ID:        fmt.Sprintf("%s-%d", conn.ID, ts),
		Name:      conn.Name,
		Text:      text,
		From:      conn.ID,
		RoomID:    room,
		CreatedAt: ts,
	}
}

func NewJoinMessage(connID, name, room string, ts int64) Message {
	return Message{
		ID:        fmt.Sprintf("join-%s-%d", connID, ts),
		Name:      SystemName,
		Text:      fmt.Sprintf("%s присоединился к комнате", name),
		From:      SystemOrigin,
		RoomID:    room,
		CreatedAt: ts,
	}
}

func NewLeaveMessage(connID, name, room string, ts int64) Message {
	return Message{
		ID:        fmt.Sprintf("leave-%s-%d", connID, ts),
		Name:      SystemName,
		Text:      fmt.Sprintf("%s покинул комнату", name),
		From:      SystemOrigin,
		RoomID:    room,
		CreatedAt: ts,
	}
}

// Envelope frames every websocket message in both directions.
// Payload stays opaque until the type is known.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(typ string, v any) (Envelope, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("cannot marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: b}, nil
}

// Inbound payloads.
type (
	JoinRequest struct {
		Name string `json:"name"`
		Room string `json:"room"`
	}

	SendMessageRequest struct {
		Room string `json:"room"`
		Text string `json:"text"`
	}

	ListMembersRequest struct {
		Room string `json:"room"`
	}

	CallInitiateRequest struct {
		To      string          `json:"to"`
		Payload json.RawMessage `json:"payload"`
	}

	CallAcceptRequest struct {
		To      string          `json:"to"`
		Payload json.RawMessage `json:"payload"`
	}

	ICECandidateRequest struct {
		To        string          `json:"to"`
		Candidate json.RawMessage `json:"candidate"`
	}

	CallEndRequest struct {
		To string `json:"to"`
	}
)

// Outbound payloads.
type (
	JoinedAck struct {
		ConnectionID string `json:"connectionId"`
		Room         string `json:"room"`
	}

	IncomingCall struct {
		From    string          `json:"from"`
		Name    string          `json:"name"`
		Payload json.RawMessage `json:"payload"`
	}

	CallEnded struct {
		From string `json:"from"`
	}

	OperationError struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	}
)

const defaultWireBuffer = 32

// Wire is the outbound leg of one connected client.
type Wire struct {
	TX chan Envelope
}

func NewWire() Wire {
	return Wire{TX: make(chan Envelope, defaultWireBuffer)}
}
