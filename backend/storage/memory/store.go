package memory

import (
	"sort"
	"sync"

	"github.com/adwski/webrtc-chat/backend/model"
)

// Registry maps live connection ids to their records. It is the single
// source of truth for who is online and in which room; room membership is
// always derived from it, never stored separately.
type Registry struct {
	mx *sync.Mutex
	db map[string]model.Connection
}

func NewRegistry() *Registry {
	return &Registry{
		mx: &sync.Mutex{},
		db: make(map[string]model.Connection),
	}
}

// Register inserts or overwrites the record for conn.ID.
func (r *Registry) Register(conn model.Connection) {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.db[conn.ID] = conn
}

// Unregister removes connID and returns the removed record.
// Second return is false when the connection was not registered.
func (r *Registry) Unregister(connID string) (model.Connection, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	conn, ok := r.db[connID]
	if ok {
		delete(r.db, connID)
	}
	return conn, ok
}

func (r *Registry) Get(connID string) (model.Connection, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	conn, ok := r.db[connID]
	return conn, ok
}

// MembersOf returns the snapshot of connections currently joined to room,
// ordered by connection id so every recipient of one presence update
// observes the same roster.
func (r *Registry) MembersOf(room string) []model.Connection {
	r.mx.Lock()
	defer r.mx.Unlock()

	members := make([]model.Connection, 0)
	for _, conn := range r.db {
		if conn.Room == room {
			members = append(members, conn)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].ID < members[j].ID
	})
	return members
}

// MessageLog keeps the per-room append-only message history.
// Logs are created on first append and retained for process lifetime.
type MessageLog struct {
	mx *sync.Mutex
	db map[string][]model.Message
}

func NewMessageLog() *MessageLog {
	return &MessageLog{
		mx: &sync.Mutex{},
		db: make(map[string][]model.Message),
	}
}

// Append adds msg to the end of its room's log.
func (l *MessageLog) Append(msg model.Message) {
	l.mx.Lock()
	defer l.mx.Unlock()

	l.db[msg.RoomID] = append(l.db[msg.RoomID], msg)
}

// History returns the full ordered log of room. The result is a copy and is
// never nil, so it always marshals as a JSON array.
func (l *MessageLog) History(room string) []model.Message {
	l.mx.Lock()
	defer l.mx.Unlock()

	history := make([]model.Message, len(l.db[room]))
	copy(history, l.db[room])
	return history
}
