package relay

import (
	"errors"
	"sync"

	"github.com/adwski/webrtc-chat/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrPortNotFound = errors.New("destination connection is not live")
)

// Relay owns the table of outbound ports (one per live websocket connection)
// and the transient caller->callee call links. Links exist only so the callee
// can be told when its caller vanishes; the callee side needs no entry.
type Relay struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	ports  map[string]model.Wire
	links  map[string]string
}

func New(logger *zerolog.Logger) *Relay {
	return &Relay{
		logger: logger.With().Str("component", "relay").Logger(),
		mx:     &sync.RWMutex{},
		ports:  make(map[string]model.Wire),
		links:  make(map[string]string),
	}
}

func (rl *Relay) Connect(connID string, wire model.Wire) {
	rl.mx.Lock()
	rl.ports[connID] = wire
	rl.mx.Unlock()
	rl.logger.Debug().Str("connID", connID).Msg("port connected")
}

func (rl *Relay) Disconnect(connID string) {
	rl.mx.Lock()
	delete(rl.ports, connID)
	rl.mx.Unlock()
	rl.logger.Debug().Str("connID", connID).Msg("port disconnected")
}

// Deliver queues env for dst without blocking. A saturated port drops the
// event rather than stalling the caller; only a missing port is an error.
func (rl *Relay) Deliver(dst string, env model.Envelope) error {
	rl.mx.RLock()
	wire, ok := rl.ports[dst]
	rl.mx.RUnlock()

	if !ok {
		return ErrPortNotFound
	}
	select {
	case wire.TX <- env:
	default:
		rl.logger.Error().
			Str("dst", dst).
			Str("type", env.Type).
			Msg("dead or saturated port, event dropped")
	}
	return nil
}

// DeliverAll fans env out to every destination. Failures are isolated per
// recipient, one dead port never prevents delivery to the rest.
func (rl *Relay) DeliverAll(dsts []string, env model.Envelope) {
	for _, dst := range dsts {
		if err := rl.Deliver(dst, env); err != nil {
			rl.logger.Debug().
				Str("dst", dst).
				Str("type", env.Type).
				Msg("cannot fan out, dst not found")
		}
	}
}

// Link records caller -> callee, replacing any previous link held by caller.
func (rl *Relay) Link(caller, callee string) {
	rl.mx.Lock()
	rl.links[caller] = callee
	rl.mx.Unlock()
	rl.logger.Debug().Str("caller", caller).Str("callee", callee).Msg("call link set")
}

// Unlink clears the call link keyed by caller and reports the callee it
// pointed at. Second return is false when caller held no link.
func (rl *Relay) Unlink(caller string) (string, bool) {
	rl.mx.Lock()
	callee, ok := rl.links[caller]
	if ok {
		delete(rl.links, caller)
	}
	rl.mx.Unlock()
	return callee, ok
}

// UnlinkTarget clears every link pointing at connID, so callers of a departed
// callee keep no stale links behind.
func (rl *Relay) UnlinkTarget(connID string) {
	rl.mx.Lock()
	for caller, callee := range rl.links {
		if callee == connID {
			delete(rl.links, caller)
		}
	}
	rl.mx.Unlock()
}
