package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/webrtc-chat/backend/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// SessionService is everything the transport needs from the core:
	// lifecycle plus the per-event operations. Connection ids are minted
	// here and never reused after disconnect.
	SessionService interface {
		OpenSession(connID string, wire model.Wire)
		CloseSession(connID string)
		Join(connID, name, room string)
		Leave(connID string)
		Submit(connID, room, text string)
		ListMembers(connID, room string)
		InitiateCall(from, to string, payload json.RawMessage)
		AcceptCall(from, to string, payload json.RawMessage)
		RelayICECandidate(from, to string, candidate json.RawMessage)
		EndCall(from, to string)
	}

	Config struct {
		Logger       *zerolog.Logger
		Service      SessionService
		ListenAddr   string
		ReadLimit    int64
		PingInterval time.Duration
		PongWait     time.Duration
	}

	Server struct {
		svc SessionService
		ws  *websocket.Upgrader
		*http.Server

		readLimit    int64
		pingInterval time.Duration
		pongWait     time.Duration

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.Service,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		readLimit:    cfg.ReadLimit,
		pingInterval: cfg.PingInterval,
		pongWait:     cfg.PongWait,
	}
	if srv.readLimit == 0 {
		srv.readLimit = defaultWebSocketMaxMessageSize
	}
	if srv.pingInterval == 0 {
		srv.pingInterval = defaultPingInterval
	}
	if srv.pongWait == 0 {
		srv.pongWait = defaultPongWait
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.serve)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	wire := model.NewWire()

	ctx, cancel := context.WithCancel(context.Background()) // long-living wire context

	srv.svc.OpenSession(connID, wire)
	srv.logger.Debug().Str("connID", connID).Msg("session opened")

	go srv.handleWSConn(ctx, cancel, conn, connID, wire)
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	connID string,
	wire model.Wire,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().Str("connID", connID).Logger()

	wg.Add(2)
	go func() {
		srv.receive(ctx, wg, conn, connID, wire, &logger)
		cancel()
	}()
	go func() {
		srv.transmit(ctx, wg, conn, wire.TX, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.svc.CloseSession(connID)
	logger.Debug().Msg("session closed")
}

// dispatch decodes one inbound envelope and routes it to the core. Malformed
// input costs the sender an operationError, never the process.
func (srv *Server) dispatch(connID string, wire model.Wire, env model.Envelope, logger *zerolog.Logger) {
	switch env.Type {
	case model.EventJoin:
		var req model.JoinRequest
		if decodePayload(wire, env, &req, logger) {
			srv.svc.Join(connID, req.Name, req.Room)
		}
	case model.EventLeaveRoom:
		srv.svc.Leave(connID)
	case model.EventSendMessage:
		var req model.SendMessageRequest
		if decodePayload(wire, env, &req, logger) {
			srv.svc.Submit(connID, req.Room, req.Text)
		}
	case model.EventListMembers:
		var req model.ListMembersRequest
		if decodePayload(wire, env, &req, logger) {
			srv.svc.ListMembers(connID, req.Room)
		}
	case model.EventCallInitiate:
		var req model.CallInitiateRequest
		if decodePayload(wire, env, &req, logger) {
			srv.svc.InitiateCall(connID, req.To, req.Payload)
		}
	case model.EventCallAccept:
		var req model.CallAcceptRequest
		if decodePayload(wire, env, &req, logger) {
			srv.svc.AcceptCall(connID, req.To, req.Payload)
		}
	case model.EventICECandidate:
		var req model.ICECandidateRequest
		if decodePayload(wire, env, &req, logger) {
			srv.svc.RelayICECandidate(connID, req.To, req.Candidate)
		}
	case model.EventCallEnd:
		var req model.CallEndRequest
		if decodePayload(wire, env, &req, logger) {
			srv.svc.EndCall(connID, req.To)
		}
	default:
		logger.Debug().Str("type", env.Type).Msg("unknown event type")
		sendWireError(wire, "unknown event type: "+env.Type)
	}
}

func decodePayload(wire model.Wire, env model.Envelope, v any, logger *zerolog.Logger) bool {
	if len(env.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		logger.Debug().Err(err).Str("type", env.Type).Msg("malformed payload")
		sendWireError(wire, "malformed "+env.Type+" payload")
		return false
	}
	return true
}

// sendWireError pushes a validation error straight onto the wire, bypassing
// the core. Dropped if the wire is saturated.
func sendWireError(wire model.Wire, detail string) {
	env, err := model.NewEnvelope(model.EventError, model.OperationError{
		Code:   model.CodeValidation,
		Detail: detail,
	})
	if err != nil {
		return
	}
	select {
	case wire.TX <- env:
	default:
	}
}

func (srv *Server) transmit(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Envelope,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(srv.pingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case env, ok := <-tx:
			if !ok {
				break SendLoop
			}

			b, wsErr := json.Marshal(&env)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing event")
				break SendLoop
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.TextMessage, b); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing event")
				break SendLoop
			}
		}
	}
}

func (srv *Server) receive(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	connID string,
	wire model.Wire,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(srv.readLimit)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(srv.pongWait)
	})
	err := readDeadLineFunc(srv.pongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Warn().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var env model.Envelope
			if wsErr = json.Unmarshal(msg, &env); wsErr != nil {
				logger.Debug().Err(wsErr).Msg("failed to unmarshall incoming event")
				sendWireError(wire, "malformed event envelope")
				continue
			}
			srv.dispatch(connID, wire, env, logger)
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to close websocket connection")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
