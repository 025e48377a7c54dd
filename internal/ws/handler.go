package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/consortium-dev/consortium/internal/auth"
	"github.com/consortium-dev/consortium/internal/events"
	"github.com/consortium-dev/consortium/internal/repository"
	"github.com/consortium-dev/consortium/internal/rpc"
)

// defaultRPCTimeout bounds how long an rpc-call waits for the target
// socket's reply before failing the caller.
const defaultRPCTimeout = 30 * time.Second

// Config wires the WebSocket handler to the rest of the relay.
type Config struct {
	Logger   *zap.Logger
	Tokens   *auth.TokenService
	Router   *events.Router
	Emitter  *events.Emitter
	Registry *rpc.Registry
	Sessions repository.SessionRepository
	Machines repository.MachineRepository

	// RPCTimeout overrides defaultRPCTimeout when positive.
	RPCTimeout time.Duration
}

// Handler upgrades /v1/updates requests and runs the per-connection
// protocol loop.
type Handler struct {
	logger     *zap.Logger
	tokens     *auth.TokenService
	router     *events.Router
	emitter    *events.Emitter
	registry   *rpc.Registry
	sessions   repository.SessionRepository
	machines   repository.MachineRepository
	rpcTimeout time.Duration

	upgrader websocket.Upgrader
}

// NewHandler creates the WebSocket handler.
func NewHandler(cfg Config) *Handler {
	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	return &Handler{
		logger:     cfg.Logger.Named("ws"),
		tokens:     cfg.Tokens,
		router:     cfg.Router,
		emitter:    cfg.Emitter,
		registry:   cfg.Registry,
		sessions:   cfg.Sessions,
		machines:   cfg.Machines,
		rpcTimeout: timeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers are not a target client and tokens gate everything,
			// so cross-origin upgrades are allowed.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// client is the per-connection state threaded through frame handlers.
type client struct {
	*Conn

	accountID uuid.UUID
	route     *events.Connection
}

// ServeHTTP performs the handshake and runs the connection to completion.
//
// Handshake parameters travel as URL query values: token (required),
// clientType (user-scoped, session-scoped, machine-scoped; defaults to
// user-scoped), sessionId (required for session-scoped), machineId
// (required for machine-scoped). The upgrade happens first so rejections
// can be delivered as an error frame instead of an opaque HTTP status.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(ws, h.logger)

	route, err := h.handshake(r, conn)
	if err != nil {
		conn.sendError(err.Error())
		conn.Close()
		return
	}

	c := &client{Conn: conn, accountID: uuid.MustParse(route.AccountID), route: route}

	h.router.Add(route)
	if route.Scope == events.ScopeMachine {
		h.emitter.EmitEphemeral(route.AccountID,
			events.MachineActivity(route.MachineID, true, time.Now().UnixMilli()),
			events.UserScopedOnly())
	}

	h.logger.Info("client connected",
		zap.String("account_id", route.AccountID),
		zap.String("scope", string(route.Scope)),
	)

	go conn.pingLoop()
	conn.readLoop(func(frame inboundFrame) {
		h.dispatch(r.Context(), c, frame)
	})

	h.router.Remove(route)
	h.registry.RemovePeer(route.AccountID, conn)
	if route.Scope == events.ScopeMachine {
		h.emitter.EmitEphemeral(route.AccountID,
			events.MachineActivity(route.MachineID, false, time.Now().UnixMilli()),
			events.UserScopedOnly())
	}

	h.logger.Info("client disconnected",
		zap.String("account_id", route.AccountID),
		zap.String("scope", string(route.Scope)),
	)
}

// handshakeError is sent to the client verbatim, so messages must not
// leak internals.
type handshakeError string

func (e handshakeError) Error() string { return string(e) }

// handshake authenticates the request and builds the routing record.
func (h *Handler) handshake(r *http.Request, conn *Conn) (*events.Connection, error) {
	q := r.URL.Query()

	claims, err := h.tokens.VerifyToken(q.Get("token"))
	if err != nil {
		return nil, handshakeError("Invalid token")
	}
	accountID, err := uuid.Parse(claims.AccountID)
	if err != nil {
		return nil, handshakeError("Invalid token")
	}

	scope := events.Scope(q.Get("clientType"))
	if scope == "" {
		scope = events.ScopeUser
	}

	route := &events.Connection{
		AccountID: claims.AccountID,
		Scope:     scope,
		Sink:      conn,
	}

	switch scope {
	case events.ScopeUser:

	case events.ScopeSession:
		sid, err := uuid.Parse(q.Get("sessionId"))
		if err != nil {
			return nil, handshakeError("Session not found")
		}
		// Ownership is checked here once; the connection is trusted for its
		// session afterwards.
		if _, err := h.sessions.GetByID(r.Context(), accountID, sid); err != nil {
			return nil, handshakeError("Session not found")
		}
		route.SessionID = sid.String()

	case events.ScopeMachine:
		mid := q.Get("machineId")
		if mid == "" {
			return nil, handshakeError("Machine not found")
		}
		if _, err := h.machines.GetByID(r.Context(), accountID, mid); err != nil {
			return nil, handshakeError("Machine not found")
		}
		route.MachineID = mid

	default:
		return nil, handshakeError("Unknown client type")
	}

	return route, nil
}

// dispatch routes one client frame to its handler. A panicking handler
// poisons only its own frame: the connection and every other handler keep
// running.
func (h *Handler) dispatch(ctx context.Context, c *client, frame inboundFrame) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("frame handler panic",
				zap.String("event", frame.Event),
				zap.Any("panic", rec),
			)
			c.reply(frame, genericError)
		}
	}()

	switch frame.Event {
	case "message":
		h.handleMessage(ctx, c, frame)
	case "session-alive":
		h.handleSessionAlive(ctx, c, frame)
	case "session-end":
		h.handleSessionEnd(ctx, c, frame)
	case "update-metadata":
		h.handleUpdateMetadata(ctx, c, frame)
	case "update-state":
		h.handleUpdateState(ctx, c, frame)
	case "machine-alive":
		h.handleMachineAlive(ctx, c, frame)
	case "machine-update-metadata":
		h.handleMachineUpdateMetadata(ctx, c, frame)
	case "machine-update-state":
		h.handleMachineUpdateState(ctx, c, frame)
	case "rpc-register":
		h.handleRPCRegister(c, frame)
	case "rpc-unregister":
		h.handleRPCUnregister(c, frame)
	case "rpc-call":
		h.handleRPCCall(c, frame)
	case "ping":
		c.reply(frame, struct{}{})
	default:
		h.logger.Debug("unknown event", zap.String("event", frame.Event))
	}
}

// reply acks the frame if (and only if) it carried a correlation id.
// Frames sent without an id are fire-and-forget and get no reply.
func (c *client) reply(frame inboundFrame, payload any) {
	if frame.ID == nil {
		return
	}
	if err := c.sendAck(*frame.ID, payload); err != nil {
		c.logger.Debug("ack write failed", zap.Error(err))
	}
}
