package broadcast

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"draftsync/internal/action"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Backend is the session side of a push connection.
type Backend interface {
	// Attach subscribes the actor and queues a session-state snapshot ahead
	// of any later operation.
	Attach(ctx context.Context, sessionID string, actor action.Actor) (*Subscriber, error)
	Detach(sub *Subscriber)
	// HandleCommand runs an inbound apply/undo/redo and returns the ack or error reply.
	HandleCommand(ctx context.Context, sessionID string, actor action.Actor, cmd Message) Message
}

type WSConfig struct {
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration
	MaxMessage   int64
	Rate         rate.Limit
	Burst        int
	CheckOrigin  func(r *http.Request) bool
}

func DefaultWSConfig() WSConfig {
	return WSConfig{
		WriteTimeout: 10 * time.Second,
		PongTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		MaxMessage:   1 << 20,
		Rate:         rate.Limit(20),
		Burst:        40,
	}
}

type WSHandler struct {
	backend  Backend
	cfg      WSConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(backend Backend, cfg WSConfig) *WSHandler {
	defaults := DefaultWSConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaults.PongTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PingInterval >= cfg.PongTimeout {
		cfg.PingInterval = cfg.PongTimeout * 9 / 10
	}
	if cfg.MaxMessage <= 0 {
		cfg.MaxMessage = defaults.MaxMessage
	}
	if cfg.Rate <= 0 {
		cfg.Rate = defaults.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WSHandler{
		backend: backend,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// coded errors carry a stable code for the error message.
type coded interface {
	ErrorCode() string
}

func errorMessage(sessionID, requestID string, err error) Message {
	msg := Message{Type: TypeError, SessionID: sessionID, RequestID: requestID, Error: err.Error()}
	var c coded
	if errors.As(err, &c) {
		msg.Code = c.ErrorCode()
	}
	return msg
}

// ServeSession upgrades the request and streams the session until either side leaves.
func (h *WSHandler) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string, actor action.Actor) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("broadcast: upgrade %s: %v", sessionID, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := h.backend.Attach(ctx, sessionID, actor)
	if err != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		_ = conn.WriteJSON(errorMessage(sessionID, "", err))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session unavailable"))
		return
	}
	defer h.backend.Detach(sub)

	replies := make(chan Message, 16)
	go h.readLoop(ctx, cancel, conn, sub, actor, replies)
	h.writeLoop(ctx, conn, sub, replies)
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sub *Subscriber, replies <-chan Message) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	write := func(msg Message) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				reason := sub.Reason()
				if reason == ReasonDropped {
					// the client reconnects and gets a fresh session-state
					_ = write(SessionClosed(sub.SessionID, reason))
				}
				_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
				return
			}
			if !write(msg) {
				return
			}
		case reply := <-replies:
			if !write(reply) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *Subscriber, actor action.Actor, replies chan<- Message) {
	defer cancel()
	limiter := rate.NewLimiter(h.cfg.Rate, h.cfg.Burst)

	conn.SetReadLimit(h.cfg.MaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		var cmd Message
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("broadcast: read %s: %v", sub.SessionID, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

		var reply Message
		switch {
		case !limiter.Allow():
			reply = Message{Type: TypeError, SessionID: sub.SessionID, RequestID: cmd.RequestID, Code: "RATE_LIMITED", Error: "too many messages"}
		case cmd.Type != TypeApply && cmd.Type != TypeUndo && cmd.Type != TypeRedo:
			reply = Message{Type: TypeError, SessionID: sub.SessionID, RequestID: cmd.RequestID, Code: "UNSUPPORTED", Error: "unsupported message type " + string(cmd.Type)}
		default:
			reply = h.backend.HandleCommand(ctx, sub.SessionID, actor, cmd)
			reply.RequestID = cmd.RequestID
		}

		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}
