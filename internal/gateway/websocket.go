package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/datachat/internal/observability"
	"github.com/haasonsaas/datachat/internal/ratelimit"
	"github.com/haasonsaas/datachat/internal/sessions"
)

const (
	wsMaxPayloadBytes = 64 << 10
	wsSendBuffer      = 32
	wsPingInterval    = 30 * time.Second
	wsPongWait        = 60 * time.Second
	wsWriteWait       = 10 * time.Second

	// wsMaxInflight bounds concurrently running requests per connection.
	wsMaxInflight = 8
)

// wsFrame is the envelope for every frame in both directions. Clients send
// type "req"; the server answers with "res" and pushes "event" frames.
type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsSessionParams struct {
	SessionID string `json:"sessionId"`
}

type wsHandler struct {
	server   *Server
	upgrader websocket.Upgrader
}

func (s *Server) newWSHandler() http.Handler {
	return &wsHandler{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || s.originAllowed(origin)
			},
		},
	}
}

// wsConn is one client connection. Requests run concurrently; chats on the
// same session id still serialize through the server's locker.
type wsConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *observability.Logger

	id        string
	clientKey string
	seq       int64
	slots     chan struct{}
	inflight  sync.WaitGroup
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	id := uuid.NewString()
	c := &wsConn{
		server: h.server,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
		logger: h.server.logger.WithFields("ws_conn", id),
		id:     id,

		clientKey: ratelimit.ClientKey(r, h.server.config.TrustProxy),
		slots:     make(chan struct{}, wsMaxInflight),
	}
	c.run()
}

func (c *wsConn) run() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writeLoop()
	}()
	c.sendEvent("ready", map[string]any{
		"connectionId":     c.id,
		"maxMessageLength": MaxMessageLength,
		"methods":          []string{"ping", "chat.send", "chat.history", "chat.reset"},
	})
	c.readLoop()

	c.cancel()
	c.inflight.Wait()
	<-done
	_ = c.conn.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug(c.ctx, "websocket read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := decodeWSFrame(data)
		if err != nil {
			c.sendError("", "invalid_frame", err.Error())
			continue
		}

		if !c.admit(frame) {
			continue
		}
		c.inflight.Add(1)
		go func() {
			defer func() {
				<-c.slots
				c.inflight.Done()
			}()
			c.handle(frame)
		}()
	}
}

// admit applies the client's rate limit to every request frame except ping
// and reserves an in-flight slot. Rejected frames get an error response.
func (c *wsConn) admit(frame *wsFrame) bool {
	if frame.Method != "ping" && !c.server.limiter.Allow(c.clientKey) {
		c.server.metrics.RecordError("gateway", "rate_limited")
		c.sendError(frame.ID, "rate_limited", "too many requests, slow down")
		return false
	}
	select {
	case c.slots <- struct{}{}:
		return true
	default:
		c.server.metrics.RecordError("gateway", "ws_inflight_limit")
		c.sendError(frame.ID, "too_many_inflight",
			fmt.Sprintf("at most %d requests may run at once on a connection", wsMaxInflight))
		return false
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")) //nolint:errcheck
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func decodeWSFrame(raw []byte) (*wsFrame, error) {
	if err := initRequestSchemas(); err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.New("frame must be valid JSON")
	}
	if err := requestSchemas.schemas["ws_frame"].Validate(payload); err != nil {
		return nil, describeValidation(err)
	}
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (c *wsConn) handle(frame *wsFrame) {
	ctx := observability.AddRequestID(c.ctx, frame.ID)

	switch frame.Method {
	case "ping":
		c.sendResponse(frame.ID, map[string]any{"timestamp": time.Now().UnixMilli()})
	case "chat.send":
		c.handleChat(ctx, frame)
	case "chat.history":
		c.handleHistory(frame)
	case "chat.reset":
		c.handleReset(ctx, frame)
	default:
		c.sendError(frame.ID, "unknown_method", fmt.Sprintf("unknown method %q", frame.Method))
	}
}

func (c *wsConn) handleChat(ctx context.Context, frame *wsFrame) {
	var req chatRequest
	if err := validatePayload(frame.Params, "chat", &req); err != nil {
		c.sendError(frame.ID, "invalid_params", err.Error())
		return
	}
	if err := req.validate(); err != nil {
		c.sendError(frame.ID, "invalid_params", err.Error())
		return
	}

	answer, sessionID, err := c.server.chat(ctx, req.SessionID, req.Message)
	if err != nil {
		if errors.Is(err, sessions.ErrLockTimeout) {
			c.sendError(frame.ID, "session_busy", "session is busy, try again")
			return
		}
		c.sendError(frame.ID, "chat_failed", GenericErrorMessage)
		return
	}
	c.sendResponse(frame.ID, chatResponse{Answer: answer, SessionID: sessionID})
}

func (c *wsConn) handleHistory(frame *wsFrame) {
	params, ok := c.sessionParams(frame)
	if !ok {
		return
	}
	engine, found := c.server.sessions.Get(params.SessionID)
	if !found {
		c.sendError(frame.ID, "not_found", "session not found")
		return
	}
	c.sendResponse(frame.ID, historyResponse{SessionID: params.SessionID, Messages: engine.History()})
}

func (c *wsConn) handleReset(ctx context.Context, frame *wsFrame) {
	params, ok := c.sessionParams(frame)
	if !ok {
		return
	}
	if err := c.server.reset(ctx, params.SessionID); err != nil {
		if errors.Is(err, sessions.ErrLockTimeout) {
			c.sendError(frame.ID, "session_busy", "session is busy, try again")
			return
		}
		c.sendError(frame.ID, "reset_failed", GenericErrorMessage)
		return
	}
	c.sendResponse(frame.ID, resetResponse{Success: true, SessionID: params.SessionID})
}

func (c *wsConn) sessionParams(frame *wsFrame) (wsSessionParams, bool) {
	var params wsSessionParams
	if err := validatePayload(frame.Params, "reset", &params); err != nil {
		c.sendError(frame.ID, "invalid_params", err.Error())
		return params, false
	}
	return params, true
}

func (c *wsConn) sendResponse(id string, payload any) {
	ok := true
	c.enqueue(wsFrame{Type: "res", ID: id, OK: &ok, Payload: payload})
}

func (c *wsConn) sendError(id, code, message string) {
	ok := false
	c.enqueue(wsFrame{Type: "res", ID: id, OK: &ok, Error: &wsError{Code: code, Message: message}})
}

func (c *wsConn) sendEvent(event string, payload any) {
	seq := atomic.AddInt64(&c.seq, 1)
	c.enqueue(wsFrame{Type: "event", Event: event, Payload: payload, Seq: &seq})
}

func (c *wsConn) enqueue(frame wsFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error(c.ctx, "encode websocket frame", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}
