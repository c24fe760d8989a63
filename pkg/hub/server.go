package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alimk/power-telemetry-hub/pkg/history"
	"github.com/alimk/power-telemetry-hub/pkg/models"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 4096                // Control messages only.

	DefaultRequestTimeout = 30 * time.Second
)

// Querier serves the request/response messages.
type Querier interface {
	Range(ctx context.Context, req history.Request) ([]models.Reading, error)
	Initial(ctx context.Context, since time.Time) ([]models.Reading, error)
}

type ServerConfig struct {
	// AllowedOrigins empty accepts every origin.
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Server upgrades HTTP requests to WebSocket sessions.
type Server struct {
	hub      *Hub
	history  Querier
	logger   *slog.Logger
	upgrader websocket.Upgrader
	timeout  time.Duration
}

func NewServer(h *Hub, q Querier, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	origins := slices.Clone(cfg.AllowedOrigins)
	return &Server{
		hub:     h,
		history: q,
		logger:  logger,
		timeout: cfg.RequestTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return len(origins) == 0 || slices.Contains(origins, r.Header.Get("Origin"))
			},
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	sess := s.hub.Register()
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		srv:    s,
		ws:     ws,
		sess:   sess,
		ctx:    ctx,
		cancel: cancel,
		logger: s.logger.With("session_id", sess.ID(), "remote", r.RemoteAddr),
	}
	go c.writePump()
	c.readPump()
}

type conn struct {
	srv    *Server
	ws     *websocket.Conn
	sess   *Session
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // in-flight requests
	logger *slog.Logger
}

// readPump handles control messages until the socket fails or the session
// is closed by the hub.
func (c *conn) readPump() {
	defer func() {
		c.cancel()
		c.wg.Wait()
		_ = c.srv.hub.Unregister(c.sess.ID())
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.handle(raw)
	}
}

// writePump is the only writer of the socket.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.sess.Outbox():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-c.sess.Done():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

func (c *conn) handle(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("malformed client message", "error", err)
		return
	}

	switch env.Type {
	case TypeFetchHistorical:
		// The session stops receiving db_update as soon as it asks for history.
		_ = c.srv.hub.SetMode(c.sess.ID(), Historical)
		var req historicalRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			c.reply(c.ctx, TypeHistoricalAck, env.RequestID, Ack{Error: "invalid payload: " + err.Error()})
			return
		}
		c.async(func(ctx context.Context) { c.fetchHistorical(ctx, env.RequestID, req) })

	case TypeSwitchToLive:
		_ = c.srv.hub.SetMode(c.sess.ID(), Live)

	case TypeFetchInitial:
		var req initialRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			c.reply(c.ctx, TypeError, env.RequestID, RequestError{Request: env.Type, Error: "invalid payload: " + err.Error()})
			return
		}
		c.async(func(ctx context.Context) { c.fetchInitial(ctx, env.RequestID, req) })

	case TypeToggleSimulation:
		var req toggleRequest
		if err := decodePayload(env.Payload, &req); err != nil {
			c.logger.Warn("invalid toggle payload", "error", err)
			return
		}
		_ = c.srv.hub.SetPaused(c.sess.ID(), req.Paused)

	default:
		c.logger.Debug("ignoring unknown message type", "type", env.Type)
	}
}

func (c *conn) fetchHistorical(ctx context.Context, requestID string, req historicalRequest) {
	readings, err := c.srv.history.Range(ctx, history.Request{
		DeviceID: req.DeviceID,
		Date:     req.Date,
		EndDate:  req.EndDate,
	})
	if err != nil {
		c.logger.Warn("historical request failed", "device_id", req.DeviceID, "error", err)
		c.reply(c.ctx, TypeHistoricalAck, requestID, Ack{Error: clientError(err)})
		return
	}
	c.reply(c.ctx, TypeHistoricalAck, requestID, Ack{Success: true})
	c.reply(c.ctx, TypeHistoricalResponse, requestID, nonNil(readings))
}

func (c *conn) fetchInitial(ctx context.Context, requestID string, req initialRequest) {
	since, _, err := history.ParseDate(req.StartDate)
	if err == nil {
		var readings []models.Reading
		readings, err = c.srv.history.Initial(ctx, since)
		if err == nil {
			c.reply(c.ctx, TypeInitialData, requestID, nonNil(readings))
			return
		}
	}
	c.logger.Warn("initial data request failed", "error", err)
	c.reply(c.ctx, TypeError, requestID, RequestError{Request: TypeFetchInitial, Error: clientError(err)})
}

// async runs fn off the reader goroutine so control messages keep flowing
// while a query is in flight. fn's ctx bounds the query; replies use the
// connection context so a timed-out query still gets its failure reply.
func (c *conn) async(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.srv.timeout)
		defer cancel()
		fn(ctx)
	}()
}

func (c *conn) reply(ctx context.Context, typ, requestID string, payload any) {
	err := c.srv.hub.Reply(ctx, c.sess.ID(), typ, requestID, payload)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrSessionClosed) && !errors.Is(err, ErrUnknownSession) {
		c.logger.Warn("reply not delivered", "type", typ, "error", err)
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(raw, v)
}

// clientError hides internal failures behind a generic message.
func clientError(err error) string {
	switch {
	case errors.Is(err, history.ErrDeviceNotFound),
		errors.Is(err, history.ErrInvalidDate),
		errors.Is(err, history.ErrInvalidRange):
		return err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	default:
		return "internal error"
	}
}

func nonNil(rs []models.Reading) []models.Reading {
	if rs == nil {
		return []models.Reading{}
	}
	return rs
}
