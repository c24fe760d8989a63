// Package hub keeps the set of connected sessions and fans poll batches and
// simulation updates out to them.
//
// Every session owns a buffered outbound queue drained by its connection's
// writer goroutine. Broadcasts never block: when a queue is full the message
// is dropped for that session only.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alimk/power-telemetry-hub/pkg/metrics"
	"github.com/alimk/power-telemetry-hub/pkg/models"
)

// DefaultQueueSize is the outbound queue capacity of each session.
const DefaultQueueSize = 64

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionClosed  = errors.New("session closed")
)

// Mode selects which channel a session receives poll batches on.
type Mode int32

const (
	Live Mode = iota
	Historical
)

func (m Mode) String() string {
	if m == Historical {
		return "historical"
	}
	return "live"
}

// Session is one connected client. Mode and the pause flag are written by
// the connection's reader and read by broadcasters.
type Session struct {
	id        string
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	mode      atomic.Int32
	paused    atomic.Bool
}

func (s *Session) ID() string { return s.id }

func (s *Session) Mode() Mode { return Mode(s.mode.Load()) }

// SimulationPaused reports whether simulation updates are suppressed.
func (s *Session) SimulationPaused() bool { return s.paused.Load() }

// Outbox is drained by the session's single writer.
func (s *Session) Outbox() <-chan []byte { return s.out }

// Done is closed when the session is unregistered.
func (s *Session) Done() <-chan struct{} { return s.done }

// offer queues msg without blocking.
func (s *Session) offer(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

// send queues msg, waiting for room until ctx ends or the session closes.
// Used for request responses, which must not be dropped.
func (s *Session) send(ctx context.Context, msg []byte) error {
	if s.offer(msg) {
		return nil
	}
	select {
	case s.out <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Config struct {
	QueueSize int
}

type Hub struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	queueSize int
	logger    *slog.Logger
	dropLogAt atomic.Int64
}

func New(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Hub{
		sessions:  make(map[string]*Session),
		queueSize: cfg.QueueSize,
		logger:    logger,
	}
}

// Register adds a new Live, unpaused session.
func (h *Hub) Register() *Session {
	s := &Session{
		id:   uuid.NewString(),
		out:  make(chan []byte, h.queueSize),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()

	metrics.Sessions.WithLabelValues(Live.String()).Inc()
	h.logger.Info("session registered", "session_id", s.id, "sessions", n)
	return s
}

// Unregister removes the session and closes its Done channel. The outbound
// queue is never closed, so a concurrent broadcast cannot panic.
func (h *Hub) Unregister(id string) error {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	n := len(h.sessions)
	h.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	s.closeOnce.Do(func() { close(s.done) })
	metrics.Sessions.WithLabelValues(s.Mode().String()).Dec()
	h.logger.Info("session unregistered", "session_id", id, "sessions", n)
	return nil
}

// Close unregisters every session. Writers see Done and close their sockets.
func (h *Hub) Close() {
	for _, s := range h.snapshot() {
		_ = h.Unregister(s.id)
	}
}

func (h *Hub) SetMode(id string, mode Mode) error {
	s, ok := h.Session(id)
	if !ok {
		return ErrUnknownSession
	}
	old := Mode(s.mode.Swap(int32(mode)))
	if old != mode {
		metrics.Sessions.WithLabelValues(old.String()).Dec()
		metrics.Sessions.WithLabelValues(mode.String()).Inc()
		h.logger.Debug("session mode changed", "session_id", id, "mode", mode.String())
	}
	return nil
}

func (h *Hub) SetPaused(id string, paused bool) error {
	s, ok := h.Session(id)
	if !ok {
		return ErrUnknownSession
	}
	s.paused.Store(paused)
	return nil
}

func (h *Hub) Session(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast delivers batch as db_update to Live sessions and as
// background_update to Historical sessions. Each frame is encoded once.
func (h *Hub) Broadcast(batch []models.Reading) {
	if len(batch) == 0 {
		return
	}
	var live, background []byte
	for _, s := range h.snapshot() {
		typ := TypeDBUpdate
		frame := &live
		if s.Mode() == Historical {
			typ = TypeBackgroundUpdate
			frame = &background
		}
		if *frame == nil {
			msg, err := encode(typ, "", batch)
			if err != nil {
				h.logger.Error("encode broadcast", "type", typ, "error", err)
				return
			}
			*frame = msg
		}
		h.deliver(s, typ, *frame)
	}
}

// BroadcastSimulation sends payload to every session that has not paused
// simulation updates. Telemetry mode plays no part.
func (h *Hub) BroadcastSimulation(payload json.RawMessage) {
	msg, err := encode(TypeSimulationUpdate, "", payload)
	if err != nil {
		h.logger.Error("encode simulation update", "error", err)
		return
	}
	for _, s := range h.snapshot() {
		if s.SimulationPaused() {
			continue
		}
		h.deliver(s, TypeSimulationUpdate, msg)
	}
}

// Reply queues a response for one session, waiting for queue space.
func (h *Hub) Reply(ctx context.Context, id, typ, requestID string, payload any) error {
	s, ok := h.Session(id)
	if !ok {
		return ErrUnknownSession
	}
	msg, err := encode(typ, requestID, payload)
	if err != nil {
		return err
	}
	if err := s.send(ctx, msg); err != nil {
		return err
	}
	metrics.MessagesSent.WithLabelValues(typ).Inc()
	return nil
}

func (h *Hub) deliver(s *Session, typ string, msg []byte) {
	if s.offer(msg) {
		metrics.MessagesSent.WithLabelValues(typ).Inc()
		return
	}
	metrics.MessagesDropped.WithLabelValues(typ).Inc()
	h.logDropRateLimited(s.id, typ)
}

// logDropRateLimited emits at most one warning per second however many
// sessions are dropping.
func (h *Hub) logDropRateLimited(id, typ string) {
	now := time.Now().UnixNano()
	last := h.dropLogAt.Load()
	if now-last >= int64(time.Second) && h.dropLogAt.CompareAndSwap(last, now) {
		h.logger.Warn("session queue full, message dropped",
			"session_id", id,
			"type", typ,
			"queue_size", h.queueSize,
		)
	}
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}
