// Package hub is the server side of the notification channel. Clients
// connect over a websocket, join the broadcast group of their processing
// session and receive every update published for it.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kmcai/portfolio-status/internal/domain"
	"github.com/kmcai/portfolio-status/internal/protocol"
)

var (
	errInvalidSessionID = errors.New("invalid session id")
	errUnknownMethod    = errors.New("unknown method")
)

// Journal records published updates so a client that joins late, or
// rejoins after a reconnect, can catch up.
type Journal interface {
	AppendUpdate(ctx context.Context, entry *domain.JournalEntry) (int64, error)
	ListUpdates(ctx context.Context, sessionID string, afterSeq int64) ([]domain.JournalEntry, error)
}

// Options configures a Hub.
type Options struct {
	Journal       Journal
	Logger        *slog.Logger
	SendQueueSize int
	AllowedOrigin string
	IsDev         bool
	ReadLimit     int64
}

// Hub accepts websocket clients and fans published updates out to groups.
type Hub struct {
	opts   Options
	groups *Groups
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// New creates a hub.
func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		opts:    opts,
		groups:  NewGroups(),
		logger:  opts.Logger.With("component", "hub"),
		clients: make(map[*client]struct{}),
	}
}

// Groups exposes the group registry.
func (h *Hub) Groups() *Groups { return h.groups }

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the client until it goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	if h.opts.ReadLimit > 0 {
		ws.SetReadLimit(h.opts.ReadLimit)
	}

	c := newClient(ws, h.opts.SendQueueSize, h.logger)
	h.register(c)
	defer h.unregister(c)

	h.logger.Info("Client connected", "client_id", c.id, "ip", r.RemoteAddr)
	h.readLoop(r.Context(), c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	left := h.groups.RemoveClient(c)
	c.close(websocket.StatusNormalClosure, "session ended")
	h.logger.Info("Client disconnected", "client_id", c.id, "groups_left", len(left))
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "*" || origin == h.opts.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigin)
	return false
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "client_id", c.id)
			} else if ctx.Err() == nil {
				h.logger.Debug("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn("Ignoring malformed frame", "client_id", c.id, "error", err)
			continue
		}

		switch frame.Type {
		case protocol.FrameInvoke:
			h.invoke(ctx, c, frame)
		default:
			h.logger.Debug("Ignoring frame", "client_id", c.id, "type", string(frame.Type))
		}
	}
}

func (h *Hub) invoke(ctx context.Context, c *client, frame protocol.Frame) {
	switch frame.Target {
	case protocol.MethodJoinGroup:
		sessionID, err := h.sessionArg(frame)
		if err != nil {
			c.sendFrame(protocol.NewCompletion(frame.InvocationID, err))
			return
		}
		h.groups.Join(sessionID, c)
		c.sendFrame(protocol.NewCompletion(frame.InvocationID, nil))
		h.logger.Info("Client joined session group", "client_id", c.id, "session_id", sessionID)
		h.replay(ctx, c, sessionID)

	case protocol.MethodLeaveGroup:
		sessionID, err := h.sessionArg(frame)
		if err != nil {
			c.sendFrame(protocol.NewCompletion(frame.InvocationID, err))
			return
		}
		h.groups.Leave(sessionID, c)
		c.sendFrame(protocol.NewCompletion(frame.InvocationID, nil))
		h.logger.Info("Client left session group", "client_id", c.id, "session_id", sessionID)

	default:
		h.logger.Warn("Unknown hub method", "client_id", c.id, "method", frame.Target)
		c.sendFrame(protocol.NewCompletion(frame.InvocationID, fmt.Errorf("%w: %s", errUnknownMethod, frame.Target)))
	}
}

func (h *Hub) sessionArg(frame protocol.Frame) (string, error) {
	raw, err := frame.StringArg(0)
	if err != nil {
		return "", errInvalidSessionID
	}
	sessionID := domain.NormalizeSessionID(raw)
	if sessionID == "" {
		return "", errInvalidSessionID
	}
	return sessionID, nil
}

// replay sends the journaled updates of sessionID to c. Updates published
// while the replay runs may arrive twice or out of order; clients treat
// updates idempotently.
func (h *Hub) replay(ctx context.Context, c *client, sessionID string) {
	if h.opts.Journal == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	entries, err := h.opts.Journal.ListUpdates(ctx, sessionID, 0)
	if err != nil {
		h.logger.Warn("Failed to load journal for replay", "session_id", sessionID, "error", err)
		return
	}
	for _, e := range entries {
		c.sendFrame(protocol.NewEvent(e.Event, e.Payload))
	}
	if len(entries) > 0 {
		h.logger.Info("Replayed session updates", "client_id", c.id, "session_id", sessionID, "count", len(entries))
	}
}

// Publish journals the update and broadcasts it to the session group. It
// returns the number of clients the update was queued for.
func (h *Hub) Publish(ctx context.Context, event, sessionID string, payload json.RawMessage) (int, error) {
	if !domain.ValidSessionID(sessionID) {
		return 0, errInvalidSessionID
	}
	if !domain.IsUpdateEvent(event) {
		return 0, fmt.Errorf("%w: %q", domain.ErrUnknownEvent, event)
	}

	if h.opts.Journal != nil {
		entry := &domain.JournalEntry{
			SessionID:  sessionID,
			Event:      event,
			Payload:    payload,
			ReceivedAt: time.Now().UTC(),
		}
		if u, err := domain.DecodeUpdate(event, payload); err == nil {
			entry.StepKind = u.Envelope().StepKind
			entry.Progress = u.Envelope().Progress
		}
		if _, err := h.opts.Journal.AppendUpdate(ctx, entry); err != nil {
			return 0, fmt.Errorf("journal update: %w", err)
		}
	}

	data, err := json.Marshal(protocol.NewEvent(event, payload))
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}

	delivered := 0
	for _, c := range h.groups.Members(sessionID) {
		if c.send(data) {
			delivered++
		}
	}
	h.logger.Debug("Published update", "event", event, "session_id", sessionID, "delivered", delivered)
	return delivered, nil
}

// CloseAll disconnects every client, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
	h.logger.Info("Closed all clients", "count", len(clients))
}

// DropAll severs every client connection without a close handshake.
func (h *Hub) DropAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.cancel()
		_ = c.conn.CloseNow()
	}
}
