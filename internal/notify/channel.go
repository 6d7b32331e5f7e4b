// Package notify manages the duplex websocket channel to the notification
// hub: connecting, dispatching pushed events to registered handlers,
// reconnecting with exponential backoff and invoking hub methods.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/kmcai/portfolio-status/internal/domain"
	"github.com/kmcai/portfolio-status/internal/protocol"
)

// ReconnectPolicy shapes the exponential backoff between reconnect attempts.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxElapsedTime bounds the whole reconnect phase. Zero retries forever.
	MaxElapsedTime time.Duration
}

// Config holds channel settings.
type Config struct {
	URL               string
	HandshakeTimeout  time.Duration
	InvokeTimeout     time.Duration
	KeepaliveInterval time.Duration
	ReadLimit         int64
	Header            http.Header
	Reconnect         ReconnectPolicy
}

// DefaultConfig returns settings suitable for a hub at url.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		HandshakeTimeout:  10 * time.Second,
		InvokeTimeout:     15 * time.Second,
		KeepaliveInterval: 15 * time.Second,
		ReadLimit:         1 << 20,
		Reconnect: ReconnectPolicy{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
			Multiplier:      2,
		},
	}
}

// Bindings are the handlers a Connect registers and the matching
// Disconnect removes.
type Bindings struct {
	Events map[string]Handler
	Status StatusHandler
}

// Channel is the client side of the notification hub connection.
type Channel struct {
	cfg      Config
	logger   *slog.Logger
	registry *Registry

	mu       sync.Mutex
	state    domain.ConnectionState
	conn     *websocket.Conn
	active   bool
	gen      uint64
	bound    []HandlerID
	stopping chan struct{}
	runDone  chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan error
}

// New creates a disconnected channel.
func New(cfg Config, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify")
	return &Channel{
		cfg:      cfg,
		logger:   logger,
		registry: NewRegistry(logger),
		state:    domain.StateDisconnected,
		pending:  make(map[string]chan error),
	}
}

// State returns the current connection state.
func (c *Channel) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandlerCount returns the number of live handler registrations.
func (c *Channel) HandlerCount() int {
	return c.registry.Count()
}

// Connect registers b and opens the socket. A failed handshake leaves the
// channel in the Failed state with b still registered; Disconnect removes
// it. Calling Connect again before Disconnect returns domain.ErrChannelActive.
func (c *Channel) Connect(ctx context.Context, b Bindings) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return domain.ErrChannelActive
	}
	c.active = true
	c.gen++
	gen := c.gen
	c.bound = c.bind(b)
	c.stopping = make(chan struct{})
	stopping := c.stopping
	c.mu.Unlock()

	c.transition(domain.ConnEventConnecting, nil)

	conn, err := c.dial(ctx)
	if err != nil {
		cerr := &domain.ConnectionError{Op: "connect", URL: c.cfg.URL, Err: err}
		c.logger.Warn("Notification hub connection failed", "url", c.cfg.URL, "error", err)
		c.transitionIf(gen, domain.ConnEventFailed, cerr)
		return cerr
	}

	c.mu.Lock()
	if c.gen != gen {
		// Disconnect ran while the handshake was in flight.
		c.mu.Unlock()
		_ = conn.CloseNow()
		return &domain.ConnectionError{Op: "connect", URL: c.cfg.URL, Err: context.Canceled}
	}
	c.conn = conn
	c.runDone = make(chan struct{})
	done := c.runDone
	c.mu.Unlock()

	c.logger.Info("Connected to notification hub", "url", c.cfg.URL)
	c.transitionIf(gen, domain.ConnEventConnected, nil)

	go c.run(gen, conn, stopping, done)
	return nil
}

// Disconnect closes the socket, stops reconnecting and removes the handlers
// added by Connect. It is safe to call any number of times.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = false
	c.gen++
	wasState := c.state
	conn := c.conn
	c.conn = nil
	done := c.runDone
	c.runDone = nil
	if c.stopping != nil {
		close(c.stopping)
		c.stopping = nil
	}
	bound := c.bound
	c.bound = nil
	c.mu.Unlock()

	var closeErr error
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			closeErr = fmt.Errorf("close notification channel: %w", err)
		}
	}
	if done != nil {
		<-done
	}
	c.failPending(domain.ErrNotConnected)

	c.mu.Lock()
	c.state = domain.StateDisconnected
	c.mu.Unlock()

	if wasState != domain.StateDisconnected {
		c.emit(domain.StatusChange{Event: domain.ConnEventDisconnected, State: domain.StateDisconnected})
	}

	for _, id := range bound {
		c.registry.Off(id)
	}
	c.logger.Info("Disconnected from notification hub", "url", c.cfg.URL)
	return closeErr
}

// Invoke calls method on the hub and waits for its completion.
func (c *Channel) Invoke(ctx context.Context, method string, args ...any) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if conn == nil || state != domain.StateConnected {
		return domain.ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok && c.cfg.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.InvokeTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	frame, err := protocol.NewInvoke(id, method, args...)
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	c.pendingMu.Lock()
	c.pending[id] = result
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := writeFrame(ctx, conn, frame); err != nil {
		return fmt.Errorf("invoke %s: %w", method, err)
	}

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("invoke %s: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("invoke %s: %w", method, ctx.Err())
	}
}

func (c *Channel) bind(b Bindings) []HandlerID {
	ids := make([]HandlerID, 0, len(b.Events)+1)
	for target, h := range b.Events {
		ids = append(ids, c.registry.On(target, h))
	}
	if b.Status != nil {
		ids = append(ids, c.registry.OnStatus(b.Status))
	}
	return ids
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPHeader: c.cfg.Header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if c.cfg.ReadLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}
	return conn, nil
}

// run owns the read side of the socket for one Connect. When the socket
// drops it reconnects until it succeeds, the policy gives up, or the channel
// is disconnected.
func (c *Channel) run(gen uint64, conn *websocket.Conn, stopping <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopping:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		err := c.serve(ctx, conn, stopping)

		select {
		case <-stopping:
			return
		default:
		}

		c.failPending(&domain.ConnectionError{Op: "read", URL: c.cfg.URL, Err: err})
		c.logger.Warn("Notification channel dropped", "url", c.cfg.URL, "error", err)
		c.mu.Lock()
		if c.gen == gen {
			c.conn = nil
		}
		c.mu.Unlock()
		c.transitionIf(gen, domain.ConnEventReconnecting, err)

		next, err := c.reconnect(ctx)
		if err != nil {
			select {
			case <-stopping:
				return
			default:
			}
			c.logger.Error("Giving up reconnecting to notification hub", "url", c.cfg.URL, "error", err)
			c.transitionIf(gen, domain.ConnEventFailed, &domain.ConnectionError{Op: "reconnect", URL: c.cfg.URL, Err: err})
			return
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			_ = next.CloseNow()
			return
		}
		c.conn = next
		c.mu.Unlock()

		conn = next
		c.logger.Info("Reconnected to notification hub", "url", c.cfg.URL)
		c.transitionIf(gen, domain.ConnEventReconnected, nil)
	}
}

func (c *Channel) reconnect(ctx context.Context) (*websocket.Conn, error) {
	p := c.cfg.Reconnect
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithMultiplier(p.Multiplier),
		backoff.WithMaxElapsedTime(p.MaxElapsedTime),
	), ctx)

	var lastErr error
	for attempt := 1; ; attempt++ {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if lastErr == nil {
				lastErr = errors.New("reconnect policy exhausted")
			}
			return nil, lastErr
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.logger.Debug("Reconnect attempt failed", "attempt", attempt, "wait", wait, "error", err)
	}
}

// serve reads frames until the socket fails.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn, stopping <-chan struct{}) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.cfg.KeepaliveInterval > 0 {
		go c.keepalive(connCtx, conn)
	}

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			select {
			case <-stopping:
			default:
				_ = conn.CloseNow()
			}
			return err
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("Ignoring malformed frame", "error", err, "bytes", len(data))
			continue
		}
		c.route(frame)
	}
}

func (c *Channel) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.KeepaliveInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("Keepalive ping failed, dropping connection", "error", err)
					_ = conn.CloseNow()
				}
				return
			}
		}
	}
}

func (c *Channel) route(frame protocol.Frame) {
	switch frame.Type {
	case protocol.FrameEvent:
		handlers, ok := c.registry.Handlers(frame.Target)
		if !ok {
			c.logger.Debug("Ignoring event with no handler", "target", frame.Target)
			return
		}
		payload := frame.Payload()
		for _, h := range handlers {
			c.safeCall(frame.Target, h, payload)
		}
	case protocol.FrameCompletion:
		c.pendingMu.Lock()
		result, ok := c.pending[frame.InvocationID]
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debug("Completion for unknown invocation", "invocation_id", frame.InvocationID)
			return
		}
		var err error
		if frame.Error != "" {
			err = errors.New(frame.Error)
		}
		select {
		case result <- err:
		default:
		}
	default:
		c.logger.Debug("Ignoring frame", "type", string(frame.Type), "target", frame.Target)
	}
}

func (c *Channel) safeCall(target string, h Handler, payload json.RawMessage) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("Recovered from panic in event handler", "target", target, "panic", fmt.Sprint(p))
		}
	}()
	h(payload)
}

func (c *Channel) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, result := range c.pending {
		select {
		case result <- err:
		default:
		}
		delete(c.pending, id)
	}
}

// transition moves to the state implied by event and notifies handlers.
func (c *Channel) transition(event domain.ConnectionEvent, err error) {
	c.mu.Lock()
	c.state = event.State()
	c.mu.Unlock()
	c.emit(domain.StatusChange{Event: event, State: event.State(), Err: err})
}

// transitionIf is transition guarded against a Disconnect that happened
// since the Connect identified by gen.
func (c *Channel) transitionIf(gen uint64, event domain.ConnectionEvent, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = event.State()
	c.mu.Unlock()
	c.emit(domain.StatusChange{Event: event, State: event.State(), Err: err})
}

func (c *Channel) emit(change domain.StatusChange) {
	for _, h := range c.registry.StatusHandlers() {
		func() {
			defer func() {
				if p := recover(); p != nil {
					c.logger.Error("Recovered from panic in status handler", "panic", fmt.Sprint(p))
				}
			}()
			h(change)
		}()
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
