package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/kmcai/portfolio-status/internal/protocol"
)

const writeTimeout = 10 * time.Second

// client is one websocket connection. Outbound frames go through a bounded
// queue drained by a single writer goroutine; when the queue is full the
// oldest frame is dropped so a slow reader cannot stall a broadcast.
type client struct {
	id     string
	conn   *websocket.Conn
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger
}

func newClient(conn *websocket.Conn, queueSize int, logger *slog.Logger) *client {
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &client{
		id:     id,
		conn:   conn,
		out:    make(chan []byte, queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("client_id", id),
	}

	c.wg.Add(1)
	go c.writeLoop()

	return c
}

// sendFrame encodes and queues f.
func (c *client) sendFrame(f protocol.Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("Failed to encode frame", "type", string(f.Type), "error", err)
		return false
	}
	return c.send(data)
}

// send queues an encoded frame without blocking.
func (c *client) send(data []byte) bool {
	select {
	case c.out <- data:
		return true
	case <-c.ctx.Done():
		return false
	default:
	}

	c.logger.Warn("Client queue full, dropping oldest frame", "queue_len", len(c.out))
	select {
	case <-c.out:
	default:
	}

	select {
	case c.out <- data:
		return true
	case <-c.ctx.Done():
		return false
	default:
		c.logger.Warn("Failed to queue frame after backpressure")
		return false
	}
}

func (c *client) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.out:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Debug("Client write failed", "error", err)
				}
				c.cancel()
				return
			}
		}
	}
}

// close stops the writer and closes the socket with status.
func (c *client) close(status websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
		if err := c.conn.Close(status, reason); err != nil {
			c.logger.Debug("Failed to close client websocket", "error", err)
		}
	})
}
