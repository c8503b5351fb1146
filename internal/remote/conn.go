package remote

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errConnClosed = errors.New("executor connection closed")

type frame struct {
	kind int
	data []byte
}

// Conn is one live executor connection bound to a user.
type Conn struct {
	ID     string
	UserID string

	ws     *websocket.Conn
	logger *slog.Logger

	// callMu allows a single request in flight; frames carry no request id
	callMu  sync.Mutex
	writeMu sync.Mutex

	mu      sync.Mutex
	pending chan frame

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id, userID string, ws *websocket.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		ID:     id,
		UserID: userID,
		ws:     ws,
		logger: logger.With("executor", id, "user", userID),
		done:   make(chan struct{}),
	}
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close ends the connection.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

func (c *Conn) writeText(s string) error {
	return c.write(websocket.TextMessage, []byte(s))
}

func (c *Conn) write(kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	return c.ws.WriteMessage(kind, data)
}

// roundTrip performs send and waits for the single reply frame. A request
// abandoned through ctx closes the connection, since its late reply could
// otherwise be taken as the answer to the next request.
func (c *Conn) roundTrip(ctx context.Context, send func() error) (frame, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	reply := make(chan frame, 1)
	c.mu.Lock()
	c.pending = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	if err := send(); err != nil {
		c.Close()
		return frame{}, err
	}

	select {
	case f := <-reply:
		return f, nil
	case <-c.done:
		return frame{}, errConnClosed
	case <-ctx.Done():
		c.logger.Warn("closing executor connection after abandoned request", "error", ctx.Err())
		c.Close()
		return frame{}, ctx.Err()
	}
}

// readLoop delivers reply frames until the connection fails.
func (c *Conn) readLoop(pongWait time.Duration) {
	defer c.Close()

	if pongWait > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("executor connection lost", "error", err)
			}
			return
		}
		if pongWait > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		}

		c.mu.Lock()
		reply := c.pending
		c.pending = nil
		c.mu.Unlock()

		if reply == nil {
			c.logger.Warn("discarding unsolicited executor frame", "bytes", len(data))
			continue
		}
		reply <- frame{kind: kind, data: data}
	}
}

// pingLoop probes liveness until the connection ends.
func (c *Conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Info("executor ping failed", "error", err)
				c.Close()
				return
			}
		}
	}
}
