package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spboyer/agentsphere/internal/models"
)

// DefaultPingInterval is how often idle executors are probed.
const DefaultPingInterval = 30 * time.Second

// Hub is the connection table of executor processes. An executor is looked
// up by the user it was issued to; a newer connection for the same user
// replaces the older one.
type Hub struct {
	logger       *slog.Logger
	pingInterval time.Duration

	mu     sync.Mutex
	conns  map[string]*Conn
	byUser map[string]string
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// WithPingInterval sets the liveness probe interval. Zero disables probing.
func WithPingInterval(d time.Duration) HubOption {
	return func(h *Hub) { h.pingInterval = d }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		logger:       slog.Default(),
		pingInterval: DefaultPingInterval,
		conns:        make(map[string]*Conn),
		byUser:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve registers ws as executor id for userID and blocks until the
// connection ends or ctx is cancelled.
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn, id, userID string) {
	c := h.Register(id, userID, ws)
	defer h.Remove(c)

	if h.pingInterval > 0 {
		go c.pingLoop(h.pingInterval)
	}
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	c.readLoop(2 * h.pingInterval)
}

// Register adds ws to the table, closing any connection it replaces.
func (h *Hub) Register(id, userID string, ws *websocket.Conn) *Conn {
	c := newConn(id, userID, ws, h.logger)
	h.mu.Lock()
	var replaced []*Conn
	if prev, ok := h.conns[c.ID]; ok {
		replaced = append(replaced, prev)
	}
	if prevID, ok := h.byUser[c.UserID]; ok && prevID != c.ID {
		if prev, ok := h.conns[prevID]; ok {
			replaced = append(replaced, prev)
			delete(h.conns, prevID)
		}
	}
	h.conns[c.ID] = c
	h.byUser[c.UserID] = c.ID
	h.mu.Unlock()

	for _, prev := range replaced {
		prev.Close()
	}
	h.logger.Info("executor connected", "executor", c.ID, "user", c.UserID)
	return c
}

// Remove drops c from the table unless it has already been replaced.
func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	if h.conns[c.ID] == c {
		delete(h.conns, c.ID)
	}
	if id, ok := h.byUser[c.UserID]; ok && id == c.ID {
		if _, live := h.conns[id]; !live {
			delete(h.byUser, c.UserID)
		}
	}
	h.mu.Unlock()
	h.logger.Info("executor disconnected", "executor", c.ID, "user", c.UserID)
}

// Lookup returns the live connection for userID.
func (h *Hub) Lookup(userID string) (*Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.byUser[userID]
	if !ok {
		return nil, false
	}
	c, ok := h.conns[id]
	return c, ok
}

// Len reports the number of live connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close ends every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Dispatch runs command on the executor of userID. A missing or vanished
// executor is reported as a result, not an error; only ctx cancellation
// returns an error.
func (h *Hub) Dispatch(ctx context.Context, userID, command string) (models.CommandResult, error) {
	c, ok := h.Lookup(userID)
	if !ok {
		return noReceiver(), nil
	}

	f, err := c.roundTrip(ctx, func() error {
		if err := c.writeText(MarkerCommand); err != nil {
			return err
		}
		return c.writeText(command)
	})
	if err != nil {
		return h.failure(ctx, c, err)
	}
	return DecodeResult(f.data), nil
}

// writeChunk sends one file chunk. A chunk equal to the end marker is split
// in two frames so the executor does not take it for the end of the file.
func writeChunk(c *Conn, chunk []byte) error {
	if string(chunk) == MarkerEOF {
		if err := c.write(websocket.BinaryMessage, chunk[:1]); err != nil {
			return err
		}
		chunk = chunk[1:]
	}
	return c.write(websocket.BinaryMessage, chunk)
}

// SendFile streams the contents of r to the executor of userID, which
// saves it under the base of name.
func (h *Hub) SendFile(ctx context.Context, userID, name string, r io.Reader) (models.CommandResult, error) {
	c, ok := h.Lookup(userID)
	if !ok {
		return noReceiver(), nil
	}

	var readErr error
	f, err := c.roundTrip(ctx, func() error {
		if err := c.writeText(MarkerFile); err != nil {
			return err
		}
		if err := c.writeText(filepath.Base(name)); err != nil {
			return err
		}
		buf := make([]byte, FileChunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if werr := writeChunk(c, buf[:n]); werr != nil {
					return werr
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				// the executor is mid-file and cannot be resynchronized
				readErr = err
				return err
			}
		}
		return c.write(websocket.BinaryMessage, []byte(MarkerEOF))
	})
	if readErr != nil {
		return models.CommandResult{}, fmt.Errorf("reading %s: %w", name, readErr)
	}
	if err != nil {
		return h.failure(ctx, c, err)
	}
	return DecodeResult(f.data), nil
}

func (h *Hub) failure(ctx context.Context, c *Conn, err error) (models.CommandResult, error) {
	if ctx.Err() != nil {
		return models.CommandResult{}, ctx.Err()
	}
	h.logger.Warn("executor request failed", "executor", c.ID, "user", c.UserID, "error", err)
	return connectionLost(), nil
}
