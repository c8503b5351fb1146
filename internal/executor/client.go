// Package executor is the process that runs on a user's machine, keeps a
// websocket open to the orchestrator and executes the commands and files it
// receives.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spboyer/agentsphere/internal/models"
	"github.com/spboyer/agentsphere/internal/remote"
)

// DefaultReconnectDelay is the pause between connection attempts.
const DefaultReconnectDelay = 5 * time.Second

// WebsocketPath is the server endpoint executors connect to.
const WebsocketPath = "/api/v1/wss"

// Client maintains the executor connection.
type Client struct {
	server         string
	token          string
	runner         *Runner
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	logger         *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithReconnectDelay sets the pause between connection attempts.
func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.reconnectDelay = d }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for server (http, https, ws or wss URL)
// authenticating with token.
func NewClient(server, token string, runner *Runner, opts ...ClientOption) *Client {
	c := &Client{
		server:         server,
		token:          token,
		runner:         runner,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: DefaultReconnectDelay,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the websocket URL including the token.
func (c *Client) Endpoint() (string, error) {
	u, err := url.Parse(c.server)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, WebsocketPath) {
		u.Path = strings.TrimSuffix(u.Path, "/") + WebsocketPath
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects and serves requests until ctx ends, reconnecting after
// every lost connection.
func (c *Client) Run(ctx context.Context) error {
	endpoint, err := c.Endpoint()
	if err != nil {
		return err
	}
	for {
		err := c.connect(ctx, endpoint)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("connection lost, reconnecting", "error", err, "delay", c.reconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

type request struct {
	command string
	file    string
	data    []byte
}

func (c *Client) connect(ctx context.Context, endpoint string) error {
	ws, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dialing server: %w", err)
	}
	defer ws.Close()
	c.logger.Info("connected to server, awaiting instructions")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	// the worker runs requests so the read loop keeps answering pings
	requests := make(chan request)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for req := range requests {
			res := c.handle(ctx, req)
			if err := ws.WriteMessage(websocket.TextMessage, remote.EncodeResult(res)); err != nil {
				c.logger.Warn("sending result failed", "error", err)
				cancel()
				return
			}
		}
	}()

	err = c.readRequests(ctx, ws, requests)
	close(requests)
	cancel()
	<-workerDone
	return err
}

// readRequests assembles frames into requests.
func (c *Client) readRequests(ctx context.Context, ws *websocket.Conn, requests chan<- request) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		var req request
		switch string(data) {
		case remote.MarkerCommand:
			_, cmd, err := ws.ReadMessage()
			if err != nil {
				return err
			}
			req.command = string(cmd)
		case remote.MarkerFile:
			_, name, err := ws.ReadMessage()
			if err != nil {
				return err
			}
			req.file = string(name)
			var buf bytes.Buffer
			for {
				kind, chunk, err := ws.ReadMessage()
				if err != nil {
					return err
				}
				// a frame holding exactly the marker ends the file; the hub
				// never sends it as data
				if kind == websocket.BinaryMessage && string(chunk) == remote.MarkerEOF {
					break
				}
				buf.Write(chunk)
			}
			req.data = buf.Bytes()
		default:
			c.logger.Warn("ignoring unknown frame", "frame", string(data))
			continue
		}

		select {
		case requests <- req:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) handle(ctx context.Context, req request) models.CommandResult {
	if req.file != "" {
		c.logger.Info("running file", "name", req.file, "bytes", len(req.data))
		return c.runner.RunFile(ctx, req.file, req.data)
	}
	c.logger.Info("running command", "command", req.command)
	res := c.runner.Run(ctx, req.command)
	if errors.Is(ctx.Err(), context.Canceled) {
		c.logger.Debug("command interrupted by disconnect", "command", req.command)
	}
	return res
}
