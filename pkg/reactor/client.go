// Package reactor connects to a real-time transformation session over a
// WebSocket command channel and implements client.SessionClient.
package reactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/menta2k/morpheus/pkg/client"
	"github.com/menta2k/morpheus/pkg/state"
	"github.com/menta2k/morpheus/pkg/types"
)

var (
	// ErrNotConnected is returned by SendCommand without an open session.
	ErrNotConnected = errors.New("reactor: not connected")
	// ErrDisconnected fails commands still pending when the session drops.
	ErrDisconnected = errors.New("reactor: session disconnected")
)

// Message types on the command channel.
const (
	msgCommand       = "command"
	msgCommandResult = "command_result"
	msgStatus        = "status"
	msgStats         = "stats"
	msgError         = "error"
)

const maxMessageSize = 10 * 1024 * 1024

var _ client.SessionClient = (*Client)(nil)

// message is the JSON envelope exchanged with the session server.
type message struct {
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	Command string         `json:"command,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Status  types.Status   `json:"status,omitempty"`
	Error   string         `json:"error,omitempty"`
	Stats   *types.Stats   `json:"stats,omitempty"`
}

// Config holds the session endpoint and credentials.
type Config struct {
	CoordinatorURL   string
	ModelName        string
	Token            string
	HandshakeTimeout time.Duration
}

// Client is a session client. The zero value is not usable; use New.
type Client struct {
	cfg    Config
	dialer websocket.Dialer
	logger *zap.SugaredLogger

	status *state.Value[types.Status]
	stats  atomic.Pointer[types.Stats]

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan error

	writeMu sync.Mutex
}

// New creates a disconnected client.
func New(cfg Config, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:  logger,
		status:  state.New(types.StatusDisconnected),
		pending: make(map[string]chan error),
	}
}

// SessionURL returns the WebSocket URL of the session endpoint.
func (c *Client) SessionURL() (string, error) {
	u, err := url.Parse(c.cfg.CoordinatorURL)
	if err != nil {
		return "", fmt.Errorf("invalid coordinator URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported coordinator URL scheme: %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/session"
	if c.cfg.ModelName != "" {
		q := u.Query()
		q.Set("model", c.cfg.ModelName)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Status returns the current session status.
func (c *Client) Status() types.Status {
	return c.status.Load()
}

// Watch subscribes to status changes.
func (c *Client) Watch() (<-chan types.Status, func()) {
	return c.status.Subscribe()
}

// Stats returns the last statistics snapshot pushed by the server.
func (c *Client) Stats() (types.Stats, bool) {
	s := c.stats.Load()
	if s == nil {
		return types.Stats{}, false
	}
	return *s, true
}

// Connect dials the session endpoint. It returns once the WebSocket is
// open; the server then reports waiting and ready through status messages.
// Calling Connect on an open session does nothing.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.status.Load() == types.StatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.status.Store(types.StatusConnecting)
	c.mu.Unlock()

	target, err := c.SessionURL()
	if err != nil {
		c.status.Store(types.StatusDisconnected)
		return err
	}

	headers := http.Header{}
	if c.cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, headers)
	if err != nil {
		c.status.Store(types.StatusDisconnected)
		if resp != nil {
			return fmt.Errorf("failed to connect to session: HTTP %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to session: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	c.conn = conn
	c.status.Store(types.StatusWaiting)
	c.mu.Unlock()

	c.logger.Infow("session connected", "url", target)
	go c.readLoop(conn)
	return nil
}

// Disconnect closes the session. Pending commands fail with ErrDisconnected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.status.Store(types.StatusDisconnected)
		return nil
	}

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()

	c.teardown(conn, nil)
	return nil
}

// SendCommand sends a command and waits for the server to acknowledge it.
func (c *Client) SendCommand(ctx context.Context, name string, payload map[string]any) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	id := uuid.NewString()
	result := make(chan error, 1)
	c.pending[id] = result
	c.mu.Unlock()

	if payload == nil {
		payload = map[string]any{}
	}
	if err := c.write(conn, message{Type: msgCommand, ID: id, Command: name, Data: payload}); err != nil {
		c.forget(id)
		return fmt.Errorf("failed to send %s: %w", name, err)
	}
	c.logger.Debugw("command sent", "command", name, "id", id)

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case err := <-result:
		return err
	}
}

func (c *Client) write(conn *websocket.Conn, msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Infow("session closed by server")
				err = nil
			}
			c.teardown(conn, err)
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warnw("ignoring malformed session message", "error", err)
			continue
		}
		c.handle(conn, msg)
	}
}

func (c *Client) handle(conn *websocket.Conn, msg message) {
	switch msg.Type {
	case msgStatus:
		if msg.Status != types.StatusWaiting && msg.Status != types.StatusReady {
			c.logger.Warnw("ignoring unexpected session status", "status", msg.Status)
			return
		}
		c.mu.Lock()
		if c.conn == conn {
			c.status.Store(msg.Status)
		}
		c.mu.Unlock()
	case msgCommandResult:
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if !ok {
			return
		}
		if msg.Error != "" {
			ch <- fmt.Errorf("reactor: %s", msg.Error)
		} else {
			ch <- nil
		}
	case msgStats:
		if msg.Stats != nil {
			s := *msg.Stats
			c.stats.Store(&s)
		}
	case msgError:
		c.logger.Errorw("session error", "error", msg.Error)
	default:
		c.logger.Debugw("ignoring session message", "type", msg.Type)
	}
}

// teardown closes conn if it is still the active connection, fails all
// pending commands and reports disconnected.
func (c *Client) teardown(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan error)
	c.stats.Store(nil)
	c.status.Store(types.StatusDisconnected)
	c.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		ch <- ErrDisconnected
	}
	if cause != nil {
		c.logger.Warnw("session lost", "error", cause)
	}
}
