// Package client implements the duplex persistence client: one
// authenticated, reusable websocket connection to the thread store, with
// request/response correlation, per-request timeouts, and reconnection
// with bounded exponential backoff. Operations issued while a
// reconnection is pending wait for the new authenticated connection
// rather than failing immediately.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/threadkit/threadkit/pkg/wire"
)

// ErrClosed is returned for any call after Close.
var ErrClosed = errors.New("client closed")

// AuthError is an explicit authentication rejection from the store. It is
// terminal for the connection attempt and never retried.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "authentication rejected"
	}
	return "authentication rejected: " + e.Message
}

// Config configures a Client. Zero values take the documented defaults.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:port/sync.
	URL string
	// Authorization is the token sent in the auth handshake.
	Authorization string
	// ConnectTimeout bounds dialing plus the auth handshake. Default 10s.
	ConnectTimeout time.Duration
	// RequestTimeout bounds each restore/save/delete call. Default 30s.
	RequestTimeout time.Duration
	// ReconnectBaseDelay is the first backoff delay. Default 2s.
	ReconnectBaseDelay time.Duration
	// ReconnectMaxDelay caps the backoff. Default 30s.
	ReconnectMaxDelay time.Duration
	// MaxConnectAttempts bounds consecutive failed attempts before the
	// client gives up. Reset only by a fresh Connect. Default 5.
	MaxConnectAttempts int
	Logger             *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 2 * time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// reconnectDelay computes the backoff before retry number attempt
// (0-based): min(base * 2^attempt, max).
func reconnectDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Client multiplexes restore/save/delete requests over one authenticated
// websocket connection, replacing the connection transparently across
// transient disconnects.
type Client struct {
	cfg Config
	log *slog.Logger

	writeMu sync.Mutex // serializes frames on the current connection

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	ready     chan struct{} // closed when connected or terminally failed
	err       error         // terminal failure; set before ready closes
	attempts  int           // consecutive failed attempts; reset by Connect
	looping   bool          // a connect loop is running
	pending   map[string]chan wire.Response
	closed    bool
	done      chan struct{}
}

// New creates a client. Call Connect before issuing requests.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	ready := make(chan struct{})
	close(ready) // nothing to wait for until Connect
	return &Client{
		cfg:     cfg,
		log:     cfg.Logger,
		ready:   ready,
		err:     errors.New("not connected"),
		pending: make(map[string]chan wire.Response),
		done:    make(chan struct{}),
	}
}

// Connect establishes the authenticated connection, retrying transient
// failures (including a connection that closes before any auth response
// arrives) with exponential backoff, up to the configured attempt bound.
// An explicit auth rejection fails immediately with *AuthError and is
// never retried. The attempt counter is reset by each Connect call.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.attempts = 0
	c.err = nil
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.ready = make(chan struct{})
	ready := c.ready
	if !c.looping {
		c.looping = true
		go c.connectLoop()
	}
	c.mu.Unlock()

	select {
	case <-ready:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// connectLoop dials and authenticates until it succeeds, hits the attempt
// bound, or is rejected by auth. Exactly one loop runs at a time.
func (c *Client) connectLoop() {
	defer func() {
		c.mu.Lock()
		c.looping = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, err := c.dialAndAuth()
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				conn.Close()
				return
			}
			c.conn = conn
			c.connected = true
			ready := c.ready
			c.mu.Unlock()
			go c.readPump(conn)
			close(ready)
			return
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.fail(err)
			return
		}

		c.mu.Lock()
		c.attempts++
		n := c.attempts
		c.mu.Unlock()
		if n >= c.cfg.MaxConnectAttempts {
			c.fail(fmt.Errorf("no connection after %d attempts: %w", n, err))
			return
		}
		delay := reconnectDelay(n-1, c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay)
		c.log.Warn("connection attempt failed, retrying",
			"attempt", n, "delay", delay, "error", err)
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}
	}
}

// dialAndAuth opens the websocket and completes the auth handshake within
// the connect timeout. A connection that closes (or times out) before the
// auth response is a transient failure; an explicit rejection is
// *AuthError.
func (c *Client) dialAndAuth() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(wire.AuthRequest{Authorization: c.cfg.Authorization}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connection closed before auth response: %w", err)
	}
	var resp wire.AuthResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("malformed auth response: %w", err)
	}
	if !resp.Success {
		conn.Close()
		return nil, &AuthError{Message: resp.Error}
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// readPump reads frames from conn until it dies, routing responses to
// their pending requests by correlation id. Malformed frames and unknown
// ids are dropped, never fatal.
func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			c.handleDisconnect(conn, err)
			return
		}
		var resp wire.Response
		if err := json.Unmarshal(msg, &resp); err != nil {
			c.log.Debug("dropping malformed response frame", "error", err)
			continue
		}
		if resp.ID == "" {
			c.log.Debug("dropping response without correlation id")
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.log.Debug("dropping response with no pending request", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

// handleDisconnect reacts to an unexpected close of an authenticated
// connection by gating requests behind a new ready channel and starting
// the reconnect loop. The attempt counter deliberately carries over; only
// an explicit Connect resets it.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.ready = make(chan struct{})
	start := !c.looping
	if start {
		c.looping = true
	}
	c.mu.Unlock()

	c.log.Warn("connection lost, reconnecting", "error", cause)
	if start {
		go c.connectLoop()
	}
}

// fail records a terminal failure and releases everyone waiting on the
// current ready gate. Future calls keep failing until Close or a fresh
// Connect.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.err = err
	ready := c.ready
	c.mu.Unlock()
	c.log.Error("giving up on connection", "error", err)
	close(ready)
}

// do sends one correlated request, waiting for an authenticated
// connection first, and returns the matched response. The request timeout
// covers the whole operation including any reconnection wait.
func (c *Client) do(ctx context.Context, action wire.Action, data any) (wire.Response, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return wire.Response{}, fmt.Errorf("%s: marshal request: %w", action, err)
	}
	tctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return wire.Response{}, ErrClosed
		}
		conn := c.conn
		connected := c.connected
		ready := c.ready
		termErr := c.err
		c.mu.Unlock()

		if !connected {
			if termErr != nil {
				return wire.Response{}, fmt.Errorf("%s: %w", action, termErr)
			}
			select {
			case <-ready:
				continue
			case <-tctx.Done():
				return wire.Response{}, fmt.Errorf("%s: waiting for connection: %w", action, tctx.Err())
			case <-c.done:
				return wire.Response{}, ErrClosed
			}
		}

		id := uuid.New().String()
		ch := make(chan wire.Response, 1)
		c.mu.Lock()
		c.pending[id] = ch
		c.mu.Unlock()

		req := wire.Request{Action: action, ID: id, Data: payload}
		if err := c.writeJSON(conn, req); err != nil {
			// The connection is going down; the read pump will notice and
			// reconnect. Try again on the next connection.
			c.mu.Lock()
			delete(c.pending, id)
			c.mu.Unlock()
			c.log.Debug("request write failed, waiting for reconnect",
				"action", action, "error", err)
			continue
		}

		select {
		case resp := <-ch:
			if !resp.Success {
				return wire.Response{}, fmt.Errorf("%s rejected by store: %s", action, resp.Error)
			}
			return resp, nil
		case <-tctx.Done():
			c.mu.Lock()
			delete(c.pending, id)
			c.mu.Unlock()
			return wire.Response{}, fmt.Errorf("%s: %w", action, tctx.Err())
		case <-c.done:
			return wire.Response{}, ErrClosed
		}
	}
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// Restore fetches the serialized envelope for a thread. A thread that
// does not exist yields found == false, not an error.
func (c *Client) Restore(ctx context.Context, threadID string) (data []byte, found bool, err error) {
	resp, err := c.do(ctx, wire.ActionRestore, wire.ThreadRef{ID: threadID})
	if err != nil {
		return nil, false, err
	}
	if resp.Data == "" {
		return nil, false, nil
	}
	return []byte(resp.Data), true, nil
}

// Save persists a payload for a thread under the given mode.
func (c *Client) Save(ctx context.Context, threadID string, mode wire.SaveMode, payload []byte) error {
	data := wire.SaveData{ID: threadID, Mode: mode, Payload: payload}
	_, err := c.do(ctx, wire.ActionSave, data)
	return err
}

// Delete removes a thread from the store.
func (c *Client) Delete(ctx context.Context, threadID string) error {
	_, err := c.do(ctx, wire.ActionDelete, wire.ThreadRef{ID: threadID})
	return err
}

// Close releases the connection and cancels any scheduled reconnection.
// No further activity occurs after Close.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.Close()
	}
	return nil
}
