// Package transport is the producer's connection to the relay
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// ErrNotReady is returned by Send when the socket is not open
var ErrNotReady = errors.New("transport: connection not ready")

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 1 << 20
)

// Conn is a text-frame WebSocket connection to the relay. Send, Ready and
// Close may be called from any goroutine; Receive from one goroutine only.
type Conn struct {
	ws           *websocket.Conn
	ready        atomic.Bool
	closeOnce    sync.Once
	closeErr     error
	writeTimeout time.Duration
}

// Option customises Dial
type Option func(*options)

type options struct {
	writeTimeout time.Duration
	readLimit    int64
}

// WithWriteTimeout bounds each Send
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithReadLimit sets the largest frame Receive accepts
func WithReadLimit(n int64) Option {
	return func(o *options) { o.readLimit = n }
}

// Dial connects to the relay endpoint for agentID
func Dial(ctx context.Context, relayURL, agentID string, opts ...Option) (*Conn, error) {
	o := options{writeTimeout: defaultWriteTimeout, readLimit: defaultReadLimit}
	for _, opt := range opts {
		opt(&o)
	}

	endpoint, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid relay url: %w", err)
	}
	if agentID != "" {
		q := endpoint.Query()
		q.Set("agent_id", agentID)
		endpoint.RawQuery = q.Encode()
	}

	ws, _, err := websocket.Dial(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial relay: %w", err)
	}
	ws.SetReadLimit(o.readLimit)

	c := &Conn{ws: ws, writeTimeout: o.writeTimeout}
	c.ready.Store(true)
	return c, nil
}

// Ready reports whether the socket is open for sending
func (c *Conn) Ready() bool {
	return c.ready.Load()
}

// Send writes one text frame. It fails fast with ErrNotReady once the
// connection has closed or failed.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if !c.ready.Load() {
		return ErrNotReady
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	if err := c.ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.ready.Store(false)
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Receive blocks for the next frame from the relay
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		c.ready.Store(false)
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	return data, nil
}

// Close sends a close frame and releases the socket. Only the first call
// has any effect.
func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.ready.Store(false)
		c.closeErr = c.ws.Close(websocket.StatusCode(code), reason)
	})
	return c.closeErr
}

// CloseStatus returns the close code carried by err, or -1
func CloseStatus(err error) int {
	return int(websocket.CloseStatus(err))
}
