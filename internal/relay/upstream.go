package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wellnessai/voice-bridge/internal/config"
)

// credentialHeader carries the upstream API key. It is only ever set on the
// outbound handshake.
const credentialHeader = "xi-api-key"

// Conn is the subset of *websocket.Conn the session needs
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

// UpstreamDialer opens the single upstream connection of a session
type UpstreamDialer interface {
	Dial(ctx context.Context, agentID string) (Conn, error)
}

// WebSocketDialer dials the upstream agent endpoint with the API key header
type WebSocketDialer struct {
	endpoint string
	apiKey   string
	dialer   websocket.Dialer
}

// NewWebSocketDialer creates a dialer for cfg.UpstreamURL
func NewWebSocketDialer(cfg *config.Config) *WebSocketDialer {
	return &WebSocketDialer{
		endpoint: cfg.UpstreamURL,
		apiKey:   cfg.UpstreamAPIKey,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.UpstreamDialTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

// Dial connects to the upstream agent. Returned errors never contain the key.
func (d *WebSocketDialer) Dial(ctx context.Context, agentID string) (Conn, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set(credentialHeader, d.apiKey)

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("upstream rejected handshake (%s): %w", resp.Status, err)
		} else {
			err = fmt.Errorf("upstream dial failed: %w", err)
		}
		return nil, redactError(err, d.apiKey)
	}
	return conn, nil
}

const redacted = "[redacted]"

// redact removes every occurrence of secret from s
func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, redacted)
}

// redactedError keeps the error chain but hides the secret from Error()
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redactError(err error, secret string) error {
	if err == nil || secret == "" || !strings.Contains(err.Error(), secret) {
		return err
	}
	return &redactedError{msg: redact(err.Error(), secret), err: err}
}
