// Package relay bridges browser WebSocket connections to the upstream voice
// agent. Each accepted connection gets exactly one upstream connection; the
// API key is attached to the upstream handshake and never reaches the client.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wellnessai/voice-bridge/internal/config"
	"github.com/wellnessai/voice-bridge/internal/observability"
	"github.com/wellnessai/voice-bridge/internal/resilience"
)

var (
	// ErrMissingAgentID means neither the request nor the config names an agent
	ErrMissingAgentID = errors.New("agent_id is required")

	// ErrMissingCredential means the upstream API key is not configured
	ErrMissingCredential = errors.New("server misconfigured: upstream credential not set")
)

const reasonUpstreamDegraded = "upstream temporarily unavailable"

// Handler serves the /agent endpoint
type Handler struct {
	cfg      *config.Config
	dialer   UpstreamDialer
	breaker  *resilience.CircuitBreaker
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
}

// Option customises a Handler
type Option func(*Handler)

// WithDialer replaces the upstream dialer
func WithDialer(d UpstreamDialer) Option {
	return func(h *Handler) { h.dialer = d }
}

// WithCircuitBreaker replaces the upstream circuit breaker
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(h *Handler) { h.breaker = cb }
}

// WithLogger sets the base logger for sessions
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler creates the relay endpoint handler
func NewHandler(cfg *config.Config, opts ...Option) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		cfg:    cfg,
		logger: observability.GetLogger(),
		ctx:    ctx,
		cancel: cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.dialer == nil {
		h.dialer = NewWebSocketDialer(cfg)
	}
	if h.breaker == nil {
		h.breaker = resilience.NewCircuitBreaker(
			"upstream",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		)
		h.breaker.OnStateChange = func(name string, state resilience.CircuitState) {
			observability.UpdateCircuitBreakerState(name, int(state))
		}
	}

	return h
}

// checkOrigin allows everything when no origins are configured. Requests
// without an Origin header come from non-browser clients and are allowed.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// ResolveAgentID returns the agent for a request: the agent_id query
// parameter, falling back to the configured default.
func (h *Handler) ResolveAgentID(r *http.Request) (string, error) {
	if id := r.URL.Query().Get("agent_id"); id != "" {
		return id, nil
	}
	if h.cfg.DefaultAgentID != "" {
		return h.cfg.DefaultAgentID, nil
	}
	return "", ErrMissingAgentID
}

// ServeHTTP upgrades the request and runs one relay session until both
// sides are closed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	h.sessions.Add(1)
	defer h.sessions.Done()

	id := observability.NewCorrelationID()
	metrics := observability.NewSessionMetrics(id)
	logger := observability.WithCorrelationID(h.logger, id)

	agentID, err := h.ResolveAgentID(r)
	if err != nil {
		logger.Warn().Msg("Rejecting connection without agent_id")
		metrics.RecordRejected("missing_agent_id")
		h.reject(conn, websocket.ClosePolicyViolation, ErrMissingAgentID.Error(), logger)
		return
	}
	logger = logger.With().Str("agent_id", agentID).Logger()

	if !h.cfg.HasCredential() {
		logger.Error().Msg("Rejecting connection: upstream credential not configured")
		metrics.RecordRejected("missing_credential")
		h.reject(conn, websocket.CloseInternalServerErr, ErrMissingCredential.Error(), logger)
		return
	}

	if !h.breaker.Allow() {
		logger.Warn().Str("breaker", h.breaker.Name()).Stringer("state", h.breaker.GetState()).Msg("Rejecting connection: upstream circuit open")
		metrics.RecordRejected("circuit_open")
		h.reject(conn, websocket.CloseTryAgainLater, reasonUpstreamDegraded, logger)
		return
	}

	logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Client connected")
	session := newSession(id, agentID, h.cfg, conn, h.dialer, h.breaker, metrics, logger)
	session.Run(h.ctx)
}

// reject closes a client that never gets an upstream connection. It waits
// briefly for the close reply so the close frame is not lost to a reset.
func (h *Handler) reject(conn *websocket.Conn, code int, reason string, logger zerolog.Logger) {
	sendClose(logger, "client", conn, code, reason, h.cfg.WriteTimeout)

	grace := h.cfg.CloseGracePeriod
	if grace <= 0 {
		grace = time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(grace))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	closeQuietly(logger, "client", conn)
}

// Ready reports whether new sessions can be served
func (h *Handler) Ready(ctx context.Context) (bool, error) {
	if !h.cfg.HasCredential() {
		return false, ErrMissingCredential
	}
	if state, requests, failures, _ := h.breaker.GetStats(); state == resilience.StateOpen {
		return false, fmt.Errorf("%w: %d of %d upstream dials failed", resilience.ErrCircuitOpen, failures, requests)
	}
	return true, nil
}

// Shutdown closes every session with 1001 and waits for them to finish
func (h *Handler) Shutdown(ctx context.Context) error {
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
