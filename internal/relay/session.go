package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wellnessai/voice-bridge/internal/config"
	"github.com/wellnessai/voice-bridge/internal/observability"
	"github.com/wellnessai/voice-bridge/internal/protocol"
	"github.com/wellnessai/voice-bridge/internal/resilience"
)

type sessionState int

const (
	stateAwaitingUpstream sessionState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingUpstream:
		return "awaiting_upstream"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type side int

const (
	sideClient side = iota
	sideUpstream
)

func (s side) String() string {
	if s == sideClient {
		return "client"
	}
	return "upstream"
}

type eventKind int

const (
	eventMessage eventKind = iota
	eventClosed            // peer sent a close frame
	eventError             // read failed without a close frame
	eventUpstreamOpen
	eventUpstreamDialFailed
)

// sessionEvent is everything the reader goroutines report to dispatch
type sessionEvent struct {
	kind        eventKind
	side        side
	messageType int
	data        []byte
	code        int
	reason      string
	err         error
	conn        Conn
}

// closePlan describes one teardown: an optional notice for the client and
// the close frame for each side that is still open. A zero code skips it.
type closePlan struct {
	notice         []byte
	clientCode     int
	clientReason   string
	upstreamCode   int
	upstreamReason string
}

// Session pairs one client connection with one upstream connection.
// All state transitions and all data-frame writes happen in dispatch, which
// runs on the goroutine that called Run.
type Session struct {
	id      string
	agentID string
	cfg     *config.Config

	client   Conn
	upstream Conn
	dialer   UpstreamDialer
	breaker  *resilience.CircuitBreaker

	events     chan sessionEvent
	done       chan struct{}
	group      errgroup.Group
	cancelDial context.CancelFunc

	state        sessionState
	pending      [][]byte
	clientDone   bool
	upstreamDone bool
	grace        *time.Timer

	metrics *observability.SessionMetrics
	logger  zerolog.Logger
}

func newSession(
	id, agentID string,
	cfg *config.Config,
	client Conn,
	dialer UpstreamDialer,
	breaker *resilience.CircuitBreaker,
	metrics *observability.SessionMetrics,
	logger zerolog.Logger,
) *Session {
	return &Session{
		id:      id,
		agentID: agentID,
		cfg:     cfg,
		client:  client,
		dialer:  dialer,
		breaker: breaker,
		events:  make(chan sessionEvent, 64),
		done:    make(chan struct{}),
		metrics: metrics,
		logger:  logger,
	}
}

// Run dials the upstream, forwards frames until either side ends, and
// returns once both connections are released.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	dialCtx, cancelDial := context.WithCancel(ctx)
	s.cancelDial = cancelDial

	s.prepare(s.client, sideClient)
	s.group.Go(func() error {
		s.readLoop(s.client, sideClient)
		return nil
	})
	s.group.Go(func() error {
		s.dialUpstream(dialCtx)
		return nil
	})

	s.loop(ctx)

	close(s.done)
	s.finish()
	cancel()
	_ = s.group.Wait()
	s.drain()
}

// loop feeds dispatch until the session is closed. A panic anywhere in the
// session ends only this session.
func (s *Session) loop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("state", s.state.String()).
				Msg("Relay session panicked")
			s.metrics.RecordError("panic", "relay")
		}
	}()

	interval := s.cfg.ClientPingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ping := time.NewTicker(interval)
	defer ping.Stop()

	stop := ctx.Done()
	for s.state != stateClosed {
		var graceC <-chan time.Time
		if s.grace != nil {
			graceC = s.grace.C
		}

		select {
		case ev := <-s.events:
			s.dispatch(ev)
		case <-ping.C:
			s.pingClient()
		case <-graceC:
			s.logger.Debug().Msg("Close grace period elapsed")
			s.finish()
		case <-stop:
			stop = nil
			s.shutdown()
		}
	}
}

func (s *Session) dispatch(ev sessionEvent) {
	switch ev.kind {
	case eventUpstreamOpen:
		s.onUpstreamOpen(ev.conn)
	case eventUpstreamDialFailed:
		s.onDialFailed(ev.err)
	case eventMessage:
		if ev.side == sideClient {
			s.onClientMessage(ev.data)
		} else {
			s.onUpstreamMessage(ev.messageType, ev.data)
		}
	case eventClosed, eventError:
		s.onPeerEnded(ev)
	}
}

func (s *Session) onUpstreamOpen(conn Conn) {
	if s.state != stateAwaitingUpstream {
		// The client left while the handshake was in flight
		closeQuietly(s.logger, sideUpstream.String(), conn)
		return
	}

	s.upstream = conn
	s.state = stateOpen
	s.group.Go(func() error {
		s.readLoop(conn, sideUpstream)
		return nil
	})

	pairs := s.metrics.RecordPairOpen()
	s.logger.Info().
		Int("pending", len(s.pending)).
		Int64("open_pairs", pairs).
		Msg("Upstream connected")

	pending := s.pending
	s.pending = nil
	for _, data := range pending {
		if !s.writeUpstream(data) {
			return
		}
	}
}

func (s *Session) onDialFailed(err error) {
	if s.state != stateAwaitingUpstream {
		return
	}
	msg := redact(err.Error(), s.cfg.UpstreamAPIKey)
	s.logger.Warn().Str("error", msg).Msg("Upstream connection failed")
	s.metrics.RecordError("upstream_dial", "relay")

	s.upstreamDone = true
	s.beginClose(closePlan{
		notice:       protocol.UpstreamErrorNotice("upstream connection failed: " + msg),
		clientCode:   websocket.CloseInternalServerErr,
		clientReason: "upstream connection failed",
	})
}

func (s *Session) onClientMessage(data []byte) {
	switch s.state {
	case stateOpen:
		s.writeUpstream(data)

	case stateAwaitingUpstream:
		if protocol.IsAudioChunk(data) {
			s.metrics.RecordDropped(observability.DirectionClientToUpstream, "audio")
			return
		}
		if len(s.pending) >= s.cfg.PendingControlLimit {
			s.metrics.RecordDropped(observability.DirectionClientToUpstream, "control_overflow")
			s.logger.Warn().Int("limit", s.cfg.PendingControlLimit).Msg("Pending control queue full, dropping frame")
			return
		}
		s.pending = append(s.pending, data)

	default:
		s.metrics.RecordDropped(observability.DirectionClientToUpstream, "closing")
	}
}

func (s *Session) onUpstreamMessage(messageType int, data []byte) {
	if s.state != stateOpen {
		s.metrics.RecordDropped(observability.DirectionUpstreamToClient, "closing")
		return
	}
	if err := s.write(s.client, messageType, data); err != nil {
		s.onWriteFailed(sideClient, err)
		return
	}
	s.metrics.RecordForwarded(observability.DirectionUpstreamToClient, len(data))
}

// writeUpstream forwards one client frame. The upstream only accepts text
// frames, so binary payloads are sent as text.
func (s *Session) writeUpstream(data []byte) bool {
	if err := s.write(s.upstream, websocket.TextMessage, data); err != nil {
		s.onWriteFailed(sideUpstream, err)
		return false
	}
	s.metrics.RecordForwarded(observability.DirectionClientToUpstream, len(data))
	return true
}

func (s *Session) write(conn Conn, messageType int, data []byte) error {
	if s.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return conn.WriteMessage(messageType, data)
}

func (s *Session) onWriteFailed(failed side, err error) {
	s.logger.Warn().
		Str("side", failed.String()).
		Str("error", redact(err.Error(), s.cfg.UpstreamAPIKey)).
		Msg("Write failed")
	s.metrics.RecordError("write", failed.String())

	if failed == sideClient {
		s.clientDone = true
		s.beginClose(closePlan{
			upstreamCode:   websocket.CloseInternalServerErr,
			upstreamReason: "client connection error",
		})
		return
	}

	s.upstreamDone = true
	s.beginClose(closePlan{
		notice:       protocol.UpstreamErrorNotice("upstream connection error"),
		clientCode:   websocket.CloseInternalServerErr,
		clientReason: "upstream connection error",
	})
}

func (s *Session) onPeerEnded(ev sessionEvent) {
	if ev.side == sideClient {
		s.clientDone = true
	} else {
		s.upstreamDone = true
	}

	switch s.state {
	case stateClosing:
		if s.clientDone && s.upstreamDone {
			s.finish()
		}
		return
	case stateClosed:
		return
	}

	logEvent := s.logger.Info().Str("side", ev.side.String())
	if ev.kind == eventClosed {
		logEvent = logEvent.Int("code", ev.code).Str("reason", ev.reason)
		s.metrics.RecordClose(ev.side.String(), ev.code)
	} else {
		logEvent = logEvent.Str("error", redact(ev.err.Error(), s.cfg.UpstreamAPIKey))
	}
	logEvent.Msg("Peer ended")

	switch {
	case ev.side == sideClient && ev.kind == eventClosed:
		s.beginClose(closePlan{upstreamCode: ev.code, upstreamReason: ev.reason})

	case ev.side == sideClient:
		s.beginClose(closePlan{
			upstreamCode:   websocket.CloseInternalServerErr,
			upstreamReason: "client connection error",
		})

	case ev.kind == eventClosed:
		s.beginClose(closePlan{
			notice:       protocol.UpstreamClosedNotice(ev.code, ev.reason),
			clientCode:   ev.code,
			clientReason: ev.reason,
		})

	default:
		s.metrics.RecordError("upstream_read", "relay")
		s.beginClose(closePlan{
			notice:       protocol.UpstreamErrorNotice(redact(ev.err.Error(), s.cfg.UpstreamAPIKey)),
			clientCode:   websocket.CloseInternalServerErr,
			clientReason: "upstream connection error",
		})
	}
}

// beginClose runs every step of the plan independently, then waits for
// both readers to finish or the grace period to elapse.
func (s *Session) beginClose(plan closePlan) {
	if s.state == stateClosing || s.state == stateClosed {
		return
	}
	s.state = stateClosing
	s.pending = nil
	if s.cancelDial != nil {
		s.cancelDial()
	}
	if s.upstream == nil {
		s.upstreamDone = true
	}

	if plan.notice != nil && !s.clientDone {
		if err := s.write(s.client, websocket.TextMessage, plan.notice); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to deliver notice to client")
		}
	}
	if plan.clientCode != 0 && !s.clientDone {
		sendClose(s.logger, sideClient.String(), s.client, plan.clientCode, plan.clientReason, s.cfg.WriteTimeout)
		s.metrics.RecordClose("relay_to_client", closeCode(plan.clientCode))
	}
	if plan.upstreamCode != 0 && !s.upstreamDone {
		sendClose(s.logger, sideUpstream.String(), s.upstream, plan.upstreamCode, plan.upstreamReason, s.cfg.WriteTimeout)
		s.metrics.RecordClose("relay_to_upstream", closeCode(plan.upstreamCode))
	}

	if s.clientDone && s.upstreamDone {
		s.finish()
		return
	}
	grace := s.cfg.CloseGracePeriod
	if grace <= 0 {
		grace = time.Second
	}
	s.grace = time.NewTimer(grace)
}

// shutdown closes both sides because the relay is stopping
func (s *Session) shutdown() {
	if s.state == stateClosing || s.state == stateClosed {
		s.finish()
		return
	}
	s.beginClose(closePlan{
		clientCode:     websocket.CloseGoingAway,
		clientReason:   "relay shutting down",
		upstreamCode:   websocket.CloseGoingAway,
		upstreamReason: "relay shutting down",
	})
}

// finish releases both connections. Safe to call more than once.
func (s *Session) finish() {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed
	if s.grace != nil {
		s.grace.Stop()
	}
	if s.cancelDial != nil {
		s.cancelDial()
	}

	closeQuietly(s.logger, sideClient.String(), s.client)
	if s.upstream != nil {
		closeQuietly(s.logger, sideUpstream.String(), s.upstream)
	}

	pairs := s.metrics.RecordPairClosed()
	s.logger.Info().Int64("open_pairs", pairs).Msg("Session closed")
}

func (s *Session) pingClient() {
	if s.state != stateOpen && s.state != stateAwaitingUpstream {
		return
	}
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if err := s.client.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to ping client")
	}
}

// prepare applies read limits and keepalive deadlines
func (s *Session) prepare(conn Conn, from side) {
	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if from != sideClient || s.cfg.ClientPongTimeout <= 0 {
		return
	}
	timeout := s.cfg.ClientPongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeout))
	})
}

func (s *Session) dialUpstream(ctx context.Context) {
	start := time.Now()
	dialCtx := ctx
	if s.cfg.UpstreamDialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.UpstreamDialTimeout)
		defer cancel()
	}

	conn, err := s.dialer.Dial(dialCtx, s.agentID)
	s.metrics.RecordUpstreamDial(time.Since(start), err == nil)

	if s.breaker != nil {
		switch {
		case err == nil:
			s.breaker.RecordResult(true)
		case ctx.Err() != nil:
			// Abandoned by the client, not an upstream failure
			s.breaker.Cancel()
		default:
			s.breaker.RecordResult(false)
			observability.IncrementCircuitBreakerFailures(s.breaker.Name())
		}
	}

	if err != nil {
		s.post(sessionEvent{kind: eventUpstreamDialFailed, side: sideUpstream, err: err})
		return
	}

	s.prepare(conn, sideUpstream)
	if !s.post(sessionEvent{kind: eventUpstreamOpen, side: sideUpstream, conn: conn}) {
		closeQuietly(s.logger, sideUpstream.String(), conn)
	}
}

func (s *Session) readLoop(conn Conn, from side) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("side", from.String()).Msg("Reader panicked")
			s.post(sessionEvent{kind: eventError, side: from, err: fmt.Errorf("reader panic: %v", r)})
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				s.post(sessionEvent{kind: eventClosed, side: from, code: closeErr.Code, reason: closeErr.Text})
			} else {
				s.post(sessionEvent{kind: eventError, side: from, err: err})
			}
			return
		}

		if from == sideClient && s.cfg.ClientPongTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ClientPongTimeout))
		}
		if !s.post(sessionEvent{kind: eventMessage, side: from, messageType: messageType, data: data}) {
			return
		}
	}
}

// post hands an event to dispatch; false once the session has stopped
func (s *Session) post(ev sessionEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// drain releases upstream connections that were delivered after dispatch stopped
func (s *Session) drain() {
	for {
		select {
		case ev := <-s.events:
			if ev.kind == eventUpstreamOpen {
				closeQuietly(s.logger, sideUpstream.String(), ev.conn)
			}
		default:
			return
		}
	}
}
