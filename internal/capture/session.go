package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wellnessai/voice-bridge/internal/audio"
	"github.com/wellnessai/voice-bridge/internal/observability"
	"github.com/wellnessai/voice-bridge/internal/protocol"
)

const (
	// finishTimeout bounds the final user_stopped_speaking write
	finishTimeout = 2 * time.Second

	closeNormal = 1000
)

// Session is one conversation: microphone in, agent audio and transcript out
type Session struct {
	id         string
	dial       Dialer
	open       SourceOpener
	speaker    AudioSink
	transcript *Transcript
	meter      *audio.Meter
	vad        *audio.VADDetector
	variables  map[string]string
	onState    StateFunc
	logger     zerolog.Logger

	mu        sync.Mutex
	state     State
	err       error
	started   bool
	stopping  bool
	stopped   chan struct{}
	transport Transport
	source    Source
	cancel    context.CancelFunc
	group     errgroup.Group

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// SessionOption customises a Session
type SessionOption func(*Session)

// WithVAD sets the barge-in detector configuration
func WithVAD(cfg *audio.VADConfig) SessionOption {
	return func(s *Session) { s.vad = audio.NewVADDetector(cfg) }
}

// WithLevelMeter reports the smoothed input level at most once per interval
func WithLevelMeter(interval time.Duration, onLevel audio.LevelFunc) SessionOption {
	return func(s *Session) { s.meter = audio.NewMeter(interval, onLevel) }
}

// WithTranscript sets the transcript the session appends to
func WithTranscript(t *Transcript) SessionOption {
	return func(s *Session) { s.transcript = t }
}

// WithDynamicVariables sends the variables to the agent as the first
// message of the conversation
func WithDynamicVariables(vars map[string]string) SessionOption {
	return func(s *Session) { s.variables = vars }
}

// WithStateListener observes state transitions
func WithStateListener(fn StateFunc) SessionOption {
	return func(s *Session) { s.onState = fn }
}

// WithSessionLogger sets the base logger
func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// NewSession creates an idle session. Nothing is acquired until Start.
func NewSession(dial Dialer, open SourceOpener, speaker AudioSink, opts ...SessionOption) *Session {
	s := &Session{
		id:      observability.NewCorrelationID(),
		dial:    dial,
		open:    open,
		speaker: speaker,
		stopped: make(chan struct{}),
		logger:  observability.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.vad == nil {
		s.vad = audio.NewVADDetector(audio.DefaultVADConfig())
	}
	if s.meter == nil {
		s.meter = audio.NewMeter(audio.DefaultMeterInterval, nil)
	}
	if s.transcript == nil {
		s.transcript = NewTranscript(200, nil)
	}
	s.logger = observability.WithCorrelationID(s.logger, s.id)
	return s
}

// ID identifies the session in logs
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the cause of StateError, if any
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Transcript returns the conversation transcript
func (s *Session) Transcript() *Transcript { return s.transcript }

// Level returns the smoothed input level
func (s *Session) Level() float64 { return s.meter.Level() }

// Sent counts audio frames written to the relay
func (s *Session) Sent() uint64 { return s.sent.Load() }

// Dropped counts audio blocks discarded because the transport was not ready
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

func (s *Session) setState(state State, err error) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	if state == StateError {
		s.err = err
	}
	onState := s.onState
	s.mu.Unlock()

	if prev != state {
		s.logger.Info().Str("from", prev.String()).Str("to", state.String()).Msg("Capture state changed")
	}
	if onState != nil {
		onState(state, err)
	}
}

// Start acquires the microphone, connects to the relay and begins
// streaming. Setup failures leave the session in StateError with every
// acquired resource released; there is no retry.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrSessionActive
	}
	s.started = true
	s.mu.Unlock()

	s.setState(StateConnecting, nil)

	source, err := s.open()
	if err != nil {
		err = fmt.Errorf("open microphone: %w", err)
		s.fail(err)
		return err
	}
	s.mu.Lock()
	s.source = source
	s.mu.Unlock()

	transport, err := s.dial(ctx)
	if err != nil {
		err = fmt.Errorf("connect to relay: %w", err)
		s.fail(err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.transport = transport
	s.cancel = cancel
	s.mu.Unlock()
	s.setState(StateConnected, nil)

	// The relay holds control messages until the agent connection is open
	if len(s.variables) > 0 {
		if err := transport.Send(ctx, protocol.ConversationInitiation(s.variables)); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to send conversation variables")
		}
	}

	s.group.Go(func() error { return s.receiveLoop(runCtx, transport) })
	s.group.Go(func() error { return s.processLoop(runCtx, source, transport) })

	if err := source.Start(); err != nil {
		err = fmt.Errorf("start microphone: %w", err)
		s.fail(err)
		return err
	}

	s.setState(StateListening, nil)
	return nil
}

// Stop sends the finish signal, releases the microphone and closes the
// relay connection. It returns once every resource is released.
func (s *Session) Stop() error {
	return s.shutdown(StateIdle, nil)
}

// fail tears the session down into StateError
func (s *Session) fail(err error) {
	s.logger.Error().Err(err).Msg("Capture session failed")
	_ = s.shutdown(StateError, err)
}

// shutdown runs the teardown once; later callers wait for it to finish
func (s *Session) shutdown(final State, cause error) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		<-s.stopped
		return nil
	}
	s.stopping = true
	transport, source, cancel := s.transport, s.source, s.cancel
	s.mu.Unlock()

	s.setState(StateFinalizing, nil)

	if transport != nil && transport.Ready() {
		ctx, done := context.WithTimeout(context.Background(), finishTimeout)
		if err := transport.Send(ctx, protocol.UserStoppedSpeaking()); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to send finish signal")
		}
		done()
	}

	var steps []teardownStep
	if cancel != nil {
		steps = append(steps, teardownStep{"processor", func() error { cancel(); return nil }})
	}
	if source != nil {
		steps = append(steps,
			teardownStep{"microphone", source.Stop},
			teardownStep{"device", source.Close},
		)
	}
	if transport != nil {
		steps = append(steps, teardownStep{"socket", func() error {
			return transport.Close(closeNormal, "client stopped")
		}})
	}
	err := runTeardown(s.logger, steps)

	_ = s.group.Wait()
	s.vad.Reset()
	s.meter.Reset()

	s.setState(final, cause)
	close(s.stopped)
	return err
}

// SendText sends a typed user message to the agent
func (s *Session) SendText(ctx context.Context, text string) error {
	return s.sendControl(ctx, protocol.UserMessage(text))
}

// SignalActivity asks the agent to hold its turn while the user is busy
// without speaking
func (s *Session) SignalActivity(ctx context.Context) error {
	return s.sendControl(ctx, protocol.UserActivity())
}

func (s *Session) sendControl(ctx context.Context, data []byte) error {
	s.mu.Lock()
	transport, stopping := s.transport, s.stopping
	s.mu.Unlock()

	if transport == nil || stopping || !transport.Ready() {
		return ErrNotConnected
	}
	if err := transport.Send(ctx, data); err != nil {
		return fmt.Errorf("send to relay: %w", err)
	}
	return nil
}

// Done is closed once the session has been torn down
func (s *Session) Done() <-chan struct{} { return s.stopped }

type teardownStep struct {
	name string
	fn   func() error
}

// runTeardown runs every step even when earlier ones fail or panic
func runTeardown(logger zerolog.Logger, steps []teardownStep) error {
	var errs []error
	for _, step := range steps {
		if err := runStep(step); err != nil {
			logger.Warn().Err(err).Str("step", step.name).Msg("Teardown step failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runStep(step teardownStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", step.name, r)
		}
	}()
	if err := step.fn(); err != nil {
		return fmt.Errorf("%s: %w", step.name, err)
	}
	return nil
}

// processLoop encodes and sends each captured block until the session ends
func (s *Session) processLoop(ctx context.Context, source Source, transport Transport) error {
	blocks := source.Blocks()
	rate := source.SampleRate()
	for {
		select {
		case <-ctx.Done():
			return nil
		case block, ok := <-blocks:
			if !ok {
				return nil
			}
			s.processBlock(ctx, block, rate, transport)
		}
	}
}

// processBlock meters, encodes and sends one block. A failure affects only
// this block.
func (s *Session) processBlock(ctx context.Context, block []float32, rate int, transport Transport) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Recovered from panic while processing audio block")
		}
	}()

	s.meter.Update(audio.CalculateRMSFloat(block))

	frame, pcm := audio.EncodeFrame(block, rate)
	if frame.Samples == 0 {
		return
	}

	_, started, _ := s.vad.ProcessFrame(pcm)
	if started && s.speaker.Available() > 0 {
		cleared := s.speaker.Clear()
		s.logger.Debug().Int("bytes", cleared).Msg("User speech started; cleared agent audio")
	}

	if !transport.Ready() {
		s.dropped.Add(1)
		return
	}
	if started {
		if err := transport.Send(ctx, protocol.UserStartedSpeaking()); err != nil && ctx.Err() == nil {
			s.logger.Debug().Err(err).Msg("Failed to send speech start")
		}
	}
	if err := transport.Send(ctx, protocol.UserAudioChunk(frame.Base64())); err != nil {
		s.dropped.Add(1)
		if ctx.Err() == nil {
			s.logger.Debug().Err(err).Msg("Failed to send audio frame")
		}
		return
	}
	s.sent.Add(1)
}

// receiveLoop handles relay messages until the connection ends
func (s *Session) receiveLoop(ctx context.Context, transport Transport) error {
	for {
		data, err := transport.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Relay connection lost")
				go s.fail(fmt.Errorf("relay connection lost: %w", err))
			}
			return nil
		}
		s.handleMessage(ctx, transport, data)
	}
}

func (s *Session) handleMessage(ctx context.Context, transport Transport, data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		var unknown *protocol.UnknownTypeError
		if errors.As(err, &unknown) {
			s.logger.Debug().Str("type", unknown.Type).Msg("Ignoring unknown message type")
			return
		}
		s.logger.Warn().Err(err).Msg("Ignoring malformed message")
		return
	}

	switch e := ev.(type) {
	case protocol.Ping:
		if err := transport.Send(ctx, protocol.Pong(e.EventID)); err != nil {
			s.logger.Debug().Err(err).Int("event_id", e.EventID).Msg("Failed to answer ping")
		}

	case protocol.Audio:
		if n := s.speaker.Write(e.PCM); n < len(e.PCM) {
			s.logger.Debug().Int("dropped_bytes", len(e.PCM)-n).Msg("Speaker buffer full")
		}

	case protocol.Interruption:
		cleared := s.speaker.Clear()
		s.logger.Debug().Int("bytes", cleared).Str("reason", e.Reason).Msg("Agent interrupted")

	case protocol.UserTranscript:
		s.transcript.Append(RoleUser, e.Text)

	case protocol.TentativeUserTranscript:
		s.transcript.SetPartial(e.Text)

	case protocol.AgentResponse:
		s.transcript.Append(RoleAgent, e.Text)

	case protocol.AgentResponseCorrection:
		s.transcript.Correct(e.Original, e.Corrected)

	case protocol.ConversationInit:
		s.logger.Info().Str("conversation_id", e.ConversationID).Str("output_format", e.AgentOutputFormat).Msg("Conversation started")

	case protocol.UpstreamClosed:
		s.logger.Info().Int("code", e.Code).Str("reason", e.Reason).Msg("Agent ended the conversation")
		go func() { _ = s.shutdown(StateIdle, nil) }()

	case protocol.UpstreamError:
		go s.fail(fmt.Errorf("%w: %s", ErrRemoteError, e.Message))
	}
}
