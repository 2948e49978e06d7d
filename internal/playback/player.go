// Package playback speaks transcript messages aloud. One message plays at a
// time; starting another stops the current one first.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wellnessai/voice-bridge/internal/audio"
	"github.com/wellnessai/voice-bridge/internal/observability"
)

// State of the player
type State int

const (
	StateIdle State = iota
	StateSpeaking
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeaking:
		return "speaking"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// DefaultTick is one animation frame
const DefaultTick = 16 * time.Millisecond

var (
	// ErrNothingPlaying is returned by Stop when no message is active
	ErrNothingPlaying = errors.New("playback: nothing playing")

	// ErrStopped is returned by Play when the message was stopped or
	// replaced before its audio was ready
	ErrStopped = errors.New("playback: stopped")
)

// Clip is rendered PCM16 mono audio
type Clip struct {
	PCM        []byte
	SampleRate int
}

func (c Clip) validate() error {
	switch {
	case len(c.PCM) == 0:
		return errors.New("empty audio")
	case len(c.PCM)%2 != 0:
		return fmt.Errorf("odd PCM length %d", len(c.PCM))
	case c.SampleRate <= 0:
		return fmt.Errorf("invalid sample rate %d", c.SampleRate)
	}
	return nil
}

// Backend renders text to audio
type Backend interface {
	Name() string
	Render(ctx context.Context, text string) (Clip, error)
}

// Sink is the playback buffer drained by the speaker
type Sink interface {
	Write(pcm []byte) int
	Space() int
	Available() int
	Clear() int
}

// StateChange describes a transition of the active message
type StateChange struct {
	MessageID string
	State     State
	Err       error
}

// Player is the single playback session
type Player struct {
	sink       Sink
	rate       int
	primary    Backend
	fallback   Backend
	tick       time.Duration
	onState    func(StateChange)
	onProgress func(messageID string, progress float64)
	logger     zerolog.Logger

	mu        sync.Mutex
	state     State
	messageID string
	pcm       []byte
	written   int
	progress  float64
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option customises a Player
type Option func(*Player)

// WithTick sets the progress update interval
func WithTick(d time.Duration) Option {
	return func(p *Player) { p.tick = d }
}

// WithStateListener observes state transitions
func WithStateListener(fn func(StateChange)) Option {
	return func(p *Player) { p.onState = fn }
}

// WithProgressListener receives the progress fraction every tick
func WithProgressListener(fn func(messageID string, progress float64)) Option {
	return func(p *Player) { p.onProgress = fn }
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Player) { p.logger = logger }
}

// NewPlayer creates a player writing PCM16 at rate into sink. fallback may
// be nil.
func NewPlayer(sink Sink, rate int, primary, fallback Backend, opts ...Option) *Player {
	p := &Player{
		sink:     sink,
		rate:     rate,
		primary:  primary,
		fallback: fallback,
		tick:     DefaultTick,
		logger:   observability.GetLogger().With().Str("component", "playback").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current state
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// MessageID returns the active message, or "" when idle
func (p *Player) MessageID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messageID
}

// Progress returns the played fraction of the active message
func (p *Player) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

func (p *Player) notify(change StateChange) {
	if p.onState != nil {
		p.onState(change)
	}
}

// Play stops any current message and speaks text as messageID. It returns
// once audio has started or every backend has failed.
func (p *Player) Play(ctx context.Context, messageID, text string) error {
	_ = p.Stop()

	p.mu.Lock()
	p.gen++
	gen := p.gen
	playCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.state = StateSpeaking
	p.messageID = messageID
	p.progress = 0
	p.mu.Unlock()
	p.notify(StateChange{MessageID: messageID, State: StateSpeaking})

	clip, err := p.render(playCtx, text)
	if err == nil && clip.SampleRate != p.rate {
		clip.PCM, err = audio.ResamplePCM16(clip.PCM, clip.SampleRate, p.rate)
	}

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return ErrStopped
	}
	if err != nil {
		p.resetLocked()
		p.mu.Unlock()
		cancel()
		p.logger.Error().Err(err).Str("message_id", messageID).Msg("Playback failed")
		p.notify(StateChange{MessageID: messageID, State: StateIdle, Err: err})
		return err
	}

	p.pcm = clip.PCM
	p.written = 0
	done := make(chan struct{})
	p.done = done
	p.mu.Unlock()

	go p.feed(playCtx, gen, done)
	return nil
}

// render tries the primary backend, then the fallback exactly once
func (p *Player) render(ctx context.Context, text string) (Clip, error) {
	clip, err := renderWith(ctx, p.primary, text)
	if err == nil {
		return clip, nil
	}
	if ctx.Err() != nil || p.fallback == nil {
		return Clip{}, err
	}

	p.logger.Warn().Err(err).Str("backend", p.primary.Name()).Str("fallback", p.fallback.Name()).Msg("Primary speech backend failed, falling back")
	clip, fbErr := renderWith(ctx, p.fallback, text)
	if fbErr != nil {
		return Clip{}, errors.Join(err, fbErr)
	}
	return clip, nil
}

func renderWith(ctx context.Context, b Backend, text string) (Clip, error) {
	clip, err := b.Render(ctx, text)
	if err == nil {
		err = clip.validate()
	}
	if err != nil {
		return Clip{}, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return clip, nil
}

// feed keeps the sink topped up and tracks progress until the message
// finishes or is stopped
func (p *Player) feed(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		if p.step(gen) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// step runs one tick and reports whether feeding is over
func (p *Player) step(gen uint64) bool {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return true
	}
	if p.state == StatePaused {
		p.mu.Unlock()
		return false
	}

	if remaining := len(p.pcm) - p.written; remaining > 0 {
		n := min(remaining, p.sink.Space())
		n -= n % 2
		if n > 0 {
			p.written += p.sink.Write(p.pcm[p.written : p.written+n])
		}
	}

	played := p.written - p.sink.Available()
	progress := min(max(float64(played)/float64(len(p.pcm)), 0), 1)
	id := p.messageID
	finished := played >= len(p.pcm)

	var cancel context.CancelFunc
	if finished {
		cancel = p.cancel
		p.gen++
		p.resetLocked()
	} else {
		p.progress = progress
	}
	p.mu.Unlock()

	if p.onProgress != nil {
		p.onProgress(id, progress)
	}
	if finished {
		if cancel != nil {
			cancel()
		}
		p.notify(StateChange{MessageID: id, State: StateIdle})
	}
	return finished
}

// resetLocked returns to idle without touching the feed goroutine
func (p *Player) resetLocked() {
	p.state = StateIdle
	p.messageID = ""
	p.pcm = nil
	p.written = 0
	p.progress = 0
	p.cancel = nil
	p.done = nil
}

// Pause stops output and remembers the position. It does nothing unless a
// message is speaking.
func (p *Player) Pause() {
	p.mu.Lock()
	if p.state != StateSpeaking {
		p.mu.Unlock()
		return
	}
	p.written = max(p.written-p.sink.Clear(), 0)
	p.state = StatePaused
	id := p.messageID
	p.mu.Unlock()

	p.notify(StateChange{MessageID: id, State: StatePaused})
}

// Resume continues a paused message. It does nothing unless paused.
func (p *Player) Resume() {
	p.mu.Lock()
	if p.state != StatePaused {
		p.mu.Unlock()
		return
	}
	p.state = StateSpeaking
	id := p.messageID
	p.mu.Unlock()

	p.notify(StateChange{MessageID: id, State: StateSpeaking})
}

// Stop ends the active message, clears buffered audio and resets progress.
// It returns once the feed goroutine has exited.
func (p *Player) Stop() error {
	p.mu.Lock()
	active := p.state != StateIdle
	id := p.messageID
	cancel, done := p.cancel, p.done
	p.gen++
	p.resetLocked()
	p.sink.Clear()
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if !active {
		return ErrNothingPlaying
	}

	p.notify(StateChange{MessageID: id, State: StateIdle})
	return nil
}

// Highlight splits text at the progress fraction into the spoken part and
// the rest
func Highlight(text string, progress float64) (spoken, rest string) {
	runes := []rune(text)
	if !(progress > 0) {
		// NaN included
		progress = 0
	}
	progress = min(progress, 1)
	n := int(progress * float64(len(runes)))
	return string(runes[:n]), string(runes[n:])
}
