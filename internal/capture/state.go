// Package capture runs one microphone-to-relay conversation at a time. A
// Session streams 16 kHz PCM16 frames to the relay, plays the agent's audio,
// and keeps the transcript. Manager guarantees a single active session.
package capture

import (
	"context"
	"errors"
)

// State is the connection lifecycle of a Session
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateListening
	StateFinalizing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	case StateFinalizing:
		return "finalizing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrSessionActive is returned when Start is called on a session that
	// has already been started
	ErrSessionActive = errors.New("capture: session already started")

	// ErrNotConnected is returned when a message is sent without an open
	// relay connection
	ErrNotConnected = errors.New("capture: not connected")

	// ErrRemoteError is the cause recorded when the relay reports an upstream error
	ErrRemoteError = errors.New("capture: upstream error")
)

// Source delivers fixed-size float32 blocks from a microphone
type Source interface {
	SampleRate() int
	Blocks() <-chan []float32
	Start() error
	Stop() error
	Close() error
}

// Transport is the text-frame connection to the relay
type Transport interface {
	Ready() bool
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close(code int, reason string) error
}

// AudioSink receives the agent's PCM16 audio for playback
type AudioSink interface {
	Write(pcm []byte) int
	Clear() int
	Available() int
}

// Dialer opens the relay connection for a session
type Dialer func(ctx context.Context) (Transport, error)

// SourceOpener acquires the microphone for a session
type SourceOpener func() (Source, error)

// StateFunc observes state transitions. err is set when entering StateError.
type StateFunc func(state State, err error)
