// Package protocol defines the JSON envelopes exchanged with the upstream
// conversational voice agent and the notices the relay adds on top.
//
// Incoming frames are decoded into a closed set of Event types by Decode.
// Unknown discriminators and malformed frames are reported as named errors
// instead of being silently ignored.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the envelope discriminator
type Type string

// Event types produced by the upstream agent or by the relay
const (
	TypeConversationInit        Type = "conversation_initiation_metadata"
	TypeUserTranscript          Type = "user_transcript"
	TypeTentativeUserTranscript Type = "tentative_user_transcript"
	TypeAgentResponse           Type = "agent_response"
	TypeAgentResponseCorrection Type = "agent_response_correction"
	TypeAudio                   Type = "audio"
	TypeInterruption            Type = "interruption"
	TypePing                    Type = "ping"
	TypeUpstreamClosed          Type = "upstream_closed"
	TypeUpstreamError           Type = "upstream_error"
)

// Client message types sent towards the upstream agent
const (
	TypeUserAudioChunk         Type = "user_audio_chunk"
	TypePong                   Type = "pong"
	TypeUserActivity           Type = "user_activity"
	TypeUserMessage            Type = "user_message"
	TypeUserStartedSpeaking    Type = "user_started_speaking"
	TypeUserStoppedSpeaking    Type = "user_stopped_speaking"
	TypeConversationClientData Type = "conversation_initiation_client_data"
)

var (
	// ErrMalformed is returned for frames that are not a JSON object with a type
	ErrMalformed = errors.New("protocol: malformed message")
)

// UnknownTypeError is returned by Decode for a well-formed envelope whose
// discriminator is not part of the protocol.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("protocol: unknown message type %q", e.Type)
}

// Event is one decoded upstream or relay message
type Event interface {
	Type() Type
}

// ConversationInit is the first upstream message of a conversation
type ConversationInit struct {
	ConversationID    string
	AgentOutputFormat string
	UserInputFormat   string
}

// UserTranscript is a final transcript of the user's speech
type UserTranscript struct {
	Text string
}

// TentativeUserTranscript is a partial transcript that may still change
type TentativeUserTranscript struct {
	Text string
}

// AgentResponse is the agent's text reply
type AgentResponse struct {
	Text string
}

// AgentResponseCorrection replaces a reply that was cut short by barge-in
type AgentResponseCorrection struct {
	Original  string
	Corrected string
}

// Audio is one chunk of synthesized agent speech, PCM16 mono at 16 kHz
type Audio struct {
	EventID int
	PCM     []byte
}

// Interruption tells the client to stop agent playback
type Interruption struct {
	EventID int
	Reason  string
}

// Ping must be answered with Pong carrying the same event id
type Ping struct {
	EventID int
	PingMs  int
}

// UpstreamClosed is the relay notice sent before it closes the client socket
type UpstreamClosed struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// UpstreamError is the relay notice for upstream transport failures
type UpstreamError struct {
	Message string `json:"message"`
}

func (ConversationInit) Type() Type        { return TypeConversationInit }
func (UserTranscript) Type() Type          { return TypeUserTranscript }
func (TentativeUserTranscript) Type() Type { return TypeTentativeUserTranscript }
func (AgentResponse) Type() Type           { return TypeAgentResponse }
func (AgentResponseCorrection) Type() Type { return TypeAgentResponseCorrection }
func (Audio) Type() Type                   { return TypeAudio }
func (Interruption) Type() Type            { return TypeInterruption }
func (Ping) Type() Type                    { return TypePing }
func (UpstreamClosed) Type() Type          { return TypeUpstreamClosed }
func (UpstreamError) Type() Type           { return TypeUpstreamError }

// envelope accepts both the nested *_event layout and the flat layout
type envelope struct {
	Type string `json:"type"`

	// Flat fields
	Text    string `json:"text,omitempty"`
	Audio   string `json:"audio,omitempty"`
	EventID int    `json:"event_id,omitempty"`
	Code    int    `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`

	// Nested event structures
	InitEvent *struct {
		ConversationID    string `json:"conversation_id"`
		AgentOutputFormat string `json:"agent_output_audio_format"`
		UserInputFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`
	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`
	TentativeTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"tentative_user_transcription_event,omitempty"`
	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`
	CorrectionEvent *struct {
		Original  string `json:"original_agent_response"`
		Corrected string `json:"corrected_agent_response"`
	} `json:"agent_response_correction_event,omitempty"`
	AudioEvent *struct {
		EventID     int    `json:"event_id"`
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event,omitempty"`
	InterruptionEvent *struct {
		EventID int    `json:"event_id"`
		Reason  string `json:"reason"`
	} `json:"interruption_event,omitempty"`
	PingEvent *struct {
		EventID int `json:"event_id"`
		PingMs  int `json:"ping_ms"`
	} `json:"ping_event,omitempty"`
}

// Decode parses one frame into its concrete Event
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch Type(env.Type) {
	case TypeConversationInit:
		ev := ConversationInit{}
		if env.InitEvent != nil {
			ev.ConversationID = env.InitEvent.ConversationID
			ev.AgentOutputFormat = env.InitEvent.AgentOutputFormat
			ev.UserInputFormat = env.InitEvent.UserInputFormat
		}
		return ev, nil

	case TypeUserTranscript:
		if env.UserTranscriptionEvent != nil {
			return UserTranscript{Text: env.UserTranscriptionEvent.UserTranscript}, nil
		}
		return UserTranscript{Text: env.Text}, nil

	case TypeTentativeUserTranscript:
		if env.TentativeTranscriptionEvent != nil {
			return TentativeUserTranscript{Text: env.TentativeTranscriptionEvent.UserTranscript}, nil
		}
		return TentativeUserTranscript{Text: env.Text}, nil

	case TypeAgentResponse:
		if env.AgentResponseEvent != nil {
			return AgentResponse{Text: env.AgentResponseEvent.AgentResponse}, nil
		}
		return AgentResponse{Text: env.Text}, nil

	case TypeAgentResponseCorrection:
		if env.CorrectionEvent == nil {
			return nil, fmt.Errorf("%w: %s without correction event", ErrMalformed, env.Type)
		}
		return AgentResponseCorrection{
			Original:  env.CorrectionEvent.Original,
			Corrected: env.CorrectionEvent.Corrected,
		}, nil

	case TypeAudio:
		encoded, eventID := env.Audio, env.EventID
		if env.AudioEvent != nil && env.AudioEvent.AudioBase64 != "" {
			encoded, eventID = env.AudioEvent.AudioBase64, env.AudioEvent.EventID
		}
		pcm, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: audio payload: %v", ErrMalformed, err)
		}
		return Audio{EventID: eventID, PCM: pcm}, nil

	case TypeInterruption:
		if env.InterruptionEvent != nil {
			return Interruption{EventID: env.InterruptionEvent.EventID, Reason: env.InterruptionEvent.Reason}, nil
		}
		return Interruption{EventID: env.EventID, Reason: env.Reason}, nil

	case TypePing:
		if env.PingEvent != nil {
			return Ping{EventID: env.PingEvent.EventID, PingMs: env.PingEvent.PingMs}, nil
		}
		return Ping{EventID: env.EventID}, nil

	case TypeUpstreamClosed:
		return UpstreamClosed{Code: env.Code, Reason: env.Reason}, nil

	case TypeUpstreamError:
		return UpstreamError{Message: env.Message}, nil

	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}
}
