package protocol

import (
	"encoding/json"
)

// clientMessage covers every typed control message the producer sends
type clientMessage struct {
	Type    Type   `json:"type"`
	EventID *int   `json:"event_id,omitempty"`
	Text    string `json:"text,omitempty"`
}

// conversationInitiation is the optional first client message
type conversationInitiation struct {
	Type             Type              `json:"type"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

// audioChunk is the upstream's native audio frame: a single key, no type
type audioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// relayNotice is what the relay writes to the client before closing it
type relayNotice struct {
	Type    Type   `json:"type"`
	Code    *int   `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// mustMarshal is only used on types that cannot fail to encode
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("protocol: marshal: " + err.Error())
	}
	return data
}

// UserAudioChunk frames one base64 PCM16 block
func UserAudioChunk(audioBase64 string) []byte {
	return mustMarshal(audioChunk{UserAudioChunk: audioBase64})
}

// Pong answers a Ping
func Pong(eventID int) []byte {
	return mustMarshal(clientMessage{Type: TypePong, EventID: &eventID})
}

// UserActivity tells the agent the user is active without sending audio
func UserActivity() []byte {
	return mustMarshal(clientMessage{Type: TypeUserActivity})
}

// UserMessage sends typed text to the agent
func UserMessage(text string) []byte {
	return mustMarshal(clientMessage{Type: TypeUserMessage, Text: text})
}

// UserStartedSpeaking marks the start of a local speech segment
func UserStartedSpeaking() []byte {
	return mustMarshal(clientMessage{Type: TypeUserStartedSpeaking})
}

// UserStoppedSpeaking is the "finished speaking" signal sent before a
// recording session is closed, so the agent can finalize the transcript.
func UserStoppedSpeaking() []byte {
	return mustMarshal(clientMessage{Type: TypeUserStoppedSpeaking})
}

// ConversationInitiation carries dynamic variables for the agent prompt
func ConversationInitiation(vars map[string]string) []byte {
	return mustMarshal(conversationInitiation{Type: TypeConversationClientData, DynamicVariables: vars})
}

// UpstreamClosedNotice is sent by the relay when the upstream closed the call
func UpstreamClosedNotice(code int, reason string) []byte {
	return mustMarshal(relayNotice{Type: TypeUpstreamClosed, Code: &code, Reason: reason})
}

// UpstreamErrorNotice is sent by the relay when the upstream failed
func UpstreamErrorNotice(message string) []byte {
	return mustMarshal(relayNotice{Type: TypeUpstreamError, Message: message})
}

// IsAudioChunk reports whether a client frame carries microphone audio.
// Both the native {"user_audio_chunk": ...} layout and the typed
// {"type":"user_audio_chunk", "audio": ...} layout are recognised.
func IsAudioChunk(data []byte) bool {
	var envelope struct {
		Type  Type            `json:"type"`
		Chunk json.RawMessage `json:"user_audio_chunk"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return false
	}
	return envelope.Type == TypeUserAudioChunk || len(envelope.Chunk) > 0
}
