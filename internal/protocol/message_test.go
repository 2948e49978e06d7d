package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode_NestedEvents(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0xff, 0x7f}
	b64 := base64.StdEncoding.EncodeToString(pcm)

	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, ev Event)
	}{
		{
			name:  "conversation init",
			frame: `{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"c1","agent_output_audio_format":"pcm_16000","user_input_audio_format":"pcm_16000"}}`,
			check: func(t *testing.T, ev Event) {
				init := ev.(ConversationInit)
				if init.ConversationID != "c1" || init.AgentOutputFormat != "pcm_16000" {
					t.Errorf("Unexpected init event: %+v", init)
				}
			},
		},
		{
			name:  "final transcript",
			frame: `{"type":"user_transcript","user_transcription_event":{"user_transcript":"I slept badly"}}`,
			check: func(t *testing.T, ev Event) {
				if got := ev.(UserTranscript).Text; got != "I slept badly" {
					t.Errorf("Expected transcript 'I slept badly', got '%s'", got)
				}
			},
		},
		{
			name:  "partial transcript",
			frame: `{"type":"tentative_user_transcript","tentative_user_transcription_event":{"user_transcript":"I sle"}}`,
			check: func(t *testing.T, ev Event) {
				if got := ev.(TentativeUserTranscript).Text; got != "I sle" {
					t.Errorf("Expected partial 'I sle', got '%s'", got)
				}
			},
		},
		{
			name:  "agent response",
			frame: `{"type":"agent_response","agent_response_event":{"agent_response":"Let's try a breathing exercise."}}`,
			check: func(t *testing.T, ev Event) {
				if got := ev.(AgentResponse).Text; got != "Let's try a breathing exercise." {
					t.Errorf("Unexpected agent text '%s'", got)
				}
			},
		},
		{
			name:  "audio",
			frame: `{"type":"audio","audio_event":{"event_id":7,"audio_base_64":"` + b64 + `"}}`,
			check: func(t *testing.T, ev Event) {
				a := ev.(Audio)
				if a.EventID != 7 {
					t.Errorf("Expected event id 7, got %d", a.EventID)
				}
				if string(a.PCM) != string(pcm) {
					t.Errorf("Expected PCM %v, got %v", pcm, a.PCM)
				}
			},
		},
		{
			name:  "ping",
			frame: `{"type":"ping","ping_event":{"event_id":3,"ping_ms":40}}`,
			check: func(t *testing.T, ev Event) {
				p := ev.(Ping)
				if p.EventID != 3 || p.PingMs != 40 {
					t.Errorf("Unexpected ping: %+v", p)
				}
			},
		},
		{
			name:  "interruption",
			frame: `{"type":"interruption","interruption_event":{"event_id":9,"reason":"user"}}`,
			check: func(t *testing.T, ev Event) {
				if ev.(Interruption).EventID != 9 {
					t.Errorf("Unexpected interruption: %+v", ev)
				}
			},
		},
		{
			name:  "correction",
			frame: `{"type":"agent_response_correction","agent_response_correction_event":{"original_agent_response":"Hello there, how","corrected_agent_response":"Hello there"}}`,
			check: func(t *testing.T, ev Event) {
				if ev.(AgentResponseCorrection).Corrected != "Hello there" {
					t.Errorf("Unexpected correction: %+v", ev)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			tt.check(t, ev)
		})
	}
}

func TestDecode_FlatLayout(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"audio","audio":"AAA=","event_id":2}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if a := ev.(Audio); a.EventID != 2 || len(a.PCM) != 2 {
		t.Errorf("Unexpected flat audio: %+v", a)
	}

	ev, err = Decode([]byte(`{"type":"agent_response","text":"hi"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if ev.(AgentResponse).Text != "hi" {
		t.Errorf("Expected 'hi', got '%s'", ev.(AgentResponse).Text)
	}
}

func TestDecode_RelayNotices(t *testing.T) {
	ev, err := Decode(UpstreamClosedNotice(1000, "done"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	closed, ok := ev.(UpstreamClosed)
	if !ok {
		t.Fatalf("Expected UpstreamClosed, got %T", ev)
	}
	if closed.Code != 1000 || closed.Reason != "done" {
		t.Errorf("Unexpected notice: %+v", closed)
	}

	ev, err = Decode(UpstreamErrorNotice("dial failed"))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if ev.(UpstreamError).Message != "dial failed" {
		t.Errorf("Unexpected error notice: %+v", ev)
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := Decode([]byte(`not json`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for invalid JSON, got %v", err)
	}

	if _, err := Decode([]byte(`{"text":"no type"}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for missing type, got %v", err)
	}

	if _, err := Decode([]byte(`{"type":"audio","audio_event":{"audio_base_64":"%%%"}}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for bad base64, got %v", err)
	}

	_, err := Decode([]byte(`{"type":"vad_score"}`))
	var unknown *UnknownTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("Expected UnknownTypeError, got %v", err)
	}
	if unknown.Type != "vad_score" {
		t.Errorf("Expected unknown type 'vad_score', got '%s'", unknown.Type)
	}
}

func TestOutgoingMessages(t *testing.T) {
	var pong map[string]any
	if err := json.Unmarshal(Pong(0), &pong); err != nil {
		t.Fatalf("Failed to unmarshal pong: %v", err)
	}
	if pong["type"] != "pong" {
		t.Errorf("Expected type 'pong', got %v", pong["type"])
	}
	// event_id 0 must still be present
	if _, ok := pong["event_id"]; !ok {
		t.Error("Expected event_id in pong")
	}

	var chunk map[string]string
	if err := json.Unmarshal(UserAudioChunk("AAA="), &chunk); err != nil {
		t.Fatalf("Failed to unmarshal chunk: %v", err)
	}
	if chunk["user_audio_chunk"] != "AAA=" {
		t.Errorf("Expected user_audio_chunk 'AAA=', got %v", chunk)
	}

	var stop map[string]any
	if err := json.Unmarshal(UserStoppedSpeaking(), &stop); err != nil {
		t.Fatalf("Failed to unmarshal stop: %v", err)
	}
	if stop["type"] != "user_stopped_speaking" {
		t.Errorf("Expected user_stopped_speaking, got %v", stop["type"])
	}
}

func TestIsAudioChunk(t *testing.T) {
	tests := []struct {
		frame    string
		expected bool
	}{
		{`{"user_audio_chunk":"AAA="}`, true},
		{`{"type":"user_audio_chunk","audio":"AAA="}`, true},
		{`{"type":"pong","event_id":1}`, false},
		{`{"type":"conversation_initiation_client_data"}`, false},
		{`garbage`, false},
	}

	for _, tt := range tests {
		if got := IsAudioChunk([]byte(tt.frame)); got != tt.expected {
			t.Errorf("IsAudioChunk(%s): expected %v, got %v", tt.frame, tt.expected, got)
		}
	}
}
