package playback

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wellnessai/voice-bridge/internal/config"
)

func clipConfig(url string) *config.ClientConfig {
	return &config.ClientConfig{
		TTSAPIKey:           "tts-key",
		TTSURL:              url,
		TTSVoiceID:          "voice-1",
		TTSModelID:          "model-1",
		TTSTimeout:          2 * time.Second,
		RetryMaxAttempts:    2,
		RetryInitialBackoff: 1,
	}
}

func TestClipBackend_Render(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice-1" {
			t.Errorf("Expected voice path, got %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("output_format"); got != "pcm_16000" {
			t.Errorf("Expected output_format pcm_16000, got %s", got)
		}
		if got := r.Header.Get("xi-api-key"); got != "tts-key" {
			t.Errorf("Expected api key header, got %q", got)
		}

		var req clipRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("Expected JSON body, got %v", err)
		}
		if req.Text != "hello" || req.ModelID != "model-1" {
			t.Errorf("Unexpected request %+v", req)
		}

		w.Write([]byte{1, 2, 3, 4})
	}))
	defer server.Close()

	clip, err := NewClipBackend(clipConfig(server.URL + "/v1/text-to-speech")).Render(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(clip.PCM) != 4 || clip.SampleRate != 16000 {
		t.Errorf("Expected 4 bytes at 16000 Hz, got %d bytes at %d", len(clip.PCM), clip.SampleRate)
	}
}

func TestClipBackend_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewClipBackend(clipConfig(server.URL)).Render(context.Background(), "hello")
	if err == nil {
		t.Fatal("Expected error")
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls.Load())
	}
}

func TestClipBackend_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := NewClipBackend(clipConfig(server.URL)).Render(context.Background(), "hello")
	if err == nil {
		t.Fatal("Expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 attempt, got %d", calls.Load())
	}
}

// wavBytes builds a RIFF/WAVE file the way a synthesizer writes it to a
// pipe, with placeholder chunk sizes
func wavBytes(rate, channels, bits int, pcm []byte) []byte {
	out := []byte("RIFF\xff\xff\xff\xffWAVE")
	fmtChunk := make([]byte, 24)
	copy(fmtChunk, "fmt ")
	binary.LittleEndian.PutUint32(fmtChunk[4:], 16)
	binary.LittleEndian.PutUint16(fmtChunk[8:], 1)
	binary.LittleEndian.PutUint16(fmtChunk[10:], uint16(channels))
	binary.LittleEndian.PutUint32(fmtChunk[12:], uint32(rate))
	binary.LittleEndian.PutUint32(fmtChunk[16:], uint32(rate*channels*bits/8))
	binary.LittleEndian.PutUint16(fmtChunk[20:], uint16(channels*bits/8))
	binary.LittleEndian.PutUint16(fmtChunk[22:], uint16(bits))
	out = append(out, fmtChunk...)
	out = append(out, []byte("data\xff\xff\xff\xff")...)
	return append(out, pcm...)
}

func TestParseWAV(t *testing.T) {
	wav := wavBytes(22050, 1, 16, []byte{1, 2, 3, 4})
	info, err := parseWAV(wav)
	if err != nil {
		t.Fatalf("parseWAV: %v", err)
	}
	if info.SampleRate != 22050 || info.Channels != 1 || info.BitsPerSample != 16 {
		t.Errorf("Unexpected format %+v", info)
	}
	if info.DataOffset != 44 {
		t.Errorf("Expected data offset 44, got %d", info.DataOffset)
	}

	for name, bad := range map[string][]byte{
		"short":   []byte("RIFF"),
		"no riff": []byte("JUNK\x00\x00\x00\x00WAVE"),
		"no data": wav[:36],
	} {
		if _, err := parseWAV(bad); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSynthBackend_Render(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script as the synthesizer")
	}

	dir := t.TempDir()
	wavPath := filepath.Join(dir, "out.wav")
	if err := os.WriteFile(wavPath, wavBytes(22050, 1, 16, []byte{1, 2, 3, 4, 5}), 0o644); err != nil {
		t.Fatal(err)
	}
	script := filepath.Join(dir, "synth")
	if err := os.WriteFile(script, []byte("#!/bin/sh\ncat "+wavPath+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	clip, err := NewSynthBackend(script).Render(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if clip.SampleRate != 22050 {
		t.Errorf("Expected 22050 Hz, got %d", clip.SampleRate)
	}
	if len(clip.PCM) != 4 {
		t.Errorf("Expected trailing odd byte dropped, got %d bytes", len(clip.PCM))
	}
}

func TestSynthBackend_MissingCommand(t *testing.T) {
	_, err := NewSynthBackend(filepath.Join(t.TempDir(), "missing")).Render(context.Background(), "hello")
	if err == nil {
		t.Error("Expected error for a missing synthesizer")
	}
}
