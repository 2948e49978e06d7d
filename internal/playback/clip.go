package playback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/wellnessai/voice-bridge/internal/config"
	"github.com/wellnessai/voice-bridge/internal/resilience"
)

// clipSampleRate is the PCM rate requested from the TTS API
const clipSampleRate = 16000

// ClipBackend fetches pre-rendered speech from the ElevenLabs text-to-speech API
type ClipBackend struct {
	apiKey     string
	apiURL     string
	voiceID    string
	modelID    string
	httpClient *http.Client
	retry      *resilience.RetryConfig
}

// clipRequest is the request payload for the TTS API
type clipRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

// NewClipBackend creates a TTS client from the producer configuration
func NewClipBackend(cfg *config.ClientConfig) *ClipBackend {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	return &ClipBackend{
		apiKey:     cfg.TTSAPIKey,
		apiURL:     cfg.TTSURL,
		voiceID:    cfg.TTSVoiceID,
		modelID:    cfg.TTSModelID,
		httpClient: &http.Client{Timeout: cfg.TTSTimeout},
		retry:      retry,
	}
}

// Name identifies the backend in logs
func (c *ClipBackend) Name() string { return "clip" }

// Render fetches text as 16 kHz PCM16, retrying transient failures
func (c *ClipBackend) Render(ctx context.Context, text string) (Clip, error) {
	var pcm []byte
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		data, err := c.fetch(ctx, text)
		if err != nil {
			return err
		}
		pcm = data
		return nil
	}, c.retry, resilience.IsRetryableNetworkError)
	if err != nil {
		return Clip{}, err
	}
	return Clip{PCM: pcm, SampleRate: clipSampleRate}, nil
}

func (c *ClipBackend) fetch(ctx context.Context, text string) ([]byte, error) {
	jsonData, err := json.Marshal(clipRequest{Text: text, ModelID: c.modelID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint, err := url.JoinPath(c.apiURL, c.voiceID)
	if err != nil {
		return nil, fmt.Errorf("invalid TTS url: %w", err)
	}
	endpoint += fmt.Sprintf("?output_format=pcm_%d", clipSampleRate)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/pcm")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("TTS API returned status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, resilience.NewRetryableError(err)
		}
		return nil, err
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewRetryableError(fmt.Errorf("failed to read audio response: %w", err))
	}
	if len(audioData) == 0 {
		return nil, fmt.Errorf("TTS API returned empty audio")
	}
	return audioData, nil
}
