package playback

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wellnessai/voice-bridge/internal/audio"
)

// fakeBackend returns a fixed clip or error and counts calls. A non-nil gate
// blocks Render until it is closed or ctx ends.
type fakeBackend struct {
	name  string
	clip  Clip
	err   error
	gate  chan struct{}
	calls atomic.Int32
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Render(ctx context.Context, _ string) (Clip, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return Clip{}, ctx.Err()
		}
	}
	return f.clip, f.err
}

func filledClip(b byte, n int) Clip {
	return Clip{PCM: bytes.Repeat([]byte{b}, n), SampleRate: 16000}
}

// recorder collects state changes
type recorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *recorder) record(c StateChange) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.changes...)
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func newTestPlayer(sink Sink, primary, fallback Backend, opts ...Option) *Player {
	opts = append([]Option{WithTick(time.Millisecond), WithLogger(zerolog.Nop())}, opts...)
	return NewPlayer(sink, 16000, primary, fallback, opts...)
}

func TestPlayer_PlayStopsPreviousMessage(t *testing.T) {
	sink := audio.NewRingBuffer(1000)
	rec := &recorder{}
	backend := &fakeBackend{name: "a", clip: filledClip(0x01, 4000)}
	p := newTestPlayer(sink, backend, nil, WithStateListener(rec.record))
	defer p.Stop()

	if err := p.Play(context.Background(), "msg-a", "first"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	eventually(t, func() bool { return sink.Available() > 0 }, "first message buffered")

	backend.clip = filledClip(0x02, 4000)
	if err := p.Play(context.Background(), "msg-b", "second"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	eventually(t, func() bool { return sink.Available() > 0 }, "second message buffered")

	buf := make([]byte, sink.Available())
	sink.Read(buf)
	if bytes.IndexByte(buf, 0x01) >= 0 {
		t.Error("Expected no audio from the stopped message after the new one started")
	}

	want := []StateChange{
		{MessageID: "msg-a", State: StateSpeaking},
		{MessageID: "msg-a", State: StateIdle},
		{MessageID: "msg-b", State: StateSpeaking},
	}
	got := rec.snapshot()
	if len(got) < len(want) {
		t.Fatalf("Expected at least %d state changes, got %v", len(want), got)
	}
	for i, w := range want {
		if got[i].MessageID != w.MessageID || got[i].State != w.State {
			t.Errorf("Change %d: expected %s/%s, got %s/%s", i, w.MessageID, w.State, got[i].MessageID, got[i].State)
		}
	}
	if p.MessageID() != "msg-b" {
		t.Errorf("Expected msg-b active, got %q", p.MessageID())
	}
}

func TestPlayer_ProgressAndCompletion(t *testing.T) {
	sink := audio.NewRingBuffer(64 * 1024)
	var last atomic.Value
	p := newTestPlayer(sink, &fakeBackend{name: "a", clip: filledClip(0, 3200)}, nil,
		WithProgressListener(func(_ string, progress float64) { last.Store(progress) }))

	if err := p.Play(context.Background(), "msg", "hello"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	eventually(t, func() bool { return sink.Available() == 3200 }, "clip buffered")

	// Simulate the device consuming half the clip
	sink.Read(make([]byte, 1600))
	eventually(t, func() bool { return p.Progress() == 0.5 }, "half progress")

	sink.Read(make([]byte, 1600))
	eventually(t, func() bool { return p.State() == StateIdle }, "completion")

	if got := last.Load(); got != 1.0 {
		t.Errorf("Expected final progress 1, got %v", got)
	}
	if p.Progress() != 0 {
		t.Errorf("Expected progress reset after completion, got %v", p.Progress())
	}
}

func TestPlayer_PauseResume(t *testing.T) {
	sink := audio.NewRingBuffer(64 * 1024)
	p := newTestPlayer(sink, &fakeBackend{name: "a", clip: filledClip(0, 4000)}, nil)
	defer p.Stop()

	// Pausing with nothing playing is a no-op
	p.Pause()
	p.Resume()
	if p.State() != StateIdle {
		t.Fatalf("Expected idle, got %s", p.State())
	}

	if err := p.Play(context.Background(), "msg", "hello"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	eventually(t, func() bool { return sink.Available() == 4000 }, "clip buffered")
	sink.Read(make([]byte, 1000))

	p.Pause()
	p.Pause()
	if p.State() != StatePaused {
		t.Fatalf("Expected paused, got %s", p.State())
	}
	if sink.Available() != 0 {
		t.Errorf("Expected buffered audio released on pause, got %d bytes", sink.Available())
	}

	p.Resume()
	p.Resume()
	if p.State() != StateSpeaking {
		t.Fatalf("Expected speaking, got %s", p.State())
	}
	eventually(t, func() bool { return sink.Available() == 3000 }, "remaining audio after resume")
}

func TestPlayer_Stop(t *testing.T) {
	sink := audio.NewRingBuffer(64 * 1024)
	p := newTestPlayer(sink, &fakeBackend{name: "a", clip: filledClip(0, 4000)}, nil)

	if err := p.Stop(); !errors.Is(err, ErrNothingPlaying) {
		t.Errorf("Expected ErrNothingPlaying, got %v", err)
	}

	if err := p.Play(context.Background(), "msg", "hello"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	eventually(t, func() bool { return sink.Available() == 4000 }, "clip buffered")
	sink.Read(make([]byte, 2000))
	eventually(t, func() bool { return p.Progress() > 0 }, "progress")

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.Progress() != 0 {
		t.Errorf("Expected progress 0 after Stop, got %v", p.Progress())
	}
	if sink.Available() != 0 {
		t.Errorf("Expected sink cleared, got %d bytes", sink.Available())
	}
	if p.State() != StateIdle || p.MessageID() != "" {
		t.Errorf("Expected idle with no message, got %s %q", p.State(), p.MessageID())
	}
}

func TestPlayer_FallbackRunsOnce(t *testing.T) {
	sink := audio.NewRingBuffer(64 * 1024)
	primary := &fakeBackend{name: "clip", err: errors.New("status 401")}
	fallback := &fakeBackend{name: "synth", clip: filledClip(0, 800)}
	p := newTestPlayer(sink, primary, fallback)
	defer p.Stop()

	if err := p.Play(context.Background(), "msg", "hello"); err != nil {
		t.Fatalf("Expected fallback to succeed, got %v", err)
	}
	if primary.calls.Load() != 1 || fallback.calls.Load() != 1 {
		t.Errorf("Expected one call each, got primary=%d fallback=%d", primary.calls.Load(), fallback.calls.Load())
	}
}

func TestPlayer_FallbackFailureIsTerminal(t *testing.T) {
	sink := audio.NewRingBuffer(1024)
	rec := &recorder{}
	primary := &fakeBackend{name: "clip", err: errors.New("timeout")}
	fallback := &fakeBackend{name: "synth", clip: Clip{PCM: []byte{1, 2, 3}, SampleRate: 16000}}
	p := newTestPlayer(sink, primary, fallback, WithStateListener(rec.record))

	err := p.Play(context.Background(), "msg", "hello")
	if err == nil {
		t.Fatal("Expected error when both backends fail")
	}
	if fallback.calls.Load() != 1 {
		t.Errorf("Expected fallback called once, got %d", fallback.calls.Load())
	}
	if p.State() != StateIdle {
		t.Errorf("Expected idle after terminal failure, got %s", p.State())
	}

	changes := rec.snapshot()
	last := changes[len(changes)-1]
	if last.State != StateIdle || last.Err == nil {
		t.Errorf("Expected final idle change carrying the error, got %+v", last)
	}
}

func TestPlayer_StopDuringRender(t *testing.T) {
	sink := audio.NewRingBuffer(1024)
	backend := &fakeBackend{name: "clip", clip: filledClip(0, 800), gate: make(chan struct{})}
	fallback := &fakeBackend{name: "synth", clip: filledClip(0, 800)}
	p := newTestPlayer(sink, backend, fallback)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Play(context.Background(), "msg", "hello") }()
	eventually(t, func() bool { return backend.calls.Load() == 1 }, "render started")

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
	if fallback.calls.Load() != 0 {
		t.Error("Expected no fallback for a stopped message")
	}
	if sink.Available() != 0 {
		t.Errorf("Expected no audio buffered, got %d", sink.Available())
	}
}

func TestPlayer_ResamplesClip(t *testing.T) {
	sink := audio.NewRingBuffer(64 * 1024)
	clip := Clip{PCM: make([]byte, 22050*2/10), SampleRate: 22050}
	p := newTestPlayer(sink, &fakeBackend{name: "synth", clip: clip}, nil)
	defer p.Stop()

	if err := p.Play(context.Background(), "msg", "hello"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	// 100 ms at 16 kHz
	eventually(t, func() bool { return sink.Available() == 3200 }, "resampled clip buffered")
}

func TestHighlight(t *testing.T) {
	tests := []struct {
		progress      float64
		spoken, rest string
	}{
		{0, "", "héllo"},
		{0.4, "hé", "llo"},
		{1, "héllo", ""},
		{-1, "", "héllo"},
		{2, "héllo", ""},
		{math.NaN(), "", "héllo"},
		{math.Inf(1), "héllo", ""},
	}
	for _, tt := range tests {
		spoken, rest := Highlight("héllo", tt.progress)
		if spoken != tt.spoken || rest != tt.rest {
			t.Errorf("Highlight(%v): expected %q|%q, got %q|%q", tt.progress, tt.spoken, tt.rest, spoken, rest)
		}
	}
}
