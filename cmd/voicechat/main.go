package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/wellnessai/voice-bridge/internal/audio"
	"github.com/wellnessai/voice-bridge/internal/capture"
	"github.com/wellnessai/voice-bridge/internal/config"
	"github.com/wellnessai/voice-bridge/internal/device"
	"github.com/wellnessai/voice-bridge/internal/observability"
	"github.com/wellnessai/voice-bridge/internal/playback"
	"github.com/wellnessai/voice-bridge/internal/transport"
)

const usage = `commands:
  start        start a conversation (stops the current one first)
  stop         end the conversation
  type <text>  send a typed message to the agent
  hold         ask the agent to wait while you are busy
  lines        list the transcript
  say <n>      read transcript line n aloud
  pause        pause read-aloud
  resume       resume read-aloud
  quiet        stop read-aloud
  quit         exit`

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	devices, err := device.NewContext()
	if err != nil {
		logger.Fatal().Err(err).Msg("Audio backend unavailable")
	}
	defer devices.Close()

	// Agent audio arrives as 16 kHz PCM16
	agentBuffer := audio.NewRingBuffer(cfg.SpeakerBufferSize)
	agentSpeaker, err := devices.OpenSpeaker(audio.TargetSampleRate, agentBuffer)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open speaker")
	}
	defer agentSpeaker.Close()

	readBuffer := audio.NewRingBuffer(cfg.SpeakerBufferSize)
	readSpeaker, err := devices.OpenSpeaker(audio.TargetSampleRate, readBuffer)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open read-aloud speaker")
	}
	defer readSpeaker.Close()

	transcript := capture.NewTranscript(cfg.TranscriptLines, func(line capture.Line) {
		fmt.Printf("%s: %s\n", line.Role, line.Text)
	})

	vad := &audio.VADConfig{EnergyThreshold: cfg.VADEnergyThreshold, SilenceFrames: cfg.VADSilenceFrames}
	manager := capture.NewManager(func() *capture.Session {
		return capture.NewSession(
			func(ctx context.Context) (capture.Transport, error) {
				return transport.Dial(ctx, cfg.RelayURL, cfg.AgentID)
			},
			func() (capture.Source, error) {
				return devices.OpenMicrophone(device.MicOptions{EchoCancellation: true, NoiseSuppression: true})
			},
			agentBuffer,
			capture.WithVAD(vad),
			capture.WithDynamicVariables(cfg.AgentVariables),
			capture.WithTranscript(transcript),
			capture.WithLevelMeter(audio.DefaultMeterInterval, func(level float64) {
				logger.Trace().Float64("level", level).Msg("Input level")
			}),
			capture.WithStateListener(func(state capture.State, err error) {
				if err != nil {
					fmt.Printf("[%s] %v\n", state, err)
					return
				}
				fmt.Printf("[%s]\n", state)
			}),
		)
	})
	defer manager.Stop()

	reader := newReadAloud(cfg, readBuffer)
	defer reader.player.Stop()

	fmt.Println(usage)
	commands := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			commands <- strings.TrimSpace(scanner.Text())
		}
		close(commands)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-commands:
			if !ok {
				return
			}
			if quit := run(ctx, line, manager, reader, transcript); quit {
				return
			}
		}
	}
}

// readAloud speaks transcript lines and shows the spoken part as it plays
type readAloud struct {
	player *playback.Player

	mu      sync.Mutex
	texts   map[string]string
	current string
}

func newReadAloud(cfg *config.ClientConfig, sink playback.Sink) *readAloud {
	r := &readAloud{texts: make(map[string]string)}
	opts := []playback.Option{
		playback.WithStateListener(r.onState),
		playback.WithProgressListener(r.onProgress),
	}

	synth := playback.NewSynthBackend(cfg.SynthCommand)
	if cfg.TTSAPIKey != "" {
		r.player = playback.NewPlayer(sink, audio.TargetSampleRate, playback.NewClipBackend(cfg), synth, opts...)
	} else {
		r.player = playback.NewPlayer(sink, audio.TargetSampleRate, synth, nil, opts...)
	}
	return r
}

func (r *readAloud) say(ctx context.Context, text string) {
	id := uuid.NewString()
	r.mu.Lock()
	r.texts[id] = text
	r.mu.Unlock()

	go func() {
		if err := r.player.Play(ctx, id, text); err != nil && !errors.Is(err, playback.ErrStopped) {
			fmt.Printf("read-aloud failed: %v\n", err)
		}
	}()
}

func (r *readAloud) onState(change playback.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch change.State {
	case playback.StateSpeaking:
		r.current = r.texts[change.MessageID]
	case playback.StateIdle:
		delete(r.texts, change.MessageID)
		fmt.Fprint(os.Stderr, "\r\033[K")
	}
}

func (r *readAloud) onProgress(_ string, progress float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	spoken, rest := playback.Highlight(r.current, progress)
	fmt.Fprintf(os.Stderr, "\r\033[K\033[1m%s\033[0m%s", spoken, rest)
}

func run(ctx context.Context, line string, manager *capture.Manager, reader *readAloud, transcript *capture.Transcript) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "start":
		startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if _, err := manager.Start(startCtx); err != nil {
			fmt.Printf("start failed: %v\n", err)
		}

	case "stop":
		if err := manager.Stop(); err != nil {
			fmt.Printf("stop: %v\n", err)
		}

	case "type":
		text := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		if text == "" {
			fmt.Println("usage: type <text>")
			return false
		}
		if err := withSession(manager, func(s *capture.Session) error { return s.SendText(ctx, text) }); err != nil {
			fmt.Printf("type: %v\n", err)
		}

	case "hold":
		if err := withSession(manager, func(s *capture.Session) error { return s.SignalActivity(ctx) }); err != nil {
			fmt.Printf("hold: %v\n", err)
		}

	case "lines":
		for i, l := range transcript.Lines() {
			fmt.Printf("%3d %s: %s\n", i, l.Role, l.Text)
		}

	case "say":
		lines := transcript.Lines()
		if len(fields) < 2 {
			fmt.Println("usage: say <n>")
			return false
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 0 || n >= len(lines) {
			fmt.Printf("no transcript line %q\n", fields[1])
			return false
		}
		reader.say(ctx, lines[n].Text)

	case "pause":
		reader.player.Pause()

	case "resume":
		reader.player.Resume()

	case "quiet":
		_ = reader.player.Stop()

	case "quit", "exit":
		return true

	default:
		fmt.Println(usage)
	}
	return false
}

// withSession runs fn on the current conversation
func withSession(manager *capture.Manager, fn func(*capture.Session) error) error {
	session := manager.Current()
	if session == nil {
		return capture.ErrNotConnected
	}
	return fn(session)
}
