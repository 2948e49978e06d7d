package playback

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// SynthBackend speaks through a local synthesizer that writes a WAV file to
// stdout, such as espeak-ng --stdout
type SynthBackend struct {
	command string
	args    []string
}

// NewSynthBackend creates a backend that runs command with --stdout and the
// text as its last argument
func NewSynthBackend(command string) *SynthBackend {
	return &SynthBackend{command: command, args: []string{"--stdout"}}
}

// Name identifies the backend in logs
func (s *SynthBackend) Name() string { return "synth" }

// Render runs the synthesizer and decodes its WAV output
func (s *SynthBackend) Render(ctx context.Context, text string) (Clip, error) {
	if strings.TrimSpace(text) == "" {
		return Clip{}, errors.New("synth: empty text")
	}

	args := append(append([]string{}, s.args...), "--", text)
	cmd := exec.CommandContext(ctx, s.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return Clip{}, fmt.Errorf("synth: %s: %w: %s", s.command, err, msg)
		}
		return Clip{}, fmt.Errorf("synth: %s: %w", s.command, err)
	}

	info, err := parseWAV(stdout.Bytes())
	if err != nil {
		return Clip{}, err
	}
	if info.Channels != 1 || info.BitsPerSample != 16 {
		return Clip{}, fmt.Errorf("synth: unsupported WAV format: %d channels, %d bits", info.Channels, info.BitsPerSample)
	}

	pcm := stdout.Bytes()[info.DataOffset:]
	pcm = pcm[:len(pcm)-len(pcm)%2]
	return Clip{PCM: pcm, SampleRate: info.SampleRate}, nil
}

// wavInfo holds the format metadata extracted from a RIFF/WAVE header
type wavInfo struct {
	DataOffset    int
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// parseWAV walks the RIFF chunks for the format and the start of the sample
// data. Synthesizers writing to a pipe cannot seek back to fix the data
// chunk size, so the data is taken to run to the end of the input.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("synth: WAV output too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("synth: WAV output missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("synth: WAV output missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || offset+8+16 > len(wav) {
				return wavInfo{}, errors.New("synth: WAV fmt chunk truncated")
			}
			fmtData := wav[offset+8:]
			info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(fmtData[14:16]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return wavInfo{}, errors.New("synth: WAV data before fmt chunk")
			}
			info.DataOffset = offset + 8
			return info, nil
		}

		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("synth: WAV output missing data chunk")
}
