package device

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/wellnessai/voice-bridge/internal/audio"
)

// Speaker plays mono PCM16 from a ring buffer. Writers fill the buffer; the
// device drains it and plays silence when it runs dry.
type Speaker struct {
	device *malgo.Device
	buffer *audio.RingBuffer
	rate   int

	closeOnce sync.Once
}

// OpenSpeaker initialises the default playback device at rate and starts it
func (c *Context) OpenSpeaker(rate int, buffer *audio.RingBuffer) (*Speaker, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(rate)

	s := &Speaker{buffer: buffer, rate: rate}
	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			s.buffer.ReadFull(output)
		},
	}

	dev, err := malgo.InitDevice(c.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("open speaker: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start speaker: %w", err)
	}
	s.device = dev

	c.logger.Info().Int("sample_rate", rate).Int("buffer_bytes", buffer.Space()).Msg("Speaker opened")
	return s, nil
}

// SampleRate is the playback rate
func (s *Speaker) SampleRate() int { return s.rate }

// Buffer is the ring buffer the device drains
func (s *Speaker) Buffer() *audio.RingBuffer { return s.buffer }

// Close stops playback and releases the device
func (s *Speaker) Close() error {
	s.closeOnce.Do(func() {
		_ = s.device.Stop()
		s.device.Uninit()
	})
	return nil
}
