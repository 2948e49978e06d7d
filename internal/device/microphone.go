package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/wellnessai/voice-bridge/internal/audio"
)

// MicOptions configures capture. A zero SampleRate uses the device's native rate.
type MicOptions struct {
	SampleRate       int
	BlockSize        int
	EchoCancellation bool
	NoiseSuppression bool
}

// blockQueue holds the single block in flight to the processing goroutine
const blockQueue = 1

// Microphone captures mono float32 audio in fixed-size blocks
type Microphone struct {
	device  *malgo.Device
	rate    int
	blocks  chan []float32
	acc     *blockAccumulator
	dropped atomic.Uint64

	stopOnce  sync.Once
	closeOnce sync.Once
}

// OpenMicrophone initialises the default capture device. The device is not
// started until Start.
func (c *Context) OpenMicrophone(opts MicOptions) (*Microphone, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = audio.BlockSize
	}

	// miniaudio has no processing switches for these; the platform decides
	if opts.EchoCancellation || opts.NoiseSuppression {
		c.logger.Debug().
			Bool("echo_cancellation", opts.EchoCancellation).
			Bool("noise_suppression", opts.NoiseSuppression).
			Msg("Capture processing requested; applied by the platform if supported")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(opts.SampleRate)

	m := &Microphone{
		blocks: make(chan []float32, blockQueue),
		acc:    newBlockAccumulator(opts.BlockSize),
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.acc.push(input, m.deliver)
		},
	}

	dev, err := malgo.InitDevice(c.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("open microphone: %w", err)
	}
	m.device = dev
	m.rate = int(dev.SampleRate())

	c.logger.Info().Int("sample_rate", m.rate).Int("block_size", opts.BlockSize).Msg("Microphone opened")
	return m, nil
}

// deliver hands a finished block to the consumer without blocking the
// audio thread. When the consumer is behind, the stale block is replaced
// so the freshest audio is the one in flight.
func (m *Microphone) deliver(block []float32) {
	for {
		select {
		case m.blocks <- block:
			return
		default:
		}
		select {
		case <-m.blocks:
			m.dropped.Add(1)
		default:
		}
	}
}

// SampleRate is the native capture rate
func (m *Microphone) SampleRate() int { return m.rate }

// Blocks yields captured blocks. It is closed by Close.
func (m *Microphone) Blocks() <-chan []float32 { return m.blocks }

// Dropped counts stale blocks discarded because the consumer fell behind
func (m *Microphone) Dropped() uint64 { return m.dropped.Load() }

// Start begins capturing
func (m *Microphone) Start() error {
	if err := m.device.Start(); err != nil {
		return fmt.Errorf("start microphone: %w", err)
	}
	return nil
}

// Stop halts capture. The device stays allocated until Close.
func (m *Microphone) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		if stopErr := m.device.Stop(); stopErr != nil {
			err = fmt.Errorf("stop microphone: %w", stopErr)
		}
	})
	return err
}

// Close releases the device. No callbacks run after Uninit returns, so the
// block channel can be closed safely.
func (m *Microphone) Close() error {
	m.closeOnce.Do(func() {
		m.device.Uninit()
		close(m.blocks)
	})
	return nil
}

// blockAccumulator turns variable-sized callback buffers into fixed blocks
type blockAccumulator struct {
	size int
	buf  []float32
}

func newBlockAccumulator(size int) *blockAccumulator {
	return &blockAccumulator{size: size, buf: make([]float32, 0, size)}
}

// push appends little-endian float32 samples and emits each completed block
// as a fresh slice
func (a *blockAccumulator) push(data []byte, emit func([]float32)) {
	for i := 0; i+4 <= len(data); i += 4 {
		a.buf = append(a.buf, math.Float32frombits(binary.LittleEndian.Uint32(data[i:])))
		if len(a.buf) == a.size {
			emit(a.buf)
			a.buf = make([]float32, 0, a.size)
		}
	}
}
