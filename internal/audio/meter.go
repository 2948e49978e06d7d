package audio

import (
	"math"
	"sync/atomic"
	"time"
)

const (
	// DefaultMeterInterval bounds how often the level callback fires
	DefaultMeterInterval = 60 * time.Millisecond

	meterDecay = 0.8
)

// LevelFunc receives the smoothed input level. It runs on the audio
// callback goroutine and must not block.
type LevelFunc func(level float64)

// Meter smooths per-block RMS with an 80/20 exponential moving average and
// reports it at most once per interval.
type Meter struct {
	interval time.Duration
	onLevel  LevelFunc
	now      func() time.Time

	level    atomic.Uint64 // math.Float64bits of the smoothed level
	lastEmit time.Time
}

// NewMeter creates a meter. A zero interval uses DefaultMeterInterval.
func NewMeter(interval time.Duration, onLevel LevelFunc) *Meter {
	if interval <= 0 {
		interval = DefaultMeterInterval
	}
	return &Meter{
		interval: interval,
		onLevel:  onLevel,
		now:      time.Now,
	}
}

// Update folds one block's RMS into the level. Only the audio callback
// goroutine may call Update.
func (m *Meter) Update(rms float64) {
	prev := math.Float64frombits(m.level.Load())
	level := meterDecay*prev + (1-meterDecay)*rms
	m.level.Store(math.Float64bits(level))

	if m.onLevel == nil {
		return
	}
	now := m.now()
	if !m.lastEmit.IsZero() && now.Sub(m.lastEmit) < m.interval {
		return
	}
	m.lastEmit = now
	m.onLevel(level)
}

// Level returns the current smoothed level; safe from any goroutine
func (m *Meter) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

// Reset zeroes the level so a new session starts from silence
func (m *Meter) Reset() {
	m.level.Store(0)
	m.lastEmit = time.Time{}
}
