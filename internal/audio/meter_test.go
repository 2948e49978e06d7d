package audio

import (
	"math"
	"testing"
	"time"
)

func TestMeter_Smoothing(t *testing.T) {
	m := NewMeter(time.Millisecond, nil)

	m.Update(1.0)
	if got := m.Level(); math.Abs(got-0.2) > 1e-9 {
		t.Errorf("Expected level 0.2 after first block, got %f", got)
	}

	m.Update(1.0)
	if got := m.Level(); math.Abs(got-0.36) > 1e-9 {
		t.Errorf("Expected level 0.36 after second block, got %f", got)
	}

	m.Reset()
	if m.Level() != 0 {
		t.Errorf("Expected level 0 after reset, got %f", m.Level())
	}
}

func TestMeter_Throttle(t *testing.T) {
	var emitted []float64
	m := NewMeter(60*time.Millisecond, func(level float64) {
		emitted = append(emitted, level)
	})

	clock := time.Unix(0, 0)
	m.now = func() time.Time { return clock }

	// First block always reports
	m.Update(0.5)
	// Blocks inside the interval are folded in silently
	for i := 0; i < 5; i++ {
		clock = clock.Add(10 * time.Millisecond)
		m.Update(0.5)
	}
	if len(emitted) != 1 {
		t.Fatalf("Expected 1 emission within 50ms, got %d", len(emitted))
	}

	clock = clock.Add(10 * time.Millisecond)
	m.Update(0.5)
	if len(emitted) != 2 {
		t.Fatalf("Expected 2 emissions at 60ms, got %d", len(emitted))
	}
	if emitted[1] <= emitted[0] {
		t.Errorf("Expected rising level, got %f then %f", emitted[0], emitted[1])
	}
}

func TestMeter_DefaultInterval(t *testing.T) {
	m := NewMeter(0, nil)
	if m.interval != DefaultMeterInterval {
		t.Errorf("Expected interval %v, got %v", DefaultMeterInterval, m.interval)
	}
}
