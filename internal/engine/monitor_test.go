package engine

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"perp-breakout/internal/config"
)

func monitorConfig() config.EngineConfig {
	return config.EngineConfig{
		MemoryCapMB:     1000,
		SoftRSSFraction: 0.7,
		HardRSSFraction: 0.9,
	}
}

func TestMonitorGradesSoftBreaches(t *testing.T) {
	t.Parallel()

	released := 0
	mon := NewResourceMonitor(monitorConfig(), t.TempDir(), func() { released++ }, zerolog.Nop())

	mon.observe(ResourceSample{RSSMB: 100})
	assert.False(t, mon.UnderPressure())
	assert.Zero(t, released)

	mon.observe(ResourceSample{RSSMB: 750})
	assert.True(t, mon.UnderPressure())
	assert.Equal(t, 1, released)

	// Shedding repeats on every sample while the breach holds.
	mon.observe(ResourceSample{RSSMB: 720})
	assert.True(t, mon.UnderPressure())
	assert.Equal(t, 2, released)

	mon.observe(ResourceSample{RSSMB: 300})
	assert.False(t, mon.UnderPressure())
	assert.Equal(t, 2, released)
}

func TestMonitorSustainedHard(t *testing.T) {
	t.Parallel()

	mon := NewResourceMonitor(monitorConfig(), t.TempDir(), nil, zerolog.Nop())

	mon.observe(ResourceSample{RSSMB: 950})
	mon.observe(ResourceSample{RSSMB: 960})
	assert.False(t, mon.SustainedHard(), "two hard samples are not sustained")

	mon.observe(ResourceSample{RSSMB: 955})
	assert.True(t, mon.SustainedHard())

	// One healthy sample resets the run.
	mon.observe(ResourceSample{RSSMB: 400})
	assert.False(t, mon.SustainedHard())
	mon.observe(ResourceSample{RSSMB: 950})
	assert.False(t, mon.SustainedHard())
}

func TestMonitorStrained(t *testing.T) {
	t.Parallel()

	mon := NewResourceMonitor(monitorConfig(), t.TempDir(), nil, zerolog.Nop())

	mon.observe(ResourceSample{RSSMB: 100, CPUPercent: 20})
	assert.False(t, mon.Strained())

	mon.observe(ResourceSample{RSSMB: 100, CPUPercent: 85})
	assert.True(t, mon.Strained(), "hot CPU grows the cycle delay")

	mon.observe(ResourceSample{RSSMB: 750, CPUPercent: 10})
	assert.True(t, mon.Strained(), "soft memory breach grows the cycle delay")
}

func TestMonitorLastSample(t *testing.T) {
	t.Parallel()

	mon := NewResourceMonitor(monitorConfig(), t.TempDir(), nil, zerolog.Nop())
	mon.observe(ResourceSample{RSSMB: 123, CPUPercent: 4.5, Goroutines: 12})

	last := mon.Last()
	assert.Equal(t, 123.0, last.RSSMB)
	assert.Equal(t, 4.5, last.CPUPercent)
	assert.Equal(t, 12, last.Goroutines)
}

func TestMonitorZeroCapDisablesGrading(t *testing.T) {
	t.Parallel()

	released := 0
	mon := NewResourceMonitor(config.EngineConfig{}, t.TempDir(), func() { released++ }, zerolog.Nop())

	mon.observe(ResourceSample{RSSMB: 10_000})
	assert.False(t, mon.UnderPressure())
	assert.False(t, mon.SustainedHard())
	assert.Zero(t, released)
}
