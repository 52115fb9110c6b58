package patterns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cybre/dmx-music-sync/internal/dsp"
	"github.com/cybre/dmx-music-sync/internal/energy"
	"github.com/cybre/dmx-music-sync/internal/strategy"
	"github.com/cybre/dmx-music-sync/internal/tempo"
)

func TestOffbeatWeight(t *testing.T) {
	assert.Equal(t, 0.0, offbeatWeight(0))
	assert.Equal(t, 1.0, offbeatWeight(0.5))
	assert.InDelta(t, 0.5, offbeatWeight(0.25), 1e-9)
	assert.InDelta(t, 0.2, offbeatWeight(0.9), 1e-9)
}

func TestSyncopationFollowsOnsetPlacement(t *testing.T) {
	offbeat := NewAnalyzer(Options{})
	onbeat := NewAnalyzer(Options{})
	level := energy.Output{SmoothedEnergy: 0.5}

	var off, on Output
	for i := range 200 {
		ts := time.Duration(i) * 100 * time.Millisecond
		frame := dsp.Frame{Timestamp: ts, Energy: 0.5}
		off = offbeat.Process(frame, tempo.Output{Snare: true, Phase: 0.5, Confidence: 0.9}, level)
		on = onbeat.Process(frame, tempo.Output{Kick: true, Phase: 0.02, Confidence: 0.9}, level)
	}

	assert.Greater(t, off.Syncopation, 0.9)
	assert.Less(t, on.Syncopation, 0.1)
}

func TestSyncopationIgnoresUnconfidentTempo(t *testing.T) {
	a := NewAnalyzer(Options{})
	for i := range 50 {
		a.Process(dsp.Frame{Timestamp: time.Duration(i) * 100 * time.Millisecond},
			tempo.Output{Snare: true, Phase: 0.5, Confidence: 0.1},
			energy.Output{SmoothedEnergy: 0.5})
	}
	out := a.Process(dsp.Frame{Timestamp: 10 * time.Second}, tempo.Output{}, energy.Output{SmoothedEnergy: 0.5})
	assert.InDelta(t, 0.45, out.Syncopation, 1e-9)
}

func TestOnsetSpacing(t *testing.T) {
	a := NewAnalyzer(Options{})
	level := energy.Output{SmoothedEnergy: 0.5}
	first := a.Process(dsp.Frame{Timestamp: 0, Energy: 0.5}, tempo.Output{Kick: true}, level)
	second := a.Process(dsp.Frame{Timestamp: 20 * time.Millisecond, Energy: 0.5}, tempo.Output{Kick: true}, level)

	assert.True(t, first.Onset)
	assert.False(t, second.Onset)
}

func TestEnergyOnsetWithoutTransientFlags(t *testing.T) {
	a := NewAnalyzer(Options{})
	for i := range 40 {
		a.Process(dsp.Frame{Timestamp: time.Duration(i) * 16 * time.Millisecond, Energy: 0.2}, tempo.Output{}, energy.Output{})
	}
	out := a.Process(dsp.Frame{Timestamp: time.Second, Energy: 0.9}, tempo.Output{}, energy.Output{})
	assert.True(t, out.Onset)
	assert.Greater(t, out.OnsetStrength, 0.0)
}

func TestDropSectionIsImmediate(t *testing.T) {
	a := NewAnalyzer(Options{})
	a.Process(dsp.Frame{Timestamp: 0}, tempo.Output{}, energy.Output{SmoothedEnergy: 0.5})

	out := a.Process(dsp.Frame{Timestamp: 100 * time.Millisecond}, tempo.Output{},
		energy.Output{SmoothedEnergy: 0.5, IsDropActive: true})
	assert.Equal(t, strategy.SectionDrop, out.Section)
}

func TestSectionHoldPreventsFlapping(t *testing.T) {
	a := NewAnalyzer(Options{SectionHold: time.Second})
	quiet := energy.Output{SmoothedEnergy: 0.1}
	loud := energy.Output{SmoothedEnergy: 0.7}

	out := a.Process(dsp.Frame{Timestamp: 0}, tempo.Output{}, quiet)
	assert.Equal(t, strategy.SectionUnknown, out.Section)

	out = a.Process(dsp.Frame{Timestamp: 1100 * time.Millisecond}, tempo.Output{}, quiet)
	assert.Equal(t, strategy.SectionBreakdown, out.Section)

	out = a.Process(dsp.Frame{Timestamp: 1500 * time.Millisecond}, tempo.Output{}, loud)
	assert.Equal(t, strategy.SectionBreakdown, out.Section)

	for i := range 200 {
		out = a.Process(dsp.Frame{Timestamp: 2200*time.Millisecond + time.Duration(i)*16*time.Millisecond}, tempo.Output{}, loud)
	}
	assert.Equal(t, strategy.SectionChorus, out.Section)
}

func TestResetRestoresNeutral(t *testing.T) {
	a := NewAnalyzer(Options{})
	for i := range 50 {
		a.Process(dsp.Frame{Timestamp: time.Duration(i) * 100 * time.Millisecond},
			tempo.Output{Snare: true, Phase: 0.5, Confidence: 0.9},
			energy.Output{SmoothedEnergy: 0.5})
	}
	a.Reset()
	out := a.Process(dsp.Frame{}, tempo.Output{}, energy.Output{})
	assert.InDelta(t, 0.45, out.Syncopation, 1e-9)
}
