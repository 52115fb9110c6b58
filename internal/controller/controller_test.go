package controller

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybre/dmx-music-sync/internal/clock"
	"github.com/cybre/dmx-music-sync/internal/dsp"
	"github.com/cybre/dmx-music-sync/internal/energy"
	"github.com/cybre/dmx-music-sync/internal/fixture"
	"github.com/cybre/dmx-music-sync/internal/safety"
	"github.com/cybre/dmx-music-sync/internal/strategy"
	"github.com/cybre/dmx-music-sync/internal/tempo"
)

const frameStep = 10 * time.Millisecond

type recordingSink struct {
	calls [][]Command
	err   error
}

func (s *recordingSink) Send(_ context.Context, _ time.Duration, cmds []Command) error {
	s.calls = append(s.calls, cmds)
	return s.err
}

func testPatch() []fixture.Patched {
	return []fixture.Patched{
		{ID: "beam", Profile: fixture.Beam2R()},
		{ID: "par", Profile: fixture.DigitalProfile{Info: fixture.Info{ID: fixture.LEDParRGBID}}},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestStepDrivesWholePipeline(t *testing.T) {
	sink := &recordingSink{}
	c := New(Options{Fixtures: testPatch(), Sink: sink, Logger: quietLogger()})
	ctx := context.Background()

	now := time.Second
	for range 80 {
		_, err := c.Step(ctx, dsp.Frame{Timestamp: now, Bass: 0.9, Energy: 0.8})
		require.NoError(t, err)
		for ts := now + frameStep; ts < now+400*time.Millisecond; ts += frameStep {
			_, err := c.Step(ctx, dsp.Frame{Timestamp: ts, Bass: 0.1, Energy: 0.3})
			require.NoError(t, err)
		}
		now += 400 * time.Millisecond
	}

	snap := c.Last()
	assert.InDelta(t, 150, snap.Tempo.BPM, 1.0)
	assert.True(t, snap.Tempo.IsLocked)
	assert.Equal(t, 80*40, len(sink.calls))
	require.Len(t, snap.Commands, 2)
	require.Len(t, snap.Looks, 2)

	beam := snap.Commands[0]
	assert.Equal(t, "beam", beam.FixtureID)
	assert.Equal(t, fixture.MixingWheel, beam.Mixing)
	assert.NotEmpty(t, beam.ColorName)
	assert.Greater(t, beam.Dimmer, 0.0)

	par := snap.Commands[1]
	assert.Equal(t, fixture.MixingRGB, par.Mixing)
	assert.Empty(t, par.ColorName)
	assert.Equal(t, uint8(safety.OpenShutter), par.Shutter)
	assert.Zero(t, c.Resets())
}

func TestSilenceResetsForNextTrack(t *testing.T) {
	c := New(Options{Fixtures: testPatch(), Sink: &recordingSink{}, Logger: quietLogger()})
	ctx := context.Background()
	c.SetBPM(90)

	ts := time.Duration(0)
	for range 60 {
		_, err := c.Step(ctx, dsp.Frame{Timestamp: ts, Bass: 0.4, Energy: 0.6})
		require.NoError(t, err)
		ts += frameStep
	}
	require.Equal(t, 90.0, c.Last().Tempo.BPM)

	var snap Snapshot
	for range 220 {
		var err error
		snap, err = c.Step(ctx, dsp.Frame{Timestamp: ts})
		require.NoError(t, err)
		ts += frameStep
	}

	assert.Equal(t, 1, c.Resets())
	assert.Equal(t, 120.0, snap.Tempo.BPM)
	assert.False(t, snap.Tempo.IsLocked)
	assert.True(t, snap.Energy.IsSilence)
	for _, look := range snap.Looks {
		assert.Zero(t, look.Brightness)
	}
}

func TestSinkErrorStopsStep(t *testing.T) {
	boom := eris.New("bus unplugged")
	c := New(Options{Fixtures: testPatch(), Sink: &recordingSink{err: boom}, Logger: quietLogger()})

	_, err := c.Step(context.Background(), dsp.Frame{})
	require.Error(t, err)
	assert.True(t, eris.Is(err, boom))
}

func TestRun(t *testing.T) {
	sink := &recordingSink{}
	c := New(Options{Fixtures: testPatch(), Sink: sink, Logger: quietLogger()})

	in := make(chan dsp.Frame, 3)
	for i := range 3 {
		in <- dsp.Frame{Timestamp: time.Duration(i) * frameStep, Energy: 0.5}
	}
	close(in)
	require.NoError(t, c.Run(context.Background(), in))
	assert.Len(t, sink.calls, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Run(ctx, make(chan dsp.Frame))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestWheelFixtureIsProtectedFromFlicker(t *testing.T) {
	for _, tc := range []struct {
		name       string
		brightness float64
		strobe     bool
	}{
		{name: "lit", brightness: 1, strobe: true},
		{name: "dark", brightness: 0, strobe: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.NewManual(time.Time{})
			c := New(Options{
				Fixtures: testPatch(),
				Safety:   safety.Options{Clock: clk},
				Sink:     &recordingSink{},
				Logger:   quietLogger(),
			})
			beam, par := c.fixtures[0], c.fixtures[1]

			var (
				beamCmd    Command
				sawLatch   bool
				parColours = map[fixture.RGB]bool{}
			)
			for i := range 40 {
				hue := 0.0
				if i%2 == 1 {
					hue = 240
				}
				look := Look{Hue: hue, Saturation: 1, Brightness: tc.brightness}
				beamCmd = c.command(beam, look)
				assert.Equal(t, "Red", beamCmd.ColorName, "frame %d", i)
				sawLatch = sawLatch || beamCmd.Latched

				parCmd := c.command(par, look)
				parColours[parCmd.RGB] = true
				clk.Advance(50 * time.Millisecond)
			}

			assert.True(t, sawLatch)
			assert.True(t, beamCmd.Blocked)
			assert.Equal(t, safety.ReasonLatch, beamCmd.Reason)
			assert.Equal(t, tc.strobe, beamCmd.Strobe)
			assert.Equal(t, 1, c.SafetyMetrics().LatchActivations)
			if tc.brightness > 0 {
				assert.Len(t, parColours, 2, "digital fixtures follow every change")
			}
		})
	}
}

func TestHueDeciderAdvancesOnBeatEdges(t *testing.T) {
	d := NewHueDecider()
	beat := tempo.Output{OnBeat: true, Confidence: 0.9}
	strat := strategy.Output{StableStrategy: strategy.Complementary}

	looks := d.Decide(Inputs{Tempo: beat, Strategy: strat}, 4)
	require.Len(t, looks, 4)
	assert.InDelta(t, 12, looks[0].Hue, 1e-9)
	assert.InDelta(t, 192, looks[1].Hue, 1e-9)
	assert.InDelta(t, 12, looks[2].Hue, 1e-9)

	looks = d.Decide(Inputs{Tempo: beat, Strategy: strat}, 1)
	assert.InDelta(t, 12, looks[0].Hue, 1e-9, "no new edge while the beat is held")

	d.Decide(Inputs{Strategy: strat}, 1)
	looks = d.Decide(Inputs{Tempo: beat, Strategy: strat}, 1)
	assert.InDelta(t, 12+0.22*12, looks[0].Hue, 1e-9)
}

func TestHueDeciderIgnoresUnconfidentBeats(t *testing.T) {
	d := NewHueDecider()
	looks := d.Decide(Inputs{Tempo: tempo.Output{OnBeat: true, Confidence: 0.1}}, 1)
	assert.Zero(t, looks[0].Hue)
}

func TestHueDeciderDropAndSilence(t *testing.T) {
	d := NewHueDecider()
	looks := d.Decide(Inputs{Energy: energy.Output{IsDropActive: true, SmoothedEnergy: 0.8}}, 1)
	assert.Equal(t, 1.0, looks[0].Saturation)
	assert.GreaterOrEqual(t, looks[0].Brightness, 0.9)

	looks = d.Decide(Inputs{Energy: energy.Output{IsSilence: true}}, 1)
	assert.Zero(t, looks[0].Brightness)
}

func TestPaletteOffsets(t *testing.T) {
	assert.Equal(t, []float64{0, 30, -30}, paletteOffsets(strategy.Analogous))
	assert.Equal(t, []float64{0, 120, 240}, paletteOffsets(strategy.Triadic))
	assert.Equal(t, []float64{0, 150, 210}, paletteOffsets(strategy.SplitComplementary))
	assert.Equal(t, []float64{0, 180}, paletteOffsets(strategy.Complementary))
}

func TestSmoothHueTakesShortestPath(t *testing.T) {
	assert.InDelta(t, 355, smoothHue(350, 10, 0.25), 1e-9)
	assert.InDelta(t, 5, smoothHue(10, 350, 0.25), 1e-9)
}

func TestLogSinkOnlyLogsChanges(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	ctx := context.Background()

	cmd := Command{FixtureID: "beam", Mixing: fixture.MixingWheel, Color: 15, ColorName: "Red", Dimmer: 0.5}
	require.NoError(t, sink.Send(ctx, 0, []Command{cmd}))
	require.NoError(t, sink.Send(ctx, frameStep, []Command{cmd}))
	assert.Equal(t, 1, strings.Count(buf.String(), "fixture command"))

	cmd.Dimmer = 0.501
	require.NoError(t, sink.Send(ctx, 2*frameStep, []Command{cmd}))
	assert.Equal(t, 1, strings.Count(buf.String(), "fixture command"))

	cmd.Color = 90
	require.NoError(t, sink.Send(ctx, 3*frameStep, []Command{cmd}))
	assert.Equal(t, 2, strings.Count(buf.String(), "fixture command"))
	assert.Contains(t, buf.String(), "fixture=beam")
}
