package controller

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/cybre/dmx-music-sync/internal/dsp"
	"github.com/cybre/dmx-music-sync/internal/energy"
	"github.com/cybre/dmx-music-sync/internal/fixture"
	"github.com/cybre/dmx-music-sync/internal/patterns"
	"github.com/cybre/dmx-music-sync/internal/safety"
	"github.com/cybre/dmx-music-sync/internal/strategy"
	"github.com/cybre/dmx-music-sync/internal/tempo"
	"github.com/cybre/dmx-music-sync/internal/ui"
)

const defaultDebugInterval = 2 * time.Second

// Options wires a Controller. Component options follow their own zero-value
// defaults; a nil Logger in any of them inherits Logger.
type Options struct {
	Tempo    tempo.Options
	Energy   energy.Options
	Strategy strategy.Options
	Safety   safety.Options
	Patterns patterns.Options

	Fixtures   []fixture.Patched
	Sink       Sink
	Visualizer *ui.Visualizer
	Logger     *slog.Logger

	DebugInterval time.Duration
}

// Snapshot is everything the pipeline produced for one frame.
type Snapshot struct {
	Frame    dsp.Frame
	Tempo    tempo.Output
	Energy   energy.Output
	Patterns patterns.Output
	Strategy strategy.Output
	Looks    []Look
	Commands []Command
}

// Controller runs the per-frame pipeline: tempo and energy stabilization,
// rhythm and section estimation, strategy arbitration, colour decisions and
// hardware safety, then hands the result to a Sink.
type Controller struct {
	logger   *slog.Logger
	viz      *ui.Visualizer
	sink     Sink
	fixtures []fixture.Patched
	interval time.Duration

	pacemaker  *tempo.Pacemaker
	stabilizer *energy.Stabilizer
	patterns   *patterns.Analyzer
	arbiter    *strategy.Arbiter
	safety     *safety.Layer
	translator *fixture.Translator
	decider    *HueDecider

	resets int
	last   Snapshot
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Tempo.Logger == nil {
		opts.Tempo.Logger = logger
	}
	if opts.Energy.Logger == nil {
		opts.Energy.Logger = logger
	}
	if opts.Strategy.Logger == nil {
		opts.Strategy.Logger = logger
	}
	if opts.Safety.Logger == nil {
		opts.Safety.Logger = logger
	}
	sink := opts.Sink
	if sink == nil {
		sink = NewLogSink(logger)
	}
	interval := opts.DebugInterval
	if interval <= 0 {
		interval = defaultDebugInterval
	}

	c := &Controller{
		logger:     logger,
		viz:        opts.Visualizer,
		sink:       sink,
		fixtures:   opts.Fixtures,
		interval:   interval,
		pacemaker:  tempo.New(opts.Tempo),
		stabilizer: energy.New(opts.Energy),
		patterns:   patterns.NewAnalyzer(opts.Patterns),
		arbiter:    strategy.New(opts.Strategy),
		safety:     safety.New(opts.Safety),
		translator: fixture.NewTranslator(0),
		decider:    NewHueDecider(),
	}
	c.stabilizer.OnReset(c.onTrackChange)
	return c
}

// Run reacts to analysed frames until ctx is cancelled or in is closed.
func (c *Controller) Run(ctx context.Context, in <-chan dsp.Frame) error {
	debugTicker := time.NewTicker(c.interval)
	defer debugTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-in:
			if !ok {
				return nil
			}
			if _, err := c.Step(ctx, frame); err != nil {
				return err
			}
		case <-debugTicker.C:
			c.logState()
		}
	}
}

// Step pushes one frame through the pipeline.
func (c *Controller) Step(ctx context.Context, frame dsp.Frame) (Snapshot, error) {
	beat := c.pacemaker.Process(frame)
	level := c.stabilizer.Update(frame.Energy)
	rhythm := c.patterns.Process(frame, beat, level)
	strat := c.arbiter.Update(strategy.Input{
		Syncopation:         rhythm.Syncopation,
		Section:             rhythm.Section,
		Energy:              level.SmoothedEnergy,
		Confidence:          beat.Confidence,
		IsRelativeDrop:      level.IsRelativeDrop,
		IsRelativeBreakdown: level.IsRelativeBreakdown,
	})

	looks := c.decider.Decide(Inputs{Frame: frame, Tempo: beat, Energy: level, Strategy: strat}, len(c.fixtures))
	cmds := make([]Command, len(c.fixtures))
	for i, f := range c.fixtures {
		cmds[i] = c.command(f, looks[i])
	}

	snap := Snapshot{
		Frame:    frame,
		Tempo:    beat,
		Energy:   level,
		Patterns: rhythm,
		Strategy: strat,
		Looks:    looks,
		Commands: cmds,
	}
	c.last = snap
	c.updateVisualizer(snap)

	if err := c.sink.Send(ctx, frame.Timestamp, cmds); err != nil {
		return snap, eris.Wrap(err, "failed to send fixture commands")
	}
	return snap, nil
}

// Tap feeds a manual beat to the tempo stabilizer.
func (c *Controller) Tap(ts time.Duration) tempo.Output {
	return c.pacemaker.Tap(ts)
}

// SetBPM forces the tempo estimate.
func (c *Controller) SetBPM(bpm float64) {
	c.pacemaker.SetBPM(bpm)
}

// Resets returns how many track changes were detected.
func (c *Controller) Resets() int {
	return c.resets
}

// SafetyMetrics exposes the hardware safety counters.
func (c *Controller) SafetyMetrics() safety.Metrics {
	return c.safety.Metrics()
}

// Last returns the most recent snapshot.
func (c *Controller) Last() Snapshot {
	return c.last
}

func (c *Controller) command(f fixture.Patched, look Look) Command {
	mechanical := fixture.IsMechanical(f.Profile)

	value := look.Brightness
	if mechanical {
		// The dimmer carries brightness; the wheel only picks hue.
		value = 1
	}

	requested := math.NaN()
	tr, err := c.translator.TranslateHSV(look.Hue, look.Saturation, value, f.Profile)
	if err != nil {
		c.logger.Warn("colour translation failed",
			slog.String("fixture", f.ID),
			slog.Any("error", err))
	} else {
		requested = float64(tr.DMX)
	}

	cmd := Command{
		FixtureID: f.ID,
		Mixing:    f.Profile.Mixing(),
		RGB:       tr.RGB,
		Dimmer:    look.Brightness,
		Shutter:   safety.OpenShutter,
	}
	if !mechanical {
		return cmd
	}

	res := c.safety.Filter(f.ID, requested, f.Profile, look.Brightness)
	cmd.Color = res.FinalColor
	cmd.Shutter = res.SuggestedShutter
	cmd.Strobe = res.DelegateToStrobe
	cmd.Blocked = res.WasBlocked
	cmd.Latched = res.InLatch
	cmd.Reason = res.Reason

	if wheel, ok := fixture.ColorWheel(f.Profile); ok {
		if slot, ok := wheel.Slot(res.FinalColor); ok {
			cmd.ColorName = slot.Name
			cmd.RGB = slot.RGB
		}
	}
	return cmd
}

func (c *Controller) onTrackChange() {
	c.resets++
	c.logger.Info("silence detected, resetting for the next track",
		slog.Int("resets", c.resets))
	c.pacemaker.Reset()
	c.arbiter.Reset()
	c.patterns.Reset()
	c.safety.ResetAll()
	c.decider.Reset()
}

func (c *Controller) updateVisualizer(snap Snapshot) {
	if c.viz == nil {
		return
	}

	frame := ui.VisualizerFrame{
		BPM:             snap.Tempo.BPM,
		TempoConfidence: snap.Tempo.Confidence,
		Phase:           snap.Tempo.Phase,
		OnBeat:          snap.Tempo.OnBeat,
		TempoLocked:     snap.Tempo.IsLocked,
		Energy:          snap.Energy.SmoothedEnergy,
		Silence:         snap.Energy.IsSilence,
		DropState:       snap.Energy.DropState.String(),
		Section:         snap.Patterns.Section.String(),
		Syncopation:     snap.Strategy.AveragedSyncopation,
		Strategy:        snap.Strategy.StableStrategy.DisplayName(),
		StrategyLocked:  snap.Strategy.IsLocked,
		Override:        snap.Strategy.OverrideType.String(),
		Contrast:        snap.Strategy.ContrastLevel,
		Bass:            snap.Frame.Bass,
		Mid:             snap.Frame.Mid,
		Treble:          snap.Frame.Treble,
		Fixtures:        fixtureViews(snap.Commands),
	}
	if len(snap.Looks) > 0 {
		frame.Hue = snap.Looks[0].Hue
		frame.Saturation = snap.Looks[0].Saturation * 100
		frame.Brightness = snap.Looks[0].Brightness * 100
	}
	metrics := c.safety.Metrics()
	frame.Blocked = metrics.TotalBlocked
	frame.Latched = metrics.FixturesInLatch

	c.viz.Update(frame)
}

func fixtureViews(cmds []Command) []ui.FixtureView {
	views := make([]ui.FixtureView, len(cmds))
	for i, cmd := range cmds {
		label := cmd.ColorName
		hex := ui.HexColor(cmd.RGB.R, cmd.RGB.G, cmd.RGB.B)
		if label == "" {
			label = hex
		}
		views[i] = ui.FixtureView{
			ID:      cmd.FixtureID,
			Label:   label,
			Color:   hex,
			Blocked: cmd.Blocked,
			Latched: cmd.Latched,
			Strobe:  cmd.Strobe,
		}
	}
	return views
}

func (c *Controller) logState() {
	snap := c.last
	metrics := c.safety.Metrics()
	c.logger.Debug("pipeline state",
		slog.Float64("bpm", snap.Tempo.BPM),
		slog.Float64("confidence", snap.Tempo.Confidence),
		slog.Bool("tempo_locked", snap.Tempo.IsLocked),
		slog.Float64("energy", snap.Energy.SmoothedEnergy),
		slog.String("drop", snap.Energy.DropState.String()),
		slog.String("section", snap.Patterns.Section.String()),
		slog.Float64("syncopation", snap.Strategy.AveragedSyncopation),
		slog.String("strategy", snap.Strategy.StableStrategy.String()),
		slog.Int("blocked", metrics.TotalBlocked),
		slog.Int("latched", metrics.FixturesInLatch))
}
