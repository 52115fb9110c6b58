package strategy

import (
	"log/slog"
	"math"

	"github.com/cybre/dmx-music-sync/internal/utils"
)

// Options tunes the Arbiter. Frame counts assume roughly 60 frames per second.
type Options struct {
	WindowFrames         int
	LockFrames           int
	LowThreshold         float64
	HighThreshold        float64
	HysteresisBand       float64
	NeutralSyncopation   float64
	DropSyncopationFloor float64
	ContrastOffset       float64

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.WindowFrames <= 0 {
		o.WindowFrames = 900
	}
	if o.LockFrames <= 0 {
		o.LockFrames = 900
	}
	if o.LowThreshold <= 0 {
		o.LowThreshold = 0.35
	}
	if o.HighThreshold <= 0 {
		o.HighThreshold = 0.55
	}
	if o.HysteresisBand <= 0 {
		o.HysteresisBand = 0.05
	}
	if o.NeutralSyncopation <= 0 {
		o.NeutralSyncopation = 0.45
	}
	if o.DropSyncopationFloor <= 0 {
		o.DropSyncopationFloor = 0.3
	}
	if o.ContrastOffset <= 0 {
		o.ContrastOffset = 0.2
	}

	o.LowThreshold = utils.Clamp(o.LowThreshold, 0.0, 1.0)
	o.HighThreshold = utils.Clamp(o.HighThreshold, o.LowThreshold, 1.0)
	o.HysteresisBand = utils.Clamp(o.HysteresisBand, 0.0, 0.25)
	o.NeutralSyncopation = utils.Clamp(o.NeutralSyncopation, 0.0, 1.0)
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Input is the per-frame evidence the Arbiter weighs.
type Input struct {
	Syncopation         float64
	Section             Section
	Energy              float64
	Confidence          float64
	IsRelativeDrop      bool
	IsRelativeBreakdown bool
}

// Output is the per-frame strategy decision.
type Output struct {
	StableStrategy      Strategy
	InstantStrategy     Strategy
	StrategyChanged     bool
	IsLocked            bool
	SectionOverride     bool
	OverrideType        Override
	AveragedSyncopation float64
	ContrastLevel       float64
	FramesSinceChange   int
}

// Stats summarises lifetime counters.
type Stats struct {
	TotalChanges      int
	FramesSinceChange int
	Strategy          Strategy
	Locked            bool
}

// Arbiter turns a noisy syncopation signal into a colour strategy that changes
// rarely and never oscillates around a threshold.
type Arbiter struct {
	opts Options

	samples    []float64
	pos        int
	weights    []float64
	weightSum  float64
	thresholds [3]float64
	bands      [3]float64

	zone         int
	stable       Strategy
	locked       bool
	frame        int
	lastChange   int
	totalChanges int
	average      float64
}

// New returns an Arbiter configured with opts.
func New(opts Options) *Arbiter {
	opts = opts.withDefaults()
	a := &Arbiter{opts: opts}

	a.weights = make([]float64, opts.WindowFrames)
	decay := float64(opts.WindowFrames) / 3
	for age := range a.weights {
		a.weights[age] = math.Exp(-float64(age) / decay)
		a.weightSum += a.weights[age]
	}
	a.thresholds = [3]float64{
		opts.LowThreshold,
		(opts.LowThreshold + opts.HighThreshold) / 2,
		opts.HighThreshold,
	}
	a.bands = [3]float64{opts.HysteresisBand, opts.HysteresisBand / 2, opts.HysteresisBand}

	a.Reset()
	return a
}

// Reset refills the history with the neutral value and unlocks.
func (a *Arbiter) Reset() {
	a.samples = make([]float64, a.opts.WindowFrames)
	for i := range a.samples {
		a.samples[i] = a.opts.NeutralSyncopation
	}
	a.pos = 0
	a.average = a.opts.NeutralSyncopation
	a.zone = a.rawZone(a.average)
	a.stable = zoneStrategy(a.zone)
	a.locked = false
	a.frame = 0
	a.lastChange = 0
}

// Update ingests one frame of evidence.
func (a *Arbiter) Update(in Input) Output {
	a.frame++

	if utils.Finite(in.Syncopation) {
		a.samples[a.pos] = utils.Clamp(in.Syncopation, 0.0, 1.0)
		a.pos = (a.pos + 1) % len(a.samples)
		a.average = a.weightedAverage()
	}
	avg := a.average

	a.zone = a.nextZone(avg)
	effective := zoneStrategy(a.zone)

	override := OverrideNone
	switch {
	case in.Section == SectionBreakdown || in.IsRelativeBreakdown:
		override = OverrideBreakdown
		effective = Analogous
	case in.Section == SectionDrop && in.IsRelativeDrop:
		override = OverrideDrop
		if avg > a.opts.DropSyncopationFloor {
			effective = Complementary
		}
	}

	since := a.frame - a.lastChange
	if a.locked && since >= a.opts.LockFrames {
		a.locked = false
	}

	changed := false
	breaksLock := override == OverrideDrop && effective == Complementary
	if effective != a.stable && (!a.locked || breaksLock) {
		a.opts.Logger.Debug("strategy change",
			slog.String("from", a.stable.String()),
			slog.String("to", effective.String()),
			slog.String("override", override.String()),
			slog.Float64("syncopation", avg))
		a.stable = effective
		a.locked = true
		a.lastChange = a.frame
		a.totalChanges++
		changed = true
		since = 0
	}

	return Output{
		StableStrategy:      a.stable,
		InstantStrategy:     zoneStrategy(a.rawZone(avg)),
		StrategyChanged:     changed,
		IsLocked:            a.locked,
		SectionOverride:     override != OverrideNone,
		OverrideType:        override,
		AveragedSyncopation: avg,
		ContrastLevel:       a.contrast(avg),
		FramesSinceChange:   since,
	}
}

// Stats returns lifetime counters.
func (a *Arbiter) Stats() Stats {
	return Stats{
		TotalChanges:      a.totalChanges,
		FramesSinceChange: a.frame - a.lastChange,
		Strategy:          a.stable,
		Locked:            a.locked,
	}
}

func (a *Arbiter) weightedAverage() float64 {
	var sum float64
	n := len(a.samples)
	for age := range n {
		idx := (a.pos - 1 - age + 2*n) % n
		sum += a.samples[idx] * a.weights[age]
	}
	return sum / a.weightSum
}

// rawZone counts the thresholds avg sits above, ignoring hysteresis.
func (a *Arbiter) rawZone(avg float64) int {
	zone := 0
	for _, t := range a.thresholds {
		if avg > t {
			zone++
		}
	}
	return zone
}

// nextZone moves the decision zone only as far as avg has fully cleared the
// band around each threshold in the direction of travel.
func (a *Arbiter) nextZone(avg float64) int {
	target := a.rawZone(avg)
	switch {
	case target > a.zone:
		for i := target - 1; i >= a.zone; i-- {
			if avg > a.thresholds[i]+a.bands[i] {
				return i + 1
			}
		}
	case target < a.zone:
		for i := target; i < a.zone; i++ {
			if avg < a.thresholds[i]-a.bands[i] {
				return i
			}
		}
	}
	return a.zone
}

func (a *Arbiter) contrast(avg float64) float64 {
	return utils.Clamp(a.stable.baseContrast()+(avg-a.opts.NeutralSyncopation)*a.opts.ContrastOffset, 0.0, 1.0)
}

func zoneStrategy(zone int) Strategy {
	switch zone {
	case 0:
		return Analogous
	case 1:
		return Triadic
	case 2:
		return SplitComplementary
	default:
		return Complementary
	}
}
