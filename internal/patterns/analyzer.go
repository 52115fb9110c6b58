package patterns

import (
	"math"
	"time"

	"github.com/cybre/dmx-music-sync/internal/dsp"
	"github.com/cybre/dmx-music-sync/internal/energy"
	"github.com/cybre/dmx-music-sync/internal/strategy"
	"github.com/cybre/dmx-music-sync/internal/tempo"
	"github.com/cybre/dmx-music-sync/internal/utils"
)

// Options tunes the behaviour of the Analyzer.
type Options struct {
	EnergyWindow       int
	OnsetThreshold     float64
	MinOnsetInterval   time.Duration
	MinTempoConfidence float64
	SyncopationAlpha   float64
	NeutralSyncopation float64
	SectionHold        time.Duration
	TrendAlpha         float64
	BuildupSlope       float64
	ChorusLevel        float64
	BreakdownLevel     float64
}

// Output summarises the rhythmic feel and song structure for the arbiter.
type Output struct {
	Onset         bool
	OnsetStrength float64
	Syncopation   float64
	Section       strategy.Section
	Trend         float64
}

// Analyzer estimates how far onsets land from the beat grid and labels the
// current section from the energy envelope.
type Analyzer struct {
	opts Options

	energyHistory []float64
	energySum     float64
	energyCount   int
	energyIndex   int

	lastOnset   time.Duration
	hasOnset    bool
	syncopation float64

	section      strategy.Section
	lastSwitch   time.Duration
	switched     bool
	trend        float64
	prevSmoothed float64
	hasSmoothed  bool
}

// NewAnalyzer returns a ready-to-use Analyzer with defaults tuned for ~60
// frames per second.
func NewAnalyzer(opts Options) *Analyzer {
	if opts.EnergyWindow <= 0 {
		opts.EnergyWindow = 48
	}
	if opts.OnsetThreshold <= 0 {
		opts.OnsetThreshold = 1.35
	}
	if opts.MinOnsetInterval <= 0 {
		opts.MinOnsetInterval = 90 * time.Millisecond
	}
	if opts.MinTempoConfidence <= 0 {
		opts.MinTempoConfidence = 0.3
	}
	if opts.SyncopationAlpha <= 0 {
		opts.SyncopationAlpha = 0.08
	}
	if opts.NeutralSyncopation <= 0 {
		opts.NeutralSyncopation = 0.45
	}
	if opts.SectionHold <= 0 {
		opts.SectionHold = 4 * time.Second
	}
	if opts.TrendAlpha <= 0 {
		opts.TrendAlpha = 0.05
	}
	if opts.BuildupSlope <= 0 {
		opts.BuildupSlope = 0.0015
	}
	if opts.ChorusLevel <= 0 {
		opts.ChorusLevel = 0.6
	}
	if opts.BreakdownLevel <= 0 {
		opts.BreakdownLevel = 0.25
	}
	opts.SyncopationAlpha = utils.Clamp01(opts.SyncopationAlpha)
	opts.NeutralSyncopation = utils.Clamp01(opts.NeutralSyncopation)

	a := &Analyzer{opts: opts}
	a.Reset()
	return a
}

// Reset forgets all history.
func (a *Analyzer) Reset() {
	a.energyHistory = make([]float64, a.opts.EnergyWindow)
	a.energySum = 0
	a.energyCount = 0
	a.energyIndex = 0
	a.lastOnset = 0
	a.hasOnset = false
	a.syncopation = a.opts.NeutralSyncopation
	a.section = strategy.SectionUnknown
	a.lastSwitch = 0
	a.switched = false
	a.trend = 0
	a.prevSmoothed = 0
	a.hasSmoothed = false
}

// Process ingests one frame together with the tempo and energy estimates for
// that frame.
func (a *Analyzer) Process(frame dsp.Frame, beat tempo.Output, level energy.Output) Output {
	ts := frame.Timestamp
	if !a.switched {
		a.lastSwitch = ts
		a.switched = true
	}

	e := frame.Energy
	if math.IsNaN(e) || math.IsInf(e, 0) || e < 0 {
		e = 0
	}

	a.energySum -= a.energyHistory[a.energyIndex]
	a.energyHistory[a.energyIndex] = e
	a.energySum += e
	a.energyIndex = (a.energyIndex + 1) % len(a.energyHistory)
	if a.energyCount < len(a.energyHistory) {
		a.energyCount++
	}
	avgEnergy := a.energySum / float64(max(a.energyCount, 1))

	onset, strength := a.detectOnset(ts, e, avgEnergy, beat)
	if onset {
		a.lastOnset = ts
		a.hasOnset = true
		if beat.Confidence >= a.opts.MinTempoConfidence {
			a.syncopation = utils.EMA(a.syncopation, offbeatWeight(beat.Phase), a.opts.SyncopationAlpha)
		}
	}

	if a.hasSmoothed {
		a.trend = utils.EMA(a.trend, level.SmoothedEnergy-a.prevSmoothed, a.opts.TrendAlpha)
	}
	a.prevSmoothed = level.SmoothedEnergy
	a.hasSmoothed = true

	a.updateSection(ts, level)

	return Output{
		Onset:         onset,
		OnsetStrength: strength,
		Syncopation:   a.syncopation,
		Section:       a.section,
		Trend:         a.trend,
	}
}

func (a *Analyzer) detectOnset(ts time.Duration, e, avgEnergy float64, beat tempo.Output) (bool, float64) {
	if a.hasOnset && ts-a.lastOnset < a.opts.MinOnsetInterval {
		return false, 0
	}
	if beat.Kick || beat.Snare || beat.HiHat {
		return true, utils.Clamp01(e)
	}
	if avgEnergy <= 1e-9 {
		return false, 0
	}

	threshold := a.opts.OnsetThreshold * avgEnergy
	if e <= threshold {
		return false, 0
	}
	return true, utils.Clamp01((e - threshold) / (1 - threshold + 1e-9))
}

// offbeatWeight is 0 for an onset on the beat and 1 for one exactly between
// two beats.
func offbeatWeight(phase float64) float64 {
	phase = utils.Clamp01(phase)
	return utils.Clamp01(2 * math.Min(phase, 1-phase))
}

func (a *Analyzer) updateSection(ts time.Duration, level energy.Output) {
	section := a.classify(level)
	if section == a.section {
		return
	}

	immediate := section == strategy.SectionDrop || a.section == strategy.SectionDrop
	if !immediate && ts-a.lastSwitch < a.opts.SectionHold {
		return
	}

	a.section = section
	a.lastSwitch = ts
}

func (a *Analyzer) classify(level energy.Output) strategy.Section {
	switch {
	case level.IsSilence:
		return strategy.SectionUnknown
	case level.IsDropActive:
		return strategy.SectionDrop
	case level.IsRelativeBreakdown || level.SmoothedEnergy < a.opts.BreakdownLevel:
		return strategy.SectionBreakdown
	case a.trend > a.opts.BuildupSlope:
		return strategy.SectionBuildup
	case level.SmoothedEnergy > a.opts.ChorusLevel:
		return strategy.SectionChorus
	default:
		return strategy.SectionVerse
	}
}
