package controller

import (
	"math"

	"github.com/cybre/dmx-music-sync/internal/dsp"
	"github.com/cybre/dmx-music-sync/internal/energy"
	"github.com/cybre/dmx-music-sync/internal/strategy"
	"github.com/cybre/dmx-music-sync/internal/tempo"
	"github.com/cybre/dmx-music-sync/internal/utils"
)

const (
	beatHueStep      = 12.0
	dropHueStep      = 45.0
	hueAlpha         = 0.22
	beatPulseDecay   = 0.88
	minLockedBeatHue = 0.3
)

// Look is the colour the decision engine wants on one fixture. Saturation and
// Brightness are in [0,1].
type Look struct {
	Hue        float64
	Saturation float64
	Brightness float64
}

// Inputs bundles everything the decision engine sees for one frame.
type Inputs struct {
	Frame    dsp.Frame
	Tempo    tempo.Output
	Energy   energy.Output
	Strategy strategy.Output
}

// HueDecider walks a base hue forward on every beat and spreads it across the
// rig according to the stable colour strategy.
type HueDecider struct {
	hue         float64
	targetHue   float64
	beatPulse   float64
	wasOnBeat   bool
	initialized bool

	satSmoother    *dsp.Smoother
	brightSmoother *dsp.Smoother
}

func NewHueDecider() *HueDecider {
	return &HueDecider{
		satSmoother:    dsp.NewSmoother(0.16),
		brightSmoother: dsp.NewSmoother(0.22),
	}
}

// Reset returns the decider to its initial colour.
func (d *HueDecider) Reset() {
	*d = *NewHueDecider()
}

// Decide returns one Look per fixture.
func (d *HueDecider) Decide(in Inputs, fixtures int) []Look {
	edge := in.Tempo.OnBeat && !d.wasOnBeat
	d.wasOnBeat = in.Tempo.OnBeat

	if edge && in.Tempo.Confidence >= minLockedBeatHue {
		step := beatHueStep
		if in.Energy.IsDropActive {
			step = dropHueStep
		}
		// Treble-heavy material walks the wheel faster.
		step *= 0.5 + utils.SpectralBalance(in.Frame.Treble, in.Frame.Bass)
		d.targetHue = utils.WrapHue(d.targetHue + step)
		d.beatPulse = utils.Clamp01(in.Tempo.Confidence)
	} else {
		d.beatPulse *= beatPulseDecay
	}

	if !d.initialized {
		d.hue = d.targetHue
		d.initialized = true
	} else {
		d.hue = smoothHue(d.hue, d.targetHue, hueAlpha)
	}

	targetSat := 0.55 + 0.45*utils.Clamp01(in.Strategy.ContrastLevel)
	targetBright := 0.25 + 0.55*utils.Clamp01(in.Energy.SmoothedEnergy) + 0.2*d.beatPulse
	if in.Energy.IsDropActive {
		targetSat = 1
		targetBright = math.Max(targetBright, 0.9)
	}

	sat := utils.Clamp01(d.satSmoother.Step(targetSat))
	bright := utils.Clamp01(d.brightSmoother.Step(targetBright))
	if in.Energy.IsSilence {
		bright = 0
	}

	offsets := paletteOffsets(in.Strategy.StableStrategy)
	looks := make([]Look, fixtures)
	for i := range looks {
		looks[i] = Look{
			Hue:        utils.WrapHue(d.hue + offsets[i%len(offsets)]),
			Saturation: sat,
			Brightness: bright,
		}
	}
	return looks
}

// paletteOffsets lists the hue offsets a strategy spreads over the rig.
func paletteOffsets(s strategy.Strategy) []float64 {
	r := s.HueRotation()
	switch s {
	case strategy.Analogous:
		return []float64{0, r, -r}
	case strategy.Triadic:
		return []float64{0, r, 2 * r}
	case strategy.SplitComplementary:
		return []float64{0, r, 360 - r}
	default:
		return []float64{0, r}
	}
}

func smoothHue(current, target, alpha float64) float64 {
	delta := math.Mod(target-current+540, 360) - 180
	return math.Mod(current+alpha*delta+360, 360)
}
