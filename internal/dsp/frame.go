package dsp

import (
	"time"

	"github.com/cybre/dmx-music-sync/internal/utils"
)

// Frame is the per-frame input of the stabilizers: normalized band levels and
// overall energy, stamped with a monotonic offset from the start of the stream.
type Frame struct {
	Timestamp time.Duration
	Bass      float64
	Mid       float64
	Treble    float64
	Energy    float64
}

// NormalizerOptions tunes the auto-gain applied by a Normalizer.
type NormalizerOptions struct {
	// Attack is the EMA factor used when a level exceeds the tracked peak.
	Attack float64
	// Decay is the EMA factor used while the level sits below the tracked peak.
	Decay float64
	// Floor keeps near-silent input from being amplified into full scale.
	Floor float64
}

// Normalizer converts raw spectral features into Frames with values in [0,1]
// by tracking a decaying peak per band.
type Normalizer struct {
	opts   NormalizerOptions
	start  time.Time
	peaks  [3]float64
	energy float64
}

// NewNormalizer returns a Normalizer whose timestamps are measured from start.
func NewNormalizer(start time.Time, opts NormalizerOptions) *Normalizer {
	if opts.Attack <= 0 {
		opts.Attack = 0.34
	}
	if opts.Decay <= 0 {
		opts.Decay = 0.004
	}
	if opts.Floor <= 0 {
		opts.Floor = 1e-4
	}
	opts.Attack = utils.Clamp(opts.Attack, 0.0, 1.0)
	opts.Decay = utils.Clamp(opts.Decay, 0.0, 1.0)

	n := &Normalizer{opts: opts, start: start, energy: opts.Floor}
	for i := range n.peaks {
		n.peaks[i] = opts.Floor
	}
	return n
}

// Frame normalizes features into a Frame.
func (n *Normalizer) Frame(features Features) Frame {
	var levels [3]float64
	for i, raw := range features.BandEnergy {
		n.peaks[i] = n.follow(n.peaks[i], raw)
		levels[i] = utils.Clamp01(raw / n.peaks[i])
	}
	n.energy = n.follow(n.energy, features.RMS)

	ts := features.Timestamp.Sub(n.start)
	if ts < 0 {
		ts = 0
	}

	return Frame{
		Timestamp: ts,
		Bass:      levels[0],
		Mid:       levels[1],
		Treble:    levels[2],
		Energy:    utils.Clamp01(features.RMS / n.energy),
	}
}

func (n *Normalizer) follow(peak, value float64) float64 {
	if !utils.Finite(value) || value < 0 {
		return peak
	}
	alpha := n.opts.Decay
	if value > peak {
		alpha = n.opts.Attack
	}
	peak = utils.EMA(peak, value, alpha)
	if peak < n.opts.Floor {
		peak = n.opts.Floor
	}
	return peak
}
