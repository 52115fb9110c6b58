package energy

import (
	"log/slog"

	"github.com/cybre/dmx-music-sync/internal/utils"
)

// DropState is the phase of the drop lifecycle.
type DropState int

const (
	DropIdle DropState = iota
	DropAttack
	DropSustain
	DropRelease
	DropCooldown
)

func (s DropState) String() string {
	switch s {
	case DropIdle:
		return "idle"
	case DropAttack:
		return "attack"
	case DropSustain:
		return "sustain"
	case DropRelease:
		return "release"
	case DropCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Options tunes the Stabilizer. Frame counts assume roughly 60 frames per second.
type Options struct {
	WindowFrames       int
	EMAFactor          float64
	PeakWindowFrames   int
	SilenceThreshold   float64
	SilenceFlagFrames  int
	SilenceResetFrames int

	DropOffset      float64
	DropFloor       float64
	BreakdownOffset float64
	BreakdownFloor  float64

	AttackFrames      int
	MinSustainFrames  int
	MaxSustainFrames  int
	ReleaseFrames     int
	CooldownFrames    int
	AttackAbortEnergy float64
	SustainExitEnergy float64

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.WindowFrames <= 0 {
		o.WindowFrames = 120
	}
	if o.EMAFactor <= 0 {
		o.EMAFactor = 0.95
	}
	if o.PeakWindowFrames <= 0 {
		o.PeakWindowFrames = 30
	}
	if o.SilenceThreshold <= 0 {
		o.SilenceThreshold = 0.02
	}
	if o.SilenceFlagFrames <= 0 {
		o.SilenceFlagFrames = 30
	}
	if o.SilenceResetFrames <= 0 {
		o.SilenceResetFrames = 180
	}
	if o.DropOffset <= 0 {
		o.DropOffset = 0.15
	}
	if o.DropFloor <= 0 {
		o.DropFloor = 0.5
	}
	if o.BreakdownOffset <= 0 {
		o.BreakdownOffset = 0.12
	}
	if o.BreakdownFloor <= 0 {
		o.BreakdownFloor = 0.3
	}
	if o.AttackFrames <= 0 {
		o.AttackFrames = 30
	}
	if o.MinSustainFrames <= 0 {
		o.MinSustainFrames = 120
	}
	if o.MaxSustainFrames <= 0 {
		o.MaxSustainFrames = 480
	}
	if o.ReleaseFrames <= 0 {
		o.ReleaseFrames = 60
	}
	if o.CooldownFrames <= 0 {
		o.CooldownFrames = 180
	}
	if o.AttackAbortEnergy <= 0 {
		o.AttackAbortEnergy = 0.3
	}
	if o.SustainExitEnergy <= 0 {
		o.SustainExitEnergy = 0.4
	}

	o.EMAFactor = utils.Clamp(o.EMAFactor, 0.0, 0.999)
	o.SilenceThreshold = utils.Clamp(o.SilenceThreshold, 0.0, 1.0)
	o.DropFloor = utils.Clamp(o.DropFloor, 0.0, 1.0)
	o.BreakdownFloor = utils.Clamp(o.BreakdownFloor, 0.0, 1.0)
	o.MaxSustainFrames = max(o.MaxSustainFrames, o.MinSustainFrames)
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Output is the per-frame energy state.
type Output struct {
	SmoothedEnergy      float64
	InstantEnergy       float64
	IsSilence           bool
	SilenceFrames       int
	ResetTriggered      bool
	EnergyDelta         float64
	RecentPeak          float64
	IsRelativeDrop      bool
	IsRelativeBreakdown bool

	IsDropActive bool
	DropState    DropState
}

// Stats summarises lifetime counters.
type Stats struct {
	TotalResets    int
	BufferFullness float64
	DropState      DropState
}

// DropStatus describes the drop state machine.
type DropStatus struct {
	State  DropState
	Frames int
	Active bool
}

// Stabilizer smooths instantaneous loudness, flags drops and breakdowns
// relative to the recent average, and detects sustained silence.
type Stabilizer struct {
	opts Options

	buffer    []float64
	bufferPos int
	bufferSum float64

	peaks   []float64
	peakPos int

	smoothed       float64
	previous       float64
	frame          int
	silenceFrames  int
	lastResetFrame int
	hasReset       bool
	totalResets    int

	dropState  DropState
	dropFrames int
	dropActive bool

	last      Output
	callbacks []func()
}

// New returns a Stabilizer configured with opts.
func New(opts Options) *Stabilizer {
	s := &Stabilizer{opts: opts.withDefaults()}
	s.Reset()
	return s
}

// OnReset registers fn to run whenever sustained silence triggers a reset.
func (s *Stabilizer) OnReset(fn func()) {
	if fn != nil {
		s.callbacks = append(s.callbacks, fn)
	}
}

// Reset returns all rolling state to its initial values. Registered callbacks
// and lifetime counters are kept.
func (s *Stabilizer) Reset() {
	s.buffer = make([]float64, s.opts.WindowFrames)
	s.bufferPos = 0
	s.bufferSum = 0
	s.peaks = make([]float64, s.opts.PeakWindowFrames)
	s.peakPos = 0
	s.smoothed = 0
	s.previous = 0
	s.frame = 0
	s.silenceFrames = 0
	s.lastResetFrame = 0
	s.hasReset = false
	s.dropState = DropIdle
	s.dropFrames = 0
	s.dropActive = false
	s.last = Output{}
}

// Update ingests one instantaneous energy value in [0,1].
func (s *Stabilizer) Update(instant float64) Output {
	if !utils.Finite(instant) {
		out := s.last
		out.ResetTriggered = false
		return out
	}
	e := utils.Clamp(instant, 0.0, 1.0)
	s.frame++

	s.bufferSum -= s.buffer[s.bufferPos]
	s.buffer[s.bufferPos] = e
	s.bufferSum += e
	s.bufferPos = (s.bufferPos + 1) % len(s.buffer)
	average := s.bufferSum / float64(len(s.buffer))

	f := s.opts.EMAFactor
	s.smoothed = s.smoothed*f + average*(1-f)

	delta := e - s.previous
	s.previous = e

	s.peaks[s.peakPos] = e
	s.peakPos = (s.peakPos + 1) % len(s.peaks)
	peak := 0.0
	for _, v := range s.peaks {
		peak = max(peak, v)
	}

	reset := s.trackSilence(e)

	relDrop := e > s.smoothed+s.opts.DropOffset && e > s.opts.DropFloor
	relBreakdown := e < s.smoothed-s.opts.BreakdownOffset && s.smoothed > s.opts.BreakdownFloor

	s.stepDrop(e, relDrop, relBreakdown)

	s.last = Output{
		SmoothedEnergy:      s.smoothed,
		InstantEnergy:       e,
		IsSilence:           s.silenceFrames > s.opts.SilenceFlagFrames,
		SilenceFrames:       s.silenceFrames,
		ResetTriggered:      reset,
		EnergyDelta:         delta,
		RecentPeak:          peak,
		IsRelativeDrop:      relDrop,
		IsRelativeBreakdown: relBreakdown,
		IsDropActive:        s.dropActive,
		DropState:           s.dropState,
	}
	return s.last
}

func (s *Stabilizer) trackSilence(e float64) bool {
	if e >= s.opts.SilenceThreshold {
		s.silenceFrames = 0
		return false
	}

	s.silenceFrames++
	if s.silenceFrames < s.opts.SilenceResetFrames {
		return false
	}
	if s.hasReset && s.frame-s.lastResetFrame <= 2*s.opts.SilenceResetFrames {
		return false
	}

	s.hasReset = true
	s.lastResetFrame = s.frame
	s.totalResets++
	s.opts.Logger.Debug("energy silence reset",
		slog.Int("silent_frames", s.silenceFrames),
		slog.Int("total_resets", s.totalResets))
	s.silenceFrames = 0

	for _, fn := range s.callbacks {
		s.notify(fn)
	}
	return true
}

func (s *Stabilizer) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.opts.Logger.Warn("energy reset callback panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

func (s *Stabilizer) stepDrop(e float64, relDrop, relBreakdown bool) {
	s.dropFrames++

	switch s.dropState {
	case DropIdle:
		s.dropActive = false
		if relDrop {
			s.transition(DropAttack)
		}
	case DropAttack:
		s.dropActive = true
		if s.dropFrames >= s.opts.AttackFrames {
			s.transition(DropSustain)
		} else if relBreakdown || e < s.opts.AttackAbortEnergy {
			s.transition(DropRelease)
		}
	case DropSustain:
		s.dropActive = true
		exit := relBreakdown || e < s.opts.SustainExitEnergy || s.dropFrames >= s.opts.MaxSustainFrames
		if exit && s.dropFrames >= s.opts.MinSustainFrames {
			s.transition(DropRelease)
		}
	case DropRelease:
		s.dropActive = float64(s.dropFrames)/float64(s.opts.ReleaseFrames) < 0.5
		if s.dropFrames >= s.opts.ReleaseFrames {
			s.transition(DropCooldown)
		}
	case DropCooldown:
		s.dropActive = false
		if s.dropFrames >= s.opts.CooldownFrames {
			s.transition(DropIdle)
		}
	}
}

func (s *Stabilizer) transition(next DropState) {
	s.opts.Logger.Debug("drop state change",
		slog.String("from", s.dropState.String()),
		slog.String("to", next.String()),
		slog.Int("frames", s.dropFrames))
	s.dropState = next
	s.dropFrames = 0
}

// Stats returns lifetime counters.
func (s *Stabilizer) Stats() Stats {
	return Stats{
		TotalResets:    s.totalResets,
		BufferFullness: utils.Clamp(float64(s.frame)/float64(len(s.buffer)), 0.0, 1.0),
		DropState:      s.dropState,
	}
}

// DropStatus returns the drop state machine position.
func (s *Stabilizer) DropStatus() DropStatus {
	return DropStatus{State: s.dropState, Frames: s.dropFrames, Active: s.dropActive}
}
