package config

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/cybre/dmx-music-sync/internal/energy"
	"github.com/cybre/dmx-music-sync/internal/fixture"
	"github.com/cybre/dmx-music-sync/internal/patterns"
	"github.com/cybre/dmx-music-sync/internal/safety"
	"github.com/cybre/dmx-music-sync/internal/strategy"
	"github.com/cybre/dmx-music-sync/internal/tempo"
)

var (
	ErrInvalidProfile = eris.New("invalid fixture profile")
	ErrInvalidPatch   = eris.New("invalid fixture patch")
)

// Config is a show file: tuning overrides for every stabilizer, extra
// fixture profiles and the fixture patch. Zero values keep the defaults.
type Config struct {
	Tempo    Tempo     `yaml:"tempo"`
	Energy   Energy    `yaml:"energy"`
	Strategy Strategy  `yaml:"strategy"`
	Safety   Safety    `yaml:"safety"`
	Patterns Patterns  `yaml:"patterns"`
	Profiles []Profile `yaml:"profiles"`
	Patch    []Fixture `yaml:"patch"`
}

type Tempo struct {
	ClusterToleranceMS int     `yaml:"cluster_tolerance_ms"`
	HysteresisFrames   int     `yaml:"hysteresis_frames"`
	WarmupBeats        int     `yaml:"warmup_beats"`
	StabilityDelta     float64 `yaml:"stability_delta"`
	OctaveConfidence   float64 `yaml:"octave_confidence"`
	OctaveFrames       int     `yaml:"octave_frames"`
	MinBPM             float64 `yaml:"min_bpm"`
	MaxBPM             float64 `yaml:"max_bpm"`
	InitialBPM         float64 `yaml:"initial_bpm"`
}

func (t Tempo) Options(logger *slog.Logger) tempo.Options {
	return tempo.Options{
		ClusterTolerance: millis(t.ClusterToleranceMS),
		HysteresisFrames: t.HysteresisFrames,
		WarmupBeats:      t.WarmupBeats,
		StabilityDelta:   t.StabilityDelta,
		OctaveConfidence: t.OctaveConfidence,
		OctaveFrames:     t.OctaveFrames,
		MinBPM:           t.MinBPM,
		MaxBPM:           t.MaxBPM,
		InitialBPM:       t.InitialBPM,
		Logger:           logger,
	}
}

type Energy struct {
	WindowFrames       int     `yaml:"window_frames"`
	EMAFactor          float64 `yaml:"ema_factor"`
	SilenceThreshold   float64 `yaml:"silence_threshold"`
	SilenceResetFrames int     `yaml:"silence_reset_frames"`
	AttackFrames       int     `yaml:"attack_frames"`
	MinSustainFrames   int     `yaml:"min_sustain_frames"`
	MaxSustainFrames   int     `yaml:"max_sustain_frames"`
	ReleaseFrames      int     `yaml:"release_frames"`
	CooldownFrames     int     `yaml:"cooldown_frames"`
}

func (e Energy) Options(logger *slog.Logger) energy.Options {
	return energy.Options{
		WindowFrames:       e.WindowFrames,
		EMAFactor:          e.EMAFactor,
		SilenceThreshold:   e.SilenceThreshold,
		SilenceResetFrames: e.SilenceResetFrames,
		AttackFrames:       e.AttackFrames,
		MinSustainFrames:   e.MinSustainFrames,
		MaxSustainFrames:   e.MaxSustainFrames,
		ReleaseFrames:      e.ReleaseFrames,
		CooldownFrames:     e.CooldownFrames,
		Logger:             logger,
	}
}

type Strategy struct {
	WindowFrames   int     `yaml:"window_frames"`
	LockFrames     int     `yaml:"lock_frames"`
	LowThreshold   float64 `yaml:"low_threshold"`
	HighThreshold  float64 `yaml:"high_threshold"`
	HysteresisBand float64 `yaml:"hysteresis_band"`
}

func (s Strategy) Options(logger *slog.Logger) strategy.Options {
	return strategy.Options{
		WindowFrames:   s.WindowFrames,
		LockFrames:     s.LockFrames,
		LowThreshold:   s.LowThreshold,
		HighThreshold:  s.HighThreshold,
		HysteresisBand: s.HysteresisBand,
		Logger:         logger,
	}
}

type Safety struct {
	SafetyMargin   float64 `yaml:"safety_margin"`
	ChaosThreshold int     `yaml:"chaos_threshold"`
	ChaosWindowMS  int     `yaml:"chaos_window_ms"`
	LatchMS        int     `yaml:"latch_ms"`
	StrobeHz       float64 `yaml:"strobe_full_scale_hz"`
}

func (s Safety) Options(logger *slog.Logger) safety.Options {
	return safety.Options{
		SafetyMargin:      s.SafetyMargin,
		ChaosThreshold:    s.ChaosThreshold,
		ChaosWindow:       millis(s.ChaosWindowMS),
		LatchDuration:     millis(s.LatchMS),
		StrobeFullScaleHz: s.StrobeHz,
		Logger:            logger,
	}
}

type Patterns struct {
	OnsetThreshold float64 `yaml:"onset_threshold"`
	SectionHoldMS  int     `yaml:"section_hold_ms"`
}

func (p Patterns) Options() patterns.Options {
	return patterns.Options{
		OnsetThreshold: p.OnsetThreshold,
		SectionHold:    millis(p.SectionHoldMS),
	}
}

// Profile declares a fixture profile that is not built in.
type Profile struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Mixing      string        `yaml:"mixing"`
	Discharge   bool          `yaml:"discharge"`
	MinChangeMS int           `yaml:"min_change_ms"`
	SpinStart   int           `yaml:"spin_start"`
	MaxStrobeHz float64       `yaml:"max_strobe_hz"`
	Colors      []WheelColour `yaml:"colors"`
}

type WheelColour struct {
	DMX  int    `yaml:"dmx"`
	Name string `yaml:"name"`
	RGB  []int  `yaml:"rgb"`
}

// Fixture places one fixture in the show. Profile names a registered
// profile id; Model is used to guess one when Profile is empty.
type Fixture struct {
	ID      string `yaml:"id"`
	Profile string `yaml:"profile"`
	Model   string `yaml:"model"`
}

// Load reads a show file from disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read config %q", path)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrapf(err, "config %q", path)
	}
	return cfg, nil
}

// Parse decodes a show file. Unknown keys are rejected so typos do not
// silently fall back to defaults.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, eris.Wrap(err, "failed to decode config")
	}
	return cfg, nil
}

// Fixtures registers the custom profiles on reg and resolves the patch.
// An empty patch yields DefaultPatch.
func (c *Config) Fixtures(reg *fixture.Registry) ([]fixture.Patched, error) {
	for i, p := range c.Profiles {
		profile, err := p.build()
		if err != nil {
			return nil, eris.Wrapf(err, "profile #%d", i)
		}
		if err := reg.Register(profile); err != nil {
			return nil, eris.Wrapf(err, "profile %q", p.ID)
		}
	}

	entries := c.Patch
	if len(entries) == 0 {
		entries = DefaultPatch()
	}

	seen := make(map[string]struct{}, len(entries))
	patch := make([]fixture.Patched, 0, len(entries))
	for i, entry := range entries {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return nil, eris.Wrapf(ErrInvalidPatch, "fixture #%d has no id", i)
		}
		if _, dup := seen[id]; dup {
			return nil, eris.Wrapf(ErrInvalidPatch, "duplicate fixture id %q", id)
		}
		seen[id] = struct{}{}

		var (
			profile fixture.Profile
			err     error
		)
		switch {
		case entry.Profile != "":
			profile, err = reg.Lookup(entry.Profile)
		case entry.Model != "":
			profile, err = reg.LookupModel(entry.Model)
		default:
			err = eris.Wrapf(ErrInvalidPatch, "fixture %q needs a profile or model", id)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "fixture %q", id)
		}
		patch = append(patch, fixture.Patched{ID: id, Profile: profile})
	}
	return patch, nil
}

// DefaultPatch is a small rig used when the show file declares none: two
// wheel beams and two LED pars.
func DefaultPatch() []Fixture {
	return []Fixture{
		{ID: "beam-left", Profile: fixture.Beam2RID},
		{ID: "beam-right", Profile: fixture.Beam2RID},
		{ID: "par-left", Profile: fixture.LEDParRGBID},
		{ID: "par-right", Profile: fixture.LEDParRGBID},
	}
}

func (p Profile) build() (fixture.Profile, error) {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return nil, eris.Wrap(ErrInvalidProfile, "missing id")
	}
	mixing, ok := fixture.ParseMixing(p.Mixing)
	if !ok {
		return nil, eris.Wrapf(ErrInvalidProfile, "%q: unknown mixing %q", id, p.Mixing)
	}
	info := fixture.Info{ID: id, Name: p.Name, DischargeLamp: p.Discharge}
	if info.Name == "" {
		info.Name = id
	}

	switch mixing {
	case fixture.MixingWheel, fixture.MixingHybrid:
		wheel, err := p.wheel()
		if err != nil {
			return nil, eris.Wrapf(err, "%q", id)
		}
		if mixing == fixture.MixingHybrid {
			return fixture.HybridProfile{Info: info, Wheel: wheel}, nil
		}
		return fixture.WheelProfile{Info: info, Wheel: wheel, MaxStrobeHz: p.MaxStrobeHz}, nil
	default:
		return fixture.DigitalProfile{Info: info, Channels: mixing}, nil
	}
}

func (p Profile) wheel() (fixture.Wheel, error) {
	if p.MinChangeMS <= 0 {
		return fixture.Wheel{}, eris.Wrap(ErrInvalidProfile, "min_change_ms must be positive")
	}
	if len(p.Colors) == 0 {
		return fixture.Wheel{}, eris.Wrap(ErrInvalidProfile, "wheel has no colors")
	}
	if p.SpinStart < 0 || p.SpinStart > 255 {
		return fixture.Wheel{}, eris.Wrapf(ErrInvalidProfile, "spin_start %d out of range", p.SpinStart)
	}

	colours := make([]fixture.WheelColor, len(p.Colors))
	for i, c := range p.Colors {
		if c.DMX < 0 || c.DMX > 255 {
			return fixture.Wheel{}, eris.Wrapf(ErrInvalidProfile, "color %q: dmx %d out of range", c.Name, c.DMX)
		}
		rgb, err := parseRGB(c.RGB)
		if err != nil {
			return fixture.Wheel{}, eris.Wrapf(err, "color %q", c.Name)
		}
		colours[i] = fixture.WheelColor{Name: c.Name, DMX: uint8(c.DMX), RGB: rgb}
	}

	return fixture.Wheel{
		Colors:        colours,
		MinChangeTime: millis(p.MinChangeMS),
		SpinStart:     uint8(p.SpinStart),
	}, nil
}

func parseRGB(values []int) (fixture.RGB, error) {
	if len(values) != 3 {
		return fixture.RGB{}, eris.Wrapf(ErrInvalidProfile, "rgb needs 3 components, got %d", len(values))
	}
	for _, v := range values {
		if v < 0 || v > 255 {
			return fixture.RGB{}, eris.Wrapf(ErrInvalidProfile, "rgb component %d out of range", v)
		}
	}
	return fixture.RGB{R: uint8(values[0]), G: uint8(values[1]), B: uint8(values[2])}, nil
}

func millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
