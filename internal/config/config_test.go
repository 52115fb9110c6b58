package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybre/dmx-music-sync/internal/fixture"
)

const showFile = `
tempo:
  hysteresis_frames: 30
  min_bpm: 70
  cluster_tolerance_ms: 20
energy:
  silence_reset_frames: 240
strategy:
  lock_frames: 600
  hysteresis_band: 0.08
safety:
  safety_margin: 1.5
  latch_ms: 3000
patterns:
  section_hold_ms: 2500
profiles:
  - id: spot-7c
    name: Cheap Spot
    mixing: wheel
    discharge: false
    min_change_ms: 350
    spin_start: 200
    max_strobe_hz: 8
    colors:
      - {dmx: 0, name: Open, rgb: [255, 255, 255]}
      - {dmx: 20, name: Red, rgb: [255, 0, 0]}
  - id: bar-rgbw
    mixing: rgbw
patch:
  - id: spot-1
    profile: spot-7c
  - id: beam-1
    model: "Sharpy clone 230"
  - id: bar-1
    profile: bar-rgbw
`

func TestParseShowFile(t *testing.T) {
	cfg, err := Parse(strings.NewReader(showFile))
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Tempo.HysteresisFrames)
	assert.Equal(t, 240, cfg.Energy.SilenceResetFrames)
	assert.Equal(t, 600, cfg.Strategy.LockFrames)
	assert.Len(t, cfg.Profiles, 2)
	assert.Len(t, cfg.Patch, 3)

	tempoOpts := cfg.Tempo.Options(nil)
	assert.Equal(t, 20*time.Millisecond, tempoOpts.ClusterTolerance)
	assert.InDelta(t, 70, tempoOpts.MinBPM, 1e-9)

	safetyOpts := cfg.Safety.Options(nil)
	assert.Equal(t, 3*time.Second, safetyOpts.LatchDuration)
	assert.Zero(t, safetyOpts.ChaosWindow)
	assert.InDelta(t, 1.5, safetyOpts.SafetyMargin, 1e-9)

	assert.Equal(t, 2500*time.Millisecond, cfg.Patterns.Options().SectionHold)
	assert.InDelta(t, 0.08, cfg.Strategy.Options(nil).HysteresisBand, 1e-9)
}

func TestParseEmptyKeepsDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("tempo:\n  hysterisis_frames: 3\n"))
	require.Error(t, err)
}

func TestFixturesResolvesPatch(t *testing.T) {
	cfg, err := Parse(strings.NewReader(showFile))
	require.NoError(t, err)

	patch, err := cfg.Fixtures(fixture.NewRegistry())
	require.NoError(t, err)
	require.Len(t, patch, 3)

	spot, ok := patch[0].Profile.(fixture.WheelProfile)
	require.True(t, ok)
	assert.Equal(t, "spot-1", patch[0].ID)
	assert.Equal(t, 350*time.Millisecond, spot.Wheel.MinChangeTime)
	assert.Equal(t, uint8(200), spot.Wheel.SpinStart)
	assert.Equal(t, fixture.RGB{R: 255}, spot.Wheel.Colors[1].RGB)

	assert.Equal(t, fixture.Beam2RID, patch[1].Profile.Describe().ID)

	bar, ok := patch[2].Profile.(fixture.DigitalProfile)
	require.True(t, ok)
	assert.Equal(t, fixture.MixingRGBW, bar.Mixing())
	assert.Equal(t, "bar-rgbw", bar.Name)
}

func TestFixturesDefaultPatch(t *testing.T) {
	patch, err := (&Config{}).Fixtures(fixture.NewRegistry())
	require.NoError(t, err)
	require.Len(t, patch, len(DefaultPatch()))
	assert.True(t, fixture.IsMechanical(patch[0].Profile))
	assert.False(t, fixture.IsMechanical(patch[2].Profile))
}

func TestFixturesErrors(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		target error
	}{
		{
			name:   "unknown profile",
			cfg:    Config{Patch: []Fixture{{ID: "a", Profile: "nope"}}},
			target: fixture.ErrUnknownProfile,
		},
		{
			name:   "unknown model",
			cfg:    Config{Patch: []Fixture{{ID: "a", Model: "toaster"}}},
			target: fixture.ErrUnknownProfile,
		},
		{
			name:   "duplicate id",
			cfg:    Config{Patch: []Fixture{{ID: "a", Profile: fixture.Beam2RID}, {ID: "a", Profile: fixture.Beam2RID}}},
			target: ErrInvalidPatch,
		},
		{
			name:   "missing profile and model",
			cfg:    Config{Patch: []Fixture{{ID: "a"}}},
			target: ErrInvalidPatch,
		},
		{
			name:   "missing id",
			cfg:    Config{Patch: []Fixture{{Profile: fixture.Beam2RID}}},
			target: ErrInvalidPatch,
		},
		{
			name:   "bad mixing",
			cfg:    Config{Profiles: []Profile{{ID: "x", Mixing: "laser"}}},
			target: ErrInvalidProfile,
		},
		{
			name:   "wheel without timing",
			cfg:    Config{Profiles: []Profile{{ID: "x", Mixing: "wheel", Colors: []WheelColour{{Name: "Open", RGB: []int{255, 255, 255}}}}}},
			target: ErrInvalidProfile,
		},
		{
			name:   "wheel without colours",
			cfg:    Config{Profiles: []Profile{{ID: "x", Mixing: "wheel", MinChangeMS: 300}}},
			target: ErrInvalidProfile,
		},
		{
			name:   "short rgb",
			cfg:    Config{Profiles: []Profile{{ID: "x", Mixing: "hybrid", MinChangeMS: 300, Colors: []WheelColour{{Name: "Red", RGB: []int{255, 0}}}}}},
			target: ErrInvalidProfile,
		},
		{
			name:   "dmx out of range",
			cfg:    Config{Profiles: []Profile{{ID: "x", Mixing: "wheel", MinChangeMS: 300, Colors: []WheelColour{{Name: "Red", DMX: 300, RGB: []int{255, 0, 0}}}}}},
			target: ErrInvalidProfile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.Fixtures(fixture.NewRegistry())
			require.Error(t, err)
			assert.True(t, eris.Is(err, tt.target), "got %v", err)
		})
	}
}

func TestHybridProfile(t *testing.T) {
	cfg := Config{
		Profiles: []Profile{{
			ID:          "hybrid-1",
			Mixing:      "hybrid",
			MinChangeMS: 400,
			Colors:      []WheelColour{{Name: "White", RGB: []int{255, 255, 255}}, {Name: "Blue", DMX: 40, RGB: []int{0, 0, 255}}},
		}},
		Patch: []Fixture{{ID: "h", Profile: "hybrid-1"}},
	}
	patch, err := cfg.Fixtures(fixture.NewRegistry())
	require.NoError(t, err)
	require.Len(t, patch, 1)
	assert.Equal(t, fixture.MixingHybrid, patch[0].Profile.Mixing())
	assert.True(t, fixture.IsMechanical(patch[0].Profile))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "show.yaml")
	require.NoError(t, os.WriteFile(path, []byte(showFile), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Patch, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
