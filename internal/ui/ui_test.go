package ui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func press(t *testing.T, m setupModel, key tea.KeyMsg) setupModel {
	t.Helper()
	next, _ := m.Update(key)
	model, ok := next.(setupModel)
	require.True(t, ok)
	return model
}

func TestSetupSelectsDevice(t *testing.T) {
	devices := []Option{{Label: "mic"}, {Label: "line in"}, {Label: "loopback"}}
	m := newSetupModel(devices, SetupConfig{RequireDevice: true, InitialDevice: 1, Patch: []PatchRow{{ID: "beam-left", Profile: "Beam 2R", Mixing: "wheel", Protected: true}}})
	require.Equal(t, stepSelectDevice, m.step)
	assert.Equal(t, 1, m.cursor)

	m = press(t, m, tea.KeyMsg{Type: tea.KeyDown})
	m = press(t, m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 0, m.cursor, "cursor wraps")

	m = press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, stepConfirm, m.step)
	assert.Equal(t, 0, m.deviceIndex)
	assert.Contains(t, m.View(), "beam-left")
	assert.Contains(t, m.View(), "mic")

	m = press(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("b")})
	assert.Equal(t, stepSelectDevice, m.step)

	m = press(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	m = press(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, 2, m.deviceIndex)

	m = press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, stepDone, m.step)
	assert.NoError(t, m.err)
}

func TestPatchTable(t *testing.T) {
	rows := []PatchRow{
		{ID: "beam-left", Profile: "Beam 2R", Mixing: "wheel", Protected: true},
		{ID: "par", Profile: "LED PAR", Mixing: "rgb"},
	}
	assert.Equal(t, "2 patched, 1 wheel-protected", patchSummary(rows))
	assert.Equal(t, "1 patched", patchSummary(rows[1:]))

	table := renderPatchTable(rows)
	lines := strings.Split(table, "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "PROFILE")
	assert.Contains(t, lines[1], "Beam 2R")
	assert.Contains(t, lines[1], "[safety]")
	assert.Contains(t, lines[2], "LED PAR")
	assert.NotContains(t, lines[2], "[safety]")
}

func TestSetupAbort(t *testing.T) {
	m := newSetupModel([]Option{{Label: "mic"}}, SetupConfig{RequireDevice: true})
	m = press(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.ErrorIs(t, m.err, ErrSelectionAborted)
}

func TestRunSetupWithoutSelection(t *testing.T) {
	result, err := RunSetup([]Option{{Label: "a"}, {Label: "b"}}, SetupConfig{InitialDevice: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeviceIndex)
}

func TestRenderVisualizerView(t *testing.T) {
	frame := VisualizerFrame{
		Hue:            200,
		Saturation:     80,
		Brightness:     60,
		BPM:            128,
		TempoLocked:    true,
		OnBeat:         true,
		Energy:         0.7,
		DropState:      "sustain",
		Section:        "drop",
		Strategy:       "complementary",
		StrategyLocked: true,
		Override:       "drop",
		Fixtures: []FixtureView{
			{ID: "beam-left", Label: "Blue", Color: "#0000ff", Latched: true},
			{ID: "par-left", Label: "#3366ff", Color: "#3366ff"},
		},
		Blocked: 4,
		Latched: 1,
	}

	view := renderVisualizerView(frame, time.Unix(0, 0))
	assert.Contains(t, view, "128.0 BPM (locked)")
	assert.Contains(t, view, "complementary (locked) !drop")
	assert.Contains(t, view, "beam-left")
	assert.Contains(t, view, "[LATCH]")
	assert.Contains(t, view, "blocked:4 latched:1")
}

func TestFixtureFlags(t *testing.T) {
	assert.Equal(t, "", fixtureFlags(FixtureView{}))
	assert.Equal(t, "[HOLD]", fixtureFlags(FixtureView{Blocked: true}))
	assert.Equal(t, "[LATCH STROBE]", fixtureFlags(FixtureView{Blocked: true, Latched: true, Strobe: true}))
	assert.Contains(t, renderFixtures(nil), "No fixtures patched")
}

func TestRenderBarClamps(t *testing.T) {
	full := renderBar("Energy", 1.7, vizThemes["Energy"])
	assert.Contains(t, full, "100%")

	empty := renderBar("Energy", -1, vizThemes["Energy"])
	assert.Contains(t, empty, "0%")
	assert.NotContains(t, empty, "100%")
}

func TestHexColor(t *testing.T) {
	assert.Equal(t, "#ff8000", HexColor(255, 128, 0))
	assert.Equal(t, "#ff0000", hexColorFromHSV(0, 1, 1))
}
