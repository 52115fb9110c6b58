package ui

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rotisserie/eris"
	"golang.org/x/term"

	"github.com/cybre/dmx-music-sync/internal/utils"
)

var (
	ErrSelectionAborted = eris.New("selection aborted")
	ErrNoInteractiveTTY = eris.New("no interactive terminal available")
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("213")).
			Bold(true)
	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("246"))
	pointerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("213"))
	inactivePointerStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
	itemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))
	selectedItemStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("219")).
				Bold(true)
	instructionKeyStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("213")).
				Bold(true)
	instructionTextStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("245"))
	instructionDividerStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
	summaryLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("246"))
	summaryValueStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("252")).
				Bold(true)
	emptyStateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
	protectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))
)

type Option struct {
	Label string
}

type SetupConfig struct {
	RequireDevice bool
	InitialDevice int
	// Patch is shown on the confirmation screen.
	Patch []PatchRow
}

// PatchRow describes one patched fixture.
type PatchRow struct {
	ID      string
	Profile string
	Mixing  string
	// Protected marks fixtures whose colour changes go through the safety
	// layer.
	Protected bool
}

type SetupResult struct {
	DeviceIndex int
}

func RunSetup(devices []Option, cfg SetupConfig) (SetupResult, error) {
	if !cfg.RequireDevice {
		return SetupResult{
			DeviceIndex: utils.ClampIndex(cfg.InitialDevice, len(devices)),
		}, nil
	}

	if !isInteractiveTerminal() {
		return SetupResult{}, ErrNoInteractiveTTY
	}

	program := tea.NewProgram(newSetupModel(devices, cfg))
	finalModel, err := program.Run()
	if err != nil {
		return SetupResult{}, err
	}

	result := finalModel.(setupModel)
	if result.err != nil {
		return SetupResult{}, result.err
	}

	return SetupResult{
		DeviceIndex: utils.ClampIndex(result.deviceIndex, len(devices)),
	}, nil
}

type setupStep int

const (
	stepSelectDevice setupStep = iota
	stepConfirm
	stepDone
)

type setupModel struct {
	step    setupStep
	cfg     SetupConfig
	devices []Option

	cursor      int
	deviceIndex int
	err         error
}

func newSetupModel(devices []Option, cfg SetupConfig) setupModel {
	m := setupModel{
		devices:     devices,
		cfg:         cfg,
		deviceIndex: utils.ClampIndex(cfg.InitialDevice, len(devices)),
	}

	if cfg.RequireDevice && len(devices) > 0 {
		m.step = stepSelectDevice
		m.cursor = m.deviceIndex
	} else {
		m.step = stepConfirm
	}

	return m
}

func (m setupModel) Init() tea.Cmd {
	return nil
}

func (m setupModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.step == stepDone {
		return m, tea.Quit
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			m.err = ErrSelectionAborted
			return m, tea.Quit
		case "up", "k":
			items := m.currentItems()
			if len(items) > 0 {
				m.cursor = wrapIndex(m.cursor-1, len(items))
			}
		case "down", "j":
			items := m.currentItems()
			if len(items) > 0 {
				m.cursor = wrapIndex(m.cursor+1, len(items))
			}
		case "tab", "right", "l":
			if m.step == stepSelectDevice {
				m.deviceIndex = m.cursor
				m.step = stepConfirm
				m.cursor = 0
			}
		case "enter":
			switch m.step {
			case stepSelectDevice:
				m.deviceIndex = m.cursor
				m.step = stepConfirm
				m.cursor = 0
			case stepConfirm:
				m.step = stepDone
				return m, tea.Quit
			}
		case "shift+tab", "left", "h", "backspace", "b":
			if m.step == stepConfirm && m.cfg.RequireDevice && len(m.devices) > 0 {
				m.step = stepSelectDevice
				m.cursor = utils.ClampIndex(m.deviceIndex, len(m.devices))
			}
		}
	}

	return m, nil
}

func (m setupModel) View() string {
	switch m.step {
	case stepSelectDevice:
		return renderDeviceView(m)
	case stepConfirm:
		return renderSummaryView(m)
	default:
		return ""
	}
}

func (m setupModel) currentItems() []Option {
	if m.step == stepSelectDevice {
		return m.devices
	}
	return nil
}

func renderDeviceView(m setupModel) string {
	instructions := []string{"↑/k ↓/j move", "enter confirm", "tab/right finish", "esc cancel"}

	lines := []string{
		"",
		titleStyle.Render("Select an audio input device"),
		"",
		renderOptionList(m.devices, m.cursor),
		"",
		renderInstructions(instructions),
		"",
	}
	return strings.Join(lines, "\n")
}

func renderSummaryView(m setupModel) string {
	instructions := []string{"enter start", "←/h/b/backspace edit", "esc cancel"}

	lines := []string{
		"",
		titleStyle.Render("Ready to start"),
		"",
		renderSummaryRow("Device", m.selectedDeviceLabel()),
		renderSummaryRow("Fixtures", patchSummary(m.cfg.Patch)),
	}
	if len(m.cfg.Patch) > 0 {
		lines = append(lines, "", renderPatchTable(m.cfg.Patch))
	}
	lines = append(lines,
		"",
		renderInstructions(instructions),
		"",
	)
	return strings.Join(lines, "\n")
}

func patchSummary(rows []PatchRow) string {
	protected := 0
	for _, r := range rows {
		if r.Protected {
			protected++
		}
	}
	if protected == 0 {
		return fmt.Sprintf("%d patched", len(rows))
	}
	return fmt.Sprintf("%d patched, %d wheel-protected", len(rows), protected)
}

func renderPatchTable(rows []PatchRow) string {
	idWidth, profileWidth := len("ID"), len("PROFILE")
	for _, r := range rows {
		idWidth = max(idWidth, lipgloss.Width(r.ID))
		profileWidth = max(profileWidth, lipgloss.Width(r.Profile))
	}
	idCol := lipgloss.NewStyle().Width(idWidth + 2)
	profileCol := lipgloss.NewStyle().Width(profileWidth + 2)

	lines := []string{
		summaryLabelStyle.Render("  " + idCol.Render("ID") + profileCol.Render("PROFILE") + "MIXING"),
	}
	for _, r := range rows {
		line := "  " + itemStyle.Render(idCol.Render(r.ID)) + subtitleStyle.Render(profileCol.Render(r.Profile)) + itemStyle.Render(r.Mixing)
		if r.Protected {
			line += " " + protectedStyle.Render("[safety]")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m setupModel) selectedDeviceLabel() string {
	if m.deviceIndex >= 0 && m.deviceIndex < len(m.devices) {
		return m.devices[m.deviceIndex].Label
	}
	return "not selected"
}

func renderPointer(active bool) string {
	if active {
		return pointerStyle.Render("›")
	}
	return inactivePointerStyle.Render(" ")
}

func renderOptionLabel(text string, active bool) string {
	if active {
		return selectedItemStyle.Render(text)
	}
	return itemStyle.Render(text)
}

func renderOptionList(items []Option, cursor int) string {
	if len(items) == 0 {
		return emptyStateStyle.Render("No options detected")
	}

	rows := make([]string, len(items))
	for i, item := range items {
		rows[i] = lipgloss.JoinHorizontal(lipgloss.Left,
			renderPointer(cursor == i),
			" ",
			renderOptionLabel(item.Label, cursor == i),
		)
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func renderInstructions(parts []string) string {
	if len(parts) == 0 {
		return ""
	}

	if len(parts) == 1 {
		return renderInstruction(parts[0])
	}

	var segments []string
	for i, part := range parts {
		if i > 0 {
			segments = append(segments, instructionDividerStyle.Render(" · "))
		}
		segments = append(segments, renderInstruction(part))
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, segments...)
}

func renderInstruction(part string) string {
	tokens := strings.Fields(part)
	if len(tokens) == 0 {
		return ""
	}
	if len(tokens) == 1 {
		return instructionTextStyle.Render(tokens[0])
	}

	var segments []string
	keyTokens := tokens[:len(tokens)-1]
	for i, token := range keyTokens {
		if i > 0 {
			segments = append(segments, instructionTextStyle.Render(" "))
		}
		segments = append(segments, instructionKeyStyle.Render(token))
	}
	segments = append(segments, instructionTextStyle.Render(" "))
	segments = append(segments, instructionTextStyle.Render(tokens[len(tokens)-1]))
	return lipgloss.JoinHorizontal(lipgloss.Left, segments...)
}

func renderSummaryRow(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		summaryLabelStyle.Render(label+": "),
		summaryValueStyle.Render(value),
	)
}

func wrapIndex(idx, length int) int {
	if length <= 0 {
		return 0
	}
	idx = idx % length
	if idx < 0 {
		idx += length
	}
	return idx
}

func isInteractiveTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
