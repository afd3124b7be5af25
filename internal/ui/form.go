package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/treykane/approval-relay/internal/model"
	"github.com/treykane/approval-relay/internal/targets"
)

// Field indices for the add-target form.
const (
	fieldID = iota
	fieldName
	fieldEndpoint
	fieldAPIKey
	fieldCount
)

// formResult is returned when the user completes the form.
type formResult struct {
	target  model.TargetConfig
	connect bool // connect right after saving
}

// targetForm holds the state of the "add target" form.
type targetForm struct {
	fields      []textinput.Model
	focusIdx    int
	autoConnect bool
	errMsg      string
}

func newTargetForm() *targetForm {
	f := &targetForm{autoConnect: true}
	placeholders := []string{
		"work-laptop (optional, generated when empty)",
		"Work laptop (optional)",
		"host:port, e.g. 10.0.0.5:9000 (required)",
		"hub api key (optional)",
	}
	limits := []int{64, 128, 256, 256}

	f.fields = make([]textinput.Model, fieldCount)
	for i := range f.fields {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.CharLimit = limits[i]
		ti.Width = 44
		f.fields[i] = ti
	}
	f.fields[fieldAPIKey].EchoMode = textinput.EchoPassword
	f.fields[fieldAPIKey].EchoCharacter = '*'
	f.fields[0].Focus()
	return f
}

func (f *targetForm) init() tea.Cmd {
	return f.fields[f.focusIdx].Cursor.BlinkCmd()
}

// update processes a key message and returns a formResult once the form is submitted.
func (f *targetForm) update(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "tab", "shift+tab", "down", "up":
		f.fields[f.focusIdx].Blur()
		if msg.String() == "tab" || msg.String() == "down" {
			f.focusIdx = (f.focusIdx + 1) % fieldCount
		} else {
			f.focusIdx = (f.focusIdx - 1 + fieldCount) % fieldCount
		}
		f.fields[f.focusIdx].Focus()
		return nil, f.fields[f.focusIdx].Cursor.BlinkCmd()
	case "ctrl+a":
		f.autoConnect = !f.autoConnect
		return nil, nil
	case "enter":
		t, err := f.buildTarget()
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return &formResult{target: t, connect: f.autoConnect}, nil
	default:
		var cmd tea.Cmd
		f.fields[f.focusIdx], cmd = f.fields[f.focusIdx].Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
}

func (f *targetForm) buildTarget() (model.TargetConfig, error) {
	endpoint := strings.TrimSpace(f.fields[fieldEndpoint].Value())
	if endpoint == "" {
		return model.TargetConfig{}, fmt.Errorf("endpoint is required")
	}
	host, port, err := targets.ParseEndpoint(endpoint)
	if err != nil {
		return model.TargetConfig{}, err
	}
	return targets.Normalize(model.TargetConfig{
		ID:          f.fields[fieldID].Value(),
		Name:        f.fields[fieldName].Value(),
		Host:        host,
		Port:        port,
		APIKey:      f.fields[fieldAPIKey].Value(),
		Enabled:     true,
		AutoConnect: f.autoConnect,
	})
}

// view renders the form panel.
func (f *targetForm) view(renderPanel func(string, string, int, lipgloss.Color) string, width int) string {
	labels := []string{"ID:", "Name:", "Endpoint:", "API key:"}

	var b strings.Builder
	for i, label := range labels {
		cursor := "  "
		if i == f.focusIdx {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s%-10s %s\n", cursor, label, f.fields[i].View()))
	}

	mark := " "
	if f.autoConnect {
		mark = "x"
	}
	b.WriteString(fmt.Sprintf("\n  [%s] Connect now and on every start\n", mark))

	if f.errMsg != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
	}

	b.WriteString("\nTab/Shift-Tab navigate | Ctrl+A toggle auto-connect | Enter save | Esc cancel")
	return renderPanel("Add Target", b.String(), width, lipgloss.Color("214"))
}
