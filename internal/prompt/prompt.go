// Package prompt is the terminal approval program. It shows one request,
// lets the user pick a predefined option or type an answer, and reports the
// choice. Cancelling yields no answer.
package prompt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/treykane/approval-relay/internal/executor"
)

// ErrNoTerminal is returned when no terminal is available to ask on.
var ErrNoTerminal = errors.New("no terminal available for the approval prompt")

type keyMap struct {
	Up     key.Binding
	Down   key.Binding
	Submit key.Binding
	Cancel key.Binding
}

var keys = keyMap{
	Up:     key.NewBinding(key.WithKeys("up", "ctrl+p")),
	Down:   key.NewBinding(key.WithKeys("down", "ctrl+n", "tab")),
	Submit: key.NewBinding(key.WithKeys("enter")),
	Cancel: key.NewBinding(key.WithKeys("esc", "ctrl+c")),
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	messageStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	cursorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type promptModel struct {
	req     executor.RequestFile
	options []string
	// sel indexes options; len(options) is the free-text row.
	sel      int
	input    textinput.Model
	answer   string
	answered bool
	errMsg   string
	width    int
}

func newModel(req executor.RequestFile) promptModel {
	ti := textinput.New()
	ti.Placeholder = "type a response"
	ti.CharLimit = 4096
	ti.Width = 60
	var opts []string
	for _, o := range req.PredefinedOptions {
		if s := strings.TrimSpace(o); s != "" {
			opts = append(opts, s)
		}
	}
	m := promptModel{req: req, options: opts, input: ti}
	if len(opts) == 0 {
		m.input.Focus()
	}
	return m
}

func (m promptModel) onInput() bool { return m.sel == len(m.options) }

func (m promptModel) Init() tea.Cmd {
	if m.onInput() {
		return textinput.Blink
	}
	return nil
}

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Cancel):
			m.answered = false
			return m, tea.Quit
		case key.Matches(msg, keys.Submit):
			if m.onInput() {
				v := strings.TrimSpace(m.input.Value())
				if v == "" {
					m.errMsg = "response cannot be empty"
					return m, nil
				}
				m.answer = v
			} else {
				m.answer = m.options[m.sel]
			}
			m.answered = true
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			if m.sel > 0 {
				m.sel--
			}
			return m, m.syncFocus()
		case key.Matches(msg, keys.Down):
			if m.sel < len(m.options) {
				m.sel++
			}
			return m, m.syncFocus()
		}
		if !m.onInput() {
			// Typing on an option row jumps to the free-text row.
			if len(msg.Runes) == 0 {
				return m, nil
			}
			m.sel = len(m.options)
			m.syncFocus()
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		m.errMsg = ""
		return m, cmd
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *promptModel) syncFocus() tea.Cmd {
	if m.onInput() {
		return m.input.Focus()
	}
	m.input.Blur()
	return nil
}

func (m promptModel) View() string {
	if m.answered {
		return ""
	}
	var b strings.Builder
	title := "Approval requested"
	if m.req.IsMarkdown {
		title += " (markdown)"
	}
	b.WriteString(titleStyle.Render(title) + "\n")
	width := m.width - 4
	if width < 20 {
		width = 76
	}
	b.WriteString(messageStyle.Width(width).Render(strings.TrimSpace(m.req.Message)) + "\n\n")

	for i, o := range m.options {
		b.WriteString(m.row(i, o) + "\n")
	}
	label := "Other: "
	if len(m.options) == 0 {
		label = "Response: "
	}
	b.WriteString(m.row(len(m.options), label+m.input.View()) + "\n")

	if m.errMsg != "" {
		b.WriteString(errStyle.Render("Error: "+m.errMsg) + "\n")
	}
	b.WriteString("\n" + hintStyle.Render("up/down select | Enter submit | Esc cancel"))
	return b.String()
}

func (m promptModel) row(i int, text string) string {
	if i == m.sel {
		return cursorStyle.Render("> ") + text
	}
	return "  " + text
}

// Ask runs the prompt on the controlling terminal. ok is false when the user
// cancelled.
func Ask(req executor.RequestFile) (answer string, ok bool, err error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrNoTerminal, err)
	}
	defer tty.Close()
	return run(req, tty, tty)
}

func run(req executor.RequestFile, in io.Reader, out io.Writer) (string, bool, error) {
	p := tea.NewProgram(newModel(req), tea.WithInput(in), tea.WithOutput(out))
	final, err := p.Run()
	if err != nil {
		return "", false, err
	}
	m := final.(promptModel)
	return m.answer, m.answered, nil
}

// RunFile reads a request file, asks, and writes the answer to stdout.
// Nothing is written when the user cancels.
func RunFile(path string, stdout io.Writer) error {
	req, err := executor.ReadRequestFile(path)
	if err != nil {
		return err
	}
	answer, ok, err := Ask(req)
	if err != nil {
		return err
	}
	if ok {
		_, err = fmt.Fprintln(stdout, answer)
	}
	return err
}
