// Package ui is the interactive relay dashboard.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/treykane/approval-relay/internal/app"
	"github.com/treykane/approval-relay/internal/client"
	"github.com/treykane/approval-relay/internal/events"
	"github.com/treykane/approval-relay/internal/history"
	"github.com/treykane/approval-relay/internal/model"
	"github.com/treykane/approval-relay/internal/security"
	"github.com/treykane/approval-relay/internal/util"
)

const logLines = 8

type tickMsg time.Time

type statusMsg string

type eventMsg events.Event

type modelUI struct {
	relay *app.Relay
	ctx   context.Context

	targets  []client.TargetState
	last     map[string]int64
	sel      int
	hub      model.HubStatus
	sessions []model.SessionInfo
	tunnel   model.TunnelRuntime
	logs     []events.Event
	evCh     <-chan events.Event

	form     *targetForm
	showHelp bool
	status   string
	width    int
	height   int
	refresh  int
}

func newModel(ctx context.Context, r *app.Relay, evCh <-chan events.Event) modelUI {
	m := modelUI{
		relay:   r,
		ctx:     ctx,
		evCh:    evCh,
		refresh: r.Config().UI.RefreshSeconds,
		logs:    filterLogs(r.Bus.Recent(logLines * 4)),
	}
	m.snapshot()
	m.status = "Ready. c connect | d disconnect | a add target | t toggle tunnel"
	return m
}

// snapshot pulls fresh state from the relay.
func (m *modelUI) snapshot() {
	if last, err := history.LastConnected(); err == nil {
		m.last = last
	}
	states := m.relay.Clients.Statuses()
	order := make([]model.TargetConfig, 0, len(states))
	byID := make(map[string]client.TargetState, len(states))
	for _, st := range states {
		order = append(order, st.Target)
		byID[st.Target.ID] = st
	}
	m.targets = make([]client.TargetState, 0, len(states))
	for _, t := range history.SortTargetsRecent(order, m.last) {
		m.targets = append(m.targets, byID[t.ID])
	}
	if m.sel >= len(m.targets) {
		m.sel = len(m.targets) - 1
	}
	if m.sel < 0 {
		m.sel = 0
	}
	m.hub = m.relay.Hub.Status()
	m.sessions = m.relay.Hub.Sessions()
	m.tunnel = m.relay.Tunnel.Snapshot()
}

func (m modelUI) selected() (model.TargetConfig, bool) {
	if len(m.targets) == 0 {
		return model.TargetConfig{}, false
	}
	return m.targets[m.sel].Target, true
}

func tickCmd(seconds int) tea.Cmd {
	if seconds <= 0 {
		seconds = util.DefaultRefreshSeconds
	}
	return tea.Tick(time.Duration(seconds)*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitEvent(ch <-chan events.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		evt, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(evt)
	}
}

func (m modelUI) Init() tea.Cmd {
	return tea.Batch(tickCmd(m.refresh), waitEvent(m.evCh))
}

func (m modelUI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.snapshot()
		return m, tickCmd(m.refresh)
	case eventMsg:
		evt := events.Event(msg)
		if evt.Kind == events.KindLog || evt.Severity == events.SeverityWarn || evt.Severity == events.SeverityError {
			m.logs = append(m.logs, evt)
			if len(m.logs) > logLines {
				m.logs = m.logs[len(m.logs)-logLines:]
			}
		}
		if evt.Kind == events.KindStatus || evt.Kind == events.KindSession {
			m.snapshot()
		}
		return m, waitEvent(m.evCh)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case statusMsg:
		m.status = string(msg)
		m.snapshot()
		return m, nil
	case tea.KeyMsg:
		if m.form != nil {
			return m.updateForm(msg)
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m modelUI) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "esc" {
		m.form = nil
		m.status = "Add target cancelled"
		return m, nil
	}
	res, cmd := m.form.update(msg)
	if res == nil {
		return m, cmd
	}
	saved, err := m.relay.AddTarget(res.target)
	if err != nil {
		m.form.errMsg = security.UserMessage(err, true)
		return m, nil
	}
	m.form = nil
	m.snapshot()
	m.status = "Target added: " + saved.ID
	if res.connect {
		return m, m.connectCmd(saved.ID)
	}
	return m, nil
}

func (m modelUI) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "j", "down":
		if m.sel < len(m.targets)-1 {
			m.sel++
		}
	case "k", "up":
		if m.sel > 0 {
			m.sel--
		}
	case "?":
		m.showHelp = !m.showHelp
	case "r":
		m.snapshot()
		m.status = "Refreshed"
	case "a":
		m.form = newTargetForm()
		return m, m.form.init()
	case "c":
		if t, ok := m.selected(); ok {
			m.status = "Connecting to " + t.ID + "..."
			return m, m.connectCmd(t.ID)
		}
	case "d":
		if t, ok := m.selected(); ok {
			if err := m.relay.Clients.Disconnect(t.ID); err != nil {
				m.status = "Disconnect failed: " + security.UserMessage(err, true)
			} else {
				m.status = "Disconnected " + t.ID
			}
			m.snapshot()
		}
	case "x":
		if t, ok := m.selected(); ok {
			if err := m.relay.RemoveTarget(t.ID); err != nil {
				m.status = "Remove failed: " + security.UserMessage(err, true)
			} else {
				m.status = "Removed " + t.ID
			}
			m.snapshot()
		}
	case "t":
		if m.relay.Tunnel.IsRunning() {
			m.relay.Tunnel.Stop()
			m.status = "Tunnel stopped"
			m.snapshot()
			return m, nil
		}
		m.status = "Starting tunnel..."
		return m, m.tunnelCmd(false)
	case "R":
		m.status = "Restarting tunnel..."
		return m, m.tunnelCmd(true)
	}
	return m, nil
}

func (m modelUI) connectCmd(id string) tea.Cmd {
	r, ctx := m.relay, m.ctx
	return func() tea.Msg {
		if err := r.Clients.Connect(ctx, id); err != nil {
			return statusMsg(fmt.Sprintf("Connect %s failed: %s", id, security.UserMessage(err, true)))
		}
		return statusMsg("Connected to " + id)
	}
}

func (m modelUI) tunnelCmd(restart bool) tea.Cmd {
	sup := m.relay.Tunnel
	return func() tea.Msg {
		var err error
		if restart {
			err = sup.Restart()
		} else {
			err = sup.Start()
		}
		if err != nil {
			return statusMsg("Tunnel start failed: " + security.UserMessage(err, true))
		}
		return statusMsg("Tunnel process started; waiting for the remote forward")
	}
}

func (m modelUI) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("Approval Relay")
	subhead := fmt.Sprintf("hub=%s sessions=%d/%d pending=%d targets=%d tunnel=%s",
		hubState(m.hub), m.hub.Authenticated, m.hub.Sessions, m.hub.PendingCount, len(m.targets), m.tunnel.Status)
	quickHelp := "Keys: c connect | d disconnect | a add | x remove | t tunnel | R restart tunnel | ? help | q quit"

	width := m.effectiveWidth()
	main := m.renderMainPanels(m.targetsPanel(), m.hubPanel())
	parts := []string{head, subhead, quickHelp, main}
	if m.form != nil {
		parts = append(parts, m.form.view(m.renderPanel, width))
	}
	parts = append(parts,
		m.renderPanel("Tunnel", m.tunnelPanel(), width, lipgloss.Color("63")),
		m.renderPanel("Log", m.logPanel(), width, lipgloss.Color("244")),
	)
	if m.showHelp {
		parts = append(parts, m.renderPanel("Help", m.helpBlock(), width, lipgloss.Color("244")))
	}
	parts = append(parts, m.renderPanel("Status", m.status, width, lipgloss.Color("205")))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m modelUI) targetsPanel() string {
	var b strings.Builder
	now := time.Now()
	for i, st := range m.targets {
		cursor := " "
		if i == m.sel {
			cursor = ">"
		}
		b.WriteString(fmt.Sprintf("%s %-16s %-22s %-14s %s\n",
			cursor,
			util.Truncate(st.Target.DisplayName(), 16),
			st.Target.Addr(),
			util.Truncate(st.Status.String(), 14),
			history.Ago(m.last[st.Target.ID], now)))
	}
	if len(m.targets) == 0 {
		b.WriteString("  (no targets; press a to add one)\n")
	}
	return b.String()
}

func (m modelUI) hubPanel() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Address: %s\nState: %s\nUptime: %s\n", util.EmptyDash(m.hub.Address), hubState(m.hub), time.Duration(m.hub.UptimeSec)*time.Second))
	if !m.hub.CredentialSet {
		b.WriteString("No api key configured: all connections are refused.\nRun `approval-relay keygen --save`.\n")
	}
	b.WriteString("Sessions:\n")
	if len(m.sessions) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, s := range m.sessions {
		b.WriteString(fmt.Sprintf("  %-16s %-21s %s\n", util.Truncate(util.EmptyDash(s.ClientID), 16), s.RemoteAddr, s.Auth))
	}
	return b.String()
}

func (m modelUI) tunnelPanel() string {
	rt := m.tunnel
	if rt.Command == "" {
		return "Not configured. Fill in the tunnel section of config.yaml and set enabled: true."
	}
	line := fmt.Sprintf("State: %s  remote port: %d -> local %d", rt.Status, rt.RemotePort, rt.LocalPort)
	if rt.PID > 0 {
		line += fmt.Sprintf("  pid=%d up=%ds", rt.PID, rt.UptimeSec)
	}
	return line + "\nCommand: " + rt.Command
}

func (m modelUI) logPanel() string {
	if len(m.logs) == 0 {
		return "(quiet)"
	}
	var b strings.Builder
	for _, evt := range m.logs {
		msg := evt.Message
		if msg == "" {
			msg = evt.State
		}
		b.WriteString(fmt.Sprintf("%s %-5s %-14s %s\n", evt.Timestamp.Format("15:04:05"), evt.Severity, util.Truncate(evt.Source, 14), security.RedactMessage(msg)))
	}
	return b.String()
}

func filterLogs(evts []events.Event) []events.Event {
	var out []events.Event
	for _, evt := range evts {
		if evt.Kind == events.KindLog || evt.Severity == events.SeverityWarn || evt.Severity == events.SeverityError {
			out = append(out, evt)
		}
	}
	if len(out) > logLines {
		out = out[len(out)-logLines:]
	}
	return out
}

func hubState(st model.HubStatus) string {
	if st.Running {
		return "running"
	}
	return "stopped"
}

// Run starts the relay and shows the dashboard until the user quits or ctx
// ends. The relay is stopped before Run returns.
func Run(ctx context.Context, r *app.Relay) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	evCh, unsubscribe := r.Bus.Subscribe(64)
	defer unsubscribe()

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	p := tea.NewProgram(newModel(ctx, r, evCh), tea.WithAltScreen(), tea.WithContext(ctx))
	_, uiErr := p.Run()
	cancel()
	relayErr := <-runErr
	if errors.Is(uiErr, tea.ErrProgramKilled) {
		uiErr = nil
	}
	return errors.Join(uiErr, relayErr)
}

func (m modelUI) renderMainPanels(targetsPanel, hubPanel string) string {
	width := m.effectiveWidth()
	if width < 96 {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderPanel("Targets", targetsPanel, width, lipgloss.Color("39")),
			m.renderPanel("Hub", hubPanel, width, lipgloss.Color("69")),
		)
	}
	leftWidth := width / 2
	rightWidth := width - leftWidth
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderPanel("Targets", targetsPanel, leftWidth, lipgloss.Color("39")),
		m.renderPanel("Hub", hubPanel, rightWidth, lipgloss.Color("69")),
	)
}

func (m modelUI) helpBlock() string {
	return strings.Join([]string{
		"  Navigation: j/k or arrow keys move the target selection.",
		"  Targets: c connects, d disconnects (no auto-reconnect), x removes, a adds.",
		"  Tunnel: t starts or stops the reverse tunnel, R restarts it.",
		"  Targets are listed by most recent successful connection.",
		"  Quit: q (or Ctrl+C) stops the hub, every connection and the tunnel.",
	}, "\n")
}

func (m modelUI) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m modelUI) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}
