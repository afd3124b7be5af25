package ui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/treykane/approval-relay/internal/app"
	"github.com/treykane/approval-relay/internal/appconfig"
	"github.com/treykane/approval-relay/internal/events"
	"github.com/treykane/approval-relay/internal/executor"
	"github.com/treykane/approval-relay/internal/history"
	"github.com/treykane/approval-relay/internal/model"
	"github.com/treykane/approval-relay/internal/protocol"
	"github.com/treykane/approval-relay/internal/targets"
)

func newRelay(t *testing.T) *app.Relay {
	t.Helper()
	r, err := app.New(appconfig.Default(), app.Options{
		Executor: executor.Func(func(context.Context, protocol.PopupRequest) (string, error) { return "ok", nil }),
		Bus:      events.NewBus(50, nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Clients.Close)
	return r
}

func key(s string) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)} }

func update(m modelUI, msg tea.Msg) modelUI {
	next, _ := m.Update(msg)
	return next.(modelUI)
}

func TestDashboardSortsTargetsByRecentConnection(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	r := newRelay(t)
	for _, id := range []string{"api", "cache", "db"} {
		if _, err := r.AddTarget(model.TargetConfig{ID: id, Host: id + ".local", Port: 9000}); err != nil {
			t.Fatal(err)
		}
	}
	if err := history.Touch("db"); err != nil {
		t.Fatal(err)
	}

	m := newModel(context.Background(), r, nil)
	if len(m.targets) != 3 || m.targets[0].Target.ID != "db" || m.targets[1].Target.ID != "api" {
		t.Fatalf("unexpected order: %+v", m.targets)
	}
	m.width = 200
	view := m.View()
	for _, want := range []string{"Approval Relay", "db.local:9000", "just now", "never", "No api key configured"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestDashboardAddAndRemoveTarget(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	r := newRelay(t)
	m := newModel(context.Background(), r, nil)

	m = update(m, key("a"))
	if m.form == nil {
		t.Fatal("expected add form")
	}
	for _, c := range "box" {
		m = update(m, key(string(c)))
	}
	m = update(m, tea.KeyMsg{Type: tea.KeyTab})
	m = update(m, tea.KeyMsg{Type: tea.KeyTab})
	for _, c := range "box.local:9100" {
		m = update(m, key(string(c)))
	}
	// Saving without connecting keeps the test off the network.
	m = update(m, tea.KeyMsg{Type: tea.KeyCtrlA})
	m = update(m, tea.KeyMsg{Type: tea.KeyEnter})
	if m.form != nil {
		t.Fatalf("form still open: %q", m.form.errMsg)
	}
	if len(m.targets) != 1 || m.targets[0].Target.ID != "box" {
		t.Fatalf("target not listed: %+v", m.targets)
	}
	if _, err := targets.Get("box"); err != nil {
		t.Fatalf("target not stored: %v", err)
	}

	m = update(m, key("x"))
	if len(m.targets) != 0 {
		t.Fatalf("target not removed: %+v", m.targets)
	}
	if !strings.Contains(m.status, "Removed box") {
		t.Fatalf("unexpected status %q", m.status)
	}
}

func TestDashboardEscCancelsForm(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	m := newModel(context.Background(), newRelay(t), nil)
	m = update(m, key("a"))
	m = update(m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.form != nil {
		t.Fatal("expected form closed")
	}
}

func TestDashboardKeepsRecentWarnings(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	m := newModel(context.Background(), newRelay(t), nil)
	for i := 0; i < logLines+3; i++ {
		m = update(m, eventMsg(events.Event{
			Timestamp: time.Now(),
			Source:    "tunnel",
			Kind:      events.KindLog,
			Severity:  events.SeverityWarn,
			Message:   "line",
		}))
	}
	m = update(m, eventMsg(events.Event{Source: "hub", Kind: events.KindStatus, Severity: events.SeverityInfo, State: "running"}))
	if len(m.logs) != logLines {
		t.Fatalf("expected %d log lines, got %d", logLines, len(m.logs))
	}
	if !strings.Contains(m.View(), "tunnel") {
		t.Fatal("log panel missing source")
	}
}

func TestTunnelPanelWithoutConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	m := newModel(context.Background(), newRelay(t), nil)
	if !strings.Contains(m.tunnelPanel(), "Not configured") {
		t.Fatalf("unexpected tunnel panel: %s", m.tunnelPanel())
	}
}
