package prompt

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/treykane/approval-relay/internal/executor"
)

func press(m promptModel, msgs ...tea.KeyMsg) promptModel {
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(promptModel)
	}
	return m
}

func runes(s string) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)} }

var (
	down  = tea.KeyMsg{Type: tea.KeyDown}
	up    = tea.KeyMsg{Type: tea.KeyUp}
	enter = tea.KeyMsg{Type: tea.KeyEnter}
	esc   = tea.KeyMsg{Type: tea.KeyEsc}
)

func TestPickPredefinedOption(t *testing.T) {
	m := newModel(executor.RequestFile{Message: "Deploy?", PredefinedOptions: []string{"yes", " ", "no"}})
	if len(m.options) != 2 {
		t.Fatalf("blank options should be dropped, got %q", m.options)
	}
	m = press(m, down, down, down, up, enter)
	if !m.answered || m.answer != "no" {
		t.Fatalf("expected answer no, got %q answered=%v", m.answer, m.answered)
	}
}

func TestTypingJumpsToFreeText(t *testing.T) {
	m := newModel(executor.RequestFile{Message: "Deploy?", PredefinedOptions: []string{"yes"}})
	m = press(m, runes("later"), enter)
	if !m.answered || m.answer != "later" {
		t.Fatalf("expected typed answer, got %q answered=%v", m.answer, m.answered)
	}
}

func TestEmptyFreeTextIsRefused(t *testing.T) {
	m := newModel(executor.RequestFile{Message: "Name?"})
	m = press(m, enter)
	if m.answered || m.errMsg == "" {
		t.Fatalf("expected validation error, got %+v", m)
	}
	if !strings.Contains(m.View(), "response cannot be empty") {
		t.Fatalf("error not rendered:\n%s", m.View())
	}
	m = press(m, runes("bob"), enter)
	if m.answer != "bob" {
		t.Fatalf("expected bob, got %q", m.answer)
	}
}

func TestCancelLeavesNoAnswer(t *testing.T) {
	m := newModel(executor.RequestFile{Message: "Deploy?", PredefinedOptions: []string{"yes"}})
	m = press(m, esc)
	if m.answered || m.answer != "" {
		t.Fatalf("expected no answer, got %q", m.answer)
	}
}

func TestViewShowsMessageAndOptions(t *testing.T) {
	m := newModel(executor.RequestFile{Message: "Ship **v2**?", PredefinedOptions: []string{"ship", "hold"}, IsMarkdown: true})
	v := m.View()
	for _, want := range []string{"Approval requested (markdown)", "Ship **v2**?", "ship", "hold", "Other:"} {
		if !strings.Contains(v, want) {
			t.Fatalf("view missing %q:\n%s", want, v)
		}
	}
}
