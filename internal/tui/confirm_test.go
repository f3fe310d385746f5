package tui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/devagent/internal/gate"
)

func runes(s string) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)} }

func press(m confirmModel, keys ...tea.KeyMsg) (confirmModel, tea.Cmd) {
	var cmd tea.Cmd
	for _, k := range keys {
		var next tea.Model
		next, cmd = m.Update(k)
		m = next.(confirmModel)
	}
	return m, cmd
}

func TestConfirmModel_Keys(t *testing.T) {
	prompt := gate.Prompt{Tool: "delete_file", Description: "delete src/app/old.ts"}
	trusted := gate.Prompt{Tool: "run_shell_command", Description: "Run shell command: ng test", TrustPrefix: "ng test"}
	tests := []struct {
		name   string
		prompt gate.Prompt
		keys   []tea.KeyMsg
		want   gate.Answer
	}{
		{"y", prompt, []tea.KeyMsg{runes("y")}, gate.AnswerYes},
		{"upper Y", prompt, []tea.KeyMsg{runes("Y")}, gate.AnswerYes},
		{"n", prompt, []tea.KeyMsg{runes("n")}, gate.AnswerNo},
		{"esc", prompt, []tea.KeyMsg{{Type: tea.KeyEsc}}, gate.AnswerNo},
		{"ctrl+c", prompt, []tea.KeyMsg{{Type: tea.KeyCtrlC}}, gate.AnswerNo},
		{"enter defaults to no", prompt, []tea.KeyMsg{{Type: tea.KeyEnter}}, gate.AnswerNo},
		{"toggle then enter", prompt, []tea.KeyMsg{{Type: tea.KeyRight}, {Type: tea.KeyEnter}}, gate.AnswerYes},
		{"toggle twice", prompt, []tea.KeyMsg{{Type: tea.KeyLeft}, {Type: tea.KeyTab}, {Type: tea.KeyEnter}}, gate.AnswerNo},
		{"a not offered", prompt, []tea.KeyMsg{runes("a"), runes("n")}, gate.AnswerNo},
		{"a offered", trusted, []tea.KeyMsg{runes("a")}, gate.AnswerAlways},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, cmd := press(newConfirmModel(tt.prompt, PlainStyles()), tt.keys...)
			if !m.answered || m.answer != tt.want {
				t.Fatalf("answered=%v answer=%v, want answer %v", m.answered, m.answer, tt.want)
			}
			if cmd == nil {
				t.Fatal("an answer must quit the program")
			}
			if _, ok := cmd().(tea.QuitMsg); !ok {
				t.Fatal("expected tea.Quit")
			}
		})
	}
}

func TestConfirmModel_IgnoresOtherInput(t *testing.T) {
	m, cmd := press(newConfirmModel(gate.Prompt{Description: "x"}, PlainStyles()), runes("z"))
	if m.answered || cmd != nil {
		t.Fatal("unrelated keys must not answer")
	}
	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	if next.(confirmModel).answered {
		t.Fatal("non-key messages must not answer")
	}
}

func TestConfirmModel_View(t *testing.T) {
	m := newConfirmModel(gate.Prompt{Description: "run `rm -rf dist`"}, PlainStyles())
	if v := m.View(); !strings.Contains(v, "Confirm: run `rm -rf dist`") || !strings.Contains(v, "[ No ]") {
		t.Fatalf("initial view = %q", v)
	}
	m, _ = press(m, runes("y"))
	if v := m.View(); !strings.Contains(v, "approved") {
		t.Fatalf("answered view = %q", v)
	}

	m = newConfirmModel(gate.Prompt{Description: "Run shell command: ng test", TrustPrefix: "ng test"}, PlainStyles())
	if v := m.View(); !strings.Contains(v, `a to always allow "ng test"`) {
		t.Fatalf("trust view = %q", v)
	}
	m, _ = press(m, runes("a"))
	if v := m.View(); !strings.Contains(v, `"ng test" is now trusted`) {
		t.Fatalf("trusted view = %q", v)
	}
}

func TestTeaConfirmer_Confirm(t *testing.T) {
	c := NewTeaConfirmer(strings.NewReader(""), &strings.Builder{})
	c.run = func(m tea.Model) (tea.Model, error) {
		next, _ := m.Update(runes("y"))
		return next, nil
	}
	a, err := c.Confirm(t.Context(), gate.Prompt{Description: "x"})
	if err != nil || a != gate.AnswerYes {
		t.Fatalf("Confirm = %v, %v", a, err)
	}

	c.run = func(m tea.Model) (tea.Model, error) { return m, nil }
	if _, err := c.Confirm(t.Context(), gate.Prompt{}); !errors.Is(err, gate.ErrNoAnswer) {
		t.Fatalf("unanswered err = %v", err)
	}

	killed := errors.New("program killed")
	c.run = func(tea.Model) (tea.Model, error) { return nil, killed }
	if _, err := c.Confirm(t.Context(), gate.Prompt{}); !errors.Is(err, killed) {
		t.Fatalf("program err = %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	called := false
	c.run = func(m tea.Model) (tea.Model, error) { called = true; return m, nil }
	if _, err := c.Confirm(ctx, gate.Prompt{}); err == nil || called {
		t.Fatal("a cancelled context must not start a program")
	}
}
