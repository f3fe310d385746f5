package tui

import (
	"context"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/devagent/internal/gate"
)

// confirmModel is a one-question Bubble Tea program: y/n answers, a when
// the prompt offers "always", enter takes the highlighted choice, esc and
// ctrl+c decline.
type confirmModel struct {
	prompt   gate.Prompt
	styles   Styles
	yes      bool
	answered bool
	answer   gate.Answer
}

func newConfirmModel(p gate.Prompt, styles Styles) confirmModel {
	return confirmModel{prompt: p, styles: styles}
}

func (m confirmModel) Init() tea.Cmd { return nil }

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch strings.ToLower(key.String()) {
	case "y":
		return m.decide(gate.AnswerYes)
	case "a":
		if m.prompt.TrustPrefix != "" {
			return m.decide(gate.AnswerAlways)
		}
	case "n", "esc", "ctrl+c", "q":
		return m.decide(gate.AnswerNo)
	case "left", "right", "tab", "h", "l":
		m.yes = !m.yes
	case "enter":
		if m.yes {
			return m.decide(gate.AnswerYes)
		}
		return m.decide(gate.AnswerNo)
	}
	return m, nil
}

func (m confirmModel) decide(a gate.Answer) (tea.Model, tea.Cmd) {
	m.answered = true
	m.answer = a
	return m, tea.Quit
}

func (m confirmModel) View() string {
	if m.answered {
		var verdict string
		switch m.answer {
		case gate.AnswerAlways:
			verdict = m.styles.OK.Render(fmt.Sprintf("approved, %q is now trusted", m.prompt.TrustPrefix))
		case gate.AnswerYes:
			verdict = m.styles.OK.Render("approved")
		default:
			verdict = m.styles.Failure.Render("declined")
		}
		return fmt.Sprintf("%s %s\n", m.prompt.Description, verdict)
	}
	yes, no := "  Yes  ", "[ No ]"
	if m.yes {
		yes, no = "[ Yes ]", "  No  "
	}
	hint := "y/n, or ←/→ and enter"
	if m.prompt.TrustPrefix != "" {
		hint = fmt.Sprintf("y/n, a to always allow %q, or ←/→ and enter", m.prompt.TrustPrefix)
	}
	var b strings.Builder
	b.WriteString(m.styles.Question.Render("Confirm: "+m.prompt.Description) + "\n")
	b.WriteString(yes + " " + no + "\n")
	b.WriteString(m.styles.Hint.Render(hint) + "\n")
	return b.String()
}

// TeaConfirmer asks each question with a small Bubble Tea program on the
// terminal.
type TeaConfirmer struct {
	in     io.Reader
	out    io.Writer
	styles Styles
	// run is swapped in tests.
	run func(m tea.Model) (tea.Model, error)
}

func NewTeaConfirmer(in io.Reader, out io.Writer) *TeaConfirmer {
	c := &TeaConfirmer{in: in, out: out, styles: DefaultStyles()}
	c.run = func(m tea.Model) (tea.Model, error) {
		defer bestEffortResetTTY()
		return tea.NewProgram(m, tea.WithInput(c.in), tea.WithOutput(c.out)).Run()
	}
	return c
}

// Confirm implements gate.Confirmer. A program that ends without an answer
// is reported as gate.ErrNoAnswer.
func (c *TeaConfirmer) Confirm(ctx context.Context, p gate.Prompt) (gate.Answer, error) {
	if err := ctx.Err(); err != nil {
		return gate.AnswerNo, err
	}
	final, err := c.run(newConfirmModel(p, c.styles))
	if err != nil {
		return gate.AnswerNo, fmt.Errorf("confirmation prompt: %w", err)
	}
	m, ok := final.(confirmModel)
	if !ok || !m.answered {
		return gate.AnswerNo, fmt.Errorf("confirmation prompt: %w", gate.ErrNoAnswer)
	}
	return m.answer, nil
}

var _ gate.Confirmer = (*TeaConfirmer)(nil)
