// Package tui is the terminal front end: a line prompt, styled output for
// replies and tool progress, and the dev-server output stream.
package tui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/basket/devagent/internal/bus"
	"github.com/basket/devagent/internal/session"
)

const promptText = "> "

// Console implements the orchestrator's input and output. In terminal mode
// input goes through x/term so asynchronous dev-server lines redraw the
// prompt instead of corrupting it.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	styles Styles

	term *term.Terminal
	fd   int

	in *bufio.Reader

	// ShowDevServerOutput prints every dev-server line when true; status
	// changes are always printed.
	ShowDevServerOutput bool
}

// NewTerminalConsole reads and writes the terminal on in/out.
func NewTerminalConsole(in *os.File, out io.Writer) *Console {
	rw := struct {
		io.Reader
		io.Writer
	}{in, out}
	t := term.NewTerminal(rw, promptText)
	return &Console{w: t, styles: DefaultStyles(), term: t, fd: int(in.Fd()), ShowDevServerOutput: true}
}

// NewPlainConsole reads lines from in and writes undecorated text to out. It
// is used for pipes and -no-tui.
func NewPlainConsole(in io.Reader, out io.Writer) *Console {
	return &Console{w: out, styles: PlainStyles(), in: bufio.NewReader(in), ShowDevServerOutput: true}
}

// Reader exposes the buffered input so a line confirmer can share it.
func (c *Console) Reader() *bufio.Reader { return c.in }

// Writer is where confirmers and banners print.
func (c *Console) Writer() io.Writer { return c.w }

// ReadLine blocks for one line. ctx is not consulted mid-read; a signal
// handler is expected to exit the process.
func (c *Console) ReadLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.term != nil {
		return c.readTerminal()
	}
	c.print(promptText)
	line, err := c.in.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Console) readTerminal() (string, error) {
	oldState, err := term.MakeRaw(c.fd)
	if err != nil {
		return "", fmt.Errorf("raw terminal: %w", err)
	}
	if width, height, err := term.GetSize(c.fd); err == nil {
		_ = c.term.SetSize(width, height)
	}
	line, err := c.term.ReadLine()
	if restoreErr := term.Restore(c.fd, oldState); restoreErr != nil && err == nil {
		err = fmt.Errorf("restore terminal: %w", restoreErr)
	}
	return line, err
}

// Release returns a terminal left in raw mode to cooked mode. It is called
// when the process exits from a signal while a read is pending.
func (c *Console) Release() {
	if c.term != nil {
		bestEffortResetTTY()
	}
}

// Banner prints the startup header.
func (c *Console) Banner(project, model string) {
	c.println(c.styles.Banner.Render("devagent") + c.styles.Hint.Render(fmt.Sprintf("  project: %s  model: %s", project, model)))
	c.println(c.styles.Hint.Render("Type /help for commands, exit to quit."))
}

func (c *Console) Reply(text string) {
	c.println(c.styles.Reply.Render(text))
}

func (c *Console) Notice(text string) {
	c.println(c.styles.Notice.Render(text))
}

func (c *Console) ToolStarted(call session.ToolCall) {
	c.println(c.styles.Tool.Render("→ " + callLabel(call)))
}

func (c *Console) ToolFinished(call session.ToolCall, outcome session.Outcome) {
	if outcome.OK {
		msg := "✓ " + call.Name
		if n := len(outcome.Recovery); n > 0 {
			msg += fmt.Sprintf(" (fixed after %d attempt(s))", n)
		}
		c.println(c.styles.OK.Render(msg))
		return
	}
	c.println(c.styles.Failure.Render("✗ " + call.Name + ": " + outcome.Describe()))
	if raw := tailLines(outcome.Failure.RawOutput, 8); raw != "" {
		c.println(c.styles.Hint.Render(raw))
	}
}

// Failure prints a startup or runtime error.
func (c *Console) Failure(err error) {
	c.println(c.styles.Failure.Render("error: " + err.Error()))
}

// Watch prints dev-server events from b until ctx is cancelled. The returned
// function waits for the printer goroutine to exit.
func (c *Console) Watch(ctx context.Context, b *bus.Bus) (wait func()) {
	sub := b.Subscribe("devserver.")
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				c.devServerEvent(ev)
				if n := sub.TakeDropped(); n > 0 && c.ShowDevServerOutput {
					c.println(c.styles.Hint.Render(fmt.Sprintf("[dev] … %d line(s) skipped", n)))
				}
			}
		}
	}()
	return func() { <-done }
}

func (c *Console) devServerEvent(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.DevServerOutputEvent:
		if c.ShowDevServerOutput {
			c.println(c.styles.DevServer.Render("[dev] " + p.Line))
		}
	case bus.DevServerStatusEvent:
		msg := fmt.Sprintf("dev server %s → %s", p.Old, p.New)
		if p.Reason != "" {
			msg += " (" + p.Reason + ")"
		}
		style := c.styles.Notice
		switch p.New {
		case "running":
			style = c.styles.OK
		case "failed":
			style = c.styles.Failure
		}
		c.println(style.Render(msg))
	}
}

func (c *Console) print(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.w, s)
}

func (c *Console) println(s string) {
	c.print(s + "\n")
}

func callLabel(call session.ToolCall) string {
	for _, key := range []string{"command", "path"} {
		if v := call.String(key); v != "" {
			return call.Name + " " + v
		}
	}
	return call.Name
}

func tailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
