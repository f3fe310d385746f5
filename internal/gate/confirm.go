package gate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrNoAnswer is returned when input ends before a yes or no.
var ErrNoAnswer = errors.New("no confirmation answer")

// ClassifyAnswer maps a reply to an Answer. ok is false for anything else,
// and for "always" when the prompt does not offer it.
func ClassifyAnswer(s string, offerAlways bool) (a Answer, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return AnswerYes, true
	case "n", "no":
		return AnswerNo, true
	case "a", "always":
		if offerAlways {
			return AnswerAlways, true
		}
	}
	return AnswerNo, false
}

// LineConfirmer asks on Out and reads whole lines from In. Unrecognised
// answers re-prompt; EOF means no.
type LineConfirmer struct {
	in  *bufio.Reader
	out io.Writer
}

// NewLineConfirmer creates a line-based confirmer. Pass the same reader the
// REPL uses so buffered input is not lost.
func NewLineConfirmer(in *bufio.Reader, out io.Writer) *LineConfirmer {
	return &LineConfirmer{in: in, out: out}
}

func (c *LineConfirmer) Confirm(ctx context.Context, p Prompt) (Answer, error) {
	offerAlways := p.TrustPrefix != ""
	for {
		if err := ctx.Err(); err != nil {
			return AnswerNo, err
		}
		if offerAlways {
			fmt.Fprintf(c.out, "%s\nProceed? [y/n/a = always allow %q]: ", p.Description, p.TrustPrefix)
		} else {
			fmt.Fprintf(c.out, "%s\nProceed? [y/n]: ", p.Description)
		}
		line, err := c.in.ReadString('\n')
		if a, ok := ClassifyAnswer(line, offerAlways); ok {
			return a, nil
		}
		if err != nil {
			fmt.Fprintln(c.out)
			return AnswerNo, fmt.Errorf("%w: %v", ErrNoAnswer, err)
		}
		fmt.Fprintln(c.out, "Please answer yes or no.")
	}
}

// ScriptedConfirmer replays fixed answers and records every prompt. When the
// script runs out it answers no.
type ScriptedConfirmer struct {
	mu      sync.Mutex
	answers []Answer
	prompts []Prompt
}

// NewScriptedConfirmer creates a confirmer that answers yes or no in order.
func NewScriptedConfirmer(answers ...bool) *ScriptedConfirmer {
	c := &ScriptedConfirmer{}
	for _, yes := range answers {
		a := AnswerNo
		if yes {
			a = AnswerYes
		}
		c.answers = append(c.answers, a)
	}
	return c
}

// NewScriptedAnswers creates a confirmer that replays answers in order.
func NewScriptedAnswers(answers ...Answer) *ScriptedConfirmer {
	return &ScriptedConfirmer{answers: answers}
}

func (c *ScriptedConfirmer) Confirm(_ context.Context, p Prompt) (Answer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, p)
	if len(c.answers) == 0 {
		return AnswerNo, nil
	}
	a := c.answers[0]
	c.answers = c.answers[1:]
	return a, nil
}

// Prompts returns the prompts shown so far.
func (c *ScriptedConfirmer) Prompts() []Prompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Prompt(nil), c.prompts...)
}
