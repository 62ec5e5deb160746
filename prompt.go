package main

import (
	"errors"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// errAborted is returned when the user leaves a prompt with ^C or ^D.
var errAborted = errors.New("aborted")

// prompter reads one answer per call.
type prompter interface {
	Ask(prompt string) (string, error)
	Close() error
}

type readlinePrompter struct {
	rl *readline.Instance
}

func newReadlinePrompter() (*readlinePrompter, error) {
	rl, err := readline.NewEx(&readline.Config{
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, err
	}
	return &readlinePrompter{rl: rl}, nil
}

func (p *readlinePrompter) Ask(prompt string) (string, error) {
	p.rl.SetPrompt(prompt)
	line, err := p.rl.Readline()
	if err != nil {
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return "", errAborted
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (p *readlinePrompter) Close() error {
	return p.rl.Close()
}

func isYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
