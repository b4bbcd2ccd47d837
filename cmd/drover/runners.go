package main

import (
	"time"

	"drover/pkg/session"
)

// tmuxRuntime adapts the session package to the daemon's SessionRuntime
// interface, one tmux session per worker name.
type tmuxRuntime struct{}

func (tmuxRuntime) Create(name, dir, agentCommand string) error {
	return session.New(name).Create(dir, agentCommand)
}

func (tmuxRuntime) Alive(name string) bool {
	return session.New(name).Alive()
}

func (tmuxRuntime) IdleAtPrompt(name string) bool {
	return session.New(name).IdleAtPrompt()
}

func (tmuxRuntime) SendPrompt(name, text string, timeout time.Duration) error {
	return session.New(name).SendPromptVerified(text, timeout)
}

func (tmuxRuntime) Interrupt(name string) error {
	return session.New(name).Interrupt()
}

func (tmuxRuntime) Kill(name string) error {
	return session.New(name).Kill()
}
