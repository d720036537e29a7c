package agent

import (
	"encoding/json"
)

// Invocation selects how the agent process is started for one phase.
type Invocation struct {
	Model string
	// PlanMode starts the agent read-only.
	PlanMode bool
}

// Driver knows how to start a headless agent and talk to it over stdin.
// The agent must write newline-delimited stream events to stdout and exit
// once its stdin is closed and all queued input is handled.
type Driver interface {
	Command(inv Invocation) []string
	// UserMessage encodes text as one stdin line, newline included.
	UserMessage(text string) ([]byte, error)
}

// Claude drives Claude Code in stream-json mode.
type Claude struct {
	Binary string
}

func (c Claude) Command(inv Invocation) []string {
	binary := c.Binary
	if binary == "" {
		binary = "claude"
	}
	args := []string{binary, "-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	if inv.PlanMode {
		args = append(args, "--permission-mode", "plan")
	} else {
		args = append(args, "--dangerously-skip-permissions")
	}
	return args
}

type userMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string        `json:"role"`
		Content []textContent `json:"content"`
	} `json:"message"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (Claude) UserMessage(text string) ([]byte, error) {
	var msg userMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = []textContent{{Type: "text", Text: text}}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
