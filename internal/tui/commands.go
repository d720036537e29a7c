package tui

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zpdzap/drydock/internal/agent"
)

// Command represents a parsed slash command.
type Command struct {
	Name string
	Args []string
}

// ParseCommand parses a slash command string into a Command.
// Returns nil if the input is not a valid command.
func ParseCommand(input string) *Command {
	input = strings.TrimSpace(input)
	if input == "" || input[0] != '/' {
		return nil
	}

	parts := strings.Fields(input)
	return &Command{
		Name: parts[0],
		Args: parts[1:],
	}
}

// parseStart builds a run request from "/start" arguments:
//
//	<repo> [--loop] [--plan] [--no-plan] [--branch=b] [--model=m] [--max=n] <prompt...>
//
// Flags may appear anywhere before the prompt. A relative repo is
// resolved against the dashboard's working directory.
func parseStart(args []string) (agent.Request, error) {
	if len(args) == 0 {
		return agent.Request{}, errors.New("usage: /start <repo> [--loop] [--plan|--no-plan] [--branch=b] [--model=m] [--max=n] <prompt>")
	}
	repo, err := filepath.Abs(args[0])
	if err != nil {
		return agent.Request{}, err
	}
	req := agent.Request{Repo: repo}

	rest := args[1:]
	for len(rest) > 0 && strings.HasPrefix(rest[0], "--") {
		flag, value, _ := strings.Cut(strings.TrimPrefix(rest[0], "--"), "=")
		switch flag {
		case "loop":
			req.Loop = true
		case "plan", "no-plan":
			plan := flag == "plan"
			req.PlanPhase = &plan
		case "branch":
			req.Branch = value
		case "model":
			req.Model = value
		case "max":
			n, err := strconv.Atoi(value)
			if err != nil {
				return agent.Request{}, fmt.Errorf("--max needs a number, got %q", value)
			}
			req.MaxIterations = n
		default:
			return agent.Request{}, fmt.Errorf("unknown flag --%s", flag)
		}
		rest = rest[1:]
	}
	req.Prompt = strings.Join(rest, " ")
	if req.Prompt == "" {
		return agent.Request{}, errors.New("a prompt is required")
	}
	return req, nil
}

// resolveRun finds the run whose id starts with prefix. Short ids are what
// the dashboard shows.
func resolveRun(runs []agent.Run, prefix string) (agent.Run, error) {
	var found []agent.Run
	for _, r := range runs {
		if r.ID == prefix {
			return r, nil
		}
		if strings.HasPrefix(r.ID, prefix) {
			found = append(found, r)
		}
	}
	switch len(found) {
	case 0:
		return agent.Run{}, fmt.Errorf("no run matches %q", prefix)
	case 1:
		return found[0], nil
	}
	return agent.Run{}, fmt.Errorf("%q matches %d runs", prefix, len(found))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
