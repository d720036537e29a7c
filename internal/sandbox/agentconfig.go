package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"github.com/zpdzap/drydock/internal/engine"
)

// Inside the sandbox image the agent runs as this user.
const (
	AgentUser = "agent"
	AgentHome = "/home/agent"
)

// PatchAgentSettings parses the host's ~/.claude/settings.json (comments
// allowed) and switches the default permission mode to bypass, since no
// one is present to answer prompts.
func PatchAgentSettings(data []byte) ([]byte, error) {
	settings, err := decodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("parsing agent settings: %w", err)
	}
	permissions, _ := settings["permissions"].(map[string]any)
	if permissions == nil {
		permissions = make(map[string]any)
	}
	permissions["defaultMode"] = "bypassPermissions"
	settings["permissions"] = permissions
	return json.MarshalIndent(settings, "", "  ")
}

// PatchAgentState parses the host's ~/.claude.json, marks onboarding
// complete and pre-trusts /workspace.
func PatchAgentState(data []byte) ([]byte, error) {
	state, err := decodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("parsing agent state: %w", err)
	}
	state["hasCompletedOnboarding"] = true
	projects, _ := state["projects"].(map[string]any)
	if projects == nil {
		projects = make(map[string]any)
	}
	projects["/workspace"] = map[string]any{
		"allowedTools":                  []any{},
		"hasTrustDialogAccepted":        true,
		"hasCompletedProjectOnboarding": true,
	}
	state["projects"] = projects
	return json.MarshalIndent(state, "", "  ")
}

func decodeObject(data []byte) (map[string]any, error) {
	obj := make(map[string]any)
	if len(data) == 0 {
		return obj, nil
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = make(map[string]any)
	}
	return obj, nil
}

// seedAgentConfig copies the host's agent credentials and patched settings
// into the container. Missing host files are skipped; the patched settings
// are always written.
func seedAgentConfig(ctx context.Context, eng engine.Engine, container, hostHome string) error {
	staging, err := os.MkdirTemp("", "drydock-seed-")
	if err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if _, err := eng.ExecOutput(ctx, engine.ExecSpec{
		Container: container,
		Cmd:       []string{"mkdir", "-p", AgentHome + "/.claude"},
	}); err != nil {
		return fmt.Errorf("creating agent config dir: %w", err)
	}

	files := []struct {
		host      string
		container string
		patch     func([]byte) ([]byte, error)
	}{
		{filepath.Join(hostHome, ".claude", "settings.json"), AgentHome + "/.claude/settings.json", PatchAgentSettings},
		{filepath.Join(hostHome, ".claude", ".credentials.json"), AgentHome + "/.claude/.credentials.json", nil},
		{filepath.Join(hostHome, ".claude.json"), AgentHome + "/.claude.json", PatchAgentState},
	}

	var copied []string
	for i, f := range files {
		data, err := os.ReadFile(f.host)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reading %s: %w", f.host, err)
		}
		if f.patch == nil && err != nil {
			continue
		}
		if f.patch != nil {
			if data, err = f.patch(data); err != nil {
				return err
			}
		}
		staged := filepath.Join(staging, fmt.Sprintf("%d.json", i))
		if err := os.WriteFile(staged, data, 0o600); err != nil {
			return fmt.Errorf("staging %s: %w", f.container, err)
		}
		if err := eng.CopyTo(ctx, container, staged, f.container); err != nil {
			return fmt.Errorf("copying %s: %w", f.container, err)
		}
		copied = append(copied, f.container)
	}

	chown := append([]string{"chown", AgentUser + ":" + AgentUser, AgentHome + "/.claude"}, copied...)
	if _, err := eng.ExecOutput(ctx, engine.ExecSpec{Container: container, User: "root", Cmd: chown}); err != nil {
		return fmt.Errorf("chowning agent config: %w", err)
	}
	return nil
}
