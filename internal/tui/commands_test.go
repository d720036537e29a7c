package tui

import (
	"path/filepath"
	"testing"

	"github.com/zpdzap/drydock/internal/agent"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input    string
		wantName string
		wantArgs []string
		wantNil  bool
	}{
		{"/start . fix the login", "/start", []string{".", "fix", "the", "login"}, false},
		{"/stop 3f2a", "/stop", []string{"3f2a"}, false},
		{"/nudge 3f2a use the new API", "/nudge", []string{"3f2a", "use", "the", "new", "API"}, false},
		{"/cron run nightly", "/cron", []string{"run", "nightly"}, false},
		{"/quit", "/quit", nil, false},
		{"not a command", "", nil, true},
		{"", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cmd := ParseCommand(tt.input)
			if tt.wantNil {
				if cmd != nil {
					t.Errorf("expected nil, got %+v", cmd)
				}
				return
			}
			if cmd == nil {
				t.Fatal("expected command, got nil")
			}
			if cmd.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", cmd.Name, tt.wantName)
			}
			if len(cmd.Args) == 0 && len(tt.wantArgs) == 0 {
				return
			}
			if len(cmd.Args) != len(tt.wantArgs) {
				t.Errorf("Args = %v, want %v", cmd.Args, tt.wantArgs)
			}
		})
	}
}

func TestParseStart(t *testing.T) {
	req, err := parseStart([]string{"/src/app", "--loop", "--no-plan", "--branch=fix-login", "--max=5", "fix", "the", "login"})
	if err != nil {
		t.Fatal(err)
	}
	if req.Repo != "/src/app" || req.Branch != "fix-login" || req.Prompt != "fix the login" {
		t.Errorf("unexpected request %+v", req)
	}
	if !req.Loop || req.MaxIterations != 5 {
		t.Errorf("loop settings not applied: %+v", req)
	}
	if req.PlanPhase == nil || *req.PlanPhase {
		t.Errorf("PlanPhase = %v, want explicit false", req.PlanPhase)
	}

	rel, err := parseStart([]string{"app", "go"})
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(rel.Repo) {
		t.Errorf("Repo = %q, want an absolute path", rel.Repo)
	}

	for _, args := range [][]string{
		nil,
		{"/src/app"},
		{"/src/app", "--loop"},
		{"/src/app", "--max=lots", "go"},
		{"/src/app", "--frobnicate", "go"},
	} {
		if _, err := parseStart(args); err == nil {
			t.Errorf("parseStart(%q) succeeded, want error", args)
		}
	}
}

func TestResolveRun(t *testing.T) {
	runs := []agent.Run{{ID: "3f2a9c10-aaaa"}, {ID: "3f2b0000-bbbb"}, {ID: "77aa0000-cccc"}}

	run, err := resolveRun(runs, "77")
	if err != nil || run.ID != "77aa0000-cccc" {
		t.Errorf("resolveRun(77) = %q, %v", run.ID, err)
	}
	run, err = resolveRun(runs, "3f2b0000-bbbb")
	if err != nil || run.ID != "3f2b0000-bbbb" {
		t.Errorf("exact id = %q, %v", run.ID, err)
	}
	if _, err := resolveRun(runs, "3f2"); err == nil {
		t.Error("ambiguous prefix should fail")
	}
	if _, err := resolveRun(runs, "ff"); err == nil {
		t.Error("unknown prefix should fail")
	}
}
