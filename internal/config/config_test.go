package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()

	cpus := 2.0
	isolated := true
	cfg := &RepoConfig{
		Version:  "1",
		Project:  "test-project",
		Language: "go",
		Image: Image{
			Base:       "ubuntu:24.04",
			Dockerfile: ".drydock/Dockerfile",
			Packages:   []string{"golang-go"},
		},
		Sandbox: Overrides{
			CPUs:             &cpus,
			NetworkIsolation: &isolated,
			AllowedHosts:     []string{"proxy.golang.org"},
		},
	}

	if err := Save(dir, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Project != "test-project" {
		t.Errorf("Project = %q, want %q", loaded.Project, "test-project")
	}
	if loaded.Language != "go" {
		t.Errorf("Language = %q, want %q", loaded.Language, "go")
	}
	if loaded.Sandbox.CPUs == nil || *loaded.Sandbox.CPUs != 2 {
		t.Errorf("Sandbox.CPUs = %v, want 2", loaded.Sandbox.CPUs)
	}
	if loaded.Sandbox.SSHAgent != nil {
		t.Errorf("Sandbox.SSHAgent = %v, want unset", *loaded.Sandbox.SSHAgent)
	}
	if len(loaded.Sandbox.AllowedHosts) != 1 || loaded.Sandbox.AllowedHosts[0] != "proxy.golang.org" {
		t.Errorf("AllowedHosts = %v, want [proxy.golang.org]", loaded.Sandbox.AllowedHosts)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	if Exists(dir) {
		t.Error("Exists should be false before init")
	}
	if cfg, err := LoadOptional(dir); err != nil || cfg != nil {
		t.Errorf("LoadOptional = %v, %v; want nil, nil", cfg, err)
	}

	cfg := &RepoConfig{Version: "1", Project: "test"}
	if err := Save(dir, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if !Exists(dir) {
		t.Error("Exists should be true after save")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	home := t.TempDir()

	settings := DefaultSettings()
	settings.Agent.PlanTimeout = 45 * time.Second
	settings.Sandbox.NetworkIsolation = true
	settings.Tools = []ToolSeed{{ID: "gh", Name: "GitHub CLI", HostPath: "/usr/bin/gh", Enabled: true}}

	if err := SaveSettings(home, settings); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	loaded, err := LoadSettings(home)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if loaded.Home != home {
		t.Errorf("Home = %q, want %q", loaded.Home, home)
	}
	if loaded.Agent.PlanTimeout != 45*time.Second {
		t.Errorf("PlanTimeout = %s, want 45s", loaded.Agent.PlanTimeout)
	}
	if !loaded.Sandbox.NetworkIsolation {
		t.Error("NetworkIsolation should survive a round trip")
	}
	if len(loaded.Tools) != 1 || loaded.Tools[0].HostPath != "/usr/bin/gh" {
		t.Errorf("Tools = %+v", loaded.Tools)
	}
}

func TestLoadSettingsMissingFile(t *testing.T) {
	settings, err := LoadSettings(t.TempDir())
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if settings.Cron.HistoryLimit != 100 {
		t.Errorf("HistoryLimit = %d, want default 100", settings.Cron.HistoryLimit)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{"defaults", func(*Settings) {}, ""},
		{"plan timeout too short", func(s *Settings) { s.Agent.PlanTimeout = 5 * time.Second }, "plan_timeout"},
		{"plan timeout too long", func(s *Settings) { s.Agent.PlanTimeout = time.Hour }, "plan_timeout"},
		{"iterations zero", func(s *Settings) { s.Agent.MaxIterations = 0 }, "max_iterations"},
		{"iterations too high", func(s *Settings) { s.Agent.MaxIterations = 501 }, "max_iterations"},
		{"negative cpus", func(s *Settings) { s.Sandbox.CPUs = -1 }, "cpus"},
		{"bad memory", func(s *Settings) { s.Sandbox.Memory = "lots" }, "memory"},
		{"duplicate tool", func(s *Settings) {
			s.Tools = []ToolSeed{{ID: "gh", HostPath: "/bin/gh"}, {ID: "gh", HostPath: "/bin/gh"}}
		}, "duplicate tool"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseMemory(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"8g", 8 << 30, false},
		{"512m", 512 << 20, false},
		{"10485760", 10485760, false},
		{"1k", 0, true},
		{"", 0, true},
		{"-1g", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMemory(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseMemory(%q) = %d, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMemory(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseMemory(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadEnv(t *testing.T) {
	home := t.TempDir()
	os.WriteFile(filepath.Join(home, EnvFile), []byte("DRYDOCK_TEST_TOKEN=abc\n"), 0o600)
	t.Setenv("DRYDOCK_TEST_TOKEN", "")
	os.Unsetenv("DRYDOCK_TEST_TOKEN")

	if err := LoadEnv(home); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := os.Getenv("DRYDOCK_TEST_TOKEN"); got != "abc" {
		t.Errorf("DRYDOCK_TEST_TOKEN = %q, want abc", got)
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	LogConfig{Level: "debug", Format: "json"}.NewLogger(&buf).Debug("hello", "run_id", "r1")
	if !strings.Contains(buf.String(), `"run_id":"r1"`) {
		t.Errorf("json log output = %q", buf.String())
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name       string
		file       string
		wantLang   string
		wantCaches int
	}{
		{"go project", "go.mod", "go", 2},
		{"node project", "package.json", "node", 2},
		{"python project", "requirements.txt", "python", 2},
		{"rust project", "Cargo.toml", "rust", 2},
		{"unknown project", "", "unknown", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.file != "" {
				os.WriteFile(filepath.Join(dir, tt.file), []byte(""), 0o644)
			}
			d := Detect(dir)
			if d.Language != tt.wantLang {
				t.Errorf("Language = %q, want %q", d.Language, tt.wantLang)
			}
			if len(d.Caches) != tt.wantCaches {
				t.Errorf("Caches = %v, want %d entries", d.Caches, tt.wantCaches)
			}
		})
	}
}

func TestLiveUpdateSandbox(t *testing.T) {
	home := t.TempDir()
	s := DefaultSettings()
	s.Home = home
	live := NewLive(s, true)

	if err := live.UpdateSandbox(func(sb *SandboxDefaults) {
		sb.CPUs = 6
		sb.NetworkIsolation = true
	}); err != nil {
		t.Fatalf("UpdateSandbox: %v", err)
	}
	if got := live.Sandbox(); got.CPUs != 6 || !got.NetworkIsolation {
		t.Errorf("Sandbox() = %+v, want cpus 6 with isolation", got)
	}

	loaded, err := LoadSettings(home)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if loaded.Sandbox.CPUs != 6 {
		t.Errorf("persisted cpus = %v, want 6", loaded.Sandbox.CPUs)
	}

	if err := live.UpdateSandbox(func(sb *SandboxDefaults) { sb.Memory = "huge" }); err == nil {
		t.Fatal("expected invalid memory to be rejected")
	}
	if got := live.Sandbox().Memory; got != s.Sandbox.Memory {
		t.Errorf("rejected update leaked: memory = %q", got)
	}

	hosts := live.Sandbox().AllowedHosts
	hosts[0] = "mutated"
	if live.Sandbox().AllowedHosts[0] == "mutated" {
		t.Error("Sandbox() must return a copy")
	}
}
