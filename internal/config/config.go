package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	Dir          = ".drydock"
	ConfigFile   = "config.yaml"
	WorktreeDir  = "worktrees"
	EnvFile      = ".env"
	DatabaseFile = "drydock.db"
	ArchiveDir   = "archive"
	CacheDir     = "caches"
	LogFile      = "drydock.log"
)

// Bounds enforced by Settings.Validate.
const (
	MinPlanTimeout   = 30 * time.Second
	MaxPlanTimeout   = 600 * time.Second
	MinMaxIterations = 1
	MaxMaxIterations = 500
)

// Settings is the global engine configuration. It is loaded once at startup
// and passed explicitly to every component.
type Settings struct {
	Version string          `yaml:"version"`
	Sandbox SandboxDefaults `yaml:"sandbox"`
	Agent   AgentDefaults   `yaml:"agent"`
	Bridge  BridgeConfig    `yaml:"bridge"`
	Egress  EgressConfig    `yaml:"egress"`
	API     APIConfig       `yaml:"api"`
	Cron    CronConfig      `yaml:"cron"`
	Log     LogConfig       `yaml:"log"`
	Tools   []ToolSeed      `yaml:"tools,omitempty"`

	// Home is the data directory the settings were loaded from. Not persisted.
	Home string `yaml:"-"`
}

type SandboxDefaults struct {
	Image            string            `yaml:"image"`
	CPUs             float64           `yaml:"cpus"`
	Memory           string            `yaml:"memory"`
	Parallelism      int               `yaml:"parallelism"`
	SSHAgent         bool              `yaml:"ssh_agent"`
	DockerSocket     bool              `yaml:"docker_socket"`
	NetworkIsolation bool              `yaml:"network_isolation"`
	AllowedHosts     []string          `yaml:"allowed_hosts"`
	Caches           bool              `yaml:"caches"`
	Env              map[string]string `yaml:"env,omitempty"`
	Mounts           []string          `yaml:"mounts,omitempty"`
}

type AgentDefaults struct {
	Binary            string        `yaml:"binary"`
	Model             string        `yaml:"model"`
	PlanPhase         bool          `yaml:"plan_phase"`
	PlanTimeout       time.Duration `yaml:"plan_timeout"`
	CompletionMarker  string        `yaml:"completion_marker"`
	MaxIterations     int           `yaml:"max_iterations"`
	StopGrace         time.Duration `yaml:"stop_grace"`
	SerializeBranches bool          `yaml:"serialize_branches"`
}

type BridgeConfig struct {
	Listen string `yaml:"listen"`
	// HostAddress is how sandboxes reach the host (host.docker.internal on
	// Docker Desktop, the bridge gateway on Linux).
	HostAddress string `yaml:"host_address"`
}

type EgressConfig struct {
	Image     string `yaml:"image"`
	Port      int    `yaml:"port"`
	AdminPort int    `yaml:"admin_port"`
	Network   string `yaml:"network"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
}

type CronConfig struct {
	HistoryLimit int           `yaml:"history_limit"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ToolSeed declares a proxied host tool in the settings file. Seeds are
// inserted into the tool registry on first start only.
type ToolSeed struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	HostPath      string   `yaml:"host_path"`
	Enabled       bool     `yaml:"enabled"`
	AuthCheck     []string `yaml:"auth_check,omitempty"`
	ReauthHint    string   `yaml:"reauth_hint,omitempty"`
	ReauthCommand []string `yaml:"reauth_command,omitempty"`
	DenyArgs      []string `yaml:"deny_args,omitempty"`
}

// DefaultSettings returns the settings used when no config file exists.
func DefaultSettings() *Settings {
	return &Settings{
		Version: "1",
		Sandbox: SandboxDefaults{
			Image:        "ghcr.io/zpdzap/drydock-agent:latest",
			CPUs:         4,
			Memory:       "8g",
			Parallelism:  2,
			SSHAgent:     true,
			Caches:       true,
			AllowedHosts: []string{"api.anthropic.com", "github.com", "*.github.com", "*.githubusercontent.com"},
		},
		Agent: AgentDefaults{
			Binary:            "claude",
			Model:             "sonnet",
			PlanTimeout:       120 * time.Second,
			CompletionMarker:  "<promise>COMPLETE</promise>",
			MaxIterations:     20,
			StopGrace:         10 * time.Second,
			SerializeBranches: true,
		},
		Bridge: BridgeConfig{
			Listen:      "0.0.0.0:7457",
			HostAddress: "host.docker.internal",
		},
		Egress: EgressConfig{
			Image:     "ghcr.io/zpdzap/drydock:latest",
			Port:      3128,
			AdminPort: 3129,
			Network:   "drydock-internal",
		},
		API:  APIConfig{Listen: "127.0.0.1:7456"},
		Cron: CronConfig{HistoryLimit: 100, TickInterval: 30 * time.Second},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Home returns the drydock data directory: $DRYDOCK_HOME, or ~/.drydock.
func Home() (string, error) {
	if home := os.Getenv("DRYDOCK_HOME"); home != "" {
		return home, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(userHome, Dir), nil
}

// LoadSettings reads home/config.yaml on top of DefaultSettings. A missing
// file is not an error.
func LoadSettings(home string) (*Settings, error) {
	s := DefaultSettings()
	s.Home = home
	data, err := os.ReadFile(filepath.Join(home, ConfigFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	s.Home = home
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// SaveSettings writes the settings to home/config.yaml.
func SaveSettings(home string, s *Settings) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("creating settings dir: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}
	return os.WriteFile(filepath.Join(home, ConfigFile), data, 0o644)
}

// LoadEnv loads home/.env into the process environment without overriding
// variables that are already set.
func LoadEnv(home string) error {
	path := filepath.Join(home, EnvFile)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Validate checks value ranges.
func (s *Settings) Validate() error {
	if s.Sandbox.CPUs < 0 {
		return fmt.Errorf("sandbox.cpus must not be negative, got %v", s.Sandbox.CPUs)
	}
	if s.Sandbox.Parallelism < 0 {
		return fmt.Errorf("sandbox.parallelism must not be negative, got %d", s.Sandbox.Parallelism)
	}
	if s.Sandbox.Memory != "" {
		if _, err := ParseMemory(s.Sandbox.Memory); err != nil {
			return fmt.Errorf("sandbox.memory: %w", err)
		}
	}
	if s.Agent.PlanTimeout < MinPlanTimeout || s.Agent.PlanTimeout > MaxPlanTimeout {
		return fmt.Errorf("agent.plan_timeout must be between %s and %s, got %s", MinPlanTimeout, MaxPlanTimeout, s.Agent.PlanTimeout)
	}
	if s.Agent.MaxIterations < MinMaxIterations || s.Agent.MaxIterations > MaxMaxIterations {
		return fmt.Errorf("agent.max_iterations must be between %d and %d, got %d", MinMaxIterations, MaxMaxIterations, s.Agent.MaxIterations)
	}
	if s.Agent.StopGrace <= 0 {
		return fmt.Errorf("agent.stop_grace must be positive")
	}
	if s.Cron.HistoryLimit <= 0 {
		return fmt.Errorf("cron.history_limit must be positive")
	}
	seen := make(map[string]bool)
	for _, tool := range s.Tools {
		if tool.ID == "" || tool.HostPath == "" {
			return fmt.Errorf("tool entries need id and host_path")
		}
		if seen[tool.ID] {
			return fmt.Errorf("duplicate tool id %q", tool.ID)
		}
		seen[tool.ID] = true
	}
	return nil
}

// ParseMemory parses a docker-style memory size ("512m", "8g", "1024") into bytes.
func ParseMemory(value string) (int64, error) {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return 0, fmt.Errorf("empty memory value")
	}
	multiplier := int64(1)
	switch value[len(value)-1] {
	case 'k':
		multiplier = 1 << 10
	case 'm':
		multiplier = 1 << 20
	case 'g':
		multiplier = 1 << 30
	case 'b':
	}
	digits := strings.TrimRight(value, "kmgb")
	var n int64
	if _, err := fmt.Sscanf(digits, "%d", &n); err != nil || n <= 0 || fmt.Sprint(n) != digits {
		return 0, fmt.Errorf("invalid memory value %q", value)
	}
	bytes := n * multiplier
	if bytes < 6<<20 {
		return 0, fmt.Errorf("memory %q is below the 6m minimum", value)
	}
	return bytes, nil
}

// NewLogger builds a slog logger for the configured level and format.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	options := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, options))
	}
	return slog.New(slog.NewTextHandler(w, options))
}

// RepoConfig holds per-repository overrides at <repo>/.drydock/config.yaml.
type RepoConfig struct {
	Version  string    `yaml:"version"`
	Project  string    `yaml:"project"`
	Language string    `yaml:"language"`
	Image    Image     `yaml:"image"`
	Sandbox  Overrides `yaml:"sandbox"`
}

type Image struct {
	// Ref overrides the global sandbox image.
	Ref        string   `yaml:"ref,omitempty"`
	Base       string   `yaml:"base"`
	Dockerfile string   `yaml:"dockerfile"`
	Packages   []string `yaml:"packages"`
}

// Overrides replace global sandbox defaults when set. Pointer fields
// distinguish "unset" from an explicit false/zero.
type Overrides struct {
	CPUs             *float64          `yaml:"cpus,omitempty"`
	Memory           string            `yaml:"memory,omitempty"`
	Parallelism      *int              `yaml:"parallelism,omitempty"`
	SSHAgent         *bool             `yaml:"ssh_agent,omitempty"`
	DockerSocket     *bool             `yaml:"docker_socket,omitempty"`
	NetworkIsolation *bool             `yaml:"network_isolation,omitempty"`
	AllowedHosts     []string          `yaml:"allowed_hosts,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	Mounts           []string          `yaml:"mounts,omitempty"`
}

// Load reads config from .drydock/config.yaml relative to projectDir.
func Load(projectDir string) (*RepoConfig, error) {
	path := filepath.Join(projectDir, Dir, ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg RepoConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// LoadOptional is Load, but a repository without overrides yields nil.
func LoadOptional(projectDir string) (*RepoConfig, error) {
	if !Exists(projectDir) {
		return nil, nil
	}
	return Load(projectDir)
}

// Save writes config to .drydock/config.yaml relative to projectDir.
func Save(projectDir string, cfg *RepoConfig) error {
	dir := filepath.Join(projectDir, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	path := filepath.Join(dir, ConfigFile)
	return os.WriteFile(path, data, 0o644)
}

// ConfigPath returns the path to the config directory.
func ConfigPath(projectDir string) string {
	return filepath.Join(projectDir, Dir)
}

// Exists returns true if .drydock/config.yaml exists.
func Exists(projectDir string) bool {
	path := filepath.Join(projectDir, Dir, ConfigFile)
	_, err := os.Stat(path)
	return err == nil
}
