// Package toolproxy lets sandboxed agents run a fixed set of host-only
// executables. A sandbox holds a session token; each call names a tool id
// and arguments, is checked against the tool registry at call time, runs
// on the host with a sanitized environment, and streams its output back.
package toolproxy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

var (
	// ErrToolNotAvailable is returned for unknown or disabled tools. It is
	// always returned before anything is spawned.
	ErrToolNotAvailable = errors.New("tool not available")
	ErrArgsDenied       = errors.New("arguments denied by tool policy")
	ErrInvalidSession   = errors.New("invalid or expired bridge session")
)

// Tool is the configuration of a proxied host tool.
type Tool struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	HostPath string `json:"host_path"`
	Enabled  bool   `json:"enabled"`
	// AuthCheck is run on the host to classify the tool's login state;
	// exit 0 means valid.
	AuthCheck     []string `json:"auth_check,omitempty"`
	ReauthHint    string   `json:"reauth_hint,omitempty"`
	ReauthCommand []string `json:"reauth_command,omitempty"`
	// DenyArgs are glob patterns matched against the space-joined
	// argument list.
	DenyArgs []string `json:"deny_args,omitempty"`
}

// Validate checks the fields a registry entry needs.
func (t Tool) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("tool id is required")
	}
	if t.HostPath == "" {
		return fmt.Errorf("tool %s: host path is required", t.ID)
	}
	for _, pattern := range t.DenyArgs {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("tool %s: deny pattern %q: %w", t.ID, pattern, err)
		}
	}
	return nil
}

// CheckArgs rejects argument lists matching any deny pattern.
func (t Tool) CheckArgs(args []string) error {
	if len(t.DenyArgs) == 0 {
		return nil
	}
	joined := strings.Join(args, " ")
	for _, pattern := range t.DenyArgs {
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: invalid pattern %q", ErrArgsDenied, pattern)
		}
		if g.Match(joined) {
			return fmt.Errorf("%w: matches %q", ErrArgsDenied, pattern)
		}
	}
	return nil
}

// Registry resolves tool ids. Implementations must read current state on
// every call so that disabling a tool takes effect immediately.
type Registry interface {
	LookupTool(ctx context.Context, id string) (Tool, bool, error)
}

// MemoryRegistry is a Registry backed by a map.
type MemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewMemoryRegistry(tools ...Tool) *MemoryRegistry {
	r := &MemoryRegistry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.tools[t.ID] = t
	}
	return r
}

func (r *MemoryRegistry) LookupTool(_ context.Context, id string) (Tool, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok, nil
}

// Put adds or replaces a tool.
func (r *MemoryRegistry) Put(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.ID] = t
}

// SetEnabled toggles a tool. It reports whether the tool exists.
func (r *MemoryRegistry) SetEnabled(id string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[id]
	if !ok {
		return false
	}
	t.Enabled = enabled
	r.tools[id] = t
	return true
}

// List returns all tools sorted by id.
func (r *MemoryRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Tool) int { return strings.Compare(a.ID, b.ID) })
	return out
}
