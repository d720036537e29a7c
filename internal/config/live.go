package config

import (
	"maps"
	"slices"
	"sync"
)

// Live holds settings that can change while the engine runs (resource
// limits, isolation toggles, selected image). Reads return copies; updates
// are validated and written back to the settings file.
type Live struct {
	mu       sync.RWMutex
	settings Settings
	persist  bool
}

// NewLive wraps s. When persist is true, updates are saved to s.Home.
func NewLive(s *Settings, persist bool) *Live {
	return &Live{settings: *s, persist: persist}
}

// Settings returns a copy of the current settings.
func (l *Live) Settings() Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.settings
}

// Sandbox returns a copy of the current sandbox defaults.
func (l *Live) Sandbox() SandboxDefaults {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sb := l.settings.Sandbox
	sb.AllowedHosts = slices.Clone(sb.AllowedHosts)
	sb.Mounts = slices.Clone(sb.Mounts)
	sb.Env = maps.Clone(sb.Env)
	return sb
}

// UpdateSandbox applies fn to the sandbox defaults. The change is dropped
// if the result does not validate.
func (l *Live) UpdateSandbox(fn func(*SandboxDefaults)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.settings
	sb := next.Sandbox
	sb.AllowedHosts = slices.Clone(sb.AllowedHosts)
	sb.Mounts = slices.Clone(sb.Mounts)
	sb.Env = maps.Clone(sb.Env)
	fn(&sb)
	next.Sandbox = sb
	if err := next.Validate(); err != nil {
		return err
	}
	if l.persist {
		if err := SaveSettings(next.Home, &next); err != nil {
			return err
		}
	}
	l.settings = next
	return nil
}
