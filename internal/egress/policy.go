// Package egress is the shared outbound proxy for network-isolated
// sandboxes. Isolated containers sit on an internal network whose only
// route out is this proxy; each sandbox authenticates with its own
// credential and may reach only the hosts on its allow-list.
//
// One proxy instance serves every sandbox. Allow-lists are registered and
// removed at runtime through a token-protected admin API.
package egress

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// Policy is one sandbox's allow-list.
type Policy struct {
	ID    string   `json:"id"`
	Token string   `json:"token"`
	Hosts []string `json:"hosts"`
}

type compiledPolicy struct {
	Policy
	patterns []glob.Glob
}

// CompileHosts compiles host patterns. Labels are separated by '.', so
// "*.github.com" matches "api.github.com" but not "github.com" or
// "a.b.github.com"; "**.github.com" spans any number of labels.
func CompileHosts(hosts []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		g, err := glob.Compile(h, '.')
		if err != nil {
			return nil, fmt.Errorf("host pattern %q: %w", h, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Policies is the proxy's registry of sandbox credentials.
type Policies struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	// always holds hosts allowed for every sandbox (the tool bridge).
	always []glob.Glob
}

func NewPolicies(alwaysAllowed []string) (*Policies, error) {
	always, err := CompileHosts(alwaysAllowed)
	if err != nil {
		return nil, err
	}
	return &Policies{policies: make(map[string]*compiledPolicy), always: always}, nil
}

// Put registers or replaces a policy.
func (p *Policies) Put(policy Policy) error {
	if policy.ID == "" || policy.Token == "" {
		return fmt.Errorf("policy needs id and token")
	}
	patterns, err := CompileHosts(policy.Hosts)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policies[policy.ID] = &compiledPolicy{Policy: policy, patterns: patterns}
	return nil
}

// Delete removes a policy. Unknown ids are ignored.
func (p *Policies) Delete(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.policies, id)
}

// IDs lists registered policy ids.
func (p *Policies) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.policies))
	for id := range p.policies {
		ids = append(ids, id)
	}
	return ids
}

// Allowed reports whether the sandbox holding (id, token) may connect to
// hostport. Unknown credentials are never allowed.
func (p *Policies) Allowed(id, token, hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	p.mu.RLock()
	defer p.mu.RUnlock()
	policy, ok := p.policies[id]
	if !ok || policy.Token != token {
		return false
	}
	for _, g := range p.always {
		if g.Match(host) {
			return true
		}
	}
	for _, g := range policy.patterns {
		if g.Match(host) {
			return true
		}
	}
	return false
}
