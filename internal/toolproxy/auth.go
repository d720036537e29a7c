package toolproxy

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// AuthStatus classifies a tool's host-side login state.
type AuthStatus string

const (
	AuthValid       AuthStatus = "valid"
	AuthNeedsReauth AuthStatus = "needs-reauth"
	AuthError       AuthStatus = "error"
	AuthUnknown     AuthStatus = "unknown"
)

// AuthResult is the cached outcome of a tool's auth check.
type AuthResult struct {
	ToolID    string     `json:"tool_id"`
	Status    AuthStatus `json:"status"`
	Message   string     `json:"message,omitempty"`
	Hint      string     `json:"hint,omitempty"`
	CheckedAt time.Time  `json:"checked_at,omitempty"`
}

const defaultAuthTimeout = 20 * time.Second

// AuthCache remembers the last auth check per tool. Reads never run a
// check; the bridge reports whatever is cached and invocation proceeds
// regardless of the result.
type AuthCache struct {
	mu       sync.Mutex
	results  map[string]AuthResult
	inflight map[string]bool
	timeout  time.Duration
}

func NewAuthCache(timeout time.Duration) *AuthCache {
	if timeout <= 0 {
		timeout = defaultAuthTimeout
	}
	return &AuthCache{
		results:  make(map[string]AuthResult),
		inflight: make(map[string]bool),
		timeout:  timeout,
	}
}

// Status returns the cached result for tool, or AuthUnknown.
func (c *AuthCache) Status(tool Tool) AuthResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.results[tool.ID]; ok {
		return r
	}
	return AuthResult{ToolID: tool.ID, Status: AuthUnknown}
}

// Refresh runs the tool's auth check now and caches the result. Tools
// without a check are always valid.
func (c *AuthCache) Refresh(ctx context.Context, tool Tool) AuthResult {
	result := AuthResult{ToolID: tool.ID, CheckedAt: time.Now().UTC()}
	if len(tool.AuthCheck) == 0 {
		result.Status = AuthValid
		c.store(result)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := runCaptured(ctx, tool.AuthCheck[0], tool.AuthCheck[1:], "")

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.Status = AuthValid
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		result.Status = AuthNeedsReauth
		result.Message = lastLine(out)
		result.Hint = tool.ReauthHint
		if result.Hint == "" && len(tool.ReauthCommand) > 0 {
			result.Hint = "run: " + strings.Join(tool.ReauthCommand, " ")
		}
	default:
		result.Status = AuthError
		result.Message = err.Error()
	}
	c.store(result)
	return result
}

// RefreshAsync starts a background check unless one is already running
// for the tool.
func (c *AuthCache) RefreshAsync(tool Tool) {
	c.mu.Lock()
	if c.inflight[tool.ID] {
		c.mu.Unlock()
		return
	}
	c.inflight[tool.ID] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, tool.ID)
			c.mu.Unlock()
		}()
		c.Refresh(context.Background(), tool)
	}()
}

// Reauth runs the tool's re-auth command on the host and then re-checks.
func (c *AuthCache) Reauth(ctx context.Context, tool Tool) (AuthResult, error) {
	if len(tool.ReauthCommand) == 0 {
		return c.Status(tool), fmt.Errorf("tool %s has no re-auth command", tool.ID)
	}
	out, err := runCaptured(ctx, tool.ReauthCommand[0], tool.ReauthCommand[1:], "")
	if err != nil {
		return c.Refresh(ctx, tool), fmt.Errorf("re-auth %s: %w: %s", tool.ID, err, lastLine(out))
	}
	return c.Refresh(ctx, tool), nil
}

// Forget drops the cached result for a tool.
func (c *AuthCache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.results, id)
}

func (c *AuthCache) store(r AuthResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[r.ToolID] = r
}

func lastLine(out string) string {
	out = strings.TrimSpace(out)
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		return out[i+1:]
	}
	return out
}
