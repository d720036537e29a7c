package toolproxy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// killGrace is how long a cancelled tool gets between SIGTERM and SIGKILL.
const killGrace = 3 * time.Second

// safeEnvironment lists the host variables a proxied tool inherits.
// Everything else, including drydock's own secrets loaded from .env, is
// withheld.
var safeEnvironment = []string{
	"PATH",
	"HOME",
	"USER",
	"LANG",
	"LC_ALL",
	"TZ",
	"TERM",
	"TMPDIR",
	"XDG_CONFIG_HOME",
	"SSH_AUTH_SOCK",
}

func sanitizedEnvironment() []string {
	var env []string
	for _, name := range safeEnvironment {
		if value := os.Getenv(name); value != "" {
			env = append(env, fmt.Sprintf("%s=%s", name, value))
		}
	}
	return env
}

// hostCommand builds a command that runs in its own process group so
// cancellation reaches the tool and every child it spawned.
func hostCommand(ctx context.Context, path string, args []string, dir string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir
	cmd.Env = sanitizedEnvironment()
	setProcessGroup(cmd, killGrace)
	return cmd
}

func runCaptured(ctx context.Context, path string, args []string, dir string) (string, error) {
	out, err := hostCommand(ctx, path, args, dir).CombinedOutput()
	return string(out), err
}
