//go:build unix

package toolproxy

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		group := -cmd.Process.Pid
		if err := unix.Kill(group, unix.SIGTERM); err != nil {
			return unix.Kill(group, unix.SIGKILL)
		}
		go func() {
			time.Sleep(grace)
			// ESRCH once the group has exited is expected.
			_ = unix.Kill(group, unix.SIGKILL)
		}()
		return nil
	}
	cmd.WaitDelay = grace + time.Second
}
