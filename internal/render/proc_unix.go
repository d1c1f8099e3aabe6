//go:build unix

package render

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup starts the renderer in its own process group and makes
// cancellation kill the whole group, including helpers it forked.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}

		return err
	}
}
