//go:build unix

package render

import (
	"os/exec"
	"syscall"
)

// detach moves cmd into a new process group of its own.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
