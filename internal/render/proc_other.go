//go:build !unix

package render

import "os/exec"

// setProcessGroup is a no-op where process groups are unavailable; the
// renderer alone is killed on cancellation.
func setProcessGroup(*exec.Cmd) {}
