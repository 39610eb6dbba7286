//go:build !windows

package workstream

import (
	"os/exec"
	"syscall"
)

// setDetachAttr puts the child in its own process group so it survives the
// parent's exit and signals sent to the parent's group.
func setDetachAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// KillProcessGroup signals an entire runner process group. Negative pid
// addresses the group whose leader is pid. Used as the hard stop behind
// cooperative stop requests that a wedged runner ignores.
func KillProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}
