//go:build windows

package workstream

import "os/exec"

// setDetachAttr is a no-op on Windows; detached children are managed
// through the control plane rather than process groups.
func setDetachAttr(cmd *exec.Cmd) {}

// KillProcessGroup is a no-op on Windows; stop requests stay cooperative.
func KillProcessGroup(pid int) error {
	return nil
}
