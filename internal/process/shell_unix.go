//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

func getShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}

// configureSysProcAttr puts the child in its own process group so signals
// reach everything it spawns.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers sig to the process group led by pid, falling back to
// the single process when the group is gone.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil {
		return syscall.Kill(pid, sig)
	}
	return nil
}

func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
