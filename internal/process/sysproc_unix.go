//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureProc puts the child in its own process group so a force kill
// also reaches the helpers it spawned.
func configureProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
