//go:build windows

package process

import (
	"os"
	"os/exec"
)

func configureProc(cmd *exec.Cmd) {
	// No process groups; Kill only reaches the direct child.
}

func killGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
