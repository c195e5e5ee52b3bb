//go:build windows

package provider

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// setProcGroup puts the subprocess in its own process group so its
// descendants can be signaled together.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

func signalProcessGroup(pid int, sig os.Signal) error {
	if sig == os.Kill {
		return killProcessGroup(pid)
	}
	return terminateProcessGroup(pid)
}

// terminateProcessGroup asks the process tree to close. Without /F,
// taskkill sends WM_CLOSE, the closest Windows equivalent of SIGTERM.
func terminateProcessGroup(pid int) error {
	return exec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}

// killProcessGroup force-kills the whole process tree.
func killProcessGroup(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}
