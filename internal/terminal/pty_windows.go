//go:build windows

package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// Windows has no PTY support here; terminal sessions are a Unix
// feature of the host.

func startPTY(cmd *exec.Cmd, cols, rows int) (ptyHandle, error) {
	return nil, fmt.Errorf("terminals are not supported on windows")
}

func loginShell() (string, []string) {
	shell := os.Getenv("COMSPEC")
	if shell == "" {
		shell = "cmd.exe"
	}
	return shell, nil
}

func signalByName(name string) (syscall.Signal, error) {
	return 0, fmt.Errorf("signals are not supported on windows")
}

func signalGroup(pid int, sig syscall.Signal) error {
	return fmt.Errorf("signals are not supported on windows")
}
