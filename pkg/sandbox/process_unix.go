//go:build unix && !linux

package sandbox

import (
	"errors"
	"os/exec"
	"syscall"
)

// sysProcAttr puts the child in its own process group. Namespaces are not
// available outside Linux; the prelude still disables sockets.
func sysProcAttr(_ Policy) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// applyLimits is a no-op; the prelude applies limits with setrlimit.
func applyLimits(_ int, _ Policy) error {
	return nil
}

// killProcessGroup sends SIGKILL to the child's whole process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// NetworkNamespaceSupported is always false; namespaces are Linux only.
func NetworkNamespaceSupported(_ string) bool {
	return false
}
