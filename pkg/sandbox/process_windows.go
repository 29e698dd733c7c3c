//go:build windows

package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func sysProcAttr(_ Policy) *syscall.SysProcAttr {
	return nil
}

func applyLimits(_ int, _ Policy) error {
	return nil
}

// killProcessGroup kills the child only; Windows has no process groups in
// the POSIX sense.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// NetworkNamespaceSupported is always false; namespaces are Linux only.
func NetworkNamespaceSupported(_ string) bool {
	return false
}
