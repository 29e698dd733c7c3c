//go:build linux

package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// sysProcAttr puts the child in its own process group and, when requested,
// in fresh user and network namespaces with the caller's IDs mapped through.
func sysProcAttr(p Policy) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if p.NetworkNamespace {
		attr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: os.Getuid(), HostID: os.Getuid(), Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: os.Getgid(), HostID: os.Getgid(), Size: 1}}
		attr.GidMappingsEnableSetgroups = false
	}
	return attr
}

// applyLimits sets resource limits on the running child.
func applyLimits(pid int, p Policy) error {
	var errs []error
	set := func(resource int, v uint64) {
		if v == 0 {
			return
		}
		lim := unix.Rlimit{Cur: v, Max: v}
		if err := unix.Prlimit(pid, resource, &lim, nil); err != nil {
			errs = append(errs, err)
		}
	}
	set(unix.RLIMIT_AS, p.MaxMemoryBytes)
	set(unix.RLIMIT_CPU, p.MaxCPUSeconds)
	set(unix.RLIMIT_NOFILE, p.MaxOpenFiles)
	return errors.Join(errs...)
}

// killProcessGroup sends SIGKILL to the child's whole process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// NetworkNamespaceSupported reports whether interpreter can be started in
// fresh user and network namespaces on this host. Hosts that disable
// unprivileged user namespaces (sysctl or seccomp) fail this check.
func NetworkNamespaceSupported(interpreter string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, interpreter, "-S", "-c", "pass")
	cmd.SysProcAttr = sysProcAttr(Policy{NetworkNamespace: true})
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}
	return cmd.Run() == nil
}
