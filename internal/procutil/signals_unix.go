//go:build unix

package procutil

import (
	"os/exec"
	"syscall"
)

// SetProcessGroup puts the child in its own process group so the whole tree
// can be signaled with kill(-pid).
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// SignalGroup delivers sig to the process group of pid, falling back to the
// single process when the group kill fails (child never called setpgid).
func SignalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

// TerminateGroup sends SIGTERM to pid's group.
func TerminateGroup(pid int) error { return SignalGroup(pid, syscall.SIGTERM) }

// KillGroup sends SIGKILL to pid's group.
func KillGroup(pid int) error { return SignalGroup(pid, syscall.SIGKILL) }

// PauseTree SIGSTOPs every process in pids, leaves first (reverse order) so
// parents cannot observe stopped children and react before they freeze.
func PauseTree(pids []int) error {
	var firstErr error
	for i := len(pids) - 1; i >= 0; i-- {
		if err := syscall.Kill(pids[i], syscall.SIGSTOP); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ResumeTree SIGCONTs every process in pids, root first.
func ResumeTree(pids []int) error {
	var firstErr error
	for _, p := range pids {
		if err := syscall.Kill(p, syscall.SIGCONT); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Alive reports whether pid exists (signal 0 probe).
func Alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
