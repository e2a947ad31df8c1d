//go:build !windows

package runner

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in its own process group so Kill
// reaches every process the interpreter spawned.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate sends SIGTERM to the process group of pid.
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

// exitStatus maps the result of cmd.Wait to an exit code and, for a
// signal death, the signal name.
func exitStatus(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return -1, err.Error()
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ee.ExitCode(), ws.Signal().String()
	}
	return ee.ExitCode(), ""
}
