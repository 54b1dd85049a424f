//go:build unix

package crawler

import (
	"os/exec"
	"syscall"
)

// configureProcess starts the child in its own process group so a kill
// reaches the processes it spawned too.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
