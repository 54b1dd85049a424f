//go:build !unix && !windows

package crawler

import "os/exec"

func configureProcess(*exec.Cmd) {}
