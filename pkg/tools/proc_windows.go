//go:build windows

package tools

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func signalExitCode(state *os.ProcessState) (int, bool) {
	return 0, false
}
