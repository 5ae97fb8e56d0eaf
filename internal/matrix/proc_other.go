//go:build !unix

package matrix

import (
	"os"
	"os/exec"
)

func prepareCommand(*exec.Cmd) {}

func exitCode(state *os.ProcessState) int {
	return state.ExitCode()
}
